// Package transport defines the boundary between a session and whatever
// carries its frames: a websocket today, conceivably something else
// tomorrow. Everything above this package speaks only in protocol types.
package transport

import (
	"context"

	"github.com/wikisync/core/internal/protocol"
)

// Transport moves ClientMessage/ServerMessage frames to and from a relay.
// Implementations own reconnection policy, if any; a Transport that closes
// is done for good.
type Transport interface {
	// Send encodes and writes msg. Send may block until the frame is
	// queued, but must not block waiting for a response.
	Send(ctx context.Context, msg protocol.ClientMessage) error

	// Messages yields decoded inbound frames in arrival order. The channel
	// is closed when the transport shuts down cleanly.
	Messages() <-chan protocol.ServerMessage

	// Err yields a single fatal error (connection drop, decode failure)
	// and then is never sent to again. A Transport that closes cleanly
	// need not send anything here.
	Err() <-chan error

	// Close releases the underlying connection. Safe to call more than
	// once.
	Close() error
}
