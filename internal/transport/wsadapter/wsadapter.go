// Package wsadapter implements transport.Transport over a gorilla/websocket
// connection, carrying the read/write pump split the editor's client
// connection handler uses: one goroutine reads and decodes frames, one
// goroutine serializes writes and keeps the connection alive with pings.
package wsadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wikisync/core/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// Adapter is a transport.Transport backed by a single websocket connection.
// The zero value is not usable; build one with New.
type Adapter struct {
	conn     *websocket.Conn
	send     chan protocol.ClientMessage
	messages chan protocol.ServerMessage
	errs     chan error
	closed   chan struct{}
}

// New wraps an already-established connection and starts its read/write
// pumps. The read pump decodes every frame with protocol.ParseServerMessage;
// the relay side uses NewRelayConn instead.
func New(conn *websocket.Conn) *Adapter {
	a := &Adapter{
		conn:     conn,
		send:     make(chan protocol.ClientMessage, sendBuffer),
		messages: make(chan protocol.ServerMessage, sendBuffer),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
	go a.readPump()
	go a.writePump()
	return a
}

func (a *Adapter) readPump() {
	defer close(a.messages)
	defer a.conn.Close()

	a.conn.SetReadLimit(maxMessageSize)
	a.conn.SetReadDeadline(time.Now().Add(pongWait))
	a.conn.SetPongHandler(func(string) error {
		a.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				a.fail(fmt.Errorf("wsadapter: read: %w", err))
			}
			return
		}
		raw = bytes.TrimSpace(raw)

		msg, err := protocol.ParseServerMessage(raw)
		if err != nil {
			a.fail(fmt.Errorf("wsadapter: decode: %w", err))
			return
		}
		select {
		case a.messages <- msg:
		case <-a.closed:
			return
		}
	}
}

func (a *Adapter) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer a.conn.Close()

	for {
		select {
		case msg, ok := <-a.send:
			a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				a.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				a.fail(fmt.Errorf("wsadapter: encode: %w", err))
				continue
			}
			if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				a.fail(fmt.Errorf("wsadapter: write: %w", err))
				return
			}
		case <-ticker.C:
			a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := a.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-a.closed:
			return
		}
	}
}

func (a *Adapter) fail(err error) {
	select {
	case a.errs <- err:
	default:
	}
}

// Send queues msg for the write pump. It returns ctx.Err() if ctx is done
// before the frame can be queued, or an error if the transport has closed.
func (a *Adapter) Send(ctx context.Context, msg protocol.ClientMessage) error {
	select {
	case a.send <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.closed:
		return fmt.Errorf("wsadapter: send on closed transport")
	}
}

// Messages returns the decoded inbound frame stream.
func (a *Adapter) Messages() <-chan protocol.ServerMessage { return a.messages }

// Err returns the single fatal error channel.
func (a *Adapter) Err() <-chan error { return a.errs }

// Close shuts down both pumps and the underlying connection. Safe to call
// more than once.
func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		return nil
	default:
		close(a.closed)
	}
	return a.conn.Close()
}
