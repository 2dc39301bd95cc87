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

// RelayConn is the relay-side mirror of Adapter: it reads ClientMessage
// frames and writes ServerMessage frames over the same connection shape.
type RelayConn struct {
	conn     *websocket.Conn
	send     chan protocol.ServerMessage
	messages chan protocol.ClientMessage
	errs     chan error
	closed   chan struct{}
}

// NewRelayConn wraps an accepted connection and starts its pumps.
func NewRelayConn(conn *websocket.Conn) *RelayConn {
	r := &RelayConn{
		conn:     conn,
		send:     make(chan protocol.ServerMessage, sendBuffer),
		messages: make(chan protocol.ClientMessage, sendBuffer),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
	go r.readPump()
	go r.writePump()
	return r
}

func (r *RelayConn) readPump() {
	defer close(r.messages)
	defer r.conn.Close()

	r.conn.SetReadLimit(maxMessageSize)
	r.conn.SetReadDeadline(time.Now().Add(pongWait))
	r.conn.SetPongHandler(func(string) error {
		r.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				r.fail(fmt.Errorf("wsadapter: read: %w", err))
			}
			return
		}
		raw = bytes.TrimSpace(raw)

		msg, err := protocol.ParseClientMessage(raw)
		if err != nil {
			r.fail(fmt.Errorf("wsadapter: decode: %w", err))
			return
		}
		select {
		case r.messages <- msg:
		case <-r.closed:
			return
		}
	}
}

func (r *RelayConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer r.conn.Close()

	for {
		select {
		case msg, ok := <-r.send:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				r.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				r.fail(fmt.Errorf("wsadapter: encode: %w", err))
				continue
			}
			if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.fail(fmt.Errorf("wsadapter: write: %w", err))
				return
			}
		case <-ticker.C:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.closed:
			return
		}
	}
}

func (r *RelayConn) fail(err error) {
	select {
	case r.errs <- err:
	default:
	}
}

// Send queues a ServerMessage for delivery.
func (r *RelayConn) Send(ctx context.Context, msg protocol.ServerMessage) error {
	select {
	case r.send <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.closed:
		return fmt.Errorf("wsadapter: send on closed connection")
	}
}

// Messages returns the decoded inbound ClientMessage stream.
func (r *RelayConn) Messages() <-chan protocol.ClientMessage { return r.messages }

// Err returns the single fatal error channel.
func (r *RelayConn) Err() <-chan error { return r.errs }

// Close shuts down both pumps and the underlying connection.
func (r *RelayConn) Close() error {
	select {
	case <-r.closed:
		return nil
	default:
		close(r.closed)
	}
	return r.conn.Close()
}
