// Package session implements the client-side session state machine: an
// outbox of locally authored operations, a flush step that normalizes them
// into ClientEdits, a sent buffer of unacknowledged ClientEdits, and the
// ack-pruning/transform step that reconciles an inbound ServerEvent against
// everything still in flight before handing it to the content layer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wikisync/core/internal/document"
	"github.com/wikisync/core/internal/protocol"
	"github.com/wikisync/core/internal/transport"
	"github.com/wikisync/core/pkg/ot"
)

// ErrAlreadyConnected is returned if a second Connected frame arrives on a
// session that already has a participant id. It is fatal for the session.
var ErrAlreadyConnected = errors.New("session: received Connected twice")

// ClientEdit is a batch of locally-authored operations flushed together,
// still awaiting acknowledgement from the relay.
type ClientEdit struct {
	ParentSeq  uint64
	ClientSeq  uint64
	Operations []ot.Operation
}

// ChangePublisher receives normalized local edits once they have been
// flushed to the transport. *document.Document satisfies this.
type ChangePublisher interface {
	PublishChange(document.Change)
}

// Session is the client-side state machine described above. All exported
// methods are safe for concurrent use; Write is expected to be called from
// the editing/UI goroutine while Run drives inbound traffic on its own
// goroutine.
type Session struct {
	mu sync.Mutex

	transport transport.Transport
	scheduler Scheduler
	publisher ChangePublisher

	seq               uint64
	clientSeq         uint64
	participantID     ot.ParticipantID
	haveParticipantID bool

	outbox        []ot.Operation
	lastOperation *ot.Operation
	sent          []ClientEdit

	messages chan protocol.ServerMessage
}

// New creates a session bound to transport, using scheduler to coalesce
// flushes. publisher may be nil if the caller has no use for change
// notifications (e.g. a headless relay-side test harness).
func New(t transport.Transport, scheduler Scheduler, publisher ChangePublisher) *Session {
	return &Session{
		transport: t,
		scheduler: scheduler,
		publisher: publisher,
		messages:  make(chan protocol.ServerMessage, 16),
	}
}

// Messages returns the stream of inbound server messages, already
// transformed against everything still in the sent buffer.
func (s *Session) Messages() <-chan protocol.ServerMessage { return s.messages }

// ParticipantID returns the id assigned by Connected and whether it has
// arrived yet.
func (s *Session) ParticipantID() (ot.ParticipantID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantID, s.haveParticipantID
}

// Write appends locally authored operations to the outbox. If the outbox
// was empty, a flush is scheduled for the next tick so that several Write
// calls within the same tick coalesce into one ClientEdit.
func (s *Session) Write(ops []ot.Operation) {
	if len(ops) == 0 {
		return
	}
	s.mu.Lock()
	wasEmpty := len(s.outbox) == 0
	s.outbox = append(s.outbox, ops...)
	s.mu.Unlock()

	if wasEmpty {
		s.scheduler.Schedule(s.flush)
	}
}

// flush drains the outbox, keeps content-changing operations and at most
// the trailing cursor-only operation when it actually moves the cursor,
// and sends the result as a single ClientEdit.
func (s *Session) flush() {
	s.mu.Lock()
	ops := s.outbox
	s.outbox = nil
	last := s.lastOperation

	prepared := make([]ot.Operation, 0, len(ops))
	for i, op := range ops {
		keep := op.ContentChanging()
		if !keep && i == len(ops)-1 {
			keep = last == nil || op.CursorPositionAfter() != last.CursorPositionAfter()
		}
		if keep {
			opCopy := op
			prepared = append(prepared, op)
			last = &opCopy
		}
	}

	if len(prepared) == 0 {
		s.mu.Unlock()
		return
	}

	s.clientSeq++
	edit := ClientEdit{ParentSeq: s.seq, ClientSeq: s.clientSeq, Operations: prepared}
	s.sent = append(s.sent, edit)
	s.lastOperation = last
	parentSeq := s.seq
	s.mu.Unlock()

	wireOps := make([]protocol.Operation, len(prepared))
	for i, op := range prepared {
		wireOps[i] = protocol.FromOperation(op)
	}
	msg := protocol.ClientMessage{ClientEdit: &protocol.ClientEdit{
		ParentSeq:  edit.ParentSeq,
		ClientSeq:  edit.ClientSeq,
		Operations: wireOps,
	}}
	// The transport send is best-effort from the state machine's point of
	// view: a failure surfaces on transport.Err() and terminates Run, at
	// which point the caller is responsible for reconnecting and replaying
	// the sent buffer against a fresh ParentSeq.
	_ = s.transport.Send(context.Background(), msg)

	if s.publisher != nil {
		s.publisher.PublishChange(document.Change{ParentSeq: parentSeq, Operations: prepared})
	}
}

// Receive processes a single inbound server message: Connected assigns the
// participant id (fatal if it arrives twice), and a ServerEvent prunes the
// sent buffer, transforms the event against everything still unacknowledged,
// and forwards the transformed event on Messages.
func (s *Session) Receive(msg protocol.ServerMessage) error {
	switch {
	case msg.Connected != nil:
		return s.receiveConnected(*msg.Connected)
	case msg.Event != nil:
		return s.receiveServerEvent(*msg.Event)
	default:
		return fmt.Errorf("session: empty server message")
	}
}

func (s *Session) receiveConnected(c protocol.Connected) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveParticipantID {
		return ErrAlreadyConnected
	}
	s.participantID = ot.ParticipantID(c.ID)
	s.haveParticipantID = true
	return nil
}

func (s *Session) receiveServerEvent(payload protocol.ServerEventPayload) error {
	ev, err := payload.Event.ToEvent()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.seq = payload.Seq

	pruned := s.sent[:0]
	for _, e := range s.sent {
		if e.ClientSeq > payload.ClientSeq {
			pruned = append(pruned, e)
		}
	}
	s.sent = pruned

	for _, unacked := range s.sent {
		wrapped := ot.NewEdit(s.participantID, unacked.Operations)
		ev.Transform(wrapped)
	}
	s.lastOperation = nil
	s.mu.Unlock()

	out := protocol.ServerMessage{Event: &protocol.ServerEventPayload{
		Seq:       payload.Seq,
		ClientSeq: payload.ClientSeq,
		Event:     protocol.FromEvent(ev),
	}}
	select {
	case s.messages <- out:
	default:
		// A slow consumer must not block the inbound pump; it will simply
		// see a gap. Sizing Messages' buffer generously keeps this rare.
	}
	return nil
}

// Run drains transport.Messages() until ctx is cancelled, the transport
// closes, or a Receive call returns an error (Connected twice, or an
// unknown-tag Event). It is meant to run on its own goroutine.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-s.transport.Err():
			if ok {
				return err
			}
		case msg, ok := <-s.transport.Messages():
			if !ok {
				return nil
			}
			if err := s.Receive(msg); err != nil {
				return err
			}
		}
	}
}

// SentCount reports how many ClientEdits are still unacknowledged. Exposed
// for tests and diagnostics.
func (s *Session) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}
