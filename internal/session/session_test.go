package session

import (
	"context"
	"errors"
	"testing"

	"github.com/wikisync/core/internal/protocol"
	"github.com/wikisync/core/pkg/ot"
)

// fakeTransport records every ClientMessage handed to Send and lets a test
// push ServerMessages onto Messages() at will.
type fakeTransport struct {
	sent     []protocol.ClientMessage
	messages chan protocol.ServerMessage
	errs     chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		messages: make(chan protocol.ServerMessage, 16),
		errs:     make(chan error, 1),
	}
}

func (f *fakeTransport) Send(_ context.Context, msg protocol.ClientMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeTransport) Messages() <-chan protocol.ServerMessage { return f.messages }
func (f *fakeTransport) Err() <-chan error                       { return f.errs }
func (f *fakeTransport) Close() error                            { return nil }

func (f *fakeTransport) push(msg protocol.ServerMessage) {
	f.messages <- msg
}

func serverEvent(seq, clientSeq uint64, ev ot.Event) protocol.ServerMessage {
	return protocol.ServerMessage{Event: &protocol.ServerEventPayload{
		Seq:       seq,
		ClientSeq: clientSeq,
		Event:     protocol.FromEvent(ev),
	}}
}

// S6: two flushed writes leave two unacknowledged ClientEdits; a ServerEvent
// acking the first client_seq drops the sent buffer to one, and acking the
// second drops it to zero.
func TestAckPruning(t *testing.T) {
	tr := newFakeTransport()
	sched := &ManualScheduler{}
	s := New(tr, sched, nil)
	s.receiveConnected(protocol.Connected{ID: 1})

	s.Write([]ot.Operation{ot.NewInsert(0, "a")})
	sched.RunPending()
	s.Write([]ot.Operation{ot.NewInsert(1, "b")})
	sched.RunPending()

	if got := s.SentCount(); got != 2 {
		t.Fatalf("want 2 unacked edits, got %d", got)
	}

	if err := s.Receive(serverEvent(1, 1, ot.NewJoin(2))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.SentCount(); got != 1 {
		t.Fatalf("want 1 unacked edit after acking client_seq=1, got %d", got)
	}

	if err := s.Receive(serverEvent(2, 2, ot.NewJoin(3))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.SentCount(); got != 0 {
		t.Fatalf("want 0 unacked edits after acking client_seq=2, got %d", got)
	}
}

// S7: an Insert followed by a MoveCursor in the same tick flushes as a
// single ClientEdit containing only the Insert.
func TestFlushNormalizationDropsTrailingCursorNoop(t *testing.T) {
	tr := newFakeTransport()
	sched := &ManualScheduler{}
	s := New(tr, sched, nil)

	s.Write([]ot.Operation{ot.NewInsert(0, "test")})
	s.Write([]ot.Operation{ot.NewMoveCursor(4)})
	sched.RunPending()

	if len(tr.sent) != 1 {
		t.Fatalf("want exactly one ClientEdit sent, got %d", len(tr.sent))
	}
	ops := tr.sent[0].ClientEdit.Operations
	if len(ops) != 1 || ops[0].Insert == nil {
		t.Fatalf("want a single Insert operation, got %+v", ops)
	}
}

// A trailing cursor move IS kept when it actually moves the cursor from
// wherever the last flushed operation left it.
func TestFlushNormalizationKeepsMovingCursor(t *testing.T) {
	tr := newFakeTransport()
	sched := &ManualScheduler{}
	s := New(tr, sched, nil)

	s.Write([]ot.Operation{ot.NewInsert(0, "test")}) // cursor after: 4
	sched.RunPending()
	s.Write([]ot.Operation{ot.NewMoveCursor(0)})
	sched.RunPending()

	if len(tr.sent) != 2 {
		t.Fatalf("want two ClientEdits sent, got %d", len(tr.sent))
	}
	ops := tr.sent[1].ClientEdit.Operations
	if len(ops) != 1 || ops[0].MoveCursor == nil {
		t.Fatalf("want the MoveCursor kept, got %+v", ops)
	}
}

// Only the last cursor-only operation in a batch is a keep candidate; a
// cursor move buried in the middle of the outbox is always dropped.
func TestFlushNormalizationDropsMidBatchCursor(t *testing.T) {
	tr := newFakeTransport()
	sched := &ManualScheduler{}
	s := New(tr, sched, nil)

	s.Write([]ot.Operation{
		ot.NewMoveCursor(2),
		ot.NewInsert(0, "x"),
	})
	sched.RunPending()

	ops := tr.sent[0].ClientEdit.Operations
	if len(ops) != 1 || ops[0].Insert == nil {
		t.Fatalf("want only the Insert kept, got %+v", ops)
	}
}

func TestReceiveConnectedTwiceIsFatal(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, &ManualScheduler{}, nil)

	if err := s.Receive(protocol.ServerMessage{Connected: &protocol.Connected{ID: 1}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := s.Receive(protocol.ServerMessage{Connected: &protocol.Connected{ID: 2}})
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("want ErrAlreadyConnected, got %v", err)
	}
}

// A ServerEvent transforms through every operation still in the sent
// buffer, in order, before it is forwarded.
func TestReceiveTransformsAgainstUnackedEdits(t *testing.T) {
	tr := newFakeTransport()
	sched := &ManualScheduler{}
	s := New(tr, sched, nil)
	s.receiveConnected(protocol.Connected{ID: 1}) // local author id 1

	// Locally queued, unacknowledged: insert "XY" at 0.
	s.Write([]ot.Operation{ot.NewInsert(0, "XY")})
	sched.RunPending()

	// Remote (author 2) insert "Z" also at 0. Author 1 (us) is lower and
	// wins the tie, so the remote insert transforms to stay put at 0
	// rather than shift past our still-unacknowledged XY.
	remote := ot.NewEdit(2, []ot.Operation{ot.NewInsert(0, "Z")})
	if err := s.Receive(serverEvent(1, 0, remote)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case out := <-s.Messages():
		ev, err := out.Event.Event.ToEvent()
		if err != nil {
			t.Fatalf("ToEvent: %v", err)
		}
		if len(ev.Operations) != 1 {
			t.Fatalf("want 1 operation after transform, got %d", len(ev.Operations))
		}
		ins := ev.Operations[0]
		if ins.Pos != 0 {
			t.Errorf("lower-id author wins the tie, want pos 0, got %d", ins.Pos)
		}
	default:
		t.Fatal("expected a transformed message on Messages()")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, &ManualScheduler{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err != context.Canceled {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestWriteOnEmptyOutboxSchedulesExactlyOneFlush(t *testing.T) {
	tr := newFakeTransport()
	sched := &ManualScheduler{}
	s := New(tr, sched, nil)

	s.Write([]ot.Operation{ot.NewInsert(0, "a")})
	s.Write([]ot.Operation{ot.NewInsert(1, "b")})

	if got := sched.Pending(); got != 1 {
		t.Fatalf("want exactly one scheduled flush for a non-empty outbox, got %d", got)
	}
}
