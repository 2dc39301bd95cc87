package relay

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wikisync/core/internal/protocol"
	"github.com/wikisync/core/pkg/ot"
)

type fakeConn struct {
	sent chan protocol.ServerMessage
}

func newFakeConn() *fakeConn {
	return &fakeConn{sent: make(chan protocol.ServerMessage, 16)}
}

func (f *fakeConn) Send(_ context.Context, msg protocol.ServerMessage) error {
	f.sent <- msg
	return nil
}
func (f *fakeConn) Messages() <-chan protocol.ClientMessage { return nil }
func (f *fakeConn) Err() <-chan error                       { return nil }
func (f *fakeConn) Close() error                             { return nil }

func newTestHub() *Hub {
	return NewHub("doc-1", nil, NewMetrics(prometheus.NewRegistry()), nil)
}

func TestJoinAssignsSequentialIDs(t *testing.T) {
	h := newTestHub()
	ctx := context.Background()

	c1 := newFakeConn()
	id1, err := h.Join(ctx, c1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != 1 {
		t.Fatalf("want id 1, got %d", id1)
	}
	msg := <-c1.sent
	if msg.Connected == nil || msg.Connected.ID != 1 {
		t.Fatalf("want Connected{ID:1}, got %+v", msg)
	}

	c2 := newFakeConn()
	id2, err := h.Join(ctx, c2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id2 != 2 {
		t.Fatalf("want id 2, got %d", id2)
	}

	// c1 should see a Join event for participant 2.
	joinMsg := <-c1.sent
	if joinMsg.Event == nil {
		t.Fatalf("want an Event message, got %+v", joinMsg)
	}
	ev, err := joinMsg.Event.Event.ToEvent()
	if err != nil || ev.Type != ot.EventJoin || ev.ID != 2 {
		t.Fatalf("want Join{id:2}, got %+v (err=%v)", ev, err)
	}
}

func TestHandleClientEditBroadcastsWithPerRecipientAck(t *testing.T) {
	h := newTestHub()
	ctx := context.Background()

	author := newFakeConn()
	authorID, _ := h.Join(ctx, author)
	other := newFakeConn()
	_, _ = h.Join(ctx, other)
	<-author.sent // Connected
	<-author.sent // Join(other)
	<-other.sent  // Connected

	edit := &protocol.ClientEdit{
		ParentSeq:  0,
		ClientSeq:  1,
		Operations: []protocol.Operation{protocol.FromOperation(ot.NewInsert(0, "hi"))},
	}
	h.HandleClientEdit(ctx, authorID, edit)

	authorMsg := <-author.sent
	if authorMsg.Event == nil || authorMsg.Event.ClientSeq != 1 {
		t.Fatalf("author should see its own client_seq echoed, got %+v", authorMsg)
	}

	otherMsg := <-other.sent
	if otherMsg.Event == nil || otherMsg.Event.ClientSeq != 0 {
		t.Fatalf("non-author should see client_seq 0, got %+v", otherMsg)
	}
}

func TestHandleClientEditRejectsOutOfBounds(t *testing.T) {
	h := newTestHub()
	ctx := context.Background()

	author := newFakeConn()
	authorID, _ := h.Join(ctx, author)
	<-author.sent // Connected

	edit := &protocol.ClientEdit{
		ClientSeq:  1,
		Operations: []protocol.Operation{protocol.FromOperation(ot.NewDelete(0, 5))},
	}
	h.HandleClientEdit(ctx, authorID, edit)

	select {
	case msg := <-author.sent:
		t.Fatalf("rejected edit must not be broadcast, got %+v", msg)
	default:
	}
}

func TestLeaveRemovesParticipantAndBroadcasts(t *testing.T) {
	h := newTestHub()
	ctx := context.Background()

	c1 := newFakeConn()
	id1, _ := h.Join(ctx, c1)
	<-c1.sent // Connected

	c2 := newFakeConn()
	_, _ = h.Join(ctx, c2)
	<-c1.sent // Join(2)
	<-c2.sent // Connected

	h.Leave(ctx, id1)

	msg := <-c2.sent
	ev, err := msg.Event.Event.ToEvent()
	if err != nil || ev.Type != ot.EventLeave || ev.ID != id1 {
		t.Fatalf("want Leave event for %d, got %+v (err=%v)", id1, ev, err)
	}
}
