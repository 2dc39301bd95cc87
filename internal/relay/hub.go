// Package relay is the reference server-side component: it assigns
// participant ids, holds the authoritative document for a room, validates
// and applies inbound ClientEdits, and rebroadcasts the resulting
// ServerEvent to every connected participant. The wire format in
// internal/protocol is normative; this package's sequencing policy is not
// (see the spec's server-ordering note), but it is grounded in the
// editor's original hub/register/broadcast loop.
package relay

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/wikisync/core/internal/document"
	"github.com/wikisync/core/internal/protocol"
	"github.com/wikisync/core/internal/store"
	"github.com/wikisync/core/pkg/ot"
)

// Conn is the relay-side transport boundary: receive ClientMessages, send
// ServerMessages. wsadapter.RelayConn implements it.
type Conn interface {
	Send(ctx context.Context, msg protocol.ServerMessage) error
	Messages() <-chan protocol.ClientMessage
	Err() <-chan error
	Close() error
}

// client is a single connected participant within a Hub.
type client struct {
	id   ot.ParticipantID
	conn Conn
}

// Hub owns one document's authoritative state and every participant
// currently editing it.
type Hub struct {
	mu      sync.Mutex
	docID   string
	doc     *document.Document
	clients map[ot.ParticipantID]*client
	nextID  ot.ParticipantID

	log     *zap.Logger
	metrics *Metrics
	store   *store.Store // may be nil: in-memory only
}

// NewHub creates an empty-document hub. Call Restore before accepting
// connections if a persisted snapshot should seed it.
func NewHub(docID string, log *zap.Logger, metrics *Metrics, st *store.Store) *Hub {
	return &Hub{
		docID:   docID,
		doc:     document.New(),
		clients: make(map[ot.ParticipantID]*client),
		nextID:  1,
		log:     log,
		metrics: metrics,
		store:   st,
	}
}

// Restore loads a persisted snapshot, if one exists, seeding the document
// before any participant connects.
func (h *Hub) Restore(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	snap, err := h.store.LoadSnapshot(ctx, h.docID)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	participants := make(map[ot.ParticipantID]document.Participant, len(snap.Participants))
	for _, p := range snap.Participants {
		participants[ot.ParticipantID(p.ID)] = document.Participant{CursorPos: p.CursorPos}
	}
	h.mu.Lock()
	h.doc.LoadDocument(snap.Seq, snap.Content, participants)
	for id := range participants {
		if id >= h.nextID {
			h.nextID = id + 1
		}
	}
	h.mu.Unlock()
	return nil
}

// Snapshot returns the wire-shaped Document a newly joining client should
// render before its websocket handshake completes.
func (h *Hub) Snapshot() protocol.Document {
	h.mu.Lock()
	defer h.mu.Unlock()
	return protocol.Document{
		Content:      h.doc.GetValue(),
		Participants: h.participantsLocked(),
	}
}

func (h *Hub) participantsLocked() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(h.clients))
	for id := range h.clients {
		pos, _ := h.doc.GetParticipantPosition(id)
		out = append(out, protocol.Participant{ID: uint32(id), CursorPos: pos})
	}
	return out
}

// Join assigns a participant id to conn, admits it into the document and
// the client roster, and sends the Connected handshake frame. The returned
// id identifies the connection for Leave and dispatch.
func (h *Hub) Join(ctx context.Context, conn Conn) (ot.ParticipantID, error) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	seq := h.doc.Seq() + 1
	if err := h.doc.AddParticipant(seq, id, document.Participant{}); err != nil {
		h.mu.Unlock()
		return 0, err
	}
	h.clients[id] = &client{id: id, conn: conn}
	active := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
		if active == 1 {
			h.metrics.DocumentsActive.Inc()
		}
	}
	if h.log != nil {
		h.log.Info("participant joined", zap.String("doc", h.docID), zap.Uint64("id", uint64(id)))
	}

	if err := conn.Send(ctx, protocol.ServerMessage{Connected: &protocol.Connected{ID: uint32(id)}}); err != nil {
		return id, err
	}
	h.broadcastExcept(ctx, id, seq, 0, ot.NewJoin(id), true)
	return id, nil
}

// Leave removes id from the roster, the document, and notifies everyone
// else.
func (h *Hub) Leave(ctx context.Context, id ot.ParticipantID) {
	h.mu.Lock()
	if _, ok := h.clients[id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, id)
	seq := h.doc.Seq() + 1
	_ = h.doc.RemoveParticipant(seq, id)
	active := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveConnections.Dec()
		if active == 0 {
			h.metrics.DocumentsActive.Dec()
		}
	}
	if h.log != nil {
		h.log.Info("participant left", zap.String("doc", h.docID), zap.Uint64("id", uint64(id)))
	}

	h.broadcastExcept(ctx, id, seq, 0, ot.NewLeave(id), true)
	h.persistSnapshot(ctx)
}

// HandleClientEdit validates and applies an inbound ClientEdit authored by
// id, then rebroadcasts the resulting event. Rejections are logged and
// counted but otherwise silent, matching the wire format's lack of a NACK
// frame.
func (h *Hub) HandleClientEdit(ctx context.Context, id ot.ParticipantID, edit *protocol.ClientEdit) {
	ops := make([]ot.Operation, len(edit.Operations))
	for i, wireOp := range edit.Operations {
		op, err := wireOp.ToOperation()
		if err != nil {
			h.reject(id, "unknown_tag", err)
			return
		}
		ops[i] = op
	}
	ev := ot.NewEdit(id, ops)

	h.mu.Lock()
	if err := h.doc.CanApply(ev); err != nil {
		h.mu.Unlock()
		h.reject(id, rejectReason(err), err)
		return
	}
	seq := h.doc.Seq() + 1
	_ = h.doc.ApplyEvent(seq, ev)
	h.mu.Unlock()

	h.broadcastExcept(ctx, id, seq, edit.ClientSeq, ev, false)
	h.logEvent(ctx, seq, edit.ClientSeq, ev)

	if edit.ClientSeq%20 == 0 {
		h.persistSnapshot(ctx)
	}
}

// broadcastExcept sends ev to every connected client, optionally skipping
// authorID entirely (used for Join/Leave, which the author already knows
// about from its own action). When authorID is not skipped, it receives
// ackClientSeq as the event's client_seq (its own ack); everyone else
// always receives 0, since the event does not acknowledge anything of
// theirs.
func (h *Hub) broadcastExcept(ctx context.Context, authorID ot.ParticipantID, seq, ackClientSeq uint64, ev ot.Event, excludeAuthor bool) {
	wireEv := protocol.FromEvent(ev)

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if excludeAuthor && c.id == authorID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		clientSeq := uint64(0)
		if c.id == authorID {
			clientSeq = ackClientSeq
		}
		msg := protocol.ServerMessage{Event: &protocol.ServerEventPayload{
			Seq:       seq,
			ClientSeq: clientSeq,
			Event:     wireEv,
		}}
		if err := c.conn.Send(ctx, msg); err != nil && h.log != nil {
			h.log.Warn("send failed", zap.Uint64("id", uint64(c.id)), zap.Error(err))
		}
	}
	if h.metrics != nil {
		h.metrics.EventsBroadcast.Inc()
	}
}

func (h *Hub) reject(id ot.ParticipantID, reason string, err error) {
	if h.metrics != nil {
		h.metrics.EditsRejected.WithLabelValues(reason).Inc()
	}
	if h.log != nil {
		h.log.Warn("rejected edit", zap.Uint64("id", uint64(id)), zap.String("reason", reason), zap.Error(err))
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, document.ErrOutsideDocument):
		return "outside_document"
	case errors.Is(err, document.ErrInvalidOperation):
		return "invalid_operation"
	default:
		return "unknown"
	}
}

func (h *Hub) logEvent(ctx context.Context, seq, clientSeq uint64, ev ot.Event) {
	if h.store == nil {
		return
	}
	err := h.store.AppendEvent(ctx, store.LoggedEvent{
		DocID:     h.docID,
		Seq:       seq,
		ClientSeq: clientSeq,
		Event:     protocol.FromEvent(ev),
	})
	if err != nil && h.log != nil {
		h.log.Error("append event failed", zap.Error(err))
	}
}

func (h *Hub) persistSnapshot(ctx context.Context) {
	if h.store == nil {
		return
	}
	h.mu.Lock()
	snap := store.Snapshot{
		DocID:        h.docID,
		Seq:          h.doc.Seq(),
		Content:      h.doc.GetValue(),
		Participants: h.participantsLocked(),
	}
	h.mu.Unlock()

	if err := h.store.SaveSnapshot(ctx, snap); err != nil && h.log != nil {
		h.log.Error("save snapshot failed", zap.Error(err))
	}
}
