package ot

// EventType identifies which of the three event variants a value holds.
type EventType int

const (
	EventEdit EventType = iota
	EventJoin
	EventLeave
)

// ParticipantID is an opaque unsigned integer assigned by the server. It is
// totally ordered, and that ordering is the only tie-breaker between
// concurrent Inserts/MoveCursors landing at the same position.
type ParticipantID uint64

// Event is a tagged union over Edit, Join and Leave.
type Event struct {
	Type       EventType
	Author     ParticipantID // Edit.author
	Operations []Operation   // Edit.operations
	ID         ParticipantID // Join.id, Leave.id
}

// NewEdit builds an Edit event. The operations slice is copied so the
// caller's own slice is never aliased by a subsequent Transform.
func NewEdit(author ParticipantID, ops []Operation) Event {
	cp := make([]Operation, len(ops))
	copy(cp, ops)
	return Event{Type: EventEdit, Author: author, Operations: cp}
}

// NewJoin builds a Join event.
func NewJoin(id ParticipantID) Event {
	return Event{Type: EventJoin, ID: id}
}

// NewLeave builds a Leave event.
func NewLeave(id ParticipantID) Event {
	return Event{Type: EventLeave, ID: id}
}

// Transform rewrites ev's operations in place against every operation of
// other, in order. Join and Leave never carry operations, so transforming
// against or through them is a no-op.
func (ev *Event) Transform(other Event) {
	if ev.Type != EventEdit || other.Type != EventEdit {
		return
	}

	hasPriority := ev.Author < other.Author

	for _, o := range other.Operations {
		var next []Operation
		for _, op := range ev.Operations {
			next = append(next, op.Transform(o, hasPriority)...)
		}
		ev.Operations = next
	}
}
