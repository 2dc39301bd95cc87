// Package document implements the content model: the authoritative local
// text plus per-participant cursor positions, and the rules by which
// events are validated and applied.
package document

import (
	"errors"
	"fmt"

	"github.com/wikisync/core/pkg/ot"
)

// Sentinel error kinds. Every validation failure wraps exactly one of
// these, so callers can branch with errors.Is.
var (
	// ErrOutsideDocument means an operation referenced an index beyond the
	// current content length.
	ErrOutsideDocument = errors.New("document: operation outside document bounds")
	// ErrInvalidOperation means a Delete with start > end, a Join for an
	// id already present, or a Leave/Edit for an id that is not present.
	ErrInvalidOperation = errors.New("document: invalid operation")
)

// Participant tracks a connected author's cursor bookmark.
type Participant struct {
	CursorPos uint32
}

// Change is emitted whenever a local edit produces one or more normalized
// outgoing operations (see internal/session for the normalization rules).
type Change struct {
	ParentSeq  uint64
	Operations []ot.Operation
}

// Document is the authoritative local text plus the participant roster. It
// is owned by the content layer; a session only ever bookkeeps around it,
// never holds the text itself.
type Document struct {
	content      []rune
	participants map[ot.ParticipantID]*Participant
	seq          uint64
	localID      ot.ParticipantID
	haveLocalID  bool
	changes      chan Change
}

// New creates an empty document with no participants.
func New() *Document {
	return &Document{
		participants: make(map[ot.ParticipantID]*Participant),
		changes:      make(chan Change, 16),
	}
}

// LoadDocument initializes content and the participant set and sets the
// current seq, discarding whatever state existed before.
func (d *Document) LoadDocument(seq uint64, content string, participants map[ot.ParticipantID]Participant) {
	d.content = []rune(content)
	d.seq = seq
	d.participants = make(map[ot.ParticipantID]*Participant, len(participants))
	for id, p := range participants {
		cp := p
		d.participants[id] = &cp
	}
}

// SetLocalID records which participant id is "us". It may be set exactly
// once; a second call is a programmer error and panics, matching the
// spec's invariant that Connected arrives exactly once.
func (d *Document) SetLocalID(id ot.ParticipantID) {
	if d.haveLocalID {
		panic("document: local participant id set more than once")
	}
	d.localID = id
	d.haveLocalID = true
}

// Seq returns the current server sequence the document reflects.
func (d *Document) Seq() uint64 { return d.seq }

// Len returns the document's content length in characters.
func (d *Document) Len() uint32 { return uint32(len(d.content)) }

// GetValue returns the current content.
func (d *Document) GetValue() string { return string(d.content) }

// GetParticipantPosition returns id's cursor bookmark and whether id is
// known.
func (d *Document) GetParticipantPosition(id ot.ParticipantID) (uint32, bool) {
	p, ok := d.participants[id]
	if !ok {
		return 0, false
	}
	return p.CursorPos, true
}

// SetParticipantPosition updates id's cursor bookmark directly, without
// going through an operation (used for purely local cursor bookkeeping
// before a MoveCursor operation has even been generated).
func (d *Document) SetParticipantPosition(id ot.ParticipantID, pos uint32) {
	if p, ok := d.participants[id]; ok {
		p.CursorPos = pos
	}
}

// Changes returns the channel of normalized local-edit notifications.
func (d *Document) Changes() <-chan Change { return d.changes }

// PublishChange is called by the session after a successful flush,
// surfacing the normalized outgoing operations to the host UI.
func (d *Document) PublishChange(c Change) {
	select {
	case d.changes <- c:
	default:
		// Consumer is behind; never block the editing loop on a full
		// notification channel.
	}
}

// AddParticipant adds id to the roster with a cursor bookmark at
// pos.CursorPos and advances seq. Fails InvalidOperation if id is already
// present.
func (d *Document) AddParticipant(seq uint64, id ot.ParticipantID, pos Participant) error {
	if _, exists := d.participants[id]; exists {
		return fmt.Errorf("%w: participant %d already joined", ErrInvalidOperation, id)
	}
	cp := pos
	d.participants[id] = &cp
	d.seq = seq
	return nil
}

// RemoveParticipant drops id from the roster and advances seq. Fails
// InvalidOperation if id is not present.
func (d *Document) RemoveParticipant(seq uint64, id ot.ParticipantID) error {
	if _, exists := d.participants[id]; !exists {
		return fmt.Errorf("%w: participant %d not present", ErrInvalidOperation, id)
	}
	delete(d.participants, id)
	d.seq = seq
	return nil
}

// CanApply validates ev against the current document state without
// mutating anything. Join fails if id is already present; Leave/Edit fail
// if id is absent; Edit additionally simulates the running content length
// across every operation.
func (d *Document) CanApply(ev ot.Event) error {
	switch ev.Type {
	case ot.EventJoin:
		if _, exists := d.participants[ev.ID]; exists {
			return fmt.Errorf("%w: join for existing participant %d", ErrInvalidOperation, ev.ID)
		}
		return nil
	case ot.EventLeave:
		if _, exists := d.participants[ev.ID]; !exists {
			return fmt.Errorf("%w: leave for unknown participant %d", ErrInvalidOperation, ev.ID)
		}
		return nil
	case ot.EventEdit:
		if _, exists := d.participants[ev.Author]; !exists {
			return fmt.Errorf("%w: edit from unknown participant %d", ErrInvalidOperation, ev.Author)
		}
		length := uint64(len(d.content))
		for _, op := range ev.Operations {
			switch op.Type {
			case ot.OpInsert:
				if uint64(op.Pos) > length {
					return fmt.Errorf("%w: insert at %d beyond length %d", ErrOutsideDocument, op.Pos, length)
				}
				length += uint64(len([]rune(op.Content)))
			case ot.OpDelete:
				if op.Start > op.End {
					return fmt.Errorf("%w: delete start %d after end %d", ErrInvalidOperation, op.Start, op.End)
				}
				if uint64(op.End) > length {
					return fmt.Errorf("%w: delete end %d beyond length %d", ErrOutsideDocument, op.End, length)
				}
				length -= uint64(op.End - op.Start)
			case ot.OpMoveCursor:
				if uint64(op.Pos) > length {
					return fmt.Errorf("%w: cursor move to %d beyond length %d", ErrOutsideDocument, op.Pos, length)
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown event type", ErrInvalidOperation)
	}
}

// ApplyEvent validates ev via CanApply and, on success, mutates state and
// advances seq. On failure the document is left completely unchanged.
func (d *Document) ApplyEvent(seq uint64, ev ot.Event) error {
	if err := d.CanApply(ev); err != nil {
		return err
	}

	switch ev.Type {
	case ot.EventJoin:
		d.participants[ev.ID] = &Participant{}
	case ot.EventLeave:
		delete(d.participants, ev.ID)
	case ot.EventEdit:
		for _, op := range ev.Operations {
			d.applyOperation(ev.Author, op)
		}
	}
	d.seq = seq
	return nil
}

// applyOperation mutates content/cursors for a single already-validated
// operation authored by author.
func (d *Document) applyOperation(author ot.ParticipantID, op ot.Operation) {
	switch op.Type {
	case ot.OpInsert:
		d.applyInsert(author, op)
	case ot.OpDelete:
		d.applyDelete(author, op)
	case ot.OpMoveCursor:
		d.setCursor(author, op.Pos)
	}
}

func (d *Document) applyInsert(author ot.ParticipantID, op ot.Operation) {
	ins := []rune(op.Content)
	out := make([]rune, 0, len(d.content)+len(ins))
	out = append(out, d.content[:op.Pos]...)
	out = append(out, ins...)
	out = append(out, d.content[op.Pos:]...)

	// The local cursor is held at the insert point if it already sat
	// exactly there, so the user doesn't feel their caret jump when a
	// remote insert lands under it.
	localHeld := d.haveLocalID && author != d.localID
	var localPrevPos uint32
	var localWasHeld bool
	if localHeld {
		if lp, ok := d.participants[d.localID]; ok && lp.CursorPos == op.Pos {
			localPrevPos = lp.CursorPos
			localWasHeld = true
		}
	}

	d.content = out

	for id, p := range d.participants {
		if id == author {
			p.CursorPos = op.Pos + uint32(len(ins))
			continue
		}
		if localWasHeld && id == d.localID {
			p.CursorPos = localPrevPos
			continue
		}
		if p.CursorPos >= op.Pos {
			p.CursorPos += uint32(len(ins))
		}
	}
}

func (d *Document) applyDelete(author ot.ParticipantID, op ot.Operation) {
	out := make([]rune, 0, len(d.content)-int(op.End-op.Start))
	out = append(out, d.content[:op.Start]...)
	out = append(out, d.content[op.End:]...)
	d.content = out

	for id, p := range d.participants {
		if id == author {
			p.CursorPos = op.Start
			continue
		}
		switch {
		case p.CursorPos >= op.End:
			p.CursorPos -= op.End - op.Start
		case p.CursorPos >= op.Start:
			p.CursorPos = op.Start
		}
	}
}

func (d *Document) setCursor(author ot.ParticipantID, pos uint32) {
	if p, ok := d.participants[author]; ok {
		p.CursorPos = pos
	}
}
