// Package protocol defines the wire format between a session and its
// relay: a JSON message protocol, externally tagged by Go struct field
// name, matching spec section 6 byte-for-byte.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/wikisync/core/pkg/ot"
)

// ErrUnknownTag is returned when an inbound frame carries a tag this
// protocol does not recognize. It is fatal for the connection.
var ErrUnknownTag = fmt.Errorf("protocol: unknown tag")

// Participant is the wire shape of a single roster entry.
type Participant struct {
	ID        uint32 `json:"id"`
	CursorPos uint32 `json:"cursor_pos"`
}

// Document is the wire shape of the initial document snapshot.
type Document struct {
	Content      string        `json:"content"`
	Participants []Participant `json:"participants"`
}

// Operation is the externally-tagged wire shape of an ot.Operation: exactly
// one of Insert, Delete, MoveCursor is set.
type Operation struct {
	Insert     *InsertPayload     `json:"Insert,omitempty"`
	Delete     *DeletePayload     `json:"Delete,omitempty"`
	MoveCursor *MoveCursorPayload `json:"MoveCursor,omitempty"`
}

type InsertPayload struct {
	Pos     uint32 `json:"pos"`
	Content string `json:"content"`
}

type DeletePayload struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

type MoveCursorPayload struct {
	Pos uint32 `json:"pos"`
}

// FromOperation converts a domain ot.Operation into its wire shape.
func FromOperation(op ot.Operation) Operation {
	switch op.Type {
	case ot.OpInsert:
		return Operation{Insert: &InsertPayload{Pos: op.Pos, Content: op.Content}}
	case ot.OpDelete:
		return Operation{Delete: &DeletePayload{Start: op.Start, End: op.End}}
	case ot.OpMoveCursor:
		return Operation{MoveCursor: &MoveCursorPayload{Pos: op.Pos}}
	default:
		return Operation{}
	}
}

// ToOperation converts a wire Operation back into the domain type. Returns
// ErrUnknownTag if none of the three fields are set.
func (o Operation) ToOperation() (ot.Operation, error) {
	switch {
	case o.Insert != nil:
		return ot.NewInsert(o.Insert.Pos, o.Insert.Content), nil
	case o.Delete != nil:
		return ot.NewDelete(o.Delete.Start, o.Delete.End), nil
	case o.MoveCursor != nil:
		return ot.NewMoveCursor(o.MoveCursor.Pos), nil
	default:
		return ot.Operation{}, fmt.Errorf("%w: operation", ErrUnknownTag)
	}
}

// Event is the externally-tagged wire shape of an ot.Event: exactly one of
// Edit, Join, Leave is set.
type Event struct {
	Edit  *EditPayload  `json:"Edit,omitempty"`
	Join  *JoinPayload  `json:"Join,omitempty"`
	Leave *LeavePayload `json:"Leave,omitempty"`
}

type EditPayload struct {
	Author     uint32      `json:"author"`
	Operations []Operation `json:"operations"`
}

type JoinPayload struct {
	ID uint32 `json:"id"`
}

type LeavePayload struct {
	ID uint32 `json:"id"`
}

// FromEvent converts a domain ot.Event into its wire shape.
func FromEvent(ev ot.Event) Event {
	switch ev.Type {
	case ot.EventEdit:
		ops := make([]Operation, len(ev.Operations))
		for i, op := range ev.Operations {
			ops[i] = FromOperation(op)
		}
		return Event{Edit: &EditPayload{Author: uint32(ev.Author), Operations: ops}}
	case ot.EventJoin:
		return Event{Join: &JoinPayload{ID: uint32(ev.ID)}}
	case ot.EventLeave:
		return Event{Leave: &LeavePayload{ID: uint32(ev.ID)}}
	default:
		return Event{}
	}
}

// ToEvent converts a wire Event back into the domain type.
func (e Event) ToEvent() (ot.Event, error) {
	switch {
	case e.Edit != nil:
		ops := make([]ot.Operation, len(e.Edit.Operations))
		for i, wo := range e.Edit.Operations {
			op, err := wo.ToOperation()
			if err != nil {
				return ot.Event{}, err
			}
			ops[i] = op
		}
		return ot.NewEdit(ot.ParticipantID(e.Edit.Author), ops), nil
	case e.Join != nil:
		return ot.NewJoin(ot.ParticipantID(e.Join.ID)), nil
	case e.Leave != nil:
		return ot.NewLeave(ot.ParticipantID(e.Leave.ID)), nil
	default:
		return ot.Event{}, fmt.Errorf("%w: event", ErrUnknownTag)
	}
}

// ClientEdit is a batch of locally-authored operations referencing the
// last server sequence the client has seen.
type ClientEdit struct {
	ParentSeq  uint64      `json:"parent_seq"`
	ClientSeq  uint64      `json:"client_seq"`
	Operations []Operation `json:"operations"`
}

// ClientMessage is the externally-tagged union of messages a client may
// send: only ClientEdit today, but modeled as a union for wire-format
// parity with spec section 6 and room to grow.
type ClientMessage struct {
	ClientEdit *ClientEdit `json:"ClientEdit,omitempty"`
}

// ParseClientMessage decodes a single inbound client frame.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, err
	}
	return msg, nil
}

// Connected is sent once per connection, assigning the new participant's
// id.
type Connected struct {
	ID uint32 `json:"id"`
}

// ServerEventPayload mirrors ServerEvent in spec section 3/6.
type ServerEventPayload struct {
	Seq       uint64 `json:"seq"`
	ClientSeq uint64 `json:"client_seq"`
	Event     Event  `json:"event"`
}

// ServerMessage is the externally-tagged union of messages a relay may
// send: Connected or ServerEvent.
type ServerMessage struct {
	Connected *Connected          `json:"Connected,omitempty"`
	Event     *ServerEventPayload `json:"Event,omitempty"`
}

// ParseServerMessage decodes a single inbound relay frame. Any tag other
// than Connected/Event is ErrUnknownTag, which is fatal for the connection.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, err
	}
	return msg, nil
}

// MarshalJSON ensures ClientMessage serializes with exactly one tagged
// field present, matching spec section 6 (encoding/json's omitempty on
// struct pointer fields already achieves this for the common case, but we
// make it explicit and resilient to future fields).
func (m ClientMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, 1)
	if m.ClientEdit != nil {
		out["ClientEdit"] = m.ClientEdit
	}
	return json.Marshal(out)
}

// MarshalJSON ensures ServerMessage serializes with exactly one tagged
// field present.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, 1)
	if m.Connected != nil {
		out["Connected"] = m.Connected
	} else if m.Event != nil {
		out["Event"] = m.Event
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a tagged ClientMessage frame. Any tag other than
// ClientEdit is ErrUnknownTag.
func (m *ClientMessage) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["ClientEdit"]; ok {
		var ce ClientEdit
		if err := json.Unmarshal(v, &ce); err != nil {
			return err
		}
		m.ClientEdit = &ce
		return nil
	}
	return fmt.Errorf("%w: client message", ErrUnknownTag)
}

// UnmarshalJSON decodes a tagged ServerMessage frame. Any tag other than
// Connected/Event is ErrUnknownTag, which is fatal for the connection.
func (m *ServerMessage) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["Connected"]; ok {
		var c Connected
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		m.Connected = &c
		return nil
	}
	if v, ok := raw["Event"]; ok {
		var se ServerEventPayload
		if err := json.Unmarshal(v, &se); err != nil {
			return err
		}
		m.Event = &se
		return nil
	}
	return fmt.Errorf("%w: server message", ErrUnknownTag)
}

// MarshalJSON ensures Operation serializes with exactly one tagged field
// present.
func (o Operation) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, 1)
	switch {
	case o.Insert != nil:
		out["Insert"] = o.Insert
	case o.Delete != nil:
		out["Delete"] = o.Delete
	case o.MoveCursor != nil:
		out["MoveCursor"] = o.MoveCursor
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a tagged Operation frame.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["Insert"]; ok {
		var p InsertPayload
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		o.Insert = &p
		return nil
	}
	if v, ok := raw["Delete"]; ok {
		var p DeletePayload
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		o.Delete = &p
		return nil
	}
	if v, ok := raw["MoveCursor"]; ok {
		var p MoveCursorPayload
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		o.MoveCursor = &p
		return nil
	}
	return fmt.Errorf("%w: operation", ErrUnknownTag)
}

// MarshalJSON ensures Event serializes with exactly one tagged field
// present.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, 1)
	switch {
	case e.Edit != nil:
		out["Edit"] = e.Edit
	case e.Join != nil:
		out["Join"] = e.Join
	case e.Leave != nil:
		out["Leave"] = e.Leave
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a tagged Event frame.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["Edit"]; ok {
		var p EditPayload
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		e.Edit = &p
		return nil
	}
	if v, ok := raw["Join"]; ok {
		var p JoinPayload
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		e.Join = &p
		return nil
	}
	if v, ok := raw["Leave"]; ok {
		var p LeavePayload
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		e.Leave = &p
		return nil
	}
	return fmt.Errorf("%w: event", ErrUnknownTag)
}
