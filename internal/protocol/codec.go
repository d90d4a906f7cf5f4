package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrDecode marks a frame that could not be turned into a message. Callers
// drop the single frame and keep the connection.
var ErrDecode = errors.New("protocol: decode error")

// ErrEncode marks a message that could not be serialized.
var ErrEncode = errors.New("protocol: encode error")

type frame struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId,omitempty"`
	Ref    string          `json:"ref,omitempty"`
	Seq    uint64          `json:"seq,omitempty"`
	Actor  string          `json:"actor,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

var validate = validator.New()

var intentFactories = map[IntentType]func() IntentPayload{
	IntentJoin:       func() IntentPayload { return &Join{} },
	IntentLeave:      func() IntentPayload { return &Leave{} },
	IntentCreateNode: func() IntentPayload { return &CreateNode{} },
	IntentUpdateNode: func() IntentPayload { return &UpdateNode{} },
	IntentDeleteNode: func() IntentPayload { return &DeleteNode{} },
	IntentCreateEdge: func() IntentPayload { return &CreateEdge{} },
	IntentDeleteEdge: func() IntentPayload { return &DeleteEdge{} },
}

var eventFactories = map[EventType]func() EventPayload{
	EventSnapshot:          func() EventPayload { return &StateSnapshot{} },
	EventNodeCreated:       func() EventPayload { return &NodeCreated{} },
	EventNodeUpdated:       func() EventPayload { return &NodeUpdated{} },
	EventNodeDeleted:       func() EventPayload { return &NodeDeleted{} },
	EventEdgeCreated:       func() EventPayload { return &EdgeCreated{} },
	EventEdgeDeleted:       func() EventPayload { return &EdgeDeleted{} },
	EventParticipantJoined: func() EventPayload { return &ParticipantJoined{} },
	EventParticipantLeft:   func() EventPayload { return &ParticipantLeft{} },
	EventError:             func() EventPayload { return &Error{} },
}

// Validate checks the payload constraints of an intent.
func Validate(p IntentPayload) error {
	if p == nil {
		return fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, p.IntentType(), err)
	}
	if u, ok := p.(*UpdateNode); ok && u.Patch().Empty() {
		return fmt.Errorf("%w: %s: nothing to update", ErrDecode, IntentUpdateNode)
	}
	return nil
}

// DecodeIntent parses and validates a client frame.
func DecodeIntent(raw []byte) (Intent, error) {
	f, err := decodeFrame(raw)
	if err != nil {
		return Intent{}, err
	}
	// On error the returned intent still carries the envelope's room and
	// ref so the rejection can be correlated.
	envelope := Intent{RoomID: f.RoomID, Ref: f.Ref}
	factory, ok := intentFactories[IntentType(f.Type)]
	if !ok {
		return envelope, fmt.Errorf("%w: unknown intent type %q", ErrDecode, f.Type)
	}
	payload := factory()
	if err := decodeData(f.Data, payload); err != nil {
		return envelope, fmt.Errorf("%w: %s: %v", ErrDecode, f.Type, err)
	}
	if err := Validate(payload); err != nil {
		return envelope, err
	}
	return Intent{RoomID: f.RoomID, Ref: f.Ref, Payload: payload}, nil
}

// EncodeIntent serializes an intent into a frame.
func EncodeIntent(in Intent) ([]byte, error) {
	if in.Payload == nil {
		return nil, fmt.Errorf("%w: intent without payload", ErrEncode)
	}
	return encodeFrame(string(in.Type()), in.RoomID, in.Ref, 0, "", in.Payload)
}

// DecodeEvent parses a server frame.
func DecodeEvent(raw []byte) (Event, error) {
	f, err := decodeFrame(raw)
	if err != nil {
		return Event{}, err
	}
	factory, ok := eventFactories[EventType(f.Type)]
	if !ok {
		return Event{}, fmt.Errorf("%w: unknown event type %q", ErrDecode, f.Type)
	}
	payload := factory()
	if err := decodeData(f.Data, payload); err != nil {
		return Event{}, fmt.Errorf("%w: %s: %v", ErrDecode, f.Type, err)
	}
	return Event{RoomID: f.RoomID, Ref: f.Ref, Seq: f.Seq, Actor: f.Actor, Payload: payload}, nil
}

// EncodeEvent serializes an event into a frame.
func EncodeEvent(e Event) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: event without payload", ErrEncode)
	}
	return encodeFrame(string(e.Type()), e.RoomID, e.Ref, e.Seq, e.Actor, e.Payload)
}

func decodeFrame(raw []byte) (frame, error) {
	var f frame
	if len(bytes.TrimSpace(raw)) == 0 {
		return f, fmt.Errorf("%w: empty frame", ErrDecode)
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if f.Type == "" {
		return f, fmt.Errorf("%w: missing type", ErrDecode)
	}
	return f, nil
}

func decodeData(data json.RawMessage, into any) error {
	if len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	return json.Unmarshal(data, into)
}

func encodeFrame(typ, roomID, ref string, seq uint64, actor string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncode, typ, err)
	}
	out, err := json.Marshal(frame{Type: typ, RoomID: roomID, Ref: ref, Seq: seq, Actor: actor, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncode, typ, err)
	}
	return out, nil
}
