package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wfunc/roomserver/models"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrMissingEvent   = errors.New("message has no event")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrEmptyRoomID    = errors.New("room id is required")
	ErrRoomIDTooLong  = errors.New("room id is too long")
	ErrEmptyGameSlug  = errors.New("game slug is required")
)

// Event is the closed set of message kinds understood by the server and its clients.
type Event uint8

const (
	EventUnknown Event = iota

	// inbound
	EventCreateRoom
	EventLeaveRoom
	EventGameStateTrigger
	EventCellSelected

	// outbound
	EventRoomFailedToJoin
	EventRoomPlayerJoined
	EventRoomPlayerLeft
	EventRoomHostAssigned
	EventRoomMetadataUpdate
	EventRoomTeamsUpdated
	EventRoomTurnTeamUpdate
	EventRoomGameStateUpdate
	EventBoardStateUpdate
	EventServerError

	eventCount
)

var eventNames = [eventCount]string{
	EventUnknown:             "",
	EventCreateRoom:          "create-room",
	EventLeaveRoom:           "room:leave",
	EventGameStateTrigger:    "room:game-state-trigger",
	EventCellSelected:        "tic-tac-toe:cell-selected",
	EventRoomFailedToJoin:    "room:failed-to-join",
	EventRoomPlayerJoined:    "room:player-joined",
	EventRoomPlayerLeft:      "room:player-left",
	EventRoomHostAssigned:    "room:host-assigned",
	EventRoomMetadataUpdate:  "room:metadata-update",
	EventRoomTeamsUpdated:    "room:teams-updated",
	EventRoomTurnTeamUpdate:  "room:turn-team-update",
	EventRoomGameStateUpdate: "room:game-state-update",
	EventBoardStateUpdate:    "tic-tac-toe:board-state-update",
	EventServerError:         "server:error",
}

var eventsByName = func() map[string]Event {
	m := make(map[string]Event, eventCount)
	for e := EventUnknown + 1; e < eventCount; e++ {
		m[eventNames[e]] = e
	}
	return m
}()

func (e Event) String() string {
	if e < eventCount {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

func ParseEvent(name string) (Event, error) {
	if e, ok := eventsByName[name]; ok {
		return e, nil
	}
	return EventUnknown, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

func (e Event) MarshalText() ([]byte, error) {
	if e == EventUnknown || e >= eventCount {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEvent, uint8(e))
	}
	return []byte(eventNames[e]), nil
}

func (e *Event) UnmarshalText(text []byte) error {
	parsed, err := ParseEvent(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Meta carries optional envelope fields that sit next to sentAt and data.
type Meta map[string]any

// Message is the envelope of every frame in both directions:
// {"event": ..., "sentAt": <unix ms>, "data": {...}, ...meta}
type Message struct {
	Event  Event
	SentAt int64
	Data   json.RawMessage
	Meta   Meta
}

// NewMessage encodes data eagerly so the message can be shared between peers.
func NewMessage(event Event, data any, meta Meta) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return &Message{
		Event:  event,
		SentAt: time.Now().UnixMilli(),
		Data:   raw,
		Meta:   meta,
	}, nil
}

var reservedKeys = map[string]struct{}{"event": {}, "sentAt": {}, "data": {}}

func (m *Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Meta)+3)
	for k, v := range m.Meta {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		out[k] = v
	}
	out["event"] = m.Event
	out["sentAt"] = m.SentAt
	data := m.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	out["data"] = data
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}

	rawEvent, ok := fields["event"]
	if !ok {
		return ErrMissingEvent
	}
	if err := json.Unmarshal(rawEvent, &m.Event); err != nil {
		return err
	}
	if rawSent, ok := fields["sentAt"]; ok {
		if err := json.Unmarshal(rawSent, &m.SentAt); err != nil {
			return fmt.Errorf("sentAt: %w", err)
		}
	}
	m.Data = fields["data"]

	m.Meta = nil
	for k, v := range fields {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		if m.Meta == nil {
			m.Meta = make(Meta)
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		m.Meta[k] = val
	}
	return nil
}

// DecodeMessage parses one inbound frame.
func DecodeMessage(frame []byte) (*Message, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, ErrMalformedFrame
	}
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return &msg, nil
}

// DecodeData unmarshals the message payload into v, rejecting unknown fields.
func (m *Message) DecodeData(v any) error {
	return DecodePayload(m.Data, v)
}

func DecodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedFrame)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return nil
}

const maxRoomIDLen = 64

// CreateRoomRequest is the first message a client sends after connecting.
type CreateRoomRequest struct {
	RoomID   string        `json:"roomId"`
	GameSlug string        `json:"gameSlug"`
	Player   models.Player `json:"player"`
}

func (r CreateRoomRequest) Validate() error {
	switch {
	case r.RoomID == "":
		return ErrEmptyRoomID
	case len(r.RoomID) > maxRoomIDLen:
		return ErrRoomIDTooLong
	case r.GameSlug == "":
		return ErrEmptyGameSlug
	}
	return r.Player.Validate()
}

// ErrorPayload is sent privately with EventServerError and EventRoomFailedToJoin.
type ErrorPayload struct {
	Reason string `json:"reason"`
}
