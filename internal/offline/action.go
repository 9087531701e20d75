// Package offline implements the durable offline action queue and the sync
// engine that drains it against the remote data service.
//
// User actions that cannot reach the backend are appended to a persisted,
// ordered queue through Queue.Enqueue. A single Coordinator replays the queue
// in FIFO order whenever the device regains connectivity or a sync is forced,
// retrying failed actions on later passes until they succeed or exhaust their
// attempt budget.
package offline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/slopeside/slopeside/internal/remote"
)

// Kind tags a queued action and selects the remote operation that replays it.
type Kind string

const (
	KindCreateEvent   Kind = "create-event"
	KindJoinEvent     Kind = "join-event"
	KindLeaveEvent    Kind = "leave-event"
	KindUpdateProfile Kind = "update-profile"
	KindSendMessage   Kind = "send-message"
)

// Kinds lists every kind this build knows how to execute.
var Kinds = []Kind{
	KindCreateEvent,
	KindJoinEvent,
	KindLeaveEvent,
	KindUpdateProfile,
	KindSendMessage,
}

// Known reports whether k is one of the kinds this build can execute.
func (k Kind) Known() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Payload is the kind-specific body of a queued action.
type Payload interface {
	Kind() Kind
}

// CreateEventPayload creates a new event owned by CreatorID.
type CreateEventPayload struct {
	EventID     string    `json:"eventId"`
	CreatorID   string    `json:"creatorId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Resort      string    `json:"resort,omitempty"`
	Discipline  string    `json:"discipline,omitempty"` // ski, snowboard, touring
	StartsAt    time.Time `json:"startsAt"`
	Capacity    int       `json:"capacity,omitempty"`
}

func (CreateEventPayload) Kind() Kind { return KindCreateEvent }

// JoinEventPayload adds UserID to the participants of EventID.
type JoinEventPayload struct {
	EventID string `json:"eventId"`
	UserID  string `json:"userId"`
}

func (JoinEventPayload) Kind() Kind { return KindJoinEvent }

// LeaveEventPayload removes UserID from the participants of EventID.
type LeaveEventPayload struct {
	EventID string `json:"eventId"`
	UserID  string `json:"userId"`
}

func (LeaveEventPayload) Kind() Kind { return KindLeaveEvent }

// UpdateProfilePayload overwrites the listed profile fields of UserID.
// Fields is keyed by profile column name, e.g. bio or home_resort. Numbers
// read back from storage are json.Number so large integers stay exact.
type UpdateProfilePayload struct {
	UserID string         `json:"userId"`
	Fields map[string]any `json:"fields"`
}

func (UpdateProfilePayload) Kind() Kind { return KindUpdateProfile }

// SendMessagePayload posts a chat message. MessageID is chosen by the sender
// so that a replayed send is rejected as a duplicate by the remote side.
type SendMessagePayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sentAt"`
}

func (SendMessagePayload) Kind() Kind { return KindSendMessage }

// UnknownPayload carries the raw body of an action whose kind this build does
// not recognise, typically one written by a newer app version. It is kept
// verbatim so the record survives a load/save round trip until the executor
// reports and drops it.
//
// A stored record of a known kind whose body no longer decodes is kept the
// same way, with Err set to the decode error.
type UnknownPayload struct {
	Tag Kind
	Raw json.RawMessage
	Err error
}

func (p UnknownPayload) Kind() Kind { return p.Tag }

// QueuedAction is one pending write operation.
type QueuedAction struct {
	ID         string
	Payload    Payload
	EnqueuedAt time.Time
	RetryCount int
}

// Kind returns the tag of the action's payload.
func (a QueuedAction) Kind() Kind {
	if a.Payload == nil {
		return ""
	}
	return a.Payload.Kind()
}

// actionRecord is the persisted layout of a QueuedAction.
type actionRecord struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
}

// MarshalJSON encodes the action with its kind tag next to the payload.
func (a QueuedAction) MarshalJSON() ([]byte, error) {
	if a.Payload == nil {
		return nil, fmt.Errorf("action %s has no payload", a.ID)
	}
	raw, err := encodePayload(a.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload of %s: %w", a.ID, err)
	}
	return json.Marshal(actionRecord{
		ID:         a.ID,
		Kind:       a.Payload.Kind(),
		Payload:    raw,
		EnqueuedAt: a.EnqueuedAt,
		RetryCount: a.RetryCount,
	})
}

// UnmarshalJSON decodes the payload according to the kind tag.
func (a *QueuedAction) UnmarshalJSON(data []byte) error {
	var rec actionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	payload, err := DecodePayload(rec.Kind, rec.Payload)
	if err != nil {
		payload = UnknownPayload{
			Tag: rec.Kind,
			Raw: append(json.RawMessage(nil), rec.Payload...),
			Err: fmt.Errorf("decode payload of %s: %w", rec.ID, err),
		}
	}
	*a = QueuedAction{
		ID:         rec.ID,
		Payload:    payload,
		EnqueuedAt: rec.EnqueuedAt,
		RetryCount: rec.RetryCount,
	}
	return nil
}

func encodePayload(p Payload) (json.RawMessage, error) {
	if u, ok := p.(UnknownPayload); ok {
		if len(u.Raw) == 0 {
			return json.RawMessage("null"), nil
		}
		return u.Raw, nil
	}
	return json.Marshal(p)
}

// DecodePayload builds the typed payload for kind from its JSON body.
// Unrecognised kinds decode to UnknownPayload rather than failing.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindCreateEvent:
		var v CreateEventPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case KindJoinEvent:
		var v JoinEventPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case KindLeaveEvent:
		var v LeaveEventPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case KindUpdateProfile:
		var v UpdateProfilePayload
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		p = v
	case KindSendMessage:
		var v SendMessagePayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		buf := make(json.RawMessage, len(raw))
		copy(buf, raw)
		p = UnknownPayload{Tag: kind, Raw: buf}
	}
	return p, nil
}

// Validate checks that the payload carries the keys its remote operation needs.
func Validate(p Payload) error {
	switch v := p.(type) {
	case CreateEventPayload:
		if v.EventID == "" || v.CreatorID == "" {
			return fmt.Errorf("create-event requires eventId and creatorId")
		}
		if v.Title == "" {
			return fmt.Errorf("create-event requires a title")
		}
	case JoinEventPayload:
		if v.EventID == "" || v.UserID == "" {
			return fmt.Errorf("join-event requires eventId and userId")
		}
	case LeaveEventPayload:
		if v.EventID == "" || v.UserID == "" {
			return fmt.Errorf("leave-event requires eventId and userId")
		}
	case UpdateProfilePayload:
		if v.UserID == "" {
			return fmt.Errorf("update-profile requires userId")
		}
		if len(v.Fields) == 0 {
			return fmt.Errorf("update-profile requires at least one field")
		}
		for name := range v.Fields {
			if err := remote.CheckColumn(TableProfiles, name); err != nil {
				return fmt.Errorf("update-profile: %w", err)
			}
		}
	case SendMessagePayload:
		if v.MessageID == "" || v.ConversationID == "" || v.SenderID == "" {
			return fmt.Errorf("send-message requires messageId, conversationId and senderId")
		}
	case nil:
		return fmt.Errorf("payload is required")
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, p.Kind())
	}
	return nil
}
