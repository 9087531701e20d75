package offline

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"golang.org/x/crypto/blake2b"
)

// PassSummary describes the outcome of one sync pass.
type PassSummary struct {
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Reason    string        `json:"reason"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Retained  int           `json:"retained"`
	GaveUp    int           `json:"gaveUp"`
	Remaining int           `json:"remaining"`
	Err       string        `json:"error,omitempty"`
}

// GiveUp records an action that was dropped without succeeding.
type GiveUp struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Digest     string    `json:"digest"`
	Summary    string    `json:"summary"`
	Reason     string    `json:"reason"`
}

func newGiveUp(a QueuedAction, cause error) GiveUp {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return GiveUp{
		ID:         a.ID,
		Kind:       a.Kind(),
		Attempts:   a.RetryCount,
		EnqueuedAt: a.EnqueuedAt,
		Digest:     PayloadDigest(a.Payload),
		Summary:    Summarize(a.Payload),
		Reason:     reason,
	}
}

// PayloadDigest returns the hex BLAKE2b-256 of the payload's JSON encoding.
func PayloadDigest(p Payload) string {
	if p == nil {
		return ""
	}
	raw, err := encodePayload(p)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Summarize renders the identifying keys of a payload for log lines,
// leaving out free-text bodies.
func Summarize(p Payload) string {
	switch v := p.(type) {
	case CreateEventPayload:
		return fmt.Sprintf("event=%s creator=%s title=%q", v.EventID, v.CreatorID, truncate(v.Title, 40))
	case JoinEventPayload:
		return fmt.Sprintf("event=%s user=%s", v.EventID, v.UserID)
	case LeaveEventPayload:
		return fmt.Sprintf("event=%s user=%s", v.EventID, v.UserID)
	case UpdateProfilePayload:
		keys := make([]string, 0, len(v.Fields))
		for k := range v.Fields {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		return fmt.Sprintf("user=%s fields=%v", v.UserID, keys)
	case SendMessagePayload:
		return fmt.Sprintf("message=%s conversation=%s sender=%s len=%d", v.MessageID, v.ConversationID, v.SenderID, len(v.Body))
	case UnknownPayload:
		label := "unknown kind"
		if v.Err != nil {
			label = "undecodable"
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(v.Raw, &fields); err == nil {
			keys := make([]string, 0, len(fields))
			for k := range fields {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			return fmt.Sprintf("%s %q keys=%v", label, v.Tag, keys)
		}
		return fmt.Sprintf("%s %q (%d bytes)", label, v.Tag, len(v.Raw))
	case nil:
		return "<nil payload>"
	default:
		return fmt.Sprintf("%T", p)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
