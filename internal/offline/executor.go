package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/slopeside/slopeside/internal/remote"
)

// Executor replays one queued action against the backend.
// A nil error means the action is done and may be forgotten.
type Executor interface {
	Execute(ctx context.Context, action QueuedAction) error
}

// RemoteService is the request/response surface of the remote data service
// that queued actions are replayed against.
type RemoteService interface {
	Insert(ctx context.Context, table string, record map[string]any) error
	DeleteByKey(ctx context.Context, table string, key map[string]any) error
	UpdateByKey(ctx context.Context, table string, key, fields map[string]any) error
}

// Remote table names touched by queued actions.
const (
	TableEvents       = "events"
	TableParticipants = "event_participants"
	TableProfiles     = "profiles"
	TableMessages     = "messages"
)

// RemoteExecutor maps each action kind onto a RemoteService call.
type RemoteExecutor struct {
	service RemoteService
	timeout atomic.Int64
	logger  *slog.Logger
}

// NewRemoteExecutor creates an executor that bounds every call by timeout.
// A zero timeout leaves calls bounded only by the caller's context.
func NewRemoteExecutor(service RemoteService, timeout time.Duration, logger *slog.Logger) *RemoteExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &RemoteExecutor{
		service: service,
		logger:  logger.With("component", "executor"),
	}
	e.timeout.Store(int64(timeout))
	return e
}

// SetTimeout changes the per-call timeout for subsequent executions.
func (e *RemoteExecutor) SetTimeout(d time.Duration) {
	e.timeout.Store(int64(d))
}

// Execute performs the remote operation for action. Duplicate inserts and
// deletes of absent rows count as success so that replays are harmless.
func (e *RemoteExecutor) Execute(ctx context.Context, action QueuedAction) error {
	if timeout := time.Duration(e.timeout.Load()); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	switch p := action.Payload.(type) {
	case CreateEventPayload:
		err := e.service.Insert(ctx, TableEvents, map[string]any{
			"id":          p.EventID,
			"creator_id":  p.CreatorID,
			"title":       p.Title,
			"description": p.Description,
			"resort":      p.Resort,
			"discipline":  p.Discipline,
			"starts_at":   p.StartsAt.UTC().Unix(),
			"capacity":    p.Capacity,
		})
		return e.acceptDuplicate(action, err)

	case JoinEventPayload:
		err := e.service.Insert(ctx, TableParticipants, map[string]any{
			"event_id":  p.EventID,
			"user_id":   p.UserID,
			"joined_at": action.EnqueuedAt.UTC().Unix(),
		})
		return e.acceptDuplicate(action, err)

	case LeaveEventPayload:
		err := e.service.DeleteByKey(ctx, TableParticipants, map[string]any{
			"event_id": p.EventID,
			"user_id":  p.UserID,
		})
		if errors.Is(err, remote.ErrNotFound) {
			e.logger.Debug("leave target already absent", "id", action.ID, "event_id", p.EventID)
			return nil
		}
		return err

	case UpdateProfilePayload:
		return e.service.UpdateByKey(ctx, TableProfiles,
			map[string]any{"user_id": p.UserID},
			p.Fields,
		)

	case SendMessagePayload:
		sentAt := p.SentAt
		if sentAt.IsZero() {
			sentAt = action.EnqueuedAt
		}
		err := e.service.Insert(ctx, TableMessages, map[string]any{
			"id":              p.MessageID,
			"conversation_id": p.ConversationID,
			"sender_id":       p.SenderID,
			"body":            p.Body,
			"sent_at":         sentAt.UTC().Unix(),
		})
		return e.acceptDuplicate(action, err)

	case UnknownPayload:
		if p.Err != nil {
			return fmt.Errorf("%w: %w", ErrUndecodable, p.Err)
		}
		return fmt.Errorf("%w: %q", ErrUnknownKind, action.Kind())

	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, action.Kind())
	}
}

func (e *RemoteExecutor) acceptDuplicate(action QueuedAction, err error) error {
	if errors.Is(err, remote.ErrDuplicate) {
		e.logger.Debug("remote already has record", "id", action.ID, "kind", action.Kind())
		return nil
	}
	return err
}
