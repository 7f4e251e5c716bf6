package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/clock"
	"github.com/zulandar/servicedesk/internal/errs"
	"github.com/zulandar/servicedesk/internal/logging"
	"github.com/zulandar/servicedesk/internal/models"
)

// Lifecycle commits the effects of finished dialogs. userID is the chat id
// of the user who ran the dialog.
type Lifecycle interface {
	CreateTicket(ctx context.Context, userID string, e CreateTicket) (*models.Ticket, error)
	CloseTicket(ctx context.Context, userID string, e CloseTicket) (*models.Ticket, error)
	AssignTicket(ctx context.Context, userID string, e AssignTicket) (*models.Ticket, error)
	StartBreak(ctx context.Context, userID string, e StartBreak) (*models.Shift, error)
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Store       SessionStore
	Lifecycle   Lifecycle
	Clock       clock.Clock
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// Engine loads sessions, applies dialog transitions and runs their effects.
// Calls for one user must be serialized by the caller (see Queue).
type Engine struct {
	store     SessionStore
	lifecycle Lifecycle
	clock     clock.Clock
	idle      time.Duration
	log       *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("conversation: store is required")
	case opts.Lifecycle == nil:
		return nil, fmt.Errorf("conversation: lifecycle is required")
	case opts.Clock == nil:
		return nil, fmt.Errorf("conversation: clock is required")
	}
	return &Engine{
		store:     opts.Store,
		lifecycle: opts.Lifecycle,
		clock:     opts.Clock,
		idle:      opts.IdleTimeout,
		log:       logging.OrNop(opts.Logger).Named("conversation"),
	}, nil
}

// Start begins a dialog for userID, replacing any session in progress.
func (e *Engine) Start(ctx context.Context, userID string, kind Kind, args Args) ([]Reply, error) {
	if err := e.store.Delete(ctx, userID); err != nil {
		return nil, err
	}
	s, effects := Begin(userID, kind, args, e.clock.Now())
	if s != nil {
		if err := e.store.Put(ctx, s); err != nil {
			return nil, err
		}
		e.log.Debug("dialog started", zap.String("user", userID), zap.String("kind", string(kind)))
	}
	return e.run(ctx, userID, effects), nil
}

// Handle feeds ev to the user's session. It reports false when the user has
// no session, so the caller can treat the input as a command.
func (e *Engine) Handle(ctx context.Context, userID string, ev Event) (bool, []Reply, error) {
	s, err := e.store.Get(ctx, userID)
	if err != nil {
		return false, nil, err
	}
	if s == nil {
		return false, nil, nil
	}
	now := e.clock.Now()
	if ev.At.IsZero() {
		ev.At = now
	}
	if s.Expired(now, e.idle) {
		if err := e.store.Delete(ctx, userID); err != nil {
			return true, nil, err
		}
		e.log.Info("dialog expired", zap.String("user", userID), zap.String("kind", string(s.Dialog.Kind())))
		return true, []Reply{{Text: "Your previous conversation expired after inactivity. Please start again."}}, nil
	}

	next, effects := Advance(s, ev)
	if next == nil {
		if err := e.store.Delete(ctx, userID); err != nil {
			return true, nil, err
		}
	} else {
		next.UpdatedAt = now
		if err := e.store.Put(ctx, next); err != nil {
			return true, nil, err
		}
	}
	return true, e.run(ctx, userID, effects), nil
}

// Cancel discards the user's session. It reports whether one existed.
func (e *Engine) Cancel(ctx context.Context, userID string) (bool, error) {
	s, err := e.store.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if s == nil {
		return false, nil
	}
	return true, e.store.Delete(ctx, userID)
}

// Active returns the user's session, or nil.
func (e *Engine) Active(ctx context.Context, userID string) (*Session, error) {
	return e.store.Get(ctx, userID)
}

// run executes effects in order and collects the replies for the user.
// Business errors become corrective replies; anything else is logged and
// answered with the generic message.
func (e *Engine) run(ctx context.Context, userID string, effects []Effect) []Reply {
	var replies []Reply
	for _, eff := range effects {
		var (
			text string
			err  error
		)
		switch ef := eff.(type) {
		case Reply:
			replies = append(replies, ef)
			continue
		case CreateTicket:
			var t *models.Ticket
			if t, err = e.lifecycle.CreateTicket(ctx, userID, ef); err == nil {
				text = fmt.Sprintf("Ticket %s created. You will be notified when it is taken.", t.Number)
			}
		case CloseTicket:
			var t *models.Ticket
			if t, err = e.lifecycle.CloseTicket(ctx, userID, ef); err == nil {
				text = fmt.Sprintf("Ticket %s closed.", t.Number)
			}
		case AssignTicket:
			var t *models.Ticket
			if t, err = e.lifecycle.AssignTicket(ctx, userID, ef); err == nil {
				text = fmt.Sprintf("Ticket %s assigned to %s.", t.Number, t.PerformerName())
			}
		case StartBreak:
			if _, err = e.lifecycle.StartBreak(ctx, userID, ef); err == nil {
				text = fmt.Sprintf("Enjoy your break. Type /resume when you are back (planned %d minutes).", ef.Minutes)
			}
		default:
			err = fmt.Errorf("conversation: unknown effect %T", eff)
		}
		if err != nil {
			replies = append(replies, Reply{Text: e.errorText(userID, eff, err)})
			continue
		}
		replies = append(replies, Reply{Text: text})
	}
	return replies
}

func (e *Engine) errorText(userID string, eff Effect, err error) string {
	if errs.IsBusiness(err) {
		return errs.UserMessage(err)
	}
	e.log.Error("dialog effect failed",
		zap.String("user", userID),
		zap.String("effect", strings.TrimPrefix(fmt.Sprintf("%T", eff), "conversation.")),
		zap.Error(err))
	return errs.GenericUserMessage
}
