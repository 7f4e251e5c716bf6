package bot

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/clock"
	"github.com/zulandar/servicedesk/internal/conversation"
	"github.com/zulandar/servicedesk/internal/errs"
	"github.com/zulandar/servicedesk/internal/logging"
	"github.com/zulandar/servicedesk/internal/telegraph"
)

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Adapter   telegraph.Adapter
	Desk      Desk
	Dialogs   Dialogs
	Clock     clock.Clock
	BotUserID string
	Logger    *zap.Logger
}

// Router classifies inbound messages and dispatches them to the running
// dialog or to a command, then sends the replies back to the user.
type Router struct {
	adapter   telegraph.Adapter
	desk      Desk
	dialogs   Dialogs
	commands  *Commands
	clock     clock.Clock
	botUserID string
	log       *zap.Logger
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	switch {
	case opts.Adapter == nil:
		return nil, fmt.Errorf("bot: adapter is required")
	case opts.Desk == nil:
		return nil, fmt.Errorf("bot: desk is required")
	case opts.Dialogs == nil:
		return nil, fmt.Errorf("bot: dialogs are required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := logging.OrNop(opts.Logger).Named("bot")
	return &Router{
		adapter:   opts.Adapter,
		desk:      opts.Desk,
		dialogs:   opts.Dialogs,
		commands:  &Commands{desk: opts.Desk, dialogs: opts.Dialogs, clock: clk, log: log},
		clock:     clk,
		botUserID: opts.BotUserID,
		log:       log,
	}, nil
}

// Handle processes one inbound message and sends the replies.
func (r *Router) Handle(ctx context.Context, msg telegraph.InboundMessage) {
	if r.botUserID != "" && msg.UserID == r.botUserID {
		return
	}
	if msg.UserID == "" {
		return
	}
	if _, err := r.desk.User(ctx, msg.UserID, msg.UserName); err != nil {
		r.log.Error("register user", zap.String("user", msg.UserID), zap.Error(err))
		r.reply(ctx, msg, text1(errs.GenericUserMessage))
		return
	}
	r.reply(ctx, msg, r.route(ctx, msg))
}

func (r *Router) route(ctx context.Context, msg telegraph.InboundMessage) []conversation.Reply {
	text := strings.TrimSpace(msg.Text)

	if conversation.IsCancel(text) {
		cancelled, err := r.dialogs.Cancel(ctx, msg.UserID)
		if err != nil {
			r.log.Error("cancel dialog", zap.String("user", msg.UserID), zap.Error(err))
			return text1(errs.GenericUserMessage)
		}
		if !cancelled {
			return text1("Nothing to cancel.")
		}
		return text1("Cancelled.")
	}

	if IsCommand(text) && !msg.HasAttachments() {
		return r.commands.Execute(ctx, msg.UserID, text)
	}

	at := msg.Timestamp
	if at.IsZero() {
		at = r.clock.Now()
	}
	handled, replies, err := r.dialogs.Handle(ctx, msg.UserID, conversation.Event{
		Text:        text,
		Attachments: msg.Attachments,
		At:          at,
	})
	if err != nil {
		r.log.Error("dialog failed", zap.String("user", msg.UserID), zap.Error(err))
		return text1(errs.GenericUserMessage)
	}
	if handled {
		return replies
	}
	if msg.HasAttachments() {
		return text1("I was not expecting files. Use /close <ticket> to attach documents to a ticket.")
	}
	return text1("Type /new to raise a ticket or /help to see all commands.")
}

func (r *Router) reply(ctx context.Context, msg telegraph.InboundMessage, replies []conversation.Reply) {
	for _, rep := range replies {
		if rep.Text == "" {
			continue
		}
		out := telegraph.OutboundMessage{UserID: msg.UserID, Text: rep.Text, Keyboard: rep.Keyboard}
		if err := r.adapter.Send(ctx, out); err != nil {
			r.log.Warn("reply failed", zap.String("user", msg.UserID), zap.Error(err))
		}
	}
}
