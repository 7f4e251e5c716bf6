// Package notify delivers desk notices to staff and applicants over the
// chat adapter.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/logging"
	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/telegraph"
)

// Notifier sends text (and an optional keyboard) to each recipient.
// Delivery is best-effort: failures are logged, never returned.
type Notifier interface {
	Notify(ctx context.Context, recipients []models.User, text string, kb *telegraph.Keyboard)
}

// AdapterNotifier delivers notices as direct messages through a
// telegraph.Adapter.
type AdapterNotifier struct {
	adapter telegraph.Adapter
	log     *zap.Logger
}

// NewAdapterNotifier creates a Notifier on top of adapter.
func NewAdapterNotifier(adapter telegraph.Adapter, log *zap.Logger) *AdapterNotifier {
	return &AdapterNotifier{adapter: adapter, log: logging.OrNop(log).Named("notify")}
}

// Notify sends one direct message per recipient. Recipients without a chat
// id are skipped, duplicates are sent once.
func (n *AdapterNotifier) Notify(ctx context.Context, recipients []models.User, text string, kb *telegraph.Keyboard) {
	seen := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		if r.ChatID == "" || seen[r.ChatID] {
			continue
		}
		seen[r.ChatID] = true
		err := n.adapter.Send(ctx, telegraph.OutboundMessage{
			UserID:   r.ChatID,
			Text:     text,
			Keyboard: kb,
		})
		if err != nil {
			n.log.Warn("notification not delivered",
				zap.String("user", r.ChatID),
				zap.Error(err))
		}
	}
}

// Notice is one recorded Notify call.
type Notice struct {
	Recipients []models.User
	Text       string
	Keyboard   *telegraph.Keyboard
}

// ChatIDs returns the recipients' chat ids in order.
func (n Notice) ChatIDs() []string {
	ids := make([]string, len(n.Recipients))
	for i, r := range n.Recipients {
		ids[i] = r.ChatID
	}
	return ids
}

// Recorder is a Notifier that keeps every call in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Notify records the call.
func (r *Recorder) Notify(_ context.Context, recipients []models.User, text string, kb *telegraph.Keyboard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]models.User, len(recipients))
	copy(cp, recipients)
	r.notices = append(r.notices, Notice{Recipients: cp, Text: text, Keyboard: kb})
}

// Notices returns a copy of all recorded calls.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

// To returns the recorded notices that included chatID as a recipient.
func (r *Recorder) To(chatID string) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notice
	for _, n := range r.notices {
		for _, u := range n.Recipients {
			if u.ChatID == chatID {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// Reset discards all recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = nil
}
