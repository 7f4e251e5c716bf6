package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/servicedesk/internal/clock"
	"github.com/zulandar/servicedesk/internal/config"
	"github.com/zulandar/servicedesk/internal/conversation"
	"github.com/zulandar/servicedesk/internal/db"
	"github.com/zulandar/servicedesk/internal/desk"
	"github.com/zulandar/servicedesk/internal/escalation"
	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/notify"
	"github.com/zulandar/servicedesk/internal/shift"
	"github.com/zulandar/servicedesk/internal/staff"
	"github.com/zulandar/servicedesk/internal/telegraph"
	"github.com/zulandar/servicedesk/internal/ticket"
	"github.com/zulandar/servicedesk/internal/timer"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	clk     *clock.Fake
	adapter *telegraph.MockAdapter
	timers  *timer.Service
	tickets *ticket.Service
	dir     *staff.Directory
	desk    *desk.Desk
	engine  *conversation.Engine
	router  *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	err = db.SeedStaff(gdb, []config.StaffConfig{
		{ChatID: "H1", Name: "Olga", Role: "head"},
		{ChatID: "L1", Name: "Lena", Role: "lead", Managers: []string{"H1"}},
		{ChatID: "S1", Name: "Petr", Role: "senior", Group: "ENGINEER", Managers: []string{"L1"}},
		{ChatID: "E1", Name: "Ivan", Role: "engineer", Group: "ENGINEER", Managers: []string{"S1"}},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := gdb.Create(&models.Ticket{ID: 100, Number: "XX-100", Title: "x", SupportGroup: models.GroupEngineer,
		Status: models.StatusCompleted, ApplicantID: 1}).Error; err != nil {
		t.Fatalf("seed ticket: %v", err)
	}

	clk := clock.NewFake(epoch)
	adapter := telegraph.NewMockAdapter()
	adapter.SetBotUserID("BOT")
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	notifier := notify.NewAdapterNotifier(adapter, nil)

	timers, err := timer.NewService(timer.ServiceOpts{Clock: clk, Store: timer.NewMemoryJobStore()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(timers.Stop)
	tickets, err := ticket.NewService(ticket.ServiceOpts{Store: ticket.NewGormStore(gdb), Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	dir := staff.NewDirectory(gdb)
	esc, err := escalation.New(escalation.Opts{
		Timers: timers, Tickets: tickets, Directory: dir, Notifier: notifier, Audit: escalation.NewGormAudit(gdb),
		T1: 10 * time.Minute, T2: 20 * time.Minute, Deadline: 240 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	shifts, err := shift.New(shift.Opts{
		Store: shift.NewGormStore(gdb), Timers: timers, Directory: dir, Notifier: notifier, Clock: clk, Overdue: 9 * time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	d, err := desk.New(desk.Opts{Tickets: tickets, Escalations: esc, Shifts: shifts, Directory: dir, Notifier: notifier})
	if err != nil {
		t.Fatal(err)
	}
	engine, err := conversation.NewEngine(conversation.EngineOpts{
		Store: conversation.NewMemoryStore(), Lifecycle: d, Clock: clk, IdleTimeout: 30 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewRouter(RouterOpts{Adapter: adapter, Desk: d, Dialogs: engine, Clock: clk, BotUserID: "BOT"})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{db: gdb, clk: clk, adapter: adapter, timers: timers, tickets: tickets, dir: dir,
		desk: d, engine: engine, router: r}
}

// say routes text from user and returns the texts sent back to that user.
func (f *fixture) say(t *testing.T, user, text string) []string {
	t.Helper()
	f.adapter.Reset()
	f.router.Handle(context.Background(), telegraph.InboundMessage{
		UserID: user, UserName: user, Text: text, Timestamp: f.clk.Now(),
	})
	var out []string
	for _, m := range f.adapter.SentTo(user) {
		out = append(out, m.Text)
	}
	return out
}

func (f *fixture) last(t *testing.T, user, text string) string {
	t.Helper()
	got := f.say(t, user, text)
	if len(got) == 0 {
		t.Fatalf("%s %q: no reply", user, text)
	}
	return got[len(got)-1]
}

func (f *fixture) raise(t *testing.T, user string) string {
	t.Helper()
	f.last(t, user, "/new engineer")
	f.last(t, user, "1395412")
	f.last(t, user, "VPN does not connect since morning")
	reply := f.last(t, user, "yes")
	if !strings.Contains(reply, "Ticket SD-101 created") {
		t.Fatalf("create reply = %q", reply)
	}
	return "SD-101"
}

func expectContains(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Errorf("reply = %q, want it to contain %q", got, want)
	}
}

func TestNewRouter_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts RouterOpts
		want string
	}{
		{"no adapter", RouterOpts{}, "adapter is required"},
		{"no desk", RouterOpts{Adapter: telegraph.NewMockAdapter()}, "desk is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRouter(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRouter_IgnoresSelf(t *testing.T) {
	f := newFixture(t)
	if got := f.say(t, "BOT", "/help"); len(got) != 0 {
		t.Errorf("bot answered itself: %v", got)
	}
	if f.adapter.SentCount() != 0 {
		t.Errorf("sent %d messages", f.adapter.SentCount())
	}
}

func TestRouter_RegistersNewUsers(t *testing.T) {
	f := newFixture(t)
	expectContains(t, f.last(t, "U9", "hello"), "/new")
	u, err := f.dir.ByChatID(context.Background(), "U9")
	if err != nil {
		t.Fatalf("user not registered: %v", err)
	}
	if u.Role != models.RoleApplicant {
		t.Errorf("role = %s", u.Role)
	}
}

func TestRouter_HelpAndUnknown(t *testing.T) {
	f := newFixture(t)
	expectContains(t, f.last(t, "U1", "/help"), "/close <ticket>")
	expectContains(t, f.last(t, "U1", "/start"), "Hello!")
	expectContains(t, f.last(t, "U1", "/frobnicate"), "Unknown command /frobnicate.")
	expectContains(t, f.last(t, "U1", "/help@sdbot"), "Commands:")
}

func TestRouter_Cancel(t *testing.T) {
	f := newFixture(t)
	if got := f.last(t, "U1", "cancel"); got != "Nothing to cancel." {
		t.Errorf("reply = %q", got)
	}
	f.last(t, "U1", "/new")
	if got := f.last(t, "U1", "/cancel"); got != "Cancelled." {
		t.Errorf("reply = %q", got)
	}
	expectContains(t, f.last(t, "U1", "ENGINEER"), "/help")
}

func TestRouter_NewTicketFlow(t *testing.T) {
	f := newFixture(t)
	if _, err := f.desk.StartShift(context.Background(), "E1"); err != nil {
		t.Fatal(err)
	}

	got := f.say(t, "U1", "/new")
	if len(got) != 1 || !strings.Contains(got[0], "Which support group") {
		t.Fatalf("replies = %v", got)
	}
	if kb := f.adapter.SentTo("U1")[0].Keyboard; len(kb.Buttons()) != 2 {
		t.Errorf("group keyboard = %+v", kb)
	}
	expectContains(t, f.last(t, "U1", "engineer"), "GSD number")
	expectContains(t, f.last(t, "U1", "12"), "5 to 10 digits")
	expectContains(t, f.last(t, "U1", "1395412"), "Describe the problem")
	expectContains(t, f.last(t, "U1", "Printer on floor 3 is jammed"), "GSD: 1395412")
	expectContains(t, f.last(t, "U1", "yes"), "Ticket SD-101 created")

	notices := f.adapter.SentTo("E1")
	if len(notices) != 1 || !strings.Contains(notices[0].Text, "SD-101") {
		t.Fatalf("engineer notices = %+v", notices)
	}
	if b := notices[0].Keyboard.Buttons(); len(b) != 1 || b[0].Value != "/claim SD-101" {
		t.Errorf("claim button = %+v", b)
	}
	if n := len(f.timers.List()); n == 0 {
		t.Error("no escalation jobs scheduled")
	}
}

func TestRouter_ClaimCloseRate(t *testing.T) {
	f := newFixture(t)
	number := f.raise(t, "U1")

	expectContains(t, f.last(t, "U1", "/claim "+number), "do not have permission")
	expectContains(t, f.last(t, "E1", "/claim "+number), "You took SD-101")

	got := f.say(t, "U1", "/my")
	if len(got) != 1 || !strings.Contains(got[0], "SD-101 [IN_WORK]") {
		t.Errorf("/my = %v", got)
	}

	expectContains(t, f.last(t, "E1", "/close sd-101"), "Closing SD-101")
	expectContains(t, f.last(t, "E1", "Replaced the VPN profile"), "sub-task")
	expectContains(t, f.last(t, "E1", "skip"), "Attach documents")
	f.adapter.Reset()
	f.router.Handle(context.Background(), telegraph.InboundMessage{
		UserID: "E1", Timestamp: f.clk.Now(),
		Attachments: []telegraph.Attachment{{FileID: "F1", Name: "act.pdf"}},
	})
	if sent := f.adapter.SentTo("E1"); len(sent) != 1 || !strings.Contains(sent[0].Text, "Got 1 file(s)") {
		t.Fatalf("attachment replies = %+v", sent)
	}
	expectContains(t, f.last(t, "E1", "done"), "Ticket SD-101 closed.")

	tk, err := f.tickets.Get(context.Background(), number)
	if err != nil {
		t.Fatal(err)
	}
	if tk.Status != models.StatusCompleted || len(tk.Documents) != 1 {
		t.Errorf("ticket = %s with %d documents", tk.Status, len(tk.Documents))
	}

	expectContains(t, f.last(t, "U1", "/rate SD-101 five"), "0 and 5")
	expectContains(t, f.last(t, "U1", "/rate SD-101 5"), "rated 5")
	expectContains(t, f.last(t, "U1", "/my"), "no open tickets")
}

func TestRouter_UsageErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		text string
		want string
	}{
		{"/claim", "Usage: /claim <ticket>"},
		{"/close", "Usage: /close <ticket>"},
		{"/assign", "Usage: /assign <ticket>"},
		{"/rate SD-1", "Usage: /rate"},
		{"/show", "Usage: /show"},
		{"/shift", "Usage: /shift"},
		{"/shift lunch", "Usage: /shift"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			expectContains(t, f.last(t, "E1", tt.text), tt.want)
		})
	}
}

func TestRouter_ShiftAndBreak(t *testing.T) {
	f := newFixture(t)
	expectContains(t, f.last(t, "E1", "/shift start"), "Shift started at 09:00")
	expectContains(t, f.last(t, "E1", "/shift start"), "already")

	f.clk.Advance(time.Hour)
	expectContains(t, f.last(t, "E1", "/break"), "How many minutes")
	expectContains(t, f.last(t, "E1", "200"), "between")
	expectContains(t, f.last(t, "E1", "15"), "/resume")
	expectContains(t, f.last(t, "E1", "/shift status"), "On a break until 10:15")
	expectContains(t, f.last(t, "E1", "/break"), "already")

	f.clk.Advance(10 * time.Minute)
	expectContains(t, f.last(t, "E1", "/resume"), "Welcome back")
	expectContains(t, f.last(t, "E1", "/resume"), "break")
	expectContains(t, f.last(t, "E1", "/shift end"), "You worked 1h0m0s")
	expectContains(t, f.last(t, "U1", "/shift start"), "do not have permission")
}

func TestRouter_AssignAndShow(t *testing.T) {
	f := newFixture(t)
	number := f.raise(t, "U1")

	expectContains(t, f.last(t, "E1", "/assign "+number), "do not have permission")
	expectContains(t, f.last(t, "S1", "/assign "+number), "Who should take SD-101?")
	expectContains(t, f.last(t, "S1", "Ivan"), "Assign SD-101 to Ivan?")
	expectContains(t, f.last(t, "S1", "yes"), "Ticket SD-101 assigned to Ivan.")

	expectContains(t, f.last(t, "E1", "/start "+number), "SD-101 is in work.")
	f.clk.Advance(90 * time.Minute)
	show := f.last(t, "U1", "/show "+number)
	expectContains(t, show, "IN_WORK")
	expectContains(t, show, "Open for: 1h30m0s")
	expectContains(t, f.last(t, "U1", "/show SD-999"), "not found")
}

func TestRouter_ReplyFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	f.adapter.FailSends(errors.New("rate limited"))
	f.router.Handle(context.Background(), telegraph.InboundMessage{UserID: "U1", Text: "/help"})
	f.adapter.FailSends(nil)
	if f.adapter.SentCount() != 0 {
		t.Errorf("sent = %d", f.adapter.SentCount())
	}
}
