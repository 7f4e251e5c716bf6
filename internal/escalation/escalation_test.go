package escalation

import (
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/servicedesk/internal/clock"
	"github.com/zulandar/servicedesk/internal/config"
	"github.com/zulandar/servicedesk/internal/db"
	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/notify"
	"github.com/zulandar/servicedesk/internal/staff"
	"github.com/zulandar/servicedesk/internal/ticket"
	"github.com/zulandar/servicedesk/internal/timer"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	clk     *clock.Fake
	timers  *timer.Service
	tickets *ticket.Service
	dir     *staff.Directory
	rec     *notify.Recorder
	audit   *GormAudit
	eng     *Engine
}

func newFixture(t *testing.T, seed []config.StaffConfig) *fixture {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.SeedStaff(gdb, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Continue numbering at 101.
	if err := gdb.Create(&models.Ticket{ID: 100, Number: "XX-100", Title: "x", SupportGroup: models.GroupEngineer,
		Status: models.StatusCompleted, ApplicantID: 1}).Error; err != nil {
		t.Fatalf("seed ticket: %v", err)
	}

	clk := clock.NewFake(epoch)
	timers, err := timer.NewService(timer.ServiceOpts{Clock: clk, Store: timer.NewMemoryJobStore()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(timers.Stop)
	tickets, err := ticket.NewService(ticket.ServiceOpts{Store: ticket.NewGormStore(gdb), Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		db:      gdb,
		clk:     clk,
		timers:  timers,
		tickets: tickets,
		dir:     staff.NewDirectory(gdb),
		rec:     notify.NewRecorder(),
		audit:   NewGormAudit(gdb),
	}
	f.eng, err = New(Opts{
		Timers:    timers,
		Tickets:   tickets,
		Directory: f.dir,
		Notifier:  f.rec,
		Audit:     f.audit,
		T1:        10 * time.Minute,
		T2:        20 * time.Minute,
		Deadline:  240 * time.Minute,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

var fullStaff = []config.StaffConfig{
	{ChatID: "H1", Name: "Olga", Role: "head"},
	{ChatID: "L1", Name: "Lena", Role: "lead", Managers: []string{"H1"}},
	{ChatID: "S1", Name: "Petr", Role: "senior", Group: "ENGINEER", Managers: []string{"L1"}},
	{ChatID: "E1", Name: "Ivan", Role: "engineer", Group: "ENGINEER", Managers: []string{"S1", "L1"}},
	{ChatID: "A1", Name: "Anna", Role: "applicant"},
}

func (f *fixture) user(t *testing.T, chatID string) *models.User {
	t.Helper()
	u, err := f.dir.ByChatID(context.Background(), chatID)
	if err != nil {
		t.Fatalf("user %s: %v", chatID, err)
	}
	return u
}

func (f *fixture) onDuty(t *testing.T, chatID string) {
	t.Helper()
	u := f.user(t, chatID)
	if err := f.db.Create(&models.Shift{EmployeeID: u.ID, StartedAt: epoch, IsWorking: true}).Error; err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) newTicket(t *testing.T) *models.Ticket {
	t.Helper()
	ctx := context.Background()
	tk, err := f.tickets.Create(ctx, ticket.CreateInput{
		ApplicantID: f.user(t, "A1").ID,
		Group:       models.GroupEngineer,
		Title:       "VPN does not connect",
		Description: "Error 809 since this morning",
		ExternalRef: "1395412",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.eng.ScheduleTicket(ctx, tk); err != nil {
		t.Fatalf("ScheduleTicket: %v", err)
	}
	return tk
}

func (f *fixture) events(t *testing.T, subject string) []models.EscalationEvent {
	t.Helper()
	evs, err := f.audit.List(context.Background(), subject)
	if err != nil {
		t.Fatal(err)
	}
	return evs
}

func TestScheduleTicket_RegistersThreeJobs(t *testing.T) {
	f := newFixture(t, fullStaff)
	tk := f.newTicket(t)
	if tk.Number != "SD-101" {
		t.Fatalf("Number = %q, want SD-101", tk.Number)
	}

	want := map[string]time.Time{
		"job_SD-101_step1":    epoch.Add(10 * time.Minute),
		"job_SD-101_step2":    epoch.Add(20 * time.Minute),
		"job_SD-101_deadline": epoch.Add(240 * time.Minute),
	}
	jobs := f.timers.List()
	if len(jobs) != 3 {
		t.Fatalf("jobs = %d, want 3", len(jobs))
	}
	for _, j := range jobs {
		if at, ok := want[j.ID]; !ok || !j.FireAt.Equal(at) {
			t.Errorf("job %s at %v unexpected", j.ID, j.FireAt)
		}
	}

	// Scheduling again keeps the existing jobs.
	if err := f.eng.ScheduleTicket(context.Background(), tk); err != nil {
		t.Errorf("second ScheduleTicket: %v", err)
	}
	if len(f.timers.List()) != 3 {
		t.Errorf("jobs = %d after re-schedule, want 3", len(f.timers.List()))
	}
}

func TestScheduleTicket_SkipsCloseCommand(t *testing.T) {
	f := newFixture(t, fullStaff)
	tk := &models.Ticket{Number: "SD-7", IsCloseCommand: true, CreatedAt: epoch}
	if err := f.eng.ScheduleTicket(context.Background(), tk); err != nil {
		t.Fatal(err)
	}
	if len(f.timers.List()) != 0 {
		t.Errorf("close-command ticket was scheduled")
	}
}

func TestT1_NotifiesOnDutySeniors(t *testing.T) {
	f := newFixture(t, fullStaff)
	f.onDuty(t, "S1")
	f.newTicket(t)

	f.clk.Advance(10 * time.Minute)

	got := f.rec.To("S1")
	if len(got) != 1 {
		t.Fatalf("notices to senior = %d, want 1", len(got))
	}
	if !strings.Contains(got[0].Text, "SD-101") || !strings.Contains(got[0].Text, "10 minutes") {
		t.Errorf("senior text = %q", got[0].Text)
	}
	if btns := got[0].Keyboard.Buttons(); len(btns) != 1 || btns[0].Value != "/claim SD-101" {
		t.Errorf("keyboard = %+v", btns)
	}
	app := f.rec.To("A1")
	if len(app) != 1 || !strings.Contains(app[0].Text, "escalated to senior staff") {
		t.Errorf("applicant notices = %+v", app)
	}

	evs := f.events(t, "SD-101")
	if len(evs) != 1 || evs[0].Outcome != OutcomeNotified || evs[0].Recipients != "S1" || evs[0].Tier != "ACTIVATION_T1" {
		t.Errorf("audit = %+v", evs)
	}
}

func TestT1_NoopWhenClaimed(t *testing.T) {
	f := newFixture(t, fullStaff)
	f.onDuty(t, "S1")
	tk := f.newTicket(t)

	f.clk.Advance(5 * time.Minute)
	if _, err := f.tickets.Claim(context.Background(), tk.Number, f.user(t, "E1")); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	f.clk.Advance(5 * time.Minute)

	if n := len(f.rec.Notices()); n != 0 {
		t.Errorf("notices = %d, want 0", n)
	}
	evs := f.events(t, "SD-101")
	if len(evs) != 1 || evs[0].Outcome != OutcomeNoop || evs[0].Detail != "ticket taken" {
		t.Errorf("audit = %+v", evs)
	}
}

func TestT1_FallsBackToLeadsWhenNoSeniorOnDuty(t *testing.T) {
	f := newFixture(t, fullStaff)
	f.newTicket(t)

	f.clk.Advance(10 * time.Minute)

	if len(f.rec.To("S1")) != 0 {
		t.Error("off-duty senior was notified")
	}
	if len(f.rec.To("L1")) != 1 {
		t.Errorf("lead notices = %d, want 1", len(f.rec.To("L1")))
	}
	evs := f.events(t, "SD-101")
	if len(evs) != 1 || evs[0].Detail != string(AudienceLeads) {
		t.Errorf("audit = %+v", evs)
	}
}

func TestT2_NotifiesLeadsWithRemark(t *testing.T) {
	f := newFixture(t, fullStaff)
	f.onDuty(t, "S1")
	f.newTicket(t)

	f.clk.Advance(20 * time.Minute)

	if got := f.rec.To("L1"); len(got) != 1 || !strings.Contains(got[0].Text, "still has no performer") {
		t.Errorf("lead notices = %+v", got)
	}
	app := f.rec.To("A1")
	if len(app) != 2 {
		t.Fatalf("applicant notices = %d, want 2 (T1 and T2)", len(app))
	}
	if !strings.Contains(app[1].Text, "may not be on duty") {
		t.Errorf("T2 applicant text = %q", app[1].Text)
	}
}

func TestDeadline_NoPerformerGoesToHeadsUrgent(t *testing.T) {
	f := newFixture(t, fullStaff)
	f.onDuty(t, "S1")
	f.newTicket(t)

	f.clk.Advance(240 * time.Minute)

	got := f.rec.To("H1")
	if len(got) != 1 || !strings.HasPrefix(got[0].Text, "URGENT") || !strings.Contains(got[0].Text, "no performer after the deadline") {
		t.Fatalf("head notices = %+v", got)
	}
	evs := f.events(t, "SD-101")
	if len(evs) != 3 {
		t.Fatalf("audit events = %d, want 3", len(evs))
	}
	if last := evs[2]; last.Tier != "DEADLINE" || last.Detail != "heads urgent" {
		t.Errorf("deadline audit = %+v", last)
	}
}

func TestDeadline_WithPerformerGoesToManagers(t *testing.T) {
	f := newFixture(t, fullStaff)
	tk := f.newTicket(t)
	if _, err := f.tickets.Claim(context.Background(), tk.Number, f.user(t, "E1")); err != nil {
		t.Fatal(err)
	}
	f.rec.Reset()

	f.clk.Advance(240 * time.Minute)

	for _, id := range []string{"S1", "L1"} {
		got := f.rec.To(id)
		if len(got) != 1 || !strings.Contains(got[0].Text, "taken by Ivan") {
			t.Errorf("manager %s notices = %+v", id, got)
			continue
		}
		if got[0].Keyboard != nil {
			t.Errorf("taken ticket should not offer a claim button")
		}
	}
	if len(f.rec.To("H1")) != 0 {
		t.Error("head notified although managers exist")
	}
	if len(f.rec.To("A1")) != 0 {
		t.Error("applicant notified at deadline")
	}
}

func TestCompletedTicket_AllTiersNoop(t *testing.T) {
	f := newFixture(t, fullStaff)
	tk := f.newTicket(t)
	ctx := context.Background()
	if _, err := f.tickets.Claim(ctx, tk.Number, f.user(t, "E1")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.tickets.Close(ctx, tk.Number, ticket.CloseInput{Comment: "replaced cable"}); err != nil {
		t.Fatal(err)
	}

	f.clk.Advance(5 * time.Hour)

	if n := len(f.rec.Notices()); n != 0 {
		t.Errorf("notices = %d, want 0", n)
	}
	for _, ev := range f.events(t, "SD-101") {
		if ev.Outcome != OutcomeNoop {
			t.Errorf("event %s outcome = %s, want noop", ev.Tier, ev.Outcome)
		}
	}
}

func TestCancelTicket(t *testing.T) {
	f := newFixture(t, fullStaff)
	tk := f.newTicket(t)
	if err := f.eng.CancelTicket(context.Background(), tk.Number); err != nil {
		t.Fatal(err)
	}
	if len(f.timers.List()) != 0 {
		t.Errorf("jobs left = %d", len(f.timers.List()))
	}
	f.clk.Advance(5 * time.Hour)
	if len(f.events(t, "")) != 0 {
		t.Error("cancelled jobs fired")
	}
}

func TestCancelActivation_KeepsDeadline(t *testing.T) {
	f := newFixture(t, fullStaff)
	tk := f.newTicket(t)
	if err := f.eng.CancelActivation(context.Background(), tk.Number); err != nil {
		t.Fatal(err)
	}
	jobs := f.timers.List()
	if len(jobs) != 1 || jobs[0].Tier != timer.TierDeadline {
		t.Errorf("jobs = %+v, want only the deadline", jobs)
	}
}

func TestNoRecipients_AuditedAsFailed(t *testing.T) {
	f := newFixture(t, []config.StaffConfig{
		{ChatID: "A1", Name: "Anna", Role: "applicant"},
	})
	f.newTicket(t)

	f.clk.Advance(10 * time.Minute)

	if n := len(f.rec.Notices()); n != 0 {
		t.Errorf("notices = %d, want 0", n)
	}
	evs := f.events(t, "SD-101")
	if len(evs) != 1 || evs[0].Outcome != OutcomeFailed || !strings.Contains(evs[0].Detail, "no eligible recipient") {
		t.Errorf("audit = %+v", evs)
	}
	// Not retried.
	if _, ok := f.timers.Get("job_SD-101_step1"); ok {
		t.Error("failed job was re-armed")
	}
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t, fullStaff)
	base := Opts{Timers: f.timers, Tickets: f.tickets, Directory: f.dir, Notifier: f.rec, Audit: f.audit,
		T1: time.Minute, T2: 2 * time.Minute, Deadline: time.Hour}

	tests := []struct {
		name string
		mod  func(o *Opts)
		want string
	}{
		{"no timers", func(o *Opts) { o.Timers = nil }, "timers is required"},
		{"no notifier", func(o *Opts) { o.Notifier = nil }, "notifier is required"},
		{"t2 not after t1", func(o *Opts) { o.T2 = o.T1 }, "t1 < t2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base
			tt.mod(&o)
			_, err := New(o)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}
