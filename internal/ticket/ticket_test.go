package ticket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/servicedesk/internal/clock"
	"github.com/zulandar/servicedesk/internal/db"
	"github.com/zulandar/servicedesk/internal/errs"
	"github.com/zulandar/servicedesk/internal/models"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func newUser(t *testing.T, gdb *gorm.DB, chatID, name string, role models.Role) *models.User {
	t.Helper()
	u := &models.User{ChatID: chatID, Name: name, Role: role, Active: true}
	if err := gdb.Create(u).Error; err != nil {
		t.Fatalf("create user %s: %v", chatID, err)
	}
	return u
}

type fixture struct {
	svc       *Service
	clk       *clock.Fake
	db        *gorm.DB
	applicant *models.User
	ivan      *models.User
	maria     *models.User
	lead      *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := testDB(t)
	clk := clock.NewFake(epoch)
	svc, err := NewService(ServiceOpts{Store: NewGormStore(gdb), Clock: clk})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &fixture{
		svc:       svc,
		clk:       clk,
		db:        gdb,
		applicant: newUser(t, gdb, "U100", "Anna", models.RoleApplicant),
		ivan:      newUser(t, gdb, "U200", "Ivan", models.RoleEngineer),
		maria:     newUser(t, gdb, "U201", "Maria", models.RoleEngineer),
		lead:      newUser(t, gdb, "U300", "Lena", models.RoleLead),
	}
}

func (f *fixture) create(t *testing.T, group models.SupportGroup) *models.Ticket {
	t.Helper()
	tk, err := f.svc.Create(context.Background(), CreateInput{
		ApplicantID: f.applicant.ID,
		Group:       group,
		Title:       "Printer on floor 3",
		Description: "Paper jam every other page",
		ExternalRef: "1395412",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tk
}

func TestNewService_Validation(t *testing.T) {
	if _, err := NewService(ServiceOpts{Clock: clock.NewFake(epoch)}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := NewService(ServiceOpts{Store: NewGormStore(nil)}); err == nil {
		t.Error("expected error without clock")
	}
}

func TestValidTransitions_ForwardOnly(t *testing.T) {
	order := map[models.TicketStatus]int{
		models.StatusNew: 0, models.StatusAssigned: 1, models.StatusInWork: 2, models.StatusCompleted: 3,
	}
	for from, tos := range ValidTransitions {
		for _, to := range tos {
			if order[to] <= order[from] {
				t.Errorf("transition %s -> %s goes backwards", from, to)
			}
		}
	}
	if len(ValidTransitions[models.StatusCompleted]) != 0 {
		t.Error("COMPLETED must be terminal")
	}
	if IsValidTransition(models.StatusNew, models.StatusCompleted) {
		t.Error("NEW -> COMPLETED must be rejected")
	}
}

func TestCreate_IssuesNumbers(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, models.GroupEngineer)
	second := f.create(t, models.GroupDispatcher)

	if first.Number != "SD-1" {
		t.Errorf("first.Number = %q, want SD-1", first.Number)
	}
	if second.Number != "DS-2" {
		t.Errorf("second.Number = %q, want DS-2", second.Number)
	}
	if first.Status != models.StatusNew {
		t.Errorf("Status = %s, want NEW", first.Status)
	}
	if !first.CreatedAt.Equal(epoch) {
		t.Errorf("CreatedAt = %v, want %v", first.CreatedAt, epoch)
	}
	if first.Applicant.Name != "Anna" {
		t.Errorf("Applicant not preloaded: %+v", first.Applicant)
	}
}

func TestCreate_CustomPrefix(t *testing.T) {
	gdb := testDB(t)
	u := newUser(t, gdb, "U1", "Anna", models.RoleApplicant)
	svc, _ := NewService(ServiceOpts{
		Store:    NewGormStore(gdb),
		Clock:    clock.NewFake(epoch),
		Prefixes: map[models.SupportGroup]string{models.GroupEngineer: "EN"},
	})
	tk, err := svc.Create(context.Background(), CreateInput{
		ApplicantID: u.ID, Group: models.GroupEngineer, Title: "VPN", Description: "VPN is down",
	})
	if err != nil {
		t.Fatal(err)
	}
	if tk.Number != "EN-1" {
		t.Errorf("Number = %q, want EN-1", tk.Number)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		in    CreateInput
		field string
	}{
		{"no applicant", CreateInput{Group: models.GroupEngineer, Title: "x", Description: "broken"}, "applicant"},
		{"bad group", CreateInput{ApplicantID: f.applicant.ID, Group: "SALES", Title: "x", Description: "broken"}, "support group"},
		{"no title", CreateInput{ApplicantID: f.applicant.ID, Group: models.GroupEngineer, Description: "broken"}, "title"},
		{"blank description", CreateInput{ApplicantID: f.applicant.ID, Group: models.GroupEngineer, Title: "x", Description: "   "}, "description"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tt.in)
			var ve *errs.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestClaim(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, models.GroupEngineer)

	claimed, err := f.svc.Claim(context.Background(), tk.Number, f.ivan)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.Status != models.StatusInWork {
		t.Errorf("Status = %s, want IN_WORK", claimed.Status)
	}
	if claimed.PerformerName() != "Ivan" {
		t.Errorf("performer = %q, want Ivan", claimed.PerformerName())
	}
}

func TestClaim_AlreadyTakenLeavesPerformer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.create(t, models.GroupEngineer)
	if _, err := f.svc.Claim(ctx, tk.Number, f.ivan); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Claim(ctx, tk.Number, f.maria)
	var aa *errs.AlreadyAssignedError
	if !errors.As(err, &aa) {
		t.Fatalf("err = %v, want AlreadyAssignedError", err)
	}
	if aa.Performer != "Ivan" {
		t.Errorf("Performer = %q, want Ivan", aa.Performer)
	}

	got, _ := f.svc.Get(ctx, tk.Number)
	if got.PerformerName() != "Ivan" {
		t.Errorf("performer changed to %q", got.PerformerName())
	}
}

func TestClaim_Concurrent(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, models.GroupEngineer)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, u := range []*models.User{f.ivan, f.maria} {
		wg.Add(1)
		go func(i int, u *models.User) {
			defer wg.Done()
			_, results[i] = f.svc.Claim(context.Background(), tk.Number, u)
		}(i, u)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		var aa *errs.AlreadyAssignedError
		if !errors.As(err, &aa) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestAssignAndStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.create(t, models.GroupEngineer)

	assigned, err := f.svc.Assign(ctx, tk.Number, f.ivan, f.lead)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if assigned.Status != models.StatusAssigned {
		t.Errorf("Status = %s, want ASSIGNED", assigned.Status)
	}
	if assigned.AssignedBy == nil || assigned.AssignedBy.Name != "Lena" {
		t.Errorf("AssignedBy = %+v", assigned.AssignedBy)
	}

	if _, err := f.svc.Assign(ctx, tk.Number, f.maria, f.lead); err == nil {
		t.Error("reassignment should fail")
	}

	_, err = f.svc.Start(ctx, tk.Number, f.maria)
	var pd *errs.PermissionDeniedError
	if !errors.As(err, &pd) {
		t.Errorf("Start by other = %v, want PermissionDeniedError", err)
	}

	started, err := f.svc.Start(ctx, tk.Number, f.ivan)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != models.StatusInWork {
		t.Errorf("Status = %s, want IN_WORK", started.Status)
	}

	_, err = f.svc.Start(ctx, tk.Number, f.ivan)
	var it *errs.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Errorf("second Start = %v, want InvalidTransitionError", err)
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.create(t, models.GroupEngineer)

	_, err := f.svc.Close(ctx, tk.Number, CloseInput{Comment: "done"})
	var it *errs.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("close NEW = %v, want InvalidTransitionError", err)
	}

	f.svc.Claim(ctx, tk.Number, f.ivan)
	f.clk.Advance(90 * time.Minute)
	closed, err := f.svc.Close(ctx, tk.Number, CloseInput{
		Comment:   "Replaced the fuser",
		SubTasks:  []string{"SD-7", "SD-9"},
		Documents: []Document{{FileID: "F1", Name: "act.pdf", URL: "https://files/act.pdf"}},
	})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed.Status != models.StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", closed.Status)
	}
	if closed.CompletedAt == nil || !closed.CompletedAt.Equal(epoch.Add(90*time.Minute)) {
		t.Errorf("CompletedAt = %v", closed.CompletedAt)
	}
	if closed.ClosingComment == nil || *closed.ClosingComment != "Replaced the fuser" {
		t.Errorf("ClosingComment = %v", closed.ClosingComment)
	}
	if len(closed.SubTaskList()) != 2 {
		t.Errorf("SubTasks = %q", closed.SubTasks)
	}
	if len(closed.Documents) != 1 || closed.Documents[0].Name != "act.pdf" {
		t.Errorf("Documents = %+v", closed.Documents)
	}

	_, err = f.svc.Close(ctx, tk.Number, CloseInput{})
	var tc *errs.TicketCompletedError
	if !errors.As(err, &tc) {
		t.Errorf("second Close = %v, want TicketCompletedError", err)
	}
}

func TestClaim_CompletedTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.create(t, models.GroupEngineer)
	f.svc.Claim(ctx, tk.Number, f.ivan)
	f.svc.Close(ctx, tk.Number, CloseInput{Comment: "ok"})

	_, err := f.svc.Claim(ctx, tk.Number, f.maria)
	var tc *errs.TicketCompletedError
	if !errors.As(err, &tc) {
		t.Errorf("Claim completed = %v, want TicketCompletedError", err)
	}
}

func TestRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.create(t, models.GroupEngineer)

	_, err := f.svc.Rate(ctx, tk.Number, 4)
	var it *errs.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("rate open ticket = %v, want InvalidTransitionError", err)
	}

	f.svc.Claim(ctx, tk.Number, f.ivan)
	f.svc.Close(ctx, tk.Number, CloseInput{Comment: "ok"})

	_, err = f.svc.Rate(ctx, tk.Number, 7)
	var ve *errs.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("rate 7 = %v, want ValidationError", err)
	}
	got, _ := f.svc.Get(ctx, tk.Number)
	if got.Rating != nil {
		t.Errorf("rating stored after rejected value: %d", *got.Rating)
	}

	rated, err := f.svc.Rate(ctx, tk.Number, 5)
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if rated.Rating == nil || *rated.Rating != 5 {
		t.Errorf("Rating = %v, want 5", rated.Rating)
	}
}

func TestGet_NotFoundAndNormalized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.create(t, models.GroupEngineer)

	got, err := f.svc.Get(ctx, " sd-1 ")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != tk.ID {
		t.Errorf("Get returned %s", got.Number)
	}

	_, err = f.svc.Get(ctx, "SD-999")
	if !errs.IsNotFound(err) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
}

func TestFindByExternalRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.create(t, models.GroupEngineer)

	got, err := f.svc.FindByExternalRef(ctx, "1395412")
	if err != nil {
		t.Fatalf("FindByExternalRef: %v", err)
	}
	if got.Number != tk.Number {
		t.Errorf("found %s, want %s", got.Number, tk.Number)
	}
	if _, err := f.svc.FindByExternalRef(ctx, "000000"); !errs.IsNotFound(err) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
	if _, err := f.svc.FindByExternalRef(ctx, ""); !errs.IsNotFound(err) {
		t.Errorf("empty ref err = %v, want NotFoundError", err)
	}
}

func TestList_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, models.GroupEngineer)
	f.create(t, models.GroupDispatcher)
	c := f.create(t, models.GroupEngineer)
	f.svc.Claim(ctx, a.Number, f.ivan)
	f.svc.Close(ctx, a.Number, CloseInput{Comment: "ok"})
	f.svc.Claim(ctx, c.Number, f.ivan)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"open only", Filter{OpenOnly: true}, 2},
		{"engineer group", Filter{Group: models.GroupEngineer}, 2},
		{"performer", Filter{PerformerID: &f.ivan.ID}, 2},
		{"performer open", Filter{PerformerID: &f.ivan.ID, OpenOnly: true}, 1},
		{"status new", Filter{Statuses: []models.TicketStatus{models.StatusNew}}, 1},
		{"applicant limited", Filter{ApplicantID: &f.applicant.ID, Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.List(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestCloseExternal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	untaken := f.create(t, models.GroupEngineer)
	taken := f.create(t, models.GroupEngineer)
	f.svc.Claim(ctx, taken.Number, f.ivan)
	f.clk.Advance(time.Hour)

	for _, tk := range []*models.Ticket{untaken, taken} {
		closed, err := f.svc.CloseExternal(ctx, tk.Number, " closed in GSD ")
		if err != nil {
			t.Fatalf("CloseExternal %s: %v", tk.Number, err)
		}
		if closed.Status != models.StatusCompleted {
			t.Errorf("%s Status = %s, want COMPLETED", tk.Number, closed.Status)
		}
		if closed.CompletedAt == nil || !closed.CompletedAt.Equal(epoch.Add(time.Hour)) {
			t.Errorf("%s CompletedAt = %v", tk.Number, closed.CompletedAt)
		}
		if closed.ClosingComment == nil || *closed.ClosingComment != "closed in GSD" {
			t.Errorf("%s ClosingComment = %v", tk.Number, closed.ClosingComment)
		}
	}

	got, _ := f.svc.Get(ctx, untaken.Number)
	if got.HasPerformer() {
		t.Errorf("external close set a performer: %q", got.PerformerName())
	}
	var tc *errs.TicketCompletedError
	if _, err := f.svc.CloseExternal(ctx, untaken.Number, ""); !errors.As(err, &tc) {
		t.Errorf("second close = %v, want TicketCompletedError", err)
	}
}

func TestList_SkipsCloseCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, models.GroupEngineer)
	_, err := f.svc.Create(ctx, CreateInput{
		ApplicantID:  f.applicant.ID,
		Group:        models.GroupEngineer,
		Title:        "Close GSD 1395412",
		Description:  "closed in GSD",
		ExternalRef:  "1395412",
		Automatic:    true,
		CloseCommand: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	open, _ := f.svc.List(ctx, Filter{OpenOnly: true})
	if len(open) != 1 || open[0].IsCloseCommand {
		t.Errorf("open = %d tickets, want only the real one", len(open))
	}
	all, _ := f.svc.List(ctx, Filter{IncludeCloseCommands: true})
	if len(all) != 2 {
		t.Errorf("with close commands = %d, want 2", len(all))
	}
}
