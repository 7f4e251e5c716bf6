// Package desk runs the side effects of the ticket and shift lifecycles:
// permission checks, escalation scheduling and the notices that go out when
// a ticket is created, taken or closed.
package desk

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/conversation"
	"github.com/zulandar/servicedesk/internal/errs"
	"github.com/zulandar/servicedesk/internal/logging"
	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/notify"
	"github.com/zulandar/servicedesk/internal/staff"
	"github.com/zulandar/servicedesk/internal/telegraph"
	"github.com/zulandar/servicedesk/internal/ticket"
)

// Tickets is the ticket lifecycle used by the desk.
type Tickets interface {
	Create(ctx context.Context, in ticket.CreateInput) (*models.Ticket, error)
	Claim(ctx context.Context, number string, performer *models.User) (*models.Ticket, error)
	Assign(ctx context.Context, number string, performer, assigner *models.User) (*models.Ticket, error)
	Start(ctx context.Context, number string, performer *models.User) (*models.Ticket, error)
	Close(ctx context.Context, number string, in ticket.CloseInput) (*models.Ticket, error)
	CloseExternal(ctx context.Context, number, comment string) (*models.Ticket, error)
	Rate(ctx context.Context, number string, rating int) (*models.Ticket, error)
	Get(ctx context.Context, number string) (*models.Ticket, error)
	FindByExternalRef(ctx context.Context, ref string) (*models.Ticket, error)
	List(ctx context.Context, f ticket.Filter) ([]models.Ticket, error)
}

// Escalations schedules and cancels the escalation jobs of tickets.
type Escalations interface {
	ScheduleTicket(ctx context.Context, t *models.Ticket) error
	CancelTicket(ctx context.Context, number string) error
	CancelActivation(ctx context.Context, number string) error
}

// Shifts is the shift lifecycle used by the desk.
type Shifts interface {
	StartShift(ctx context.Context, employee *models.User) (*models.Shift, error)
	StartBreak(ctx context.Context, employee *models.User, minutes int) (*models.Shift, error)
	EndBreak(ctx context.Context, employee *models.User) (*models.Shift, error)
	EndShift(ctx context.Context, employee *models.User) (*models.Shift, error)
	Current(ctx context.Context, employee *models.User) (*models.Shift, error)
}

// Directory looks up users.
type Directory interface {
	ByChatID(ctx context.Context, chatID string) (*models.User, error)
	ByID(ctx context.Context, id uint) (*models.User, error)
	EnsureUser(ctx context.Context, chatID, name string) (*models.User, error)
	OnDuty(ctx context.Context, role models.Role, group models.SupportGroup) ([]models.User, error)
	Performers(ctx context.Context, group models.SupportGroup) ([]models.User, error)
}

// Opts holds parameters for creating a Desk.
type Opts struct {
	Tickets     Tickets
	Escalations Escalations
	Shifts      Shifts
	Directory   Directory
	Permissions staff.Permissions
	Notifier    notify.Notifier
	Logger      *zap.Logger
}

// Desk is the single entry point for user-initiated lifecycle actions.
type Desk struct {
	tickets  Tickets
	esc      Escalations
	shifts   Shifts
	dir      Directory
	perms    staff.Permissions
	notifier notify.Notifier
	log      *zap.Logger
}

var _ conversation.Lifecycle = (*Desk)(nil)

// New creates a Desk.
func New(opts Opts) (*Desk, error) {
	switch {
	case opts.Tickets == nil:
		return nil, fmt.Errorf("desk: tickets is required")
	case opts.Escalations == nil:
		return nil, fmt.Errorf("desk: escalations is required")
	case opts.Shifts == nil:
		return nil, fmt.Errorf("desk: shifts is required")
	case opts.Directory == nil:
		return nil, fmt.Errorf("desk: directory is required")
	case opts.Notifier == nil:
		return nil, fmt.Errorf("desk: notifier is required")
	}
	perms := opts.Permissions
	if perms == nil {
		perms = staff.NewRolePermissions()
	}
	return &Desk{
		tickets:  opts.Tickets,
		esc:      opts.Escalations,
		shifts:   opts.Shifts,
		dir:      opts.Directory,
		perms:    perms,
		notifier: opts.Notifier,
		log:      logging.OrNop(opts.Logger).Named("desk"),
	}, nil
}

// User returns the user behind chatID, registering unknown chat users as
// applicants.
func (d *Desk) User(ctx context.Context, chatID, name string) (*models.User, error) {
	return d.dir.EnsureUser(ctx, chatID, name)
}

func (d *Desk) actor(ctx context.Context, chatID string, action staff.Action) (*models.User, error) {
	u, err := d.dir.ByChatID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !d.perms.Allowed(u, action) {
		return nil, &errs.PermissionDeniedError{User: u.Name, Action: string(action)}
	}
	return u, nil
}

// CreateTicket creates the ticket collected by the new ticket dialog.
func (d *Desk) CreateTicket(ctx context.Context, chatID string, e conversation.CreateTicket) (*models.Ticket, error) {
	u, err := d.actor(ctx, chatID, staff.ActionCreateTicket)
	if err != nil {
		return nil, err
	}
	return d.create(ctx, ticket.CreateInput{
		ApplicantID: u.ID,
		Group:       e.Group,
		Title:       e.Title,
		Description: e.Description,
		ExternalRef: e.ExternalRef,
	})
}

// CreateAutomatic creates a ticket raised by the intake poller on behalf of
// applicant.
func (d *Desk) CreateAutomatic(ctx context.Context, applicant *models.User, in ticket.CreateInput) (*models.Ticket, error) {
	in.ApplicantID = applicant.ID
	in.Automatic = true
	return d.create(ctx, in)
}

func (d *Desk) create(ctx context.Context, in ticket.CreateInput) (*models.Ticket, error) {
	t, err := d.tickets.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := d.esc.ScheduleTicket(ctx, t); err != nil {
		// The ticket exists; a missing timer only loses the reminders.
		d.log.Error("schedule escalation", zap.String("ticket", t.Number), zap.Error(err))
	}
	if !t.IsCloseCommand {
		d.broadcastNew(ctx, t)
	}
	return t, nil
}

// broadcastNew offers a new ticket to the on-duty performers of its group.
func (d *Desk) broadcastNew(ctx context.Context, t *models.Ticket) {
	var recipients []models.User
	for _, role := range performerRoles(t.SupportGroup) {
		us, err := d.dir.OnDuty(ctx, role, t.SupportGroup)
		if err != nil {
			d.log.Warn("load on-duty staff", zap.String("ticket", t.Number), zap.Error(err))
			continue
		}
		recipients = append(recipients, us...)
	}
	if len(recipients) == 0 {
		d.log.Info("no staff on duty for new ticket", zap.String("ticket", t.Number))
		return
	}
	d.notifier.Notify(ctx, recipients, newTicketText(t), ClaimKeyboard(t.Number))
}

func performerRoles(g models.SupportGroup) []models.Role {
	if g == models.GroupDispatcher {
		return []models.Role{models.RoleDispatcher, models.RoleSenior}
	}
	return []models.Role{models.RoleEngineer, models.RoleSenior}
}

func newTicketText(t *models.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New ticket %s (%s): %s", t.Number, t.SupportGroup, t.Title)
	if t.ExternalRef != "" {
		fmt.Fprintf(&b, "\nGSD: %s", t.ExternalRef)
	}
	if t.Applicant.Name != "" {
		fmt.Fprintf(&b, "\nFrom: %s", t.Applicant.Name)
	}
	if t.IsAutomatic {
		b.WriteString("\nRaised automatically.")
	}
	return b.String()
}

// ClaimKeyboard is the one-button keyboard that claims ticket number.
func ClaimKeyboard(number string) *telegraph.Keyboard {
	return telegraph.NewKeyboard(telegraph.Row(telegraph.Button{Label: "Claim " + number, Value: "/claim " + number}))
}

// RatingKeyboard offers the 0..5 ratings of ticket number.
func RatingKeyboard(number string) *telegraph.Keyboard {
	row := make([]telegraph.Button, 0, 6)
	for r := 0; r <= 5; r++ {
		s := strconv.Itoa(r)
		row = append(row, telegraph.Button{Label: s, Value: "/rate " + number + " " + s})
	}
	return telegraph.NewKeyboard(row)
}

// Claim makes the user the performer of ticket number.
func (d *Desk) Claim(ctx context.Context, chatID, number string) (*models.Ticket, error) {
	u, err := d.actor(ctx, chatID, staff.ActionClaim)
	if err != nil {
		return nil, err
	}
	current, err := d.tickets.Get(ctx, number)
	if err != nil {
		return nil, err
	}
	if !u.InGroup(current.SupportGroup) && !d.perms.Allowed(u, staff.ActionViewAll) {
		return nil, &errs.PermissionDeniedError{User: u.Name, Action: "claim " + current.Number}
	}
	t, err := d.tickets.Claim(ctx, number, u)
	if err != nil {
		return nil, err
	}
	d.taken(ctx, t)
	return t, nil
}

// AssignCandidates lists who the user may assign ticket number to. It fails
// early when the ticket cannot be assigned.
func (d *Desk) AssignCandidates(ctx context.Context, chatID, number string) ([]conversation.Candidate, error) {
	if _, err := d.actor(ctx, chatID, staff.ActionAssign); err != nil {
		return nil, err
	}
	t, err := d.tickets.Get(ctx, number)
	if err != nil {
		return nil, err
	}
	if t.Status == models.StatusCompleted {
		return nil, &errs.TicketCompletedError{Ticket: t.Number}
	}
	if t.HasPerformer() {
		return nil, &errs.AlreadyAssignedError{Ticket: t.Number, Performer: t.PerformerName()}
	}
	performers, err := d.dir.Performers(ctx, t.SupportGroup)
	if err != nil {
		return nil, err
	}
	out := make([]conversation.Candidate, len(performers))
	for i, p := range performers {
		out[i] = conversation.Candidate{ID: p.ID, Name: p.Name}
	}
	return out, nil
}

// AssignTicket makes the chosen performer the performer of the ticket.
func (d *Desk) AssignTicket(ctx context.Context, chatID string, e conversation.AssignTicket) (*models.Ticket, error) {
	assigner, err := d.actor(ctx, chatID, staff.ActionAssign)
	if err != nil {
		return nil, err
	}
	performer, err := d.dir.ByID(ctx, e.PerformerID)
	if err != nil {
		return nil, err
	}
	t, err := d.tickets.Assign(ctx, e.Ticket, performer, assigner)
	if err != nil {
		return nil, err
	}
	d.taken(ctx, t)
	d.notifier.Notify(ctx, []models.User{*performer},
		fmt.Sprintf("%s assigned ticket %s to you: %s\nStart it with /start %s.", assigner.Name, t.Number, t.Title, t.Number), nil)
	return t, nil
}

// taken stops the activation escalations and tells the applicant.
func (d *Desk) taken(ctx context.Context, t *models.Ticket) {
	if err := d.esc.CancelActivation(ctx, t.Number); err != nil {
		d.log.Warn("cancel activation escalations", zap.String("ticket", t.Number), zap.Error(err))
	}
	d.notifier.Notify(ctx, []models.User{t.Applicant},
		fmt.Sprintf("Your ticket %s was taken by %s.", t.Number, t.PerformerName()), nil)
}

// Start moves an assigned ticket into work.
func (d *Desk) Start(ctx context.Context, chatID, number string) (*models.Ticket, error) {
	u, err := d.actor(ctx, chatID, staff.ActionClaim)
	if err != nil {
		return nil, err
	}
	return d.tickets.Start(ctx, number, u)
}

// CheckClose reports whether the user may close ticket number, before the
// close dialog collects the report.
func (d *Desk) CheckClose(ctx context.Context, chatID, number string) (*models.Ticket, error) {
	u, err := d.actor(ctx, chatID, staff.ActionClose)
	if err != nil {
		return nil, err
	}
	t, err := d.tickets.Get(ctx, number)
	if err != nil {
		return nil, err
	}
	if t.Status == models.StatusCompleted {
		return nil, &errs.TicketCompletedError{Ticket: t.Number}
	}
	if !t.HasPerformer() {
		return nil, &errs.InvalidTransitionError{Ticket: t.Number, From: string(t.Status), To: string(models.StatusCompleted)}
	}
	if *t.PerformerID != u.ID && !d.perms.Allowed(u, staff.ActionViewAll) {
		return nil, &errs.PermissionDeniedError{User: u.Name, Action: "close " + t.Number}
	}
	return t, nil
}

// CloseTicket completes the ticket with the report collected by the close
// dialog.
func (d *Desk) CloseTicket(ctx context.Context, chatID string, e conversation.CloseTicket) (*models.Ticket, error) {
	if _, err := d.CheckClose(ctx, chatID, e.Ticket); err != nil {
		return nil, err
	}
	docs := make([]ticket.Document, len(e.Documents))
	for i, a := range e.Documents {
		docs[i] = ticket.Document{FileID: a.FileID, Name: a.Name, URL: a.URL}
	}
	return d.close(ctx, e.Ticket, ticket.CloseInput{Comment: e.Comment, SubTasks: e.SubTasks, Documents: docs})
}

// CloseByExternalRef closes the newest ticket raised for ref. The intake
// poller uses it for close commands.
func (d *Desk) CloseByExternalRef(ctx context.Context, ref, comment string) (*models.Ticket, error) {
	t, err := d.tickets.FindByExternalRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	closed, err := d.tickets.CloseExternal(ctx, t.Number, comment)
	if err != nil {
		return nil, err
	}
	d.closed(ctx, closed)
	return closed, nil
}

func (d *Desk) close(ctx context.Context, number string, in ticket.CloseInput) (*models.Ticket, error) {
	t, err := d.tickets.Close(ctx, number, in)
	if err != nil {
		return nil, err
	}
	d.closed(ctx, t)
	return t, nil
}

// closed cancels the ticket's escalations and tells the applicant. Only
// tickets someone worked on get a rating keyboard.
func (d *Desk) closed(ctx context.Context, t *models.Ticket) {
	if err := d.esc.CancelTicket(ctx, t.Number); err != nil {
		d.log.Warn("cancel escalations", zap.String("ticket", t.Number), zap.Error(err))
	}
	if !t.HasPerformer() {
		text := fmt.Sprintf("Your ticket %s was closed in the external ticket system.", t.Number)
		if t.ClosingComment != nil {
			text += "\n" + *t.ClosingComment
		}
		d.notifier.Notify(ctx, []models.User{t.Applicant}, text, nil)
		return
	}
	text := fmt.Sprintf("Your ticket %s was closed by %s.", t.Number, t.PerformerName())
	if t.ClosingComment != nil {
		text += "\n" + *t.ClosingComment
	}
	d.notifier.Notify(ctx, []models.User{t.Applicant}, text+"\nPlease rate the work from 0 to 5.", RatingKeyboard(t.Number))
}

// Rate records the applicant's rating. Only the applicant may rate.
func (d *Desk) Rate(ctx context.Context, chatID, number string, rating int) (*models.Ticket, error) {
	u, err := d.actor(ctx, chatID, staff.ActionRate)
	if err != nil {
		return nil, err
	}
	t, err := d.tickets.Get(ctx, number)
	if err != nil {
		return nil, err
	}
	if t.ApplicantID != u.ID {
		return nil, &errs.PermissionDeniedError{User: u.Name, Action: "rate " + t.Number}
	}
	t, err = d.tickets.Rate(ctx, number, rating)
	if err != nil {
		return nil, err
	}
	d.log.Info("ticket rated", zap.String("ticket", t.Number), zap.Int("rating", rating))
	return t, nil
}

// Show returns ticket number if the user may see it: its applicant, its
// performer, staff of its group, or anyone allowed to view all tickets.
func (d *Desk) Show(ctx context.Context, chatID, number string) (*models.Ticket, error) {
	u, err := d.dir.ByChatID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	t, err := d.tickets.Get(ctx, number)
	if err != nil {
		return nil, err
	}
	switch {
	case t.ApplicantID == u.ID,
		t.PerformerID != nil && *t.PerformerID == u.ID,
		u.IsStaff() && u.InGroup(t.SupportGroup),
		d.perms.Allowed(u, staff.ActionViewAll):
		return t, nil
	}
	return nil, &errs.PermissionDeniedError{User: u.Name, Action: "view " + t.Number}
}

// MyTickets lists the user's open tickets: the ones they perform for staff,
// the ones they raised otherwise.
func (d *Desk) MyTickets(ctx context.Context, chatID string) ([]models.Ticket, error) {
	u, err := d.dir.ByChatID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	f := ticket.Filter{OpenOnly: true}
	if u.IsStaff() {
		f.PerformerID = &u.ID
	} else {
		f.ApplicantID = &u.ID
	}
	return d.tickets.List(ctx, f)
}

// StartShift opens the user's shift.
func (d *Desk) StartShift(ctx context.Context, chatID string) (*models.Shift, error) {
	u, err := d.actor(ctx, chatID, staff.ActionShift)
	if err != nil {
		return nil, err
	}
	return d.shifts.StartShift(ctx, u)
}

// StartBreak starts the break collected by the break dialog.
func (d *Desk) StartBreak(ctx context.Context, chatID string, e conversation.StartBreak) (*models.Shift, error) {
	u, err := d.actor(ctx, chatID, staff.ActionShift)
	if err != nil {
		return nil, err
	}
	return d.shifts.StartBreak(ctx, u, e.Minutes)
}

// CheckBreak fails when the user cannot take a break right now.
func (d *Desk) CheckBreak(ctx context.Context, chatID string) error {
	u, err := d.actor(ctx, chatID, staff.ActionShift)
	if err != nil {
		return err
	}
	sh, err := d.shifts.Current(ctx, u)
	if err != nil {
		return err
	}
	if sh.ActiveBreak() != nil {
		return errs.ErrBreakAlreadyActive
	}
	return nil
}

// EndBreak ends the user's break.
func (d *Desk) EndBreak(ctx context.Context, chatID string) (*models.Shift, error) {
	u, err := d.actor(ctx, chatID, staff.ActionShift)
	if err != nil {
		return nil, err
	}
	return d.shifts.EndBreak(ctx, u)
}

// EndShift closes the user's shift.
func (d *Desk) EndShift(ctx context.Context, chatID string) (*models.Shift, error) {
	u, err := d.actor(ctx, chatID, staff.ActionShift)
	if err != nil {
		return nil, err
	}
	return d.shifts.EndShift(ctx, u)
}

// CurrentShift returns the user's open shift.
func (d *Desk) CurrentShift(ctx context.Context, chatID string) (*models.Shift, error) {
	u, err := d.actor(ctx, chatID, staff.ActionShift)
	if err != nil {
		return nil, err
	}
	return d.shifts.Current(ctx, u)
}

// Describe renders a ticket for chat.
func Describe(t *models.Ticket, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s\n", t.Number, t.Status, t.Title)
	fmt.Fprintf(&b, "Group: %s\n", t.SupportGroup)
	if t.ExternalRef != "" {
		fmt.Fprintf(&b, "GSD: %s\n", t.ExternalRef)
	}
	if t.Applicant.Name != "" {
		fmt.Fprintf(&b, "Applicant: %s\n", t.Applicant.Name)
	}
	if t.HasPerformer() {
		fmt.Fprintf(&b, "Performer: %s\n", t.PerformerName())
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(&b, "Completed: %s\n", t.CompletedAt.Format("2006-01-02 15:04"))
	} else {
		fmt.Fprintf(&b, "Open for: %s\n", now.Sub(t.CreatedAt).Round(time.Minute))
	}
	if subs := t.SubTaskList(); len(subs) > 0 {
		fmt.Fprintf(&b, "Sub-tasks: %s\n", strings.Join(subs, ", "))
	}
	if len(t.Documents) > 0 {
		fmt.Fprintf(&b, "Documents: %d\n", len(t.Documents))
	}
	if t.Rating != nil {
		fmt.Fprintf(&b, "Rating: %d\n", *t.Rating)
	}
	b.WriteString(t.Description)
	return b.String()
}
