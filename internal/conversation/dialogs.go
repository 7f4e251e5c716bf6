package conversation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/shift"
	"github.com/zulandar/servicedesk/internal/telegraph"
)

const minDescriptionLen = 5

var (
	gsdNumberRe    = regexp.MustCompile(`^\d{5,10}$`)
	ticketNumberRe = regexp.MustCompile(`^[A-Z]{2}-\d+$`)
)

var cancelWords = map[string]bool{
	"/cancel": true, "cancel": true, "stop": true, "abort": true, "отмена": true,
}

// IsCancel reports whether text is one of the global cancel words.
func IsCancel(text string) bool {
	return cancelWords[strings.ToLower(strings.TrimSpace(text))]
}

// Event is one user input to a dialog.
type Event struct {
	Text        string
	Attachments []telegraph.Attachment
	At          time.Time
}

// Effect is an action requested by a dialog transition.
type Effect interface {
	effect()
}

// Reply sends text (and an optional keyboard) to the user.
type Reply struct {
	Text     string
	Keyboard *telegraph.Keyboard
}

// CreateTicket commits a collected ticket.
type CreateTicket struct {
	Group       models.SupportGroup
	ExternalRef string
	Title       string
	Description string
}

// CloseTicket commits a closing report.
type CloseTicket struct {
	Ticket    string
	Comment   string
	SubTasks  []string
	Documents []telegraph.Attachment
}

// AssignTicket makes PerformerID the performer of Ticket.
type AssignTicket struct {
	Ticket      string
	PerformerID uint
}

// StartBreak starts a break of Minutes in the user's shift.
type StartBreak struct {
	Minutes int
}

func (Reply) effect()        {}
func (CreateTicket) effect() {}
func (CloseTicket) effect()  {}
func (AssignTicket) effect() {}
func (StartBreak) effect()   {}

// Args parameterize Begin.
type Args struct {
	Group      models.SupportGroup // new ticket; empty asks for it
	Ticket     string              // close and assign
	Candidates []Candidate         // assign
}

var (
	yesNo      = telegraph.Choices(2, "yes", "no")
	groupKb    = telegraph.Choices(2, string(models.GroupEngineer), string(models.GroupDispatcher))
	skipKb     = telegraph.Choices(1, "skip")
	doneKb     = telegraph.Choices(2, "done", "skip")
	breakKb    = telegraph.Choices(3, "15", "30", "60")
	cancelHint = " Type cancel to stop."
)

// Begin starts a dialog of kind for userID. It returns nil and a Reply when
// the dialog cannot start.
func Begin(userID string, kind Kind, args Args, now time.Time) (*Session, []Effect) {
	switch kind {
	case KindNewTicket:
		if args.Group != "" && !args.Group.Valid() {
			return nil, reply(fmt.Sprintf("Unknown support group %q. Use ENGINEER or DISPATCHER.", args.Group), nil)
		}
		if args.Group == "" {
			return newSession(userID, NewTicketDialog{Step: StepWaitingGroup}, now),
				reply("Which support group is the ticket for?"+cancelHint, groupKb)
		}
		return newSession(userID, NewTicketDialog{Step: StepWaitingGsdNumber, Group: args.Group}, now),
			reply(gsdPrompt(args.Group), nil)

	case KindCloseTicket:
		return newSession(userID, CloseTicketDialog{Step: StepWaitingComment, Ticket: args.Ticket}, now),
			reply(fmt.Sprintf("Closing %s. What was done?%s", args.Ticket, cancelHint), nil)

	case KindAssign:
		if len(args.Candidates) == 0 {
			return nil, reply(fmt.Sprintf("There is nobody to assign %s to.", args.Ticket), nil)
		}
		d := AssignDialog{Step: StepWaitingEngineer, Ticket: args.Ticket, Candidates: args.Candidates}
		return newSession(userID, d, now),
			reply(fmt.Sprintf("Who should take %s?%s", args.Ticket, cancelHint), candidateKeyboard(args.Candidates))

	case KindBreak:
		return newSession(userID, BreakDialog{Step: StepWaitingBreakMinutes}, now),
			reply(fmt.Sprintf("How many minutes (%d to %d)?", shift.MinBreakMinutes, shift.MaxBreakMinutes), breakKb)
	}
	return nil, reply("Unknown conversation.", nil)
}

// Advance applies ev to s. It returns the next session, or nil when the
// dialog is over, and the effects to run. s is not modified. On invalid
// input the step is unchanged and a corrective Reply is returned.
func Advance(s *Session, ev Event) (*Session, []Effect) {
	if IsCancel(ev.Text) {
		return nil, reply("Cancelled.", nil)
	}
	switch d := s.Dialog.(type) {
	case NewTicketDialog:
		return advanceNewTicket(s, d, ev)
	case CloseTicketDialog:
		return advanceClose(s, d, ev)
	case AssignDialog:
		return advanceAssign(s, d, ev)
	case BreakDialog:
		return advanceBreak(s, d, ev)
	}
	return dead()
}

// dead ends a session whose dialog or step is no longer known, for example
// one saved by an older version.
func dead() (*Session, []Effect) {
	return nil, reply("This conversation can no longer continue.", nil)
}

func advanceNewTicket(s *Session, d NewTicketDialog, ev Event) (*Session, []Effect) {
	text := strings.TrimSpace(ev.Text)
	switch d.Step {
	case StepWaitingGroup:
		g := models.SupportGroup(strings.ToUpper(text))
		if !g.Valid() {
			return s, reply("Please choose ENGINEER or DISPATCHER.", groupKb)
		}
		d.Group = g
		d.Step = StepWaitingGsdNumber
		return s.with(d, ev.At), reply(gsdPrompt(g), nil)

	case StepWaitingGsdNumber:
		if !gsdNumberRe.MatchString(text) {
			return s, reply("The GSD number must be 5 to 10 digits. Try again.", nil)
		}
		d.GsdNumber = text
		d.Step = StepWaitingDescription
		return s.with(d, ev.At), reply("Describe the problem.", nil)

	case StepWaitingDescription:
		if utf8.RuneCountInString(text) < minDescriptionLen {
			return s, reply(fmt.Sprintf("The description must be at least %d characters.", minDescriptionLen), nil)
		}
		d.Description = text
		d.Step = StepWaitingApproval
		summary := fmt.Sprintf("Create this ticket?\nGroup: %s\nGSD: %s\n%s", d.Group, d.GsdNumber, d.Description)
		return s.with(d, ev.At), reply(summary, yesNo)

	case StepWaitingApproval:
		switch yesOrNo(text) {
		case "yes":
			return nil, []Effect{CreateTicket{
				Group:       d.Group,
				ExternalRef: d.GsdNumber,
				Title:       titleFrom(d.Description),
				Description: d.Description,
			}}
		case "no":
			return nil, reply("The ticket was discarded.", nil)
		}
		return s, reply("Please answer yes or no.", yesNo)
	}
	return dead()
}

func advanceClose(s *Session, d CloseTicketDialog, ev Event) (*Session, []Effect) {
	text := strings.TrimSpace(ev.Text)
	switch d.Step {
	case StepWaitingComment:
		if text == "" {
			return s, reply("Please describe what was done.", nil)
		}
		d.Comment = text
		d.Step = StepWaitingSubTasks
		return s.with(d, ev.At), reply("Related sub-task tickets, comma separated (e.g. SD-12, DS-40), or skip.", skipKb)

	case StepWaitingSubTasks:
		if !isSkip(text) {
			refs, bad := parseSubTasks(text)
			if bad != "" {
				return s, reply(fmt.Sprintf("%q is not a ticket number. Use numbers like SD-12, or skip.", bad), skipKb)
			}
			d.SubTasks = refs
		}
		d.Step = StepWaitingDocuments
		return s.with(d, ev.At), reply("Attach documents, then type done. Type skip if there are none.", doneKb)

	case StepWaitingDocuments:
		if len(ev.Attachments) > 0 {
			d.Documents = append(append([]telegraph.Attachment(nil), d.Documents...), ev.Attachments...)
			return s.with(d, ev.At), reply(fmt.Sprintf("Got %d file(s). Send more or type done.", len(d.Documents)), doneKb)
		}
		if l := strings.ToLower(text); l == "done" || isSkip(l) {
			return nil, []Effect{CloseTicket{
				Ticket:    d.Ticket,
				Comment:   d.Comment,
				SubTasks:  d.SubTasks,
				Documents: d.Documents,
			}}
		}
		return s, reply("Attach files or type done.", doneKb)
	}
	return dead()
}

func advanceAssign(s *Session, d AssignDialog, ev Event) (*Session, []Effect) {
	text := strings.TrimSpace(ev.Text)
	switch d.Step {
	case StepWaitingEngineer:
		c := pickCandidate(d.Candidates, text)
		if c == nil {
			return s, reply("Please pick one of the offered engineers.", candidateKeyboard(d.Candidates))
		}
		d.Chosen = c
		d.Step = StepWaitingConfirm
		return s.with(d, ev.At), reply(fmt.Sprintf("Assign %s to %s?", d.Ticket, c.Name), yesNo)

	case StepWaitingConfirm:
		switch yesOrNo(text) {
		case "yes":
			return nil, []Effect{AssignTicket{Ticket: d.Ticket, PerformerID: d.Chosen.ID}}
		case "no":
			return nil, reply("Assignment cancelled.", nil)
		}
		return s, reply("Please answer yes or no.", yesNo)
	}
	return dead()
}

func advanceBreak(s *Session, _ BreakDialog, ev Event) (*Session, []Effect) {
	n, err := strconv.Atoi(strings.TrimSpace(ev.Text))
	if err != nil || n < shift.MinBreakMinutes || n > shift.MaxBreakMinutes {
		return s, reply(fmt.Sprintf("Enter a number of minutes between %d and %d.", shift.MinBreakMinutes, shift.MaxBreakMinutes), breakKb)
	}
	return nil, []Effect{StartBreak{Minutes: n}}
}

func reply(text string, kb *telegraph.Keyboard) []Effect {
	return []Effect{Reply{Text: text, Keyboard: kb}}
}

func gsdPrompt(g models.SupportGroup) string {
	return fmt.Sprintf("New %s ticket. Enter the GSD number.%s", g, cancelHint)
}

func yesOrNo(text string) string {
	switch strings.ToLower(text) {
	case "yes", "y", "да":
		return "yes"
	case "no", "n", "нет":
		return "no"
	}
	return ""
}

func isSkip(text string) bool {
	return strings.EqualFold(text, "skip") || text == "-"
}

// parseSubTasks splits a comma separated list of ticket numbers. It returns
// the first invalid entry, if any.
func parseSubTasks(text string) ([]string, string) {
	var refs []string
	for _, part := range strings.Split(text, ",") {
		ref := strings.ToUpper(strings.TrimSpace(part))
		if ref == "" {
			continue
		}
		if !ticketNumberRe.MatchString(ref) {
			return nil, strings.TrimSpace(part)
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return nil, text
	}
	return refs, ""
}

// pickCandidate matches text against a candidate's name or 1-based position.
func pickCandidate(cs []Candidate, text string) *Candidate {
	if n, err := strconv.Atoi(text); err == nil && n >= 1 && n <= len(cs) {
		c := cs[n-1]
		return &c
	}
	for _, c := range cs {
		if strings.EqualFold(c.Name, text) {
			c := c
			return &c
		}
	}
	return nil
}

func candidateKeyboard(cs []Candidate) *telegraph.Keyboard {
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = c.Name
	}
	return telegraph.Choices(2, names...)
}

// titleFrom derives a ticket title from the first line of a description.
func titleFrom(desc string) string {
	line, _, _ := strings.Cut(desc, "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) > 80 {
		line = string([]rune(line)[:77]) + "..."
	}
	return line
}
