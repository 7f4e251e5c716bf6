package admin

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/errs"
	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/shift"
	"github.com/zulandar/servicedesk/internal/ticket"
)

// operatorRoles may call the API.
var operatorRoles = map[string]bool{
	string(models.RoleLead): true,
	string(models.RoleHead): true,
	"admin":                 true,
}

const claimsKey = "claims"

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.router.Group("/api", s.requireToken())
	api.GET("/jobs", s.handleJobs)
	api.DELETE("/jobs/:id", s.handleCancelJob)
	api.GET("/tickets", s.handleTickets)
	api.GET("/tickets/:number", s.handleTicket)
	api.GET("/tickets/:number/escalations", s.handleEscalations)
	api.GET("/shifts", s.handleShifts)
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := ParseToken(s.secret, strings.TrimPrefix(h, "Bearer "), s.clock.Now())
		if err != nil {
			s.log.Debug("rejected token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if !operatorRoles[claims.Role] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role " + claims.Role + " may not use the admin api"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errs.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errs.IsBusiness(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

type jobView struct {
	ID      string    `json:"id"`
	Subject string    `json:"subject"`
	Tier    string    `json:"tier"`
	FireAt  time.Time `json:"fire_at"`
	FiresIn string    `json:"fires_in"`
}

func (s *Server) handleJobs(c *gin.Context) {
	now := s.clock.Now()
	jobs := s.jobs.List()
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView{
			ID:      j.ID,
			Subject: j.Subject,
			Tier:    string(j.Tier),
			FireAt:  j.FireAt,
			FiresIn: j.FireAt.Sub(now).Round(time.Second).String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (s *Server) handleCancelJob(c *gin.Context) {
	id := c.Param("id")
	ok, err := s.jobs.Cancel(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job " + id + " not found"})
		return
	}
	claims, _ := c.Get(claimsKey)
	s.log.Info("job cancelled by operator", zap.String("job_id", id), zap.String("operator", claims.(*Claims).Subject))
	c.JSON(http.StatusOK, gin.H{"cancelled": id})
}

type ticketView struct {
	Number      string     `json:"number"`
	Title       string     `json:"title"`
	Group       string     `json:"group"`
	Status      string     `json:"status"`
	Applicant   string     `json:"applicant"`
	Performer   string     `json:"performer,omitempty"`
	ExternalRef string     `json:"external_ref,omitempty"`
	Automatic   bool       `json:"automatic"`
	Rating      *int       `json:"rating,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Documents   int        `json:"documents"`
}

func toTicketView(t *models.Ticket) ticketView {
	return ticketView{
		Number:      t.Number,
		Title:       t.Title,
		Group:       string(t.SupportGroup),
		Status:      string(t.Status),
		Applicant:   t.Applicant.Name,
		Performer:   t.PerformerName(),
		ExternalRef: t.ExternalRef,
		Automatic:   t.IsAutomatic,
		Rating:      t.Rating,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
		Documents:   len(t.Documents),
	}
}

func (s *Server) handleTickets(c *gin.Context) {
	f := ticket.Filter{OpenOnly: c.Query("open") == "true"}
	if g := c.Query("group"); g != "" {
		f.Group = models.SupportGroup(strings.ToUpper(g))
		if !f.Group.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown group " + g})
			return
		}
	}
	if st := c.Query("status"); st != "" {
		for _, v := range strings.Split(st, ",") {
			f.Statuses = append(f.Statuses, models.TicketStatus(strings.ToUpper(strings.TrimSpace(v))))
		}
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative number"})
			return
		}
		f.Limit = n
	}

	tickets, err := s.tickets.List(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]ticketView, 0, len(tickets))
	for i := range tickets {
		out = append(out, toTicketView(&tickets[i]))
	}
	c.JSON(http.StatusOK, gin.H{"tickets": out})
}

func (s *Server) handleTicket(c *gin.Context) {
	t, err := s.tickets.Get(c.Request.Context(), c.Param("number"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toTicketView(t))
}

func (s *Server) handleEscalations(c *gin.Context) {
	number := strings.ToUpper(c.Param("number"))
	events, err := s.audit.List(c.Request.Context(), number)
	if err != nil {
		s.fail(c, err)
		return
	}
	type eventView struct {
		Tier       string    `json:"tier"`
		Outcome    string    `json:"outcome"`
		Recipients string    `json:"recipients,omitempty"`
		Detail     string    `json:"detail,omitempty"`
		At         time.Time `json:"at"`
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{Tier: e.Tier, Outcome: e.Outcome, Recipients: e.Recipients, Detail: e.Detail, At: e.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"ticket": number, "events": out})
}

type shiftView struct {
	Employee  string    `json:"employee"`
	ChatID    string    `json:"chat_id"`
	StartedAt time.Time `json:"started_at"`
	Worked    string    `json:"worked"`
	OnBreak   bool      `json:"on_break"`
	Breaks    int       `json:"breaks"`
}

func (s *Server) handleShifts(c *gin.Context) {
	shifts, err := s.shifts.Open(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	now := s.clock.Now()
	out := make([]shiftView, 0, len(shifts))
	for i := range shifts {
		sh := &shifts[i]
		out = append(out, shiftView{
			Employee:  sh.Employee.Name,
			ChatID:    sh.Employee.ChatID,
			StartedAt: sh.StartedAt,
			Worked:    shift.Worked(sh, now).Round(time.Minute).String(),
			OnBreak:   sh.ActiveBreak() != nil,
			Breaks:    len(sh.Breaks),
		})
	}
	c.JSON(http.StatusOK, gin.H{"shifts": out})
}
