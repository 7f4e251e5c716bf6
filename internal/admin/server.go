// Package admin serves the operator HTTP API: pending timer jobs, tickets,
// open shifts and escalation history, behind HS256 bearer tokens.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/clock"
	"github.com/zulandar/servicedesk/internal/logging"
	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/ticket"
	"github.com/zulandar/servicedesk/internal/timer"
)

// Jobs is the timer surface exposed to operators.
type Jobs interface {
	List() []timer.Job
	Cancel(ctx context.Context, id string) (bool, error)
}

// Tickets lists and loads tickets.
type Tickets interface {
	Get(ctx context.Context, number string) (*models.Ticket, error)
	List(ctx context.Context, f ticket.Filter) ([]models.Ticket, error)
}

// Shifts lists open shifts.
type Shifts interface {
	Open(ctx context.Context) ([]models.Shift, error)
}

// Audit lists the escalation events recorded for a subject.
type Audit interface {
	List(ctx context.Context, subject string) ([]models.EscalationEvent, error)
}

// Opts holds parameters for creating a Server.
type Opts struct {
	Jobs      Jobs
	Tickets   Tickets
	Shifts    Shifts
	Audit     Audit
	JWTSecret string
	Port      int // defaults to 8080
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Server is the admin API server.
type Server struct {
	jobs    Jobs
	tickets Tickets
	shifts  Shifts
	audit   Audit
	secret  string
	port    int
	clock   clock.Clock
	log     *zap.Logger
	router  *gin.Engine
}

// New creates a Server and registers its routes.
func New(opts Opts) (*Server, error) {
	switch {
	case opts.Jobs == nil:
		return nil, fmt.Errorf("admin: jobs is required")
	case opts.Tickets == nil:
		return nil, fmt.Errorf("admin: tickets is required")
	case opts.Shifts == nil:
		return nil, fmt.Errorf("admin: shifts is required")
	case opts.Audit == nil:
		return nil, fmt.Errorf("admin: audit is required")
	case opts.JWTSecret == "":
		return nil, fmt.Errorf("admin: jwt secret is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	s := &Server{
		jobs:    opts.Jobs,
		tickets: opts.Tickets,
		shifts:  opts.Shifts,
		audit:   opts.Audit,
		secret:  opts.JWTSecret,
		port:    opts.Port,
		clock:   clk,
		log:     logging.OrNop(opts.Logger).Named("admin"),
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.accessLog())
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API. It blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("admin api listening", zap.Int("port", s.port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin: %w", err)
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
