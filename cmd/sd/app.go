package main

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/servicedesk/internal/clock"
	"github.com/zulandar/servicedesk/internal/config"
	"github.com/zulandar/servicedesk/internal/conversation"
	"github.com/zulandar/servicedesk/internal/db"
	"github.com/zulandar/servicedesk/internal/desk"
	"github.com/zulandar/servicedesk/internal/escalation"
	"github.com/zulandar/servicedesk/internal/logging"
	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/notify"
	"github.com/zulandar/servicedesk/internal/shift"
	"github.com/zulandar/servicedesk/internal/staff"
	"github.com/zulandar/servicedesk/internal/ticket"
	"github.com/zulandar/servicedesk/internal/timer"
)

// base is what every command needs: config, logger and the record store.
type base struct {
	cfg *config.Config
	log *zap.Logger
	db  *gorm.DB
}

func openBase(configPath string) (*base, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	return &base{cfg: cfg, log: log, db: gdb}, nil
}

// services is the fully wired desk.
type services struct {
	clock   clock.Clock
	timers  *timer.Service
	tickets *ticket.Service
	dir     *staff.Directory
	shifts  *shift.Service
	esc     *escalation.Engine
	audit   *escalation.GormAudit
	desk    *desk.Desk
	engine  *conversation.Engine
}

func buildServices(b *base, notifier notify.Notifier, sessions conversation.SessionStore) (*services, error) {
	clk := clock.Real()
	timers, err := timer.NewService(timer.ServiceOpts{
		Clock:  clk,
		Store:  timer.NewGormJobStore(b.db),
		Logger: b.log,
	})
	if err != nil {
		return nil, err
	}
	prefixes := make(map[models.SupportGroup]string, len(b.cfg.Tickets.Prefixes))
	for g, p := range b.cfg.Tickets.Prefixes {
		prefixes[models.SupportGroup(g)] = p
	}
	tickets, err := ticket.NewService(ticket.ServiceOpts{
		Store:    ticket.NewGormStore(b.db),
		Clock:    clk,
		Prefixes: prefixes,
		Logger:   b.log,
	})
	if err != nil {
		return nil, err
	}
	dir := staff.NewDirectory(b.db)
	audit := escalation.NewGormAudit(b.db)
	esc, err := escalation.New(escalation.Opts{
		Timers:    timers,
		Tickets:   tickets,
		Directory: dir,
		Notifier:  notifier,
		Audit:     audit,
		T1:        b.cfg.Escalation.T1(),
		T2:        b.cfg.Escalation.T2(),
		Deadline:  b.cfg.Escalation.Deadline(),
		Logger:    b.log,
	})
	if err != nil {
		return nil, err
	}
	shifts, err := shift.New(shift.Opts{
		Store:     shift.NewGormStore(b.db),
		Timers:    timers,
		Directory: dir,
		Notifier:  notifier,
		Clock:     clk,
		Overdue:   b.cfg.Shifts.Overdue(),
		Logger:    b.log,
	})
	if err != nil {
		return nil, err
	}
	d, err := desk.New(desk.Opts{
		Tickets:     tickets,
		Escalations: esc,
		Shifts:      shifts,
		Directory:   dir,
		Notifier:    notifier,
		Logger:      b.log,
	})
	if err != nil {
		return nil, err
	}
	engine, err := conversation.NewEngine(conversation.EngineOpts{
		Store:       sessions,
		Lifecycle:   d,
		Clock:       clk,
		IdleTimeout: time.Duration(b.cfg.Conversation.IdleTimeoutMinutes) * time.Minute,
		Logger:      b.log,
	})
	if err != nil {
		return nil, err
	}
	return &services{
		clock:   clk,
		timers:  timers,
		tickets: tickets,
		dir:     dir,
		shifts:  shifts,
		esc:     esc,
		audit:   audit,
		desk:    d,
		engine:  engine,
	}, nil
}

// newSessionStore returns the configured dialog state backend. Redis
// sessions expire a while after the idle timeout so abandoned dialogs do
// not pile up.
func newSessionStore(cfg *config.Config) (conversation.SessionStore, error) {
	switch cfg.Sessions.Backend {
	case "redis":
		return conversation.NewRedisStore(conversation.RedisOpts{
			Addr:     cfg.Sessions.Redis.Addr,
			Password: cfg.Sessions.Redis.Password,
			DB:       cfg.Sessions.Redis.DB,
			TTL:      2 * time.Duration(cfg.Conversation.IdleTimeoutMinutes) * time.Minute,
		})
	case "memory", "":
		return conversation.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unsupported session backend %q", cfg.Sessions.Backend)
}
