package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/admin"
	"github.com/zulandar/servicedesk/internal/bot"
	"github.com/zulandar/servicedesk/internal/config"
	"github.com/zulandar/servicedesk/internal/db"
	"github.com/zulandar/servicedesk/internal/intake"
	"github.com/zulandar/servicedesk/internal/notify"
	"github.com/zulandar/servicedesk/internal/telegraph"
	discordadapter "github.com/zulandar/servicedesk/internal/telegraph/discord"
	slackadapter "github.com/zulandar/servicedesk/internal/telegraph/slack"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the service desk bot",
		Long: "Connects to the configured chat platform, restores pending escalation and shift timers,\n" +
			"and serves applicants and staff until interrupted. Also runs the intake poller, the\n" +
			"open-ticket digest and the admin API when they are configured.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

// newAdapter builds the chat adapter for the configured platform.
func newAdapter(cfg *config.Config, log *zap.Logger) (telegraph.Adapter, error) {
	switch cfg.Chat.Platform {
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Chat.Slack.AppToken,
			BotToken:  cfg.Chat.Slack.BotToken,
			ChannelID: cfg.Chat.Channel,
			Logger:    log,
		})
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Chat.Discord.BotToken,
			ChannelID: cfg.Chat.Channel,
			Logger:    log,
		})
	case "":
		return nil, fmt.Errorf("chat.platform is required to serve")
	}
	return nil, fmt.Errorf("unsupported chat platform %q", cfg.Chat.Platform)
}

func runServe(cmd *cobra.Command, configPath string) error {
	b, err := openBase(configPath)
	if err != nil {
		return err
	}
	defer b.log.Sync()

	if err := db.AutoMigrate(b.db); err != nil {
		return err
	}
	if err := db.SeedStaff(b.db, b.cfg.Staff); err != nil {
		return err
	}

	adapter, err := newAdapter(b.cfg, b.log)
	if err != nil {
		return err
	}
	sessions, err := newSessionStore(b.cfg)
	if err != nil {
		return err
	}
	svc, err := buildServices(b, notify.NewAdapterNotifier(adapter, b.log), sessions)
	if err != nil {
		return err
	}

	opts := bot.DaemonOpts{
		Adapter:          adapter,
		Desk:             svc.desk,
		Dialogs:          svc.engine,
		Timers:           svc.timers,
		Clock:            svc.clock,
		AttachmentWindow: time.Duration(b.cfg.Conversation.AttachmentWindowMs) * time.Millisecond,
		Logger:           b.log,
	}
	if dir := b.cfg.Intake.SpoolDir; dir != "" {
		src, err := intake.NewSpoolSource(dir, b.log)
		if err != nil {
			return err
		}
		poller, err := intake.NewPoller(intake.PollerOpts{
			Source:   src,
			Desk:     svc.desk,
			Tickets:  svc.tickets,
			Interval: time.Duration(b.cfg.Intake.PollIntervalSec) * time.Second,
			Logger:   b.log,
		})
		if err != nil {
			return err
		}
		opts.Intake = poller
	}
	if b.cfg.Digest.Enabled {
		digest, err := bot.NewDigest(bot.DigestOpts{
			Tickets:   svc.tickets,
			Directory: svc.dir,
			Notifier:  notify.NewAdapterNotifier(adapter, b.log),
			Clock:     svc.clock,
			Cron:      b.cfg.Digest.Cron,
			Logger:    b.log,
		})
		if err != nil {
			return err
		}
		opts.Digest = digest
	}
	daemon, err := bot.NewDaemon(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if b.cfg.Admin.Port > 0 {
		srv, err := admin.New(admin.Opts{
			Jobs:      svc.timers,
			Tickets:   svc.tickets,
			Shifts:    svc.shifts,
			Audit:     svc.audit,
			JWTSecret: b.cfg.Admin.JWTSecret,
			Port:      b.cfg.Admin.Port,
			Clock:     svc.clock,
			Logger:    b.log,
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				b.log.Error("admin api stopped", zap.Error(err))
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Service desk starting on %s\n", b.cfg.Chat.Platform)
	err = daemon.Run(ctx)
	stop()
	wg.Wait()
	return err
}
