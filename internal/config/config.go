// Package config provides YAML-based configuration loading for servicedesk.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level servicedesk configuration, loaded from sd.yaml.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Chat         ChatConfig         `yaml:"chat"`
	Escalation   EscalationConfig   `yaml:"escalation"`
	Shifts       ShiftsConfig       `yaml:"shifts"`
	Conversation ConversationConfig `yaml:"conversation"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Tickets      TicketsConfig      `yaml:"tickets"`
	Digest       DigestConfig       `yaml:"digest"`
	Intake       IntakeConfig       `yaml:"intake"`
	Admin        AdminConfig        `yaml:"admin"`
	Log          LogConfig          `yaml:"log"`
	Staff        []StaffConfig      `yaml:"staff"`
}

// DatabaseConfig selects and locates the record store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"` // sqlite file
}

// ChatConfig selects the chat platform.
type ChatConfig struct {
	Platform string        `yaml:"platform"` // slack or discord
	Channel  string        `yaml:"channel"`  // default channel for broadcasts
	Slack    SlackConfig   `yaml:"slack"`
	Discord  DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord gateway credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// EscalationConfig holds the ticket service-level timers. T2 is either an
// absolute number of minutes or a multiplier of T1.
type EscalationConfig struct {
	T1Minutes       int     `yaml:"t1_minutes"`
	T2Minutes       int     `yaml:"t2_minutes"`
	T2Multiplier    float64 `yaml:"t2_multiplier"`
	DeadlineMinutes int     `yaml:"deadline_minutes"`
}

// T1 returns the first escalation delay.
func (e EscalationConfig) T1() time.Duration {
	return time.Duration(e.T1Minutes) * time.Minute
}

// T2 returns the second escalation delay.
func (e EscalationConfig) T2() time.Duration {
	if e.T2Minutes > 0 {
		return time.Duration(e.T2Minutes) * time.Minute
	}
	return time.Duration(float64(e.T1()) * e.T2Multiplier)
}

// Deadline returns the completion deadline.
func (e EscalationConfig) Deadline() time.Duration {
	return time.Duration(e.DeadlineMinutes) * time.Minute
}

// ShiftsConfig holds work-shift settings.
type ShiftsConfig struct {
	OverdueHours int `yaml:"overdue_hours"`
}

// Overdue returns the delay of the unclosed-shift check.
func (s ShiftsConfig) Overdue() time.Duration {
	return time.Duration(s.OverdueHours) * time.Hour
}

// ConversationConfig tunes the dialog engine.
type ConversationConfig struct {
	IdleTimeoutMinutes int `yaml:"idle_timeout_minutes"`
	AttachmentWindowMs int `yaml:"attachment_window_ms"`
}

// SessionsConfig selects where dialog state lives.
type SessionsConfig struct {
	Backend string      `yaml:"backend"` // memory or redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig locates the redis server for the redis session backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TicketsConfig holds ticket numbering settings.
type TicketsConfig struct {
	Prefixes map[string]string `yaml:"prefixes"` // support group -> two-letter tag
}

// DigestConfig controls the daily open-ticket digest.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// IntakeConfig controls the external ticket intake poller.
type IntakeConfig struct {
	SpoolDir        string `yaml:"spool_dir"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
}

// AdminConfig controls the operator HTTP API.
type AdminConfig struct {
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// StaffConfig seeds a staff member.
type StaffConfig struct {
	ChatID   string   `yaml:"chat_id"`
	Name     string   `yaml:"name"`
	Role     string   `yaml:"role"`
	Group    string   `yaml:"group"`
	Managers []string `yaml:"managers"` // chat ids
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references, unmarshals YAML bytes and returns a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Database == "" {
			c.Database.Database = "servicedesk"
		}
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "servicedesk.db"
		}
	}
	if c.Escalation.T1Minutes == 0 {
		c.Escalation.T1Minutes = 10
	}
	if c.Escalation.T2Minutes == 0 && c.Escalation.T2Multiplier == 0 {
		c.Escalation.T2Multiplier = 2
	}
	if c.Escalation.DeadlineMinutes == 0 {
		c.Escalation.DeadlineMinutes = 240
	}
	if c.Shifts.OverdueHours == 0 {
		c.Shifts.OverdueHours = 9
	}
	if c.Conversation.IdleTimeoutMinutes == 0 {
		c.Conversation.IdleTimeoutMinutes = 30
	}
	if c.Conversation.AttachmentWindowMs == 0 {
		c.Conversation.AttachmentWindowMs = 50
	}
	if c.Sessions.Backend == "" {
		c.Sessions.Backend = "memory"
	}
	if c.Sessions.Backend == "redis" && c.Sessions.Redis.Addr == "" {
		c.Sessions.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Tickets.Prefixes == nil {
		c.Tickets.Prefixes = map[string]string{}
	}
	if c.Tickets.Prefixes["DISPATCHER"] == "" {
		c.Tickets.Prefixes["DISPATCHER"] = "DS"
	}
	if c.Tickets.Prefixes["ENGINEER"] == "" {
		c.Tickets.Prefixes["ENGINEER"] = "SD"
	}
	if c.Digest.Cron == "" {
		c.Digest.Cron = "0 9 * * 1-5"
	}
	if c.Intake.PollIntervalSec == 0 {
		c.Intake.PollIntervalSec = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

var validRoles = map[string]bool{
	"applicant": true, "dispatcher": true, "engineer": true,
	"senior": true, "lead": true, "head": true,
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	switch c.Chat.Platform {
	case "", "slack", "discord":
	default:
		errs = append(errs, fmt.Sprintf("chat.platform %q is not supported (slack, discord)", c.Chat.Platform))
	}
	if c.Escalation.T1Minutes < 0 || c.Escalation.T2Minutes < 0 || c.Escalation.DeadlineMinutes < 0 {
		errs = append(errs, "escalation timers must be positive")
	}
	if c.Escalation.T2() <= c.Escalation.T1() {
		errs = append(errs, "escalation t2 must be later than t1")
	}
	if c.Shifts.OverdueHours < 0 {
		errs = append(errs, "shifts.overdue_hours must be positive")
	}
	switch c.Sessions.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("sessions.backend %q is not supported (memory, redis)", c.Sessions.Backend))
	}
	if c.Admin.Port > 0 && c.Admin.JWTSecret == "" {
		errs = append(errs, "admin.jwt_secret is required when admin.port is set")
	}
	for group, prefix := range c.Tickets.Prefixes {
		if group != "DISPATCHER" && group != "ENGINEER" {
			errs = append(errs, fmt.Sprintf("tickets.prefixes: unknown group %q", group))
		}
		if len(prefix) != 2 {
			errs = append(errs, fmt.Sprintf("tickets.prefixes.%s must be two letters", group))
		}
	}

	known := make(map[string]bool, len(c.Staff))
	for _, s := range c.Staff {
		known[s.ChatID] = true
	}
	for i, s := range c.Staff {
		if s.ChatID == "" {
			errs = append(errs, fmt.Sprintf("staff[%d].chat_id is required", i))
		}
		if !validRoles[s.Role] {
			errs = append(errs, fmt.Sprintf("staff[%d].role %q is not valid", i, s.Role))
		}
		if s.Group != "" && s.Group != "DISPATCHER" && s.Group != "ENGINEER" {
			errs = append(errs, fmt.Sprintf("staff[%d].group %q is not valid", i, s.Group))
		}
		for _, m := range s.Managers {
			if !known[m] {
				errs = append(errs, fmt.Sprintf("staff[%d].managers: unknown chat id %q", i, m))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
