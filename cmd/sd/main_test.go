package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"


	"github.com/zulandar/servicedesk/internal/admin"
	"github.com/zulandar/servicedesk/internal/config"
	"github.com/zulandar/servicedesk/internal/conversation"
	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/timer"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

// writeConfig writes a sqlite-backed config into a temp dir and returns
// its path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	yaml := "database:\n  driver: sqlite\n  path: " + filepath.Join(dir, "desk.db") + "\n" +
		"admin:\n  port: 9090\n  jwt_secret: ${SD_TEST_SECRET}\n" +
		"staff:\n  - chat_id: L1\n    name: Lena\n    role: lead\n  - chat_id: E1\n    name: Ivan\n    role: engineer\n    group: ENGINEER\n    managers: [L1]\n" +
		extra
	path := filepath.Join(dir, "servicedesk.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "sd dev") || !strings.Contains(out, "commit: none") {
		t.Errorf("output = %q", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, err := run(t, "--help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, sub := range []string{"serve", "db", "ticket", "jobs", "token", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help missing %q:\n%s", sub, out)
		}
	}
}

func TestSubcommandsHaveConfigFlag(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"serve"}, {"db", "init"}, {"db", "seed"}, {"ticket", "list"}, {"ticket", "show"}, {"jobs", "list"}, {"jobs", "cancel"}, {"token"}} {
		cmd, _, err := root.Find(path)
		if err != nil {
			t.Fatalf("find %v: %v", path, err)
		}
		f := cmd.Flags().Lookup("config")
		if f == nil || f.Shorthand != "c" || f.DefValue != defaultConfigPath {
			t.Errorf("%v: config flag = %+v", path, f)
		}
	}
}

func TestLoadEnv(t *testing.T) {
	if err := loadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing env file: %v", err)
	}
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SD_TEST_FROM_DOTENV=hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SD_TEST_FROM_DOTENV", "")
	os.Unsetenv("SD_TEST_FROM_DOTENV")
	if err := loadEnv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("SD_TEST_FROM_DOTENV"); got != "hello" {
		t.Errorf("SD_TEST_FROM_DOTENV = %q", got)
	}
}

func TestDBInitAndListCommands(t *testing.T) {
	t.Setenv("SD_TEST_SECRET", "s3cret")
	cfg := writeConfig(t, "")

	out, err := run(t, "db", "init", "-c", cfg)
	if err != nil {
		t.Fatalf("db init: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Seeded 2 staff members") {
		t.Errorf("db init output = %q", out)
	}

	out, err = run(t, "ticket", "list", "-c", cfg)
	if err != nil || !strings.Contains(out, "No tickets found.") {
		t.Errorf("ticket list = %q, %v", out, err)
	}
	if _, err := run(t, "ticket", "list", "-c", cfg, "--group", "HR"); err == nil {
		t.Error("unknown group accepted")
	}
	out, err = run(t, "ticket", "show", "SD-404", "-c", cfg)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("ticket show = %q, %v", out, err)
	}

	out, err = run(t, "jobs", "list", "-c", cfg)
	if err != nil || !strings.Contains(out, "No pending jobs.") {
		t.Errorf("jobs list = %q, %v", out, err)
	}
	if _, err := run(t, "jobs", "cancel", "job_SD-1_step1", "-c", cfg); err == nil {
		t.Error("cancel of a missing job succeeded")
	}
}

func TestTokenCmd(t *testing.T) {
	t.Setenv("SD_TEST_SECRET", "s3cret")
	cfg := writeConfig(t, "")

	out, err := run(t, "token", "-c", cfg, "--subject", "L1", "--role", "head", "--ttl", "1h")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims, err := admin.ParseToken("s3cret", strings.TrimSpace(out), time.Now())
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if claims.Subject != "L1" || claims.Role != "head" {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := run(t, "token", "-c", cfg); err == nil {
		t.Error("token without --subject succeeded")
	}
}

func TestNewAdapter(t *testing.T) {
	tests := []struct {
		platform string
		want     string
	}{
		{"", "chat.platform is required"},
		{"irc", "unsupported chat platform"},
		{"slack", "slack"},
		{"discord", "discord"},
	}
	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			cfg := &config.Config{Chat: config.ChatConfig{Platform: tt.platform}}
			_, err := newAdapter(cfg, nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestNewSessionStore(t *testing.T) {
	s, err := newSessionStore(&config.Config{Sessions: config.SessionsConfig{Backend: "memory"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*conversation.MemoryStore); !ok {
		t.Errorf("store = %T", s)
	}
	if _, err := newSessionStore(&config.Config{Sessions: config.SessionsConfig{Backend: "etcd"}}); err == nil {
		t.Error("unsupported backend accepted")
	}
}

func TestWriteTables(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	writeTicketTable(&buf, []models.Ticket{
		{Number: "SD-101", Status: models.StatusNew, SupportGroup: models.GroupEngineer, Title: "VPN", CreatedAt: now.Add(-time.Hour)},
	}, now)
	out := buf.String()
	if !strings.Contains(out, "NUMBER") || !strings.Contains(out, "SD-101") || !strings.Contains(out, "1h0m0s") {
		t.Errorf("ticket table = %q", out)
	}

	buf.Reset()
	writeJobTable(&buf, []timer.Job{timer.NewJob("SD-101", timer.TierDeadline, now.Add(4*time.Hour))}, now)
	if !strings.Contains(buf.String(), "job_SD-101_deadline") || !strings.Contains(buf.String(), "4h0m0s") {
		t.Errorf("job table = %q", buf.String())
	}
}

