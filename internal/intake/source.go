// Package intake turns ticket candidates from an external ticket system
// into automatic tickets, and closes tickets the external system reports
// as done.
package intake

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/logging"
	"github.com/zulandar/servicedesk/internal/models"
)

// Candidate is one ticket reported by an external system.
type Candidate struct {
	ExternalRef     string
	Group           models.SupportGroup
	Title           string
	Description     string
	ApplicantChatID string
	ApplicantName   string
	// Close asks to close the ticket with ExternalRef instead of raising one.
	Close   bool
	Comment string

	// Token identifies the candidate to Ack.
	Token string
}

// Source yields ticket candidates.
type Source interface {
	Fetch(ctx context.Context) ([]Candidate, error)
}

// Acker is implemented by sources that must be told when a candidate has
// been handled so it is not fetched again.
type Acker interface {
	Ack(ctx context.Context, c Candidate, failed bool) error
}

type ticketXML struct {
	XMLName     xml.Name `xml:"ticket"`
	Number      string   `xml:"number"`
	Action      string   `xml:"action,attr"`
	Group       string   `xml:"group"`
	Title       string   `xml:"title"`
	Description string   `xml:"description"`
	Comment     string   `xml:"comment"`
	Applicant   struct {
		ChatID string `xml:"chat_id,attr"`
		Name   string `xml:",chardata"`
	} `xml:"applicant"`
}

// SpoolSource reads one <ticket> XML document per *.xml file from a spool
// directory. Handled files move to processed/, unreadable ones to failed/.
type SpoolSource struct {
	dir string
	log *zap.Logger
}

// NewSpoolSource creates a SpoolSource over dir.
func NewSpoolSource(dir string, log *zap.Logger) (*SpoolSource, error) {
	if dir == "" {
		return nil, fmt.Errorf("intake: spool dir is required")
	}
	for _, sub := range []string{"processed", "failed"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("intake: create %s dir: %w", sub, err)
		}
	}
	return &SpoolSource{dir: dir, log: logging.OrNop(log).Named("intake")}, nil
}

// Fetch parses every pending file in name order.
func (s *SpoolSource) Fetch(ctx context.Context) ([]Candidate, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.xml"))
	if err != nil {
		return nil, fmt.Errorf("intake: list spool: %w", err)
	}
	sort.Strings(paths)

	var out []Candidate
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		c, err := parseFile(p)
		if err != nil {
			s.log.Warn("unreadable candidate", zap.String("file", filepath.Base(p)), zap.Error(err))
			if mvErr := s.move(p, "failed"); mvErr != nil {
				s.log.Error("move unreadable candidate", zap.String("file", p), zap.Error(mvErr))
			}
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Ack moves the candidate's file out of the spool.
func (s *SpoolSource) Ack(_ context.Context, c Candidate, failed bool) error {
	sub := "processed"
	if failed {
		sub = "failed"
	}
	return s.move(c.Token, sub)
}

func (s *SpoolSource) move(path, sub string) error {
	dst := filepath.Join(s.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("intake: move %s to %s: %w", filepath.Base(path), sub, err)
	}
	return nil
}

func parseFile(path string) (Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Candidate{}, err
	}
	c, err := Parse(data)
	if err != nil {
		return Candidate{}, err
	}
	c.Token = path
	return c, nil
}

// Parse decodes one <ticket> document.
func Parse(data []byte) (Candidate, error) {
	var x ticketXML
	if err := xml.Unmarshal(data, &x); err != nil {
		return Candidate{}, fmt.Errorf("intake: decode: %w", err)
	}
	c := Candidate{
		ExternalRef:     strings.TrimSpace(x.Number),
		Group:           models.SupportGroup(strings.ToUpper(strings.TrimSpace(x.Group))),
		Title:           strings.TrimSpace(x.Title),
		Description:     strings.TrimSpace(x.Description),
		ApplicantChatID: strings.TrimSpace(x.Applicant.ChatID),
		ApplicantName:   strings.TrimSpace(x.Applicant.Name),
		Comment:         strings.TrimSpace(x.Comment),
	}
	switch strings.ToLower(strings.TrimSpace(x.Action)) {
	case "", "open":
	case "close":
		c.Close = true
	default:
		return Candidate{}, fmt.Errorf("intake: unknown action %q", x.Action)
	}
	if c.ExternalRef == "" {
		return Candidate{}, errors.New("intake: number is required")
	}
	if !c.Close {
		if !c.Group.Valid() {
			return Candidate{}, fmt.Errorf("intake: %s: unknown group %q", c.ExternalRef, x.Group)
		}
		if c.ApplicantChatID == "" {
			return Candidate{}, fmt.Errorf("intake: %s: applicant chat_id is required", c.ExternalRef)
		}
	}
	return c, nil
}
