// Package notify delivers job lifecycle notifications to the configured
// destination urls (mailto, slack, telegram, webhook)
package notify

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"text/template"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

// Notifier defines delivery of a message to a single destination url
type Notifier interface {
	Send(ctx context.Context, destination, text string) error
}

// Service sends notifications on job completion and cancellation/failure
type Service struct {
	Params
	notifier Notifier
}

// Params to make Service
type Params struct {
	Destinations      []string // destination urls, e.g. mailto:..., slack:channel
	EnabledCompletion bool
	EnabledError      bool
	Timeout           time.Duration
	HostName          string
}

// sender adapts go-pkgz/notify package-level Send to the Notifier interface
type sender struct{}

func (sender) Send(ctx context.Context, destination, text string) error {
	return notify.Send(ctx, destination, text)
}

// NewService makes notification service, nil if no destinations configured.
// A nil *Service is safe to use, all sends turn into no-ops.
func NewService(p Params) *Service {
	if len(p.Destinations) == 0 {
		return nil
	}
	if p.Timeout == 0 {
		p.Timeout = 10 * time.Second
	}
	return &Service{Params: p, notifier: sender{}}
}

// IsOnCompletion reports if completion notifications are enabled
func (s *Service) IsOnCompletion() bool { return s != nil && s.EnabledCompletion }

// IsOnError reports if error/cancellation notifications are enabled
func (s *Service) IsOnError() bool { return s != nil && s.EnabledError }

// Send delivers the text to all destinations. Delivery problems are logged
// per destination and reported back combined; callers log and move on, a
// failed notification never affects the job lifecycle.
func (s *Service) Send(ctx context.Context, text string) error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	var failed int
	var lastErr error
	for _, dest := range s.Destinations {
		if err := s.notifier.Send(ctx, dest, text); err != nil {
			log.Printf("[WARN] can't send notification to %s: %v", dest, err)
			failed++
			lastErr = err
			continue
		}
		log.Printf("[DEBUG] notification sent to %s", dest)
	}
	if failed > 0 {
		return fmt.Errorf("failed to deliver to %d of %d destinations: %w", failed, len(s.Destinations), lastErr)
	}
	return nil
}

// MakeCompletionText renders the message for a completed job
func (s *Service) MakeCompletionText(jobID string, artifacts int) (string, error) {
	tmpl := `job {{.JobID}} completed on {{.Host}} at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}, {{.Artifacts}} artifact(s)`
	return s.render(tmpl, jobID, artifacts, "")
}

// MakeCancellationText renders the message for a cancelled job
func (s *Service) MakeCancellationText(jobID, detail string) (string, error) {
	tmpl := `job {{.JobID}} cancelled on {{.Host}} at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}{{if .Detail}}, {{.Detail}}{{end}}`
	return s.render(tmpl, jobID, 0, detail)
}

// MakeTimeoutText renders the message for a job completed with a partial batch
func (s *Service) MakeTimeoutText(jobID string, artifacts, expected int) (string, error) {
	tmpl := `job {{.JobID}} timed out on {{.Host}} at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}, {{.Artifacts}} of {{.Detail}} expected artifact(s)`
	return s.render(tmpl, jobID, artifacts, strconv.Itoa(expected))
}

func (s *Service) render(tmpl, jobID string, artifacts int, detail string) (string, error) {
	data := struct {
		JobID     string
		Host      string
		TS        time.Time
		Artifacts int
		Detail    string
	}{
		JobID:     jobID,
		Host:      s.HostName,
		TS:        time.Now(),
		Artifacts: artifacts,
		Detail:    detail,
	}

	t, err := template.New("msg").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("can't parse message template: %w", err)
	}
	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}
