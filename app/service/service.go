// Package service provides the top level coordinator. It combines all elements
// (job store, streaming channel, filesystem scanner and backend queue client)
// together and provides the main entry point (blocking) to start the process.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/genwatch/genwatch/app/store"
	"github.com/genwatch/genwatch/app/web/persistence"
)

// Coordinator is the top-level service wiring the registry, channel, scanner
// and backend queue client, and providing the blocking entry point
type Coordinator struct {
	Store    JobStore
	Channel  Channel
	Queue    Queue
	Scanner  Scanner
	Notifier Notifier
	History  History

	CancelTimeout    time.Duration // budget for the best-effort backend notify on cancel
	SuperviseEvery   time.Duration // how often the channel connection is checked
	CleanupSchedule  string        // cron spec for the retention sweep
	HistoryRetention time.Duration // how long terminal events are kept
}

// JobStore defines the registry subset the coordinator needs
type JobStore interface {
	Register(job store.Job) error
	Cancel(id string)
	Get(id string) (store.Job, bool)
	GetByCorrelationID(cid string) (store.Job, bool)
	IsTerminal(id string) bool
	CleanupOld()
}

// Channel defines the streaming client subset the coordinator needs
type Channel interface {
	EnsureConnected(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	RegisterPrompt(correlationID, displayTarget string)
	UnregisterPrompt(correlationID string)
}

// Queue defines the backend queue operations used on cancellation
type Queue interface {
	DeleteFromQueue(ctx context.Context, correlationID string) error
}

// Scanner runs the blocking completion-detection loop
type Scanner interface {
	Run(ctx context.Context)
}

// Notifier defines notification delivery on terminal job events
type Notifier interface {
	Send(ctx context.Context, text string) error
	IsOnCompletion() bool
	IsOnError() bool
	MakeCompletionText(jobID string, artifacts int) (string, error)
	MakeCancellationText(jobID, detail string) (string, error)
	MakeTimeoutText(jobID string, artifacts, expected int) (string, error)
}

// History records terminal job events for the web api
type History interface {
	RecordEvent(ev persistence.Event) error
	CleanupOldEvents(olderThan time.Duration) (int64, error)
}

// Do runs the blocking coordinator: scanner loop, channel supervision and the
// periodic retention sweep. Terminates when ctx is cancelled.
func (c *Coordinator) Do(ctx context.Context) {
	c.setDefaults()
	log.Printf("[INFO] coordinator started")

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(c.CleanupSchedule, c.cleanup); err != nil {
		log.Printf("[WARN] can't schedule retention sweep %q: %v", c.CleanupSchedule, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	scannerDone := make(chan struct{})
	go func() {
		defer close(scannerDone)
		c.Scanner.Run(ctx)
	}()

	c.supervise(ctx)

	<-scannerDone
	c.Channel.Disconnect()
	log.Printf("[INFO] coordinator terminated")
}

// supervise keeps the streaming channel alive: connect on start, then check
// periodically and run the reconnect sequence after any listener exit. Failures
// are logged and retried on the next tick, the channel is an enhancement and
// the scanner keeps the system correct without it.
func (c *Coordinator) supervise(ctx context.Context) {
	if err := c.Channel.EnsureConnected(ctx); err != nil {
		log.Printf("[WARN] initial channel connect failed: %v", err)
	}

	ticker := time.NewTicker(c.SuperviseEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.Channel.IsConnected() {
				continue
			}
			if err := c.Channel.Reconnect(ctx); err != nil {
				log.Printf("[WARN] channel reconnect failed: %v", err)
			}
		}
	}
}

// Register creates a pending job and subscribes the channel to its progress.
// An empty job id gets a generated one; the assigned job is returned.
func (c *Coordinator) Register(job store.Job) (store.Job, error) {
	if job.ID == "" {
		job.ID = strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	}
	if err := c.Store.Register(job); err != nil {
		return store.Job{}, fmt.Errorf("can't register job: %w", err)
	}
	if job.CorrelationID != "" {
		c.Channel.RegisterPrompt(job.CorrelationID, job.DisplayTarget)
	}
	log.Printf("[INFO] registered job %s, correlation %s, batch %d", job.ID, job.CorrelationID, job.BatchSize)
	return job, nil
}

// Cancel stops tracking a job. The local registry is the authority: the job is
// marked cancelled first and stays cancelled no matter what the backend says.
// Removing the prompt from the backend queue is best-effort, its outcome only
// shapes the returned detail string.
func (c *Coordinator) Cancel(ctx context.Context, id string) (ok bool, detail string) {
	c.setDefaults()

	job, found := c.Store.Get(id)
	if !found {
		job, found = c.Store.GetByCorrelationID(id)
	}
	if !found {
		return false, fmt.Sprintf("job %s not known", id)
	}
	if c.Store.IsTerminal(job.ID) {
		return false, fmt.Sprintf("job %s already %s", job.ID, job.Status)
	}

	if job.CorrelationID != "" {
		c.Channel.UnregisterPrompt(job.CorrelationID)
	}
	c.Store.Cancel(job.ID)

	detail = "cancelled locally"
	if job.CorrelationID != "" && c.Queue != nil {
		qctx, cancel := context.WithTimeout(ctx, c.CancelTimeout)
		defer cancel()
		if err := c.Queue.DeleteFromQueue(qctx, job.CorrelationID); err != nil {
			log.Printf("[WARN] backend queue removal failed for job %s: %v", job.ID, err)
			detail += ", backend not confirmed"
		} else {
			detail += ", removed from backend queue"
		}
	}

	c.recordEvent(persistence.Event{JobID: job.ID, CorrelationID: job.CorrelationID, Kind: "cancelled", Detail: detail})
	if c.Notifier != nil && c.Notifier.IsOnError() {
		c.notify(ctx, func() (string, error) { return c.Notifier.MakeCancellationText(job.ID, detail) })
	}
	return true, detail
}

// OnComplete is the scanner completion callback. Unsubscribes the channel,
// records history and sends the completion notification.
func (c *Coordinator) OnComplete(job store.Job, artifacts []string) {
	if job.CorrelationID != "" {
		c.Channel.UnregisterPrompt(job.CorrelationID)
	}
	c.recordEvent(persistence.Event{
		JobID: job.ID, CorrelationID: job.CorrelationID, Kind: "completed", ArtifactCount: len(artifacts)})
	if c.Notifier != nil && c.Notifier.IsOnCompletion() {
		c.notify(context.Background(), func() (string, error) { return c.Notifier.MakeCompletionText(job.ID, len(artifacts)) })
	}
}

// OnTimeout is the scanner partial-batch callback, invoked right before the
// timed-out job is committed with whatever artifacts it produced
func (c *Coordinator) OnTimeout(job store.Job, artifacts []string) {
	expected := job.BatchSize
	if expected < 1 {
		expected = 1
	}
	c.recordEvent(persistence.Event{
		JobID: job.ID, CorrelationID: job.CorrelationID, Kind: "timeout", ArtifactCount: len(artifacts),
		Detail: fmt.Sprintf("%d of %d expected artifacts", len(artifacts), expected)})
	if c.Notifier != nil && c.Notifier.IsOnError() {
		c.notify(context.Background(), func() (string, error) { return c.Notifier.MakeTimeoutText(job.ID, len(artifacts), expected) })
	}
}

// cleanup is the scheduled retention sweep over both stores
func (c *Coordinator) cleanup() {
	log.Printf("[DEBUG] retention sweep started")
	c.Store.CleanupOld()
	if c.History != nil {
		n, err := c.History.CleanupOldEvents(c.HistoryRetention)
		if err != nil {
			log.Printf("[WARN] history cleanup failed: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[INFO] history cleanup removed %d events", n)
		}
	}
}

func (c *Coordinator) recordEvent(ev persistence.Event) {
	if c.History == nil {
		return
	}
	if err := c.History.RecordEvent(ev); err != nil {
		log.Printf("[WARN] can't record %s event for job %s: %v", ev.Kind, ev.JobID, err)
	}
}

// notify renders and delivers a notification, failures logged only
func (c *Coordinator) notify(ctx context.Context, render func() (string, error)) {
	text, err := render()
	if err != nil {
		log.Printf("[WARN] can't make notification text: %v", err)
		return
	}
	if err := c.Notifier.Send(ctx, text); err != nil {
		log.Printf("[WARN] notification delivery failed: %v", err)
	}
}

func (c *Coordinator) setDefaults() {
	if c.CancelTimeout == 0 {
		c.CancelTimeout = 5 * time.Second
	}
	if c.SuperviseEvery == 0 {
		c.SuperviseEvery = 5 * time.Second
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = "0 3 * * *"
	}
	if c.HistoryRetention == 0 {
		c.HistoryRetention = 7 * 24 * time.Hour
	}
}
