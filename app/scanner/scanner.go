// Package scanner implements the polling side of completion detection. The
// streaming channel can drop or race its terminal events, so the files a job
// leaves in the output locations are the source of truth: a recurring scan
// matches discovered artifacts to pending jobs and commits completions.
package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/genwatch/genwatch/app/store"
)

// JobStore defines the store subset the scanner needs
type JobStore interface {
	SnapshotPending() map[string]store.Job
	IsPending(id string) bool
	Complete(id string, artifactPaths []string)
	RecordFirstArtifact(id string)
	SinceFirstArtifact(id string) (time.Duration, bool)
}

// Scanner polls output locations and completes pending jobs once enough stable
// artifacts showed up, or the per-job timeout elapsed with a partial batch.
type Scanner struct {
	Store      JobStore
	Locations  []string                                // output directories to scan
	ExtractID  func(filename string) (string, bool)    // filename -> job id decoder
	OnComplete func(job store.Job, artifacts []string) // presentation callback, invoked before commit
	OnError    func(job store.Job, artifacts []string) // optional, invoked on timeout completions

	ActiveInterval     time.Duration // tick while jobs are pending
	IdleInterval       time.Duration // tick while queue is empty
	StabilityDelay     time.Duration // wait between the two size checks
	TimeoutPerArtifact time.Duration // per-job timeout is this times batch size
	Concurrency        int           // parallel location scans

	inflight     map[string]struct{} // jobs being processed, guards overlapping ticks
	inflightMu   sync.Mutex
	defaultsOnce sync.Once
}

// Run starts the blocking scan loop, terminated by ctx cancellation
func (s *Scanner) Run(ctx context.Context) {
	s.setDefaults()
	log.Printf("[INFO] scanner started, locations: %v", s.Locations)

	for {
		s.ScanOnce(ctx)

		interval := s.IdleInterval
		if len(s.Store.SnapshotPending()) > 0 {
			interval = s.ActiveInterval
		}
		select {
		case <-ctx.Done():
			log.Printf("[DEBUG] scanner terminated, %v", ctx.Err())
			return
		case <-time.After(interval):
		}
	}
}

// ScanOnce performs a single scan pass. Exposed for callers that drive ticks
// themselves; Run calls it in a loop.
func (s *Scanner) ScanOnce(ctx context.Context) {
	s.setDefaults()

	pending := s.Store.SnapshotPending()
	if len(pending) == 0 {
		return
	}

	// normalized id -> original id, filenames may differ in case
	normalized := make(map[string]string, len(pending))
	for id := range pending {
		normalized[normalizeID(id)] = id
	}

	found := s.discoverArtifacts(ctx, normalized)

	for id, job := range pending {
		files := found[normalizeID(id)]
		if len(files) == 0 {
			continue
		}

		expected := job.BatchSize
		if expected < 1 {
			expected = 1
		}

		timedOut := false
		if len(files) < expected {
			elapsed, ok := s.Store.SinceFirstArtifact(id)
			timeout := s.TimeoutPerArtifact * time.Duration(expected)
			if !ok || elapsed <= timeout {
				continue // keep waiting for the rest of the batch
			}
			log.Printf("[WARN] job %s timed out with %d/%d artifacts after %v, processing partial batch",
				id, len(files), expected, elapsed)
			timedOut = true
		}

		s.process(job, files, timedOut)
	}
}

// discoverArtifacts lists every location and returns stable artifact paths
// grouped by normalized job id. Locations are scanned concurrently, each
// failure logged and skipped, never fatal.
func (s *Scanner) discoverArtifacts(ctx context.Context, normalized map[string]string) map[string][]string {
	res := map[string][]string{}
	var resMu sync.Mutex

	gr := syncs.NewSizedGroup(s.Concurrency, syncs.Context(ctx))
	for _, location := range s.Locations {
		gr.Go(func(ctx context.Context) {
			files := s.scanLocation(ctx, location, normalized)
			resMu.Lock()
			defer resMu.Unlock()
			for id, paths := range files {
				res[id] = append(res[id], paths...)
			}
		})
	}
	gr.Wait()

	for id, paths := range res {
		res[id] = dedupSorted(paths)
		if len(res[id]) > 0 {
			s.Store.RecordFirstArtifact(normalized[id])
		}
	}
	return res
}

func (s *Scanner) scanLocation(ctx context.Context, location string, normalized map[string]string) map[string][]string {
	res := map[string][]string{}

	entries, err := os.ReadDir(location)
	if err != nil {
		log.Printf("[WARN] can't scan %s: %v", location, err)
		return res
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return res
		}
		if entry.IsDir() {
			continue
		}

		id, ok := s.ExtractID(entry.Name())
		if !ok {
			continue
		}
		normID := normalizeID(id)
		if _, pending := normalized[normID]; !pending {
			continue
		}

		path := filepath.Join(location, entry.Name())
		if !s.isStable(ctx, entry, path) {
			continue
		}
		res[normID] = append(res[normID], filepath.Clean(path))
	}
	return res
}

// isStable protects against picking up a file mid-write: size must be non-zero
// and unchanged across a short delay
func (s *Scanner) isStable(ctx context.Context, entry os.DirEntry, path string) bool {
	info, err := entry.Info()
	if err != nil {
		return false // vanished mid-scan, next tick will retry
	}
	size1 := info.Size()
	if size1 == 0 {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.StabilityDelay):
	}

	info2, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info2.Size() == size1
}

// process hands an eligible job to the completion callback and commits it.
// Re-checks pending state right before processing and keeps an in-flight set,
// so two overlapping ticks can't double-process the same job.
func (s *Scanner) process(job store.Job, files []string, timedOut bool) {
	s.inflightMu.Lock()
	if _, busy := s.inflight[job.ID]; busy {
		s.inflightMu.Unlock()
		return
	}
	s.inflight[job.ID] = struct{}{}
	s.inflightMu.Unlock()

	defer func() {
		s.inflightMu.Lock()
		delete(s.inflight, job.ID)
		s.inflightMu.Unlock()
	}()

	if !s.Store.IsPending(job.ID) {
		log.Printf("[DEBUG] job %s no longer pending, skipping", job.ID)
		return
	}

	if timedOut && s.OnError != nil {
		s.OnError(job, files)
	}
	if s.OnComplete != nil {
		s.OnComplete(job, files)
	}
	s.Store.Complete(job.ID, files)
}

// setDefaults resolves zero-value tuning exactly once, overlapping ticks
// share the resolved fields without writing to them
func (s *Scanner) setDefaults() {
	s.defaultsOnce.Do(func() {
		if s.ExtractID == nil {
			s.ExtractID = ExtractJobID
		}
		if s.ActiveInterval == 0 {
			s.ActiveInterval = 2 * time.Second
		}
		if s.IdleInterval == 0 {
			s.IdleInterval = 15 * time.Second
		}
		if s.StabilityDelay == 0 {
			s.StabilityDelay = time.Second
		}
		if s.TimeoutPerArtifact == 0 {
			s.TimeoutPerArtifact = 5 * time.Minute
		}
		if s.Concurrency <= 0 {
			s.Concurrency = 4
		}
		s.inflight = map[string]struct{}{}
	})
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func dedupSorted(paths []string) []string {
	seen := map[string]struct{}{}
	res := paths[:0]
	for _, p := range paths {
		if _, found := seen[p]; found {
			continue
		}
		seen[p] = struct{}{}
		res = append(res, p)
	}
	sort.Strings(res)
	return res
}
