// Package store implements the durable job registry. Jobs live in one of three
// state buckets (pending, completed, cancelled) and every mutation rewrites the
// current day's bucket files atomically, so a crash never leaves a truncated log.
// Startup reloads a trailing multi-day window and merges the buckets back into memory.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Status represents the lifecycle state of a job
type Status string

// job lifecycle states, terminal once cancelled
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Job is a single unit of tracked generation work
type Job struct {
	ID            string            `json:"job_id"`
	CorrelationID string            `json:"correlation_id"`
	Status        Status            `json:"status"`
	BatchSize     int               `json:"batch_size"`
	DisplayTarget string            `json:"display_target,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ArtifactPaths []string          `json:"artifact_paths,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
}

// Store keeps jobs in three in-memory buckets backed by per-day json log files.
// All mutations are guarded by a single lock and synchronously persisted.
type Store struct {
	dir           string
	retentionDays int

	lock      sync.Mutex
	pending   map[string]Job
	completed map[string]Job
	cancelled map[string]Job
	firstSeen map[string]time.Time // ephemeral, not persisted

	now func() time.Time // for tests
}

// New makes a store at the given directory and loads buckets for the trailing
// retention window. The directory is created if missing.
func New(dir string, retentionDays int) (*Store, error) {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("can't make store directory %s: %w", dir, err)
	}

	s := &Store{
		dir:           dir,
		retentionDays: retentionDays,
		pending:       map[string]Job{},
		completed:     map[string]Job{},
		cancelled:     map[string]Job{},
		firstSeen:     map[string]time.Time{},
		now:           time.Now,
	}
	s.load()
	log.Printf("[INFO] store loaded from %s, pending:%d, completed:%d, cancelled:%d",
		dir, len(s.pending), len(s.completed), len(s.cancelled))
	return s, nil
}

// Register inserts a job as pending. A duplicate id is a caller error, not a crash
// condition; the existing record is dropped from all buckets with a warning.
func (s *Store) Register(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id can't be empty")
	}
	if job.BatchSize < 1 {
		job.BatchSize = 1
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, found := s.pending[job.ID]; found {
		log.Printf("[WARN] job %s already pending, overwriting", job.ID)
	}
	if _, found := s.completed[job.ID]; found {
		log.Printf("[WARN] job %s already completed, overwriting", job.ID)
		delete(s.completed, job.ID)
	}
	if _, found := s.cancelled[job.ID]; found {
		log.Printf("[WARN] job %s already cancelled, overwriting", job.ID)
		delete(s.cancelled, job.ID)
	}

	delete(s.firstSeen, job.ID) // a previous incarnation's timing must not leak in

	job.Status = StatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	s.pending[job.ID] = job
	s.persist()
	return nil
}

// Complete transitions a pending job to completed with the discovered artifacts.
// Not-pending jobs are left alone, i.e. a cancelled job stays cancelled.
func (s *Store) Complete(id string, artifactPaths []string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	job, found := s.pending[id]
	if !found {
		if _, ok := s.cancelled[id]; ok {
			log.Printf("[INFO] job %s already cancelled, not marking complete", id)
			return
		}
		if _, ok := s.completed[id]; ok {
			log.Printf("[INFO] job %s already complete", id)
			return
		}
		log.Printf("[WARN] job %s not found in pending to mark complete", id)
		return
	}

	delete(s.pending, id)
	delete(s.firstSeen, id)

	ts := s.now()
	job.Status = StatusCompleted
	job.CompletedAt = &ts
	job.ArtifactPaths = normalizePaths(artifactPaths)
	s.completed[id] = job
	s.persist()
	log.Printf("[INFO] job %s moved to completed, %d artifacts", id, len(job.ArtifactPaths))
}

// Cancel moves a job to the cancelled bucket. Pending and completed jobs can both
// be cancelled (explicit cancel overrides a completed job); cancelling an already
// cancelled job is a no-op.
func (s *Store) Cancel(id string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var job Job
	if j, found := s.pending[id]; found {
		job = j
		delete(s.pending, id)
		log.Printf("[INFO] job %s moved from pending to cancelled", id)
	} else if j, found := s.completed[id]; found {
		job = j
		delete(s.completed, id)
		log.Printf("[INFO] job %s was complete, moving to cancelled", id)
	} else if _, found := s.cancelled[id]; found {
		log.Printf("[DEBUG] job %s already cancelled", id)
		return
	} else {
		log.Printf("[WARN] job %s not found, creating basic cancelled entry", id)
		job = Job{ID: id, CreatedAt: s.now()}
	}

	ts := s.now()
	job.Status = StatusCancelled
	job.CancelledAt = &ts
	s.cancelled[id] = job
	delete(s.firstSeen, id)
	s.persist()
}

// Get returns the job with the given id from any bucket
func (s *Store) Get(id string) (Job, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, bucket := range []map[string]Job{s.pending, s.completed, s.cancelled} {
		if job, found := bucket[id]; found {
			return job, true
		}
	}
	return Job{}, false
}

// GetByCorrelationID finds a job by the backend-assigned correlation id.
// Linear scan is fine, the working set is bounded by the retention window.
func (s *Store) GetByCorrelationID(cid string) (Job, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, bucket := range []map[string]Job{s.pending, s.completed, s.cancelled} {
		for _, job := range bucket {
			if job.CorrelationID == cid {
				return job, true
			}
		}
	}
	return Job{}, false
}

// GetByDisplayTarget finds a job by its opaque display target reference
func (s *Store) GetByDisplayTarget(target string) (Job, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, bucket := range []map[string]Job{s.pending, s.completed, s.cancelled} {
		for _, job := range bucket {
			if job.DisplayTarget == target {
				return job, true
			}
		}
	}
	return Job{}, false
}

// SnapshotPending returns a copy of the pending bucket so callers can iterate
// without holding the store lock during I/O
func (s *Store) SnapshotPending() map[string]Job {
	s.lock.Lock()
	defer s.lock.Unlock()
	res := make(map[string]Job, len(s.pending))
	for id, job := range s.pending {
		res[id] = job
	}
	return res
}

// IsPending reports if the job is currently in the pending bucket
func (s *Store) IsPending(id string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, found := s.pending[id]
	return found
}

// IsTerminal reports if the job is completed or cancelled
func (s *Store) IsTerminal(id string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, found := s.completed[id]; found {
		return true
	}
	_, found := s.cancelled[id]
	return found
}

// RecordFirstArtifact notes when the first output file for a job showed up.
// Repeated calls keep the original timestamp.
func (s *Store) RecordFirstArtifact(id string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, found := s.firstSeen[id]; !found {
		s.firstSeen[id] = s.now()
	}
}

// SinceFirstArtifact returns how long ago the first artifact was seen,
// ok=false if none recorded
func (s *Store) SinceFirstArtifact(id string) (time.Duration, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	ts, found := s.firstSeen[id]
	if !found {
		return 0, false
	}
	return s.now().Sub(ts), true
}

// Counts returns the size of each bucket
func (s *Store) Counts() (pending, completed, cancelled int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.pending), len(s.completed), len(s.cancelled)
}

// List returns all jobs with the given status, sorted by creation time desc
func (s *Store) List(status Status) []Job {
	s.lock.Lock()
	defer s.lock.Unlock()

	var bucket map[string]Job
	switch status {
	case StatusPending:
		bucket = s.pending
	case StatusCompleted:
		bucket = s.completed
	case StatusCancelled:
		bucket = s.cancelled
	default:
		return nil
	}

	res := make([]Job, 0, len(bucket))
	for _, job := range bucket {
		res = append(res, job)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res
}

// CleanupOld removes bucket files older than the retention window.
// In-memory state is not touched, only files on disk.
func (s *Store) CleanupOld() {
	s.lock.Lock()
	defer s.lock.Unlock()

	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Printf("[WARN] can't list store directory %s: %v", s.dir, err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		day, ok := dayFromFileName(entry.Name())
		if !ok {
			continue
		}
		if day.Before(cutoff.Truncate(24 * time.Hour)) {
			fname := filepath.Join(s.dir, entry.Name())
			if err := os.Remove(fname); err != nil {
				log.Printf("[WARN] can't remove old bucket file %s: %v", fname, err)
				continue
			}
			log.Printf("[DEBUG] removed old bucket file %s", fname)
		}
	}
}

// load reads bucket files for the trailing retention window, oldest day first.
// A job id appearing in multiple buckets (possible across days) resolves by
// precedence cancelled > completed > pending, regardless of file order.
func (s *Store) load() {
	type bucketFile struct {
		suffix string
		status Status
	}
	files := []bucketFile{
		{"pending", StatusPending},
		{"completed", StatusCompleted},
		{"cancelled", StatusCancelled},
	}

	for daysBack := s.retentionDays - 1; daysBack >= 0; daysBack-- {
		day := s.now().AddDate(0, 0, -daysBack).Format("2006-01-02")
		for _, bf := range files {
			fname := filepath.Join(s.dir, fmt.Sprintf("%s-%s.json", day, bf.suffix))
			jobs, err := readBucketFile(fname)
			if err != nil {
				log.Printf("[WARN] skipping bucket file %s: %v", fname, err)
				continue
			}
			for id, job := range jobs {
				job.ID = id
				job.Status = bf.status
				s.merge(job)
			}
		}
	}
}

// merge places a loaded job in its bucket, dropping any lower-precedence copy
func (s *Store) merge(job Job) {
	current, found := s.locate(job.ID)
	if found && statusRank(current.Status) >= statusRank(job.Status) {
		return
	}
	delete(s.pending, job.ID)
	delete(s.completed, job.ID)
	delete(s.cancelled, job.ID)
	switch job.Status {
	case StatusPending:
		s.pending[job.ID] = job
	case StatusCompleted:
		s.completed[job.ID] = job
	case StatusCancelled:
		s.cancelled[job.ID] = job
	}
}

func (s *Store) locate(id string) (Job, bool) {
	for _, bucket := range []map[string]Job{s.pending, s.completed, s.cancelled} {
		if job, found := bucket[id]; found {
			return job, true
		}
	}
	return Job{}, false
}

func statusRank(st Status) int {
	switch st {
	case StatusCancelled:
		return 2
	case StatusCompleted:
		return 1
	default:
		return 0
	}
}

// persist rewrites today's three bucket files. Callers must hold the lock.
func (s *Store) persist() {
	day := s.now().Format("2006-01-02")
	buckets := []struct {
		suffix string
		data   map[string]Job
	}{
		{"pending", s.pending},
		{"completed", s.completed},
		{"cancelled", s.cancelled},
	}
	for _, b := range buckets {
		fname := filepath.Join(s.dir, fmt.Sprintf("%s-%s.json", day, b.suffix))
		if err := writeBucketFile(fname, b.data); err != nil {
			log.Printf("[WARN] can't write bucket file %s: %v", fname, err)
		}
	}
}

// readBucketFile loads a single bucket file, missing file is not an error
func readBucketFile(fname string) (map[string]Job, error) {
	data, err := os.ReadFile(fname) // nolint gosec // path built from store dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("can't read: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	res := map[string]Job{}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("can't parse: %w", err)
	}
	return res, nil
}

// writeBucketFile replaces the bucket file atomically via temp file and rename
func writeBucketFile(fname string, jobs map[string]Job) error {
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("can't marshal: %w", err)
	}
	tmp := fname + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("can't write temp file: %w", err)
	}
	if err := os.Rename(tmp, fname); err != nil {
		return fmt.Errorf("can't replace %s: %w", fname, err)
	}
	return nil
}

func dayFromFileName(name string) (time.Time, bool) {
	// bucket files look like 2006-01-02-pending.json
	if len(name) < len("2006-01-02") {
		return time.Time{}, false
	}
	day, err := time.Parse("2006-01-02", name[:len("2006-01-02")])
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func normalizePaths(paths []string) []string {
	res := make([]string, 0, len(paths))
	seen := map[string]struct{}{}
	for _, p := range paths {
		np := filepath.Clean(p)
		if _, found := seen[np]; found {
			continue
		}
		seen[np] = struct{}{}
		res = append(res, np)
	}
	sort.Strings(res)
	return res
}
