package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/genwatch/genwatch/app/store"
	"github.com/genwatch/genwatch/app/web/persistence"
)

// APIStatusResponse is the JSON response for /api/v1/status
type APIStatusResponse struct {
	Host      string     `json:"host"`
	Version   string     `json:"version"`
	Uptime    string     `json:"uptime"`
	Stats     APIStats   `json:"stats"`
	Channel   APIChannel `json:"channel"`
	Queue     *APIQueue  `json:"queue,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// APIStats represents bucket sizes in JSON API response
type APIStats struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
}

// APIQueue represents the backend queue depth
type APIQueue struct {
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

// APIChannel represents the streaming connection state
type APIChannel struct {
	Connected bool   `json:"connected"`
	ClientID  string `json:"client_id,omitempty"`
	Active    int    `json:"active_prompts"`
}

// APIJob represents a job in JSON API response
type APIJob struct {
	ID            string     `json:"id"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Status        string     `json:"status"`
	BatchSize     int        `json:"batch_size"`
	DisplayTarget string     `json:"display_target,omitempty"`
	ArtifactPaths []string   `json:"artifact_paths,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
}

// APIJobResponse is the JSON response for a single job with its events
type APIJobResponse struct {
	Job    APIJob              `json:"job"`
	Events []persistence.Event `json:"events,omitempty"`
}

// APICancelResponse is the JSON response for a cancellation request
type APICancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	Detail    string `json:"detail"`
}

// toAPIJob converts store.Job to APIJob
func toAPIJob(job store.Job) APIJob {
	return APIJob{
		ID:            job.ID,
		CorrelationID: job.CorrelationID,
		Status:        string(job.Status),
		BatchSize:     job.BatchSize,
		DisplayTarget: job.DisplayTarget,
		ArtifactPaths: job.ArtifactPaths,
		CreatedAt:     job.CreatedAt,
		CompletedAt:   job.CompletedAt,
		CancelledAt:   job.CancelledAt,
	}
}

// handleStatus returns overall engine status - designed for CLI/jq consumption
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, completed, cancelled := s.store.Counts()
	resp := APIStatusResponse{
		Host:      s.hostname,
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Stats:     APIStats{Pending: pending, Completed: completed, Cancelled: cancelled},
		Timestamp: time.Now(),
	}
	if s.channel != nil {
		resp.Channel = APIChannel{
			Connected: s.channel.IsConnected(),
			ClientID:  s.channel.ClientID(),
			Active:    s.channel.ActiveCount(),
		}
	}
	if s.queue != nil {
		if running, queued, err := s.queue.QueueStatus(r.Context()); err != nil {
			log.Printf("[WARN] can't get backend queue status: %v", err)
		} else {
			resp.Queue = &APIQueue{Running: running, Queued: queued}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleJobs returns jobs filtered by the state query param, pending by default
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = string(store.StatusPending)
	}

	switch store.Status(state) {
	case store.StatusPending, store.StatusCompleted, store.StatusCancelled:
	default:
		s.writeJSONError(w, http.StatusBadRequest, "invalid state "+state)
		return
	}

	jobs := s.store.List(store.Status(state))
	resp := make([]APIJob, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, toAPIJob(job))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleJob returns a single job with its terminal events
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.writeJSONError(w, http.StatusBadRequest, "job ID required")
		return
	}

	job, found := s.store.Get(id)
	if !found {
		s.writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}

	resp := APIJobResponse{Job: toAPIJob(job)}
	if s.history != nil {
		events, err := s.history.ListEventsForJob(job.ID)
		if err != nil {
			log.Printf("[WARN] can't load events for job %s: %v", job.ID, err)
		} else {
			resp.Events = events
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleCancel requests cancellation of a job. The response carries the
// outcome detail either way: a failed cancel is a legitimate answer, not an
// http error.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.writeJSONError(w, http.StatusBadRequest, "job ID required")
		return
	}
	if s.canceller == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "cancellation not available")
		return
	}

	ok, detail := s.canceller.Cancel(r.Context(), id)
	s.writeJSON(w, http.StatusOK, APICancelResponse{Cancelled: ok, Detail: detail})
}

// handleHistory returns recent terminal events, newest first
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "history not available")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit "+v)
			return
		}
		limit = n
	}

	events, err := s.history.ListEvents(limit)
	if err != nil {
		log.Printf("[ERROR] failed to load history: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
