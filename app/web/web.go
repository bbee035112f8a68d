// Package web implements the JSON status API for the reconciliation engine
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/genwatch/genwatch/app/store"
	"github.com/genwatch/genwatch/app/web/persistence"
)

// Server represents the web server
type Server struct {
	store        JobStore
	history      History
	canceller    Canceller
	channel      ChannelInfo
	queue        Queue
	hostname     string
	version      string
	passwordHash string // bcrypt hash for basic auth, empty to disable
	startTime    time.Time
}

// JobStore defines registry read operations used by the api
type JobStore interface {
	List(status store.Status) []store.Job
	Get(id string) (store.Job, bool)
	Counts() (pending, completed, cancelled int)
}

// History defines terminal event read operations used by the api
type History interface {
	ListEvents(limit int) ([]persistence.Event, error)
	ListEventsForJob(jobID string) ([]persistence.Event, error)
}

// Canceller stops tracking a job, returning success and a detail string
type Canceller interface {
	Cancel(ctx context.Context, id string) (ok bool, detail string)
}

// ChannelInfo exposes the streaming connection state
type ChannelInfo interface {
	IsConnected() bool
	ClientID() string
	ActiveCount() int
}

// Queue exposes the backend queue depth
type Queue interface {
	QueueStatus(ctx context.Context) (running, queued int, err error)
}

// Config holds server configuration
type Config struct {
	Store        JobStore
	History      History
	Canceller    Canceller
	Channel      ChannelInfo
	Queue        Queue
	Hostname     string
	Version      string
	PasswordHash string // bcrypt hash for basic auth (empty to disable)
}

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("web server initialization failed: Store is required")
	}
	return &Server{
		store:        cfg.Store,
		history:      cfg.History,
		canceller:    cfg.Canceller,
		channel:      cfg.Channel,
		queue:        cfg.Queue,
		hostname:     cfg.Hostname,
		version:      cfg.Version,
		passwordHash: cfg.PasswordHash,
		startTime:    time.Now(),
	}, nil
}

// Run starts the web server, blocking until ctx cancellation
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("genwatch", "genwatch", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(64*1024), // 64KB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.passwordHash != "" {
		log.Printf("[INFO] authentication enabled for api")
		router.Use(s.authMiddleware)
	}

	// cancellations are user actions, rate-limited harder than reads
	cancelLimiter := tollbooth.NewLimiter(1, nil)

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /status", s.handleStatus)
		api.HandleFunc("GET /jobs", s.handleJobs)
		api.HandleFunc("GET /jobs/{id}", s.handleJob)
		api.With(tollbooth.HTTPMiddleware(cancelLimiter)).HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
		api.HandleFunc("GET /history", s.handleHistory)
		api.HandleFunc("GET /system", s.handleSystem)
	})

	return router
}
