// Package web implements the HTTP API for the queue. Read endpoints expose
// queue state, POST submits new jobs, all JSON.
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

	"github.com/umputun/jobq/app/store"
)

// Store provides queue access for API handlers
type Store interface {
	Submit(ctx context.Context) (int, error)
	Load(ctx context.Context) ([]store.Job, error)
	Get(ctx context.Context, id int) (store.Job, error)
}

// Server represents the API server
type Server struct {
	store        Store
	version      string
	passwordHash string // bcrypt hash for basic auth, empty disables auth
	submitLimit  float64
}

// Config holds server configuration
type Config struct {
	Store        Store
	Version      string
	PasswordHash string
	SubmitLimit  float64 // requests per second for POST /jobs, 0 applies the default of 10
}

// New creates the API server
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("web server initialization failed: store is required")
	}
	if cfg.SubmitLimit <= 0 {
		cfg.SubmitLimit = 10
	}
	return &Server{store: cfg.Store, version: cfg.Version, passwordHash: cfg.PasswordHash,
		submitLimit: cfg.SubmitLimit}, nil
}

// Run starts the web server and blocks until the context is canceled
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
		rest.AppInfo("jobq", "umputun", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(64*1024), // 64KB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	// ping stays open, everything after this requires auth when enabled
	if s.passwordHash != "" {
		log.Printf("[INFO] authentication enabled for API")
		router.Use(s.authMiddleware)
	}

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /status", s.handleStatus)
		api.HandleFunc("GET /jobs/{id}", s.handleGetJob)
		// submit is rate-limited to protect the queue backend from runaway producers
		api.With(tollbooth.HTTPMiddleware(tollbooth.NewLimiter(s.submitLimit, nil))).
			HandleFunc("POST /jobs", s.handleSubmitJob)
	})

	return router
}
