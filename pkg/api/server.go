package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aurora-admin/aurora/pkg/files"
	"github.com/aurora-admin/aurora/pkg/log"
	"github.com/aurora-admin/aurora/pkg/metrics"
	"github.com/aurora-admin/aurora/pkg/queue"
	"github.com/aurora-admin/aurora/pkg/reconciler"
	"github.com/aurora-admin/aurora/pkg/storage"
	"github.com/aurora-admin/aurora/pkg/stream"
)

// InventoryRefresher regenerates the host inventory after a server
// table change. Satisfied by the reconciler.
type InventoryRefresher interface {
	RefreshInventory() error
}

// Config wires a Server
type Config struct {
	Store     storage.Store
	Queue     *queue.Queue
	Bus       *stream.Bus
	Files     *files.Store
	Artifacts *reconciler.Artifacts
	Inventory InventoryRefresher

	// SecretKey enables bearer authorization on the API routes when
	// non-empty.
	SecretKey string

	ListenAddr string
	OpsAddr    string
	Version    string
}

// Server is the HTTP boundary of the control plane: the operator API on
// the main listener, health and metrics on the ops listener. Handlers
// validate, write rows and enqueue jobs; they never touch a remote host
// themselves.
type Server struct {
	store storage.Store
	queue *queue.Queue
	bus   *stream.Bus
	files *files.Store
	arts  *reconciler.Artifacts
	inv   InventoryRefresher

	secret  string
	version string

	api *http.Server
	ops *http.Server

	logger zerolog.Logger
}

// NewServer builds the routing tables for both listeners
func NewServer(cfg Config) *Server {
	s := &Server{
		store:   cfg.Store,
		queue:   cfg.Queue,
		bus:     cfg.Bus,
		files:   cfg.Files,
		arts:    cfg.Artifacts,
		inv:     cfg.Inventory,
		secret:  cfg.SecretKey,
		version: cfg.Version,
		logger:  log.WithComponent("api"),
	}

	router := httprouter.New()

	// Servers
	router.POST("/api/v1/servers", s.createServer)
	router.GET("/api/v1/servers", s.listServers)
	router.GET("/api/v1/servers/:id", s.getServer)
	router.PUT("/api/v1/servers/:id", s.updateServer)
	router.DELETE("/api/v1/servers/:id", s.deleteServer)
	router.POST("/api/v1/servers/:id/connect", s.connectServer)
	router.GET("/api/v1/servers/:id/usage", s.listUsage)
	router.GET("/api/v1/servers/:id/artifacts/:ident", s.getArtifact)
	router.POST("/api/v1/servers/:id/users", s.putServerUser)
	router.GET("/api/v1/servers/:id/users", s.listServerUsers)

	// Ports
	router.POST("/api/v1/servers/:id/ports", s.createPort)
	router.GET("/api/v1/servers/:id/ports", s.listPorts)
	router.GET("/api/v1/servers/:id/ports/:port_id", s.getPort)
	router.PUT("/api/v1/servers/:id/ports/:port_id", s.updatePort)
	router.DELETE("/api/v1/servers/:id/ports/:port_id", s.deletePort)
	router.POST("/api/v1/servers/:id/ports/:port_id/usage/reset", s.resetUsage)
	router.POST("/api/v1/servers/:id/ports/:port_id/users", s.putPortUser)
	router.GET("/api/v1/servers/:id/ports/:port_id/users", s.listPortUsers)

	// Forward rules
	router.PUT("/api/v1/servers/:id/ports/:port_id/rule", s.putRule)
	router.DELETE("/api/v1/servers/:id/ports/:port_id/rule", s.deleteRule)

	// Jobs and their output streams
	router.GET("/api/v1/jobs/:id", s.getJob)
	router.GET("/api/v1/jobs/:id/stream", s.streamJob)
	router.GET("/api/v1/jobs/:id/events", s.jobEvents)
	router.POST("/api/v1/jobs/rule/:rule_id", s.runRule)

	// Files
	router.POST("/api/v1/files", s.uploadFile)
	router.GET("/api/v1/files", s.listFiles)

	// No write timeout on the main listener: job streams stay open for
	// as long as the subscription lasts.
	s.api = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.chain(router),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.Handle("/metrics", metrics.Handler())
	s.ops = &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the main API handler, middleware included. Tests
// mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	return s.api.Handler
}

// OpsHandler returns the ops-listener handler
func (s *Server) OpsHandler() http.Handler {
	return s.ops.Handler
}

// Run serves both listeners until ctx is cancelled or one of them
// fails.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().Str("addr", s.api.Addr).Msg("API listening")
		if err := s.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.logger.Info().Str("addr", s.ops.Addr).Msg("Ops listening")
		if err := s.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.ops.Shutdown(shutdown)
		return s.api.Shutdown(shutdown)
	})

	return g.Wait()
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status     string                             `json:"status"`
	Timestamp  time.Time                          `json:"timestamp"`
	Version    string                             `json:"version,omitempty"`
	Uptime     string                             `json:"uptime,omitempty"`
	Components map[string]metrics.ComponentHealth `json:"components,omitempty"`
}

// ReadyResponse is the /ready body
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is the liveness check: 200 while the process runs,
// "degraded" when a background loop has reported trouble
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "healthy"
	if ok, _ := metrics.Healthy(); !ok {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Version:    s.version,
		Uptime:     metrics.Uptime().String(),
		Components: metrics.Components(),
	})
}

// readyHandler checks the store and the queue before reporting ready
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if _, err := s.store.ListServers(); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "Storage not accessible"
	} else {
		checks["storage"] = "ok"
	}

	if _, _, _, err := s.queue.Depths(r.Context()); err != nil {
		checks["queue"] = fmt.Sprintf("error: %v", err)
		ready = false
		if message == "" {
			message = "Queue not accessible"
		}
	} else {
		checks["queue"] = "ok"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

// errorResponse is the uniform error body
type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// storeError maps storage failures onto status codes
func storeError(w http.ResponseWriter, err error) {
	switch {
	case storage.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case storage.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
