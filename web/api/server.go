package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/catalog"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/driver"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/observer"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/orchestrator"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/runstore"
)

// History is the run history the API reads finished runs from
type History interface {
	ListRuns(opts runstore.ListOptions) ([]*domain.Run, error)
	GetRun(id string) (*domain.Run, error)
	LatestSuccess(platformID string) (*domain.Run, error)
}

// Deps are the components the API serves
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Catalog      *catalog.Catalog
	// History is optional; without it only in-memory runs are served
	History  History
	Observer *observer.Observer
	// Bridge is optional; without it /api/surface is not served
	Bridge *SurfaceBridge
	// Drivers is optional; when set /api/status lists the bound drivers
	Drivers *driver.Registry
}

// Server is the local HTTP API server
type Server struct {
	orch     *orchestrator.Orchestrator
	catalog  *catalog.Catalog
	history  History
	observer *observer.Observer
	bridge   *SurfaceBridge
	drivers  *driver.Registry
	addr     string
	mux      *http.ServeMux
	sseHub   *SSEHub
	logger   *slog.Logger
	server   *http.Server

	// ExportTimeout bounds a blocking /api/export call
	ExportTimeout time.Duration
}

// NewServer creates a new API server
func NewServer(deps Deps, addr string) *Server {
	s := &Server{
		orch:          deps.Orchestrator,
		catalog:       deps.Catalog,
		history:       deps.History,
		observer:      deps.Observer,
		bridge:        deps.Bridge,
		drivers:       deps.Drivers,
		addr:          addr,
		mux:           http.NewServeMux(),
		sseHub:        NewSSEHub(),
		logger:        slog.Default(),
		ExportTimeout: 30 * time.Minute,
	}
	s.setupRoutes()
	return s
}

// SetLogger sets the logger
func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger
	if s.bridge != nil {
		s.bridge.SetLogger(logger)
	}
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/health", s.healthHandler())
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/platforms", s.listPlatformsHandler())

	s.mux.HandleFunc("GET /api/runs", s.listRunsHandler())
	s.mux.HandleFunc("POST /api/runs", s.startRunHandler())
	s.mux.HandleFunc("POST /api/runs/stop-all", s.stopAllHandler())
	s.mux.HandleFunc("GET /api/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRunHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/stop", s.stopRunHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/signed-in", s.signedInHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/foreground", s.foregroundHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/download", s.downloadHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/secret", s.secretHandler())
	s.mux.HandleFunc("GET /api/secrets", s.listSecretsHandler())

	s.mux.HandleFunc("POST /api/get", s.getDataHandler())
	s.mux.HandleFunc("POST /api/export", s.exportHandler())

	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	if s.bridge != nil {
		s.mux.HandleFunc("GET /api/surface", s.bridge.HandleWebSocket)
	}
}

// Handler returns the API's HTTP handler
func (s *Server) Handler() http.Handler {
	return withCORS(s.mux)
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run(ctx)
	if s.bridge != nil {
		go s.bridge.heartbeatLoop(ctx)
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

// Hub returns the SSE hub, for subscribing it to the run registry
func (s *Server) Hub() *SSEHub {
	return s.sseHub
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, map[string]interface{}{"success": false, "error": message})
}

// writeDomainError maps engine errors onto HTTP status codes
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownRun),
		errors.Is(err, domain.ErrUnknownPlatform),
		errors.Is(err, runstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRunConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNoDriver):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}
