package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/catalog"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/observer"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/orchestrator"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/registry"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/runstore"
)

// RunResponse is the API response for a run
type RunResponse struct {
	ID          string   `json:"id"`
	PlatformID  string   `json:"platformId"`
	Company     string   `json:"company"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	StartDate   string   `json:"startDate"`
	EndDate     *string  `json:"endDate,omitempty"`
	Duration    string   `json:"duration"`
	IsConnected bool     `json:"isConnected"`
	IsUpdated   bool     `json:"isUpdated"`
	URL         string   `json:"url,omitempty"`
	ExportPath  string   `json:"exportPath,omitempty"`
	ExportSize  int64    `json:"exportSize,omitempty"`
	Logs        []string `json:"logs"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Pending   int                          `json:"pending"`
	Running   int                          `json:"running"`
	Success   int                          `json:"success"`
	Error     int                          `json:"error"`
	Stopped   int                          `json:"stopped"`
	Stuck     []string                     `json:"stuck,omitempty"`
	Secrets   []orchestrator.SecretRequest `json:"secrets,omitempty"`
	Metrics   *observer.Metrics            `json:"metrics,omitempty"`
	Surface   bool                         `json:"surfaceConnected"`
	Listeners int                          `json:"listeners"`
	Drivers   []string                     `json:"drivers,omitempty"`
	Host      string                       `json:"surfaceHost,omitempty"`
}

// StartRunRequest starts a run for a catalog platform
type StartRunRequest struct {
	PlatformID string `json:"platformId"`
	IsUpdated  bool   `json:"isUpdated"`
}

func runToResponse(r *domain.Run) RunResponse {
	resp := RunResponse{
		ID:          r.ID,
		PlatformID:  r.PlatformID,
		Company:     r.Company,
		Name:        r.ProductName,
		Status:      string(r.Status),
		StartDate:   r.StartDate.Format(time.RFC3339),
		IsConnected: r.IsConnected,
		IsUpdated:   r.IsUpdated,
		URL:         r.URL,
		ExportPath:  r.ExportPath,
		ExportSize:  r.ExportSize,
		Logs:        r.Logs,
	}
	if r.EndDate != nil {
		t := r.EndDate.Format(time.RFC3339)
		resp.EndDate = &t
	}
	if resp.Logs == nil {
		resp.Logs = []string{}
	}
	resp.Duration = r.Duration().Round(time.Second).String()
	return resp
}

func (s *Server) runResponses() []RunResponse {
	runs := s.orch.Registry().List(registry.Filter{})
	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, runToResponse(r))
	}
	return out
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg := s.orch.Registry()
		counts := reg.Counts()

		status := StatusResponse{
			Pending:   counts[domain.RunPending],
			Running:   counts[domain.RunRunning],
			Success:   counts[domain.RunSuccess],
			Error:     counts[domain.RunError],
			Stopped:   counts[domain.RunStopped],
			Secrets:   s.orch.PendingSecrets(),
			Listeners: s.sseHub.Clients(),
		}
		if s.drivers != nil {
			status.Drivers = s.drivers.Keys()
		}
		if s.observer != nil {
			m := s.observer.GetMetrics()
			status.Metrics = &m
			for _, run := range s.observer.Stuck(reg.Active()) {
				status.Stuck = append(status.Stuck, run.ID)
			}
		}
		if s.bridge != nil {
			status.Surface = s.bridge.Connected()
			status.Host = s.bridge.HostID()
		}
		writeJSON(w, status)
	}
}

func (s *Server) listPlatformsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platforms := []catalog.Platform{}
		if s.catalog != nil {
			platforms = s.catalog.List()
		}
		writeJSON(w, platforms)
	}
}

// listRunsHandler serves in-memory runs, or the stored history with
// ?history=true. ?platform= and ?status= filter both.
func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		platform := q.Get("platform")
		status := domain.RunStatus(q.Get("status"))
		if status != "" && !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+string(status))
			return
		}

		var runs []*domain.Run
		if q.Get("history") == "true" {
			if s.history == nil {
				writeError(w, http.StatusNotFound, "run history is not enabled")
				return
			}
			var err error
			runs, err = s.history.ListRuns(runstore.ListOptions{PlatformID: platform, Status: status})
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		} else {
			f := registry.Filter{PlatformID: platform}
			if status != "" {
				f.Statuses = []domain.RunStatus{status}
			}
			runs = s.orch.Registry().List(f)
		}

		resp := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			resp = append(resp, runToResponse(run))
		}
		writeJSON(w, resp)
	}
}

func (s *Server) startRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartRunRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		run, err := s.startRun(req)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, runToResponse(run))
	}
}

func (s *Server) startRun(req StartRunRequest) (*domain.Run, error) {
	if s.catalog == nil {
		return nil, errors.New("no platform catalog loaded")
	}
	p, err := s.catalog.Get(req.PlatformID)
	if err != nil {
		return nil, err
	}
	return s.orch.StartRun(p.ID, p.Company, p.Name, req.IsUpdated)
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		run, err := s.orch.Registry().Get(id)
		if errors.Is(err, domain.ErrUnknownRun) && s.history != nil {
			run, err = s.history.GetRun(id)
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, runToResponse(run))
	}
}

func (s *Server) stopRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.orch.StopRun(r.PathValue("id")); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "stopped"})
	}
}

func (s *Server) stopAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := s.orch.StopAll()
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, map[string]interface{}{"stopped": ids})
	}
}

func (s *Server) deleteRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.orch.DeleteRun(r.PathValue("id")); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) signedInHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.orch.SignedIn(r.PathValue("id")); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func (s *Server) foregroundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.orch.SetForeground(r.PathValue("id")); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]string{"foreground": s.orch.Foreground()})
	}
}

func (s *Server) downloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Path string `json:"path"`
		}
		if err := decodeBody(w, r, &req); err != nil || req.Path == "" {
			writeError(w, http.StatusBadRequest, "path is required")
			return
		}
		id := r.PathValue("id")
		if err := s.orch.CompleteDownload(id, req.Path); err != nil {
			writeDomainError(w, err)
			return
		}
		run, err := s.orch.Registry().Get(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, runToResponse(run))
	}
}

func (s *Server) secretHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Secret string `json:"secret"`
			Cancel bool   `json:"cancel"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		id := r.PathValue("id")
		if _, waiting := s.orch.PendingSecret(id); !waiting {
			if _, err := s.orch.Registry().Get(id); err != nil {
				writeDomainError(w, err)
				return
			}
			writeError(w, http.StatusConflict, "run is not waiting for a secret")
			return
		}

		var err error
		if req.Cancel {
			err = s.orch.CancelSecret(id)
		} else {
			err = s.orch.ProvideSecret(id, req.Secret)
		}
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func (s *Server) listSecretsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending := s.orch.PendingSecrets()
		if pending == nil {
			pending = []orchestrator.SecretRequest{}
		}
		writeJSON(w, pending)
	}
}
