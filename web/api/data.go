package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/export"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/registry"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/runstore"
)

// DataRequest names the platform whose exported data is wanted
type DataRequest struct {
	PlatformID string `json:"platformId"`
}

// DataResponse carries a platform's exported JSON document
type DataResponse struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	ExportPath string          `json:"exportPath,omitempty"`
	ExportSize int64           `json:"exportSize,omitempty"`
}

var errNoExport = errors.New("no successful runs found for this platform, please export data first")

// getDataHandler returns the data of the latest successful run
func (s *Server) getDataHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DataRequest
		if err := decodeBody(w, r, &req); err != nil || req.PlatformID == "" {
			writeError(w, http.StatusBadRequest, "platformId is required")
			return
		}

		run, err := s.latestSuccess(req.PlatformID)
		if err != nil {
			if errors.Is(err, errNoExport) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		data, _, err := readExportJSON(run.ExportPath)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, DataResponse{Success: true, Data: data})
	}
}

// exportHandler starts a run and blocks until it finishes, then returns its data
func (s *Server) exportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DataRequest
		if err := decodeBody(w, r, &req); err != nil || req.PlatformID == "" {
			writeError(w, http.StatusBadRequest, "platformId is required")
			return
		}

		run, err := s.startRun(StartRunRequest{PlatformID: req.PlatformID})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		s.logger.Info("export requested", "platform", req.PlatformID, "run_id", run.ID)

		ctx, cancel := context.WithTimeout(r.Context(), s.ExportTimeout)
		defer cancel()
		final, err := s.awaitTerminal(ctx, run.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if final.Status != domain.RunSuccess {
			msg := strings.TrimPrefix(final.LastLog(), "Error: ")
			if msg == "" {
				msg = "export " + string(final.Status)
			}
			writeError(w, http.StatusInternalServerError, msg)
			return
		}

		data, dir, err := readExportJSON(final.ExportPath)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		size, err := export.FolderSize(dir)
		if err != nil {
			s.logger.Warn("measuring export", "path", dir, "error", err)
		}
		writeJSON(w, DataResponse{Success: true, Data: data, ExportPath: dir, ExportSize: size})
	}
}

// awaitTerminal blocks until run id reaches a terminal status or ctx is done
func (s *Server) awaitTerminal(ctx context.Context, id string) (*domain.Run, error) {
	reg := s.orch.Registry()
	finished := make(chan *domain.Run, 1)
	gone := make(chan struct{}, 1)
	unsubscribe := reg.Subscribe(registry.ObserverFunc(func(ev registry.Event) {
		if ev.Run == nil || ev.Run.ID != id {
			return
		}
		switch {
		case ev.Type == registry.EventDeleted:
			select {
			case gone <- struct{}{}:
			default:
			}
		case ev.Type == registry.EventStatus && ev.Run.Status.IsTerminal():
			select {
			case finished <- ev.Run:
			default:
			}
		}
	}))
	defer unsubscribe()

	// the run may have finished before the subscription
	run, err := reg.Get(id)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for run %s: %w", id, ctx.Err())
	case <-gone:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownRun, id)
	case run := <-finished:
		return run, nil
	}
}

// latestSuccess prefers the stored history and falls back to in-memory runs
func (s *Server) latestSuccess(platformID string) (*domain.Run, error) {
	if s.history != nil {
		run, err := s.history.LatestSuccess(platformID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, runstore.ErrNotFound) {
			return nil, err
		}
	}

	runs := s.orch.Registry().List(registry.Filter{
		PlatformID: platformID,
		Statuses:   []domain.RunStatus{domain.RunSuccess},
	})
	if len(runs) == 0 {
		return nil, errNoExport
	}
	sort.Slice(runs, func(i, j int) bool {
		return finishedAt(runs[i]).After(finishedAt(runs[j]))
	})
	return runs[0], nil
}

func finishedAt(r *domain.Run) time.Time {
	if r.EndDate != nil {
		return *r.EndDate
	}
	return r.StartDate
}

// readExportJSON reads the first .json file of an export directory
func readExportJSON(dir string) (json.RawMessage, string, error) {
	if dir == "" {
		return nil, "", errors.New("export path not found")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", fmt.Errorf("export path not found: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", err
		}
		if !json.Valid(data) {
			return nil, "", fmt.Errorf("%s is not valid JSON", e.Name())
		}
		return json.RawMessage(data), dir, nil
	}
	return nil, "", errors.New("no JSON file found in export path")
}
