package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/flywheeldev/flywheel/internal/buildinfo"
	"github.com/flywheeldev/flywheel/internal/events"
	"github.com/flywheeldev/flywheel/internal/reboot"
	"github.com/flywheeldev/flywheel/internal/runner"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handleRoot serves a small unauthenticated service descriptor so
// discovery clients can confirm what they found.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "flywheel",
		"version": buildinfo.Current().Version,
		"endpoints": []string{
			"/api/status", "/api/runs", "/api/history", "/api/events", "/ws",
		},
	})
}

type statusResponse struct {
	Run  runner.Snapshot `json:"run"`
	Live bool            `json:"live"`
}

// handleStatus reports the live run when one is attached, otherwise the
// requested or most recent stored run.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	requested := r.URL.Query().Get("run_id")

	if s.runner != nil && (requested == "" || requested == s.runner.RunID()) {
		writeJSON(w, http.StatusOK, statusResponse{Run: s.runner.Snapshot(), Live: true})
		return
	}

	if s.store == nil {
		writeError(w, http.StatusNotFound, "no live run")
		return
	}

	runID, ok := s.resolveRunID(w, r, requested)
	if !ok {
		return
	}
	snap, err := s.store.LoadSnapshot(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "unknown run "+runID)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Run: *snap})
}

type runsResponse struct {
	Runs []runner.Snapshot `json:"runs"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, runsResponse{Runs: []runner.Snapshot{}})
		return
	}
	runs, err := s.store.ListRuns(r.Context(), queryLimit(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []runner.Snapshot{}
	}
	writeJSON(w, http.StatusOK, runsResponse{Runs: runs})
}

type historyResponse struct {
	RunID   string          `json:"run_id"`
	Reboots []reboot.Result `json:"reboots"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "no store configured")
		return
	}
	runID, ok := s.resolveRunID(w, r, r.URL.Query().Get("run_id"))
	if !ok {
		return
	}
	reboots, err := s.store.RecentReboots(r.Context(), runID, queryLimit(r, 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reboots == nil {
		reboots = []reboot.Result{}
	}
	writeJSON(w, http.StatusOK, historyResponse{RunID: runID, Reboots: reboots})
}

type eventsResponse struct {
	RunID  string         `json:"run_id"`
	Events []events.Event `json:"events"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "no store configured")
		return
	}
	runID, ok := s.resolveRunID(w, r, r.URL.Query().Get("run_id"))
	if !ok {
		return
	}
	evs, err := s.store.RecentEvents(r.Context(), runID, queryLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{RunID: runID, Events: evs})
}

// resolveRunID picks the run a request refers to: the explicit
// ?run_id=, else the live run, else the most recent stored run. When
// nothing resolves it writes a 404 and reports false.
func (s *Server) resolveRunID(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	if requested != "" {
		return requested, true
	}
	if s.runner != nil {
		return s.runner.RunID(), true
	}
	if s.store != nil {
		runs, err := s.store.ListRuns(r.Context(), 1)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return "", false
		}
		if len(runs) > 0 {
			return runs[0].RunID, true
		}
	}
	writeError(w, http.StatusNotFound, "no runs recorded")
	return "", false
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
