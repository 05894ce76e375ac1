package audit

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradeup/trade-engine/internal/auth"
)

// StartRun handles POST /audit/run.
func (r *Runner) StartRun(w http.ResponseWriter, req *http.Request) {
	id := r.Start()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": StatusQueued})
}

// RunStatus handles GET /audit/status/{runID}.
func (r *Runner) RunStatus(w http.ResponseWriter, req *http.Request) {
	run := r.Get(chi.URLParam(req, "runID"))
	if run == nil {
		writeJSONError(w, "audit run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// OverrideRun handles POST /audit/override, admin-only.
func (r *Runner) OverrideRun(w http.ResponseWriter, req *http.Request) {
	var body struct {
		RunID  string `json:"runId"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.RunID == "" || body.Reason == "" {
		writeJSONError(w, "runId and reason are required", http.StatusBadRequest)
		return
	}

	run, err := r.ForceOverride(req.Context(), body.RunID, auth.UserID(req.Context()), body.Reason)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// RunReport handles GET /audit/report/{runID}, rendering a plain-text report.
func (r *Runner) RunReport(w http.ResponseWriter, req *http.Request) {
	report, ok := r.Report(chi.URLParam(req, "runID"))
	if !ok {
		writeJSONError(w, "audit run not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(report))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"message": message})
}
