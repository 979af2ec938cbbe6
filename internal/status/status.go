// Package status serves the ingester's operator HTTP API: a liveness probe
// plus read-only run statistics and recent per-file history. It includes a
// chi router and optional JWT authentication for the /api routes.
//
// Route layout:
//
//	GET /healthz            – liveness probe (no authentication required)
//	GET /api/v1/stats       – run counters and stream-cache gauges
//	GET /api/v1/files       – recent catalog rows (?limit=N, default 50)
package status

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shardvault/ingestor/internal/catalog"
	"github.com/shardvault/ingestor/internal/ingest"
)

// maxFilesLimit caps the /api/v1/files page size.
const maxFilesLimit = 500

// Server exposes a running ingestion's state. Snapshot and State are
// closures into the orchestrator so the server holds no mutable state of
// its own; Catalog may be nil when the run catalog is disabled.
type Server struct {
	RunID    string
	Snapshot func() ingest.Snapshot
	State    func() ingest.RunState
	Catalog  *catalog.Catalog
}

// Routes assembles the server's chi router. A non-nil verifier puts the
// /api routes behind Bearer-token auth; /healthz always stays open so
// supervisors can probe a locked-down instance.
func (s *Server) Routes(verifier *Verifier) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api/v1", func(api chi.Router) {
		if verifier != nil {
			api.Use(verifier.Middleware)
		}
		api.Get("/stats", s.handleStats)
		api.Get("/files", s.handleFiles)
	})

	return r
}

// handleHealthz reports liveness and the orchestrator state.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"run_id": s.RunID,
		"state":  s.State().String(),
	})
}

// handleStats returns the metrics snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": s.RunID,
		"state":  s.State().String(),
		"stats":  snap,
	})
}

// fileRow is the wire shape of one catalog row.
type fileRow struct {
	RunID      string `json:"run_id"`
	Path       string `json:"path"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	Accepted   int64  `json:"accepted"`
	Skipped    int64  `json:"skipped"`
	DurationMS int64  `json:"duration_ms"`
	FinishedAt string `json:"finished_at"`
}

// handleFiles returns the most recent catalog rows, newest first.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if s.Catalog == nil {
		writeError(w, http.StatusNotFound, "run catalog is disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxFilesLimit {
		limit = maxFilesLimit
	}

	results, err := s.Catalog.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "catalog query failed")
		return
	}

	rows := make([]fileRow, 0, len(results))
	for _, res := range results {
		rows = append(rows, fileRow{
			RunID:    res.RunID,
			Path:     res.Path,
			Outcome:  string(res.Outcome),
			Error:    res.Error,
			Accepted: res.Accepted,
			Skipped: res.SkippedEmpty + res.SkippedFieldCount +
				res.SkippedNoEmail + res.SkippedOversize,
			DurationMS: res.Duration.Milliseconds(),
			FinishedAt: res.FinishedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"files": rows})
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response: {"error": "<message>"}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
