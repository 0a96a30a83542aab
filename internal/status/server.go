// Package status serves a small read-mostly HTTP API for local operators.
package status

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/user/reportd/internal/session"
	"github.com/user/reportd/internal/types"
)

// SessionInfo reports the state of the core server connection.
type SessionInfo interface {
	Info() session.Info
}

// QueueStats reports the execution queue load.
type QueueStats interface {
	Active() int64
	Pending() int64
}

// Catalog lists and reloads deployed reports.
type Catalog interface {
	Definitions() []types.ReportDefinition
	Rescan() (int, error)
}

// Server is the HTTP handler for the status endpoints.
type Server struct {
	session SessionInfo
	queue   QueueStats
	catalog Catalog
	db      types.Persistence
	started time.Time
	mux     *http.ServeMux
}

// NewServer creates a status Server. db may be nil, which disables the
// results endpoint.
func NewServer(sess SessionInfo, queue QueueStats, catalog Catalog, db types.Persistence) *Server {
	s := &Server{
		session: sess,
		queue:   queue,
		catalog: catalog,
		db:      db,
		started: time.Now(),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/session", s.handleSession)
	s.mux.HandleFunc("GET /api/reports", s.handleReports)
	s.mux.HandleFunc("POST /api/reports/rescan", s.handleRescan)
	s.mux.HandleFunc("GET /api/reports/{id}/results", s.handleResults)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok", "uptime": time.Since(s.started).Truncate(time.Second).String()})
}

type sessionResponse struct {
	session.Info
	ActiveJobs  int64 `json:"active_jobs"`
	PendingJobs int64 `json:"pending_jobs"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{Info: s.session.Info()}
	if s.queue != nil {
		resp.ActiveJobs = s.queue.Active()
		resp.PendingJobs = s.queue.Pending()
	}
	writeJSON(w, resp)
}

type reportResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Parameters int    `json:"parameters"`
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	defs := s.catalog.Definitions()
	result := make([]reportResponse, 0, len(defs))
	for _, d := range defs {
		result = append(result, reportResponse{ID: d.ID.String(), Name: d.Name, Parameters: len(d.Parameters)})
	}
	writeJSON(w, result)
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	n, err := s.catalog.Rescan()
	if err != nil {
		slog.Error("rescan reports failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"reports": n})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, `{"error":"persistence not configured"}`, http.StatusServiceUnavailable)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid report id"}`, http.StatusBadRequest)
		return
	}
	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	list, err := s.db.ListAllResults(r.Context(), id)
	if err != nil {
		slog.Error("list results failed", "report_id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*types.ReportResult{}
	}
	if len(list) > limit {
		list = list[:limit]
	}
	writeJSON(w, list)
}
