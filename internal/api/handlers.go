package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/rotasend/internal/dispatch"
	"github.com/foxzi/rotasend/internal/quota"
	"github.com/foxzi/rotasend/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version"`
	Uptime  string         `json:"uptime"`
	State   dispatch.State `json:"state"`
}

// ListSummary is a recipient list with its lock holder
type ListSummary struct {
	*store.List
	Remaining int         `json:"remaining"`
	Lock      *store.Lock `json:"lock,omitempty"`
}

// SessionsResponse is the response for GET /sessions
type SessionsResponse struct {
	Sessions []*store.Session `json:"sessions"`
}

// LogsResponse is the response for GET /sessions/{id}/logs
type LogsResponse struct {
	SessionID string            `json:"session_id"`
	Offset    int               `json:"offset"`
	Limit     int               `json:"limit"`
	Entries   []*store.LogEntry `json:"entries"`
}

// ProbesResponse is the response for GET /sessions/{id}/probes
type ProbesResponse struct {
	SessionID string              `json:"session_id"`
	Probes    []*store.ProbeEntry `json:"probes"`
}

// StatsResponse is the response for GET /stats
type StatsResponse struct {
	*store.Stats
	SuccessRate float64 `json:"success_rate"`
}

// QuotaResponse is the response for GET /quota
type QuotaResponse struct {
	Enabled bool          `json:"enabled"`
	Usage   []quota.Usage `json:"usage,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		State:   s.progress().State,
	})
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.progress())
}

func (s *Server) progress() dispatch.Progress {
	if s.status == nil {
		return dispatch.Progress{State: dispatch.StateIdle}
	}
	return s.status.Progress()
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	s.sendJSON(w, http.StatusOK, StatsResponse{Stats: stats, SuccessRate: stats.SuccessRate()})
}

// handleQuota handles GET /api/v1/quota?sender_domain=
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if s.quota == nil {
		s.sendJSON(w, http.StatusOK, QuotaResponse{})
		return
	}

	usage, err := s.quota.Usage(r.Context(), strings.ToLower(r.URL.Query().Get("sender_domain")))
	if err != nil {
		s.logger.Error("failed to get quota usage", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get quota usage")
		return
	}
	s.sendJSON(w, http.StatusOK, QuotaResponse{Enabled: true, Usage: usage})
}

// handleLists handles GET /api/v1/lists
func (s *Server) handleLists(w http.ResponseWriter, r *http.Request) {
	lists, err := s.store.Lists(r.Context())
	if err != nil {
		s.logger.Error("failed to list recipient lists", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list recipient lists")
		return
	}

	out := make([]ListSummary, 0, len(lists))
	for _, l := range lists {
		sum, err := s.summarize(r, l)
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, "Failed to read list lock")
			return
		}
		out = append(out, sum)
	}
	s.sendJSON(w, http.StatusOK, out)
}

// handleList handles GET /api/v1/lists/{ref}; ref is an id or a name
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	lr := store.ListRef{Name: ref}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		lr = store.ListRef{ID: id}
	}

	l, err := s.store.GetList(r.Context(), lr)
	if errors.Is(err, store.ErrNoListAvailable) {
		s.sendError(w, http.StatusNotFound, "List not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get list", "ref", ref, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get list")
		return
	}

	sum, err := s.summarize(r, l)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to read list lock")
		return
	}
	s.sendJSON(w, http.StatusOK, sum)
}

func (s *Server) summarize(r *http.Request, l *store.List) (ListSummary, error) {
	lock, err := s.store.GetLock(r.Context(), l.ID)
	if err != nil {
		s.logger.Error("failed to get list lock", "list_id", l.ID, "error", err)
		return ListSummary{}, err
	}
	return ListSummary{List: l, Remaining: l.Remaining(), Lock: lock}, nil
}

// handleSessions handles GET /api/v1/sessions?limit=
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := s.store.ListSessions(r.Context(), min(limit, maxLimit))
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	s.sendJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions})
}

// handleSession handles GET /api/v1/sessions/{id}
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, sess)
}

// handleSessionLogs handles GET /api/v1/sessions/{id}/logs?status=&limit=&offset=
func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := store.LogFilter{
		SessionID: sess.ID,
		Limit:     min(limit, maxLimit),
		Offset:    offset,
	}
	switch status := strings.ToUpper(r.URL.Query().Get("status")); status {
	case "":
	case string(store.LogSuccess), string(store.LogFailed):
		filter.Status = store.LogStatus(status)
	default:
		s.sendError(w, http.StatusBadRequest, "status must be SUCCESS or FAILED")
		return
	}

	entries, err := s.store.ListLogs(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list logs", "session_id", sess.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list logs")
		return
	}
	if entries == nil {
		entries = []*store.LogEntry{}
	}
	s.sendJSON(w, http.StatusOK, LogsResponse{
		SessionID: sess.ID,
		Offset:    filter.Offset,
		Limit:     filter.Limit,
		Entries:   entries,
	})
}

// handleSessionProbes handles GET /api/v1/sessions/{id}/probes
func (s *Server) handleSessionProbes(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	probes, err := s.store.ListProbes(r.Context(), sess.ID)
	if err != nil {
		s.logger.Error("failed to list probes", "session_id", sess.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list probes")
		return
	}
	if probes == nil {
		probes = []*store.ProbeEntry{}
	}
	s.sendJSON(w, http.StatusOK, ProbesResponse{SessionID: sess.ID, Probes: probes})
}

// lookupSession resolves {id} or writes an error response
func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to get session", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get session")
		return nil, false
	}
	return sess, true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
