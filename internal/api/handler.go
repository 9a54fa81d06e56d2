// Package api serves the read-only session and insight API over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"devpulse/internal/analytics"
	"devpulse/internal/ingest"
	"devpulse/internal/session"
)

// MaxTrendWindows caps how many windows one trends request may span.
const MaxTrendWindows = 10000

// Service is the pull API the handler reads from.
type Service interface {
	ListOpenSessions() []session.Session
	ListSessions() []session.Session
	GetSession(ctx context.Context, id string) (session.Session, error)
	ScoreSession(ctx context.Context, id string) (analytics.Insight, error)
	GetInsights(w analytics.Window) analytics.Insight
	Trends(w analytics.Window, width time.Duration) iter.Seq[analytics.WindowSummary]
}

// SessionSummary is one row of the session list.
type SessionSummary struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id,omitempty"`
	Outcome        session.Outcome `json:"outcome"`
	StartedAt      time.Time       `json:"started_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	CostUSD        decimal.Decimal `json:"cost_usd"`
	TotalTokens    int64           `json:"total_tokens"`
	Interactions   int             `json:"interactions"`
	Accepted       int64           `json:"accepted_decisions"`
	Rejected       int64           `json:"rejected_decisions"`
	DroppedEvents  int64           `json:"dropped_events,omitempty"`
}

// Summarize converts a session into its list row.
func Summarize(s session.Session) SessionSummary {
	return SessionSummary{
		ID:             s.ID,
		UserID:         s.UserID,
		Outcome:        s.Outcome,
		StartedAt:      s.StartedAt,
		LastActivityAt: s.LastActivityAt,
		EndedAt:        s.EndedAt,
		CostUSD:        s.Totals.Cost,
		TotalTokens:    s.Totals.Tokens.Total(),
		Interactions:   len(s.Interactions),
		Accepted:       s.Totals.Accepted,
		Rejected:       s.Totals.Rejected,
		DroppedEvents:  s.DroppedEvents,
	}
}

// TrendsResponse wraps the trend windows.
type TrendsResponse struct {
	Window  analytics.Window          `json:"range"`
	Width   string                    `json:"window"`
	Windows []analytics.WindowSummary `json:"windows"`
}

// Handler serves the pull API endpoints.
type Handler struct {
	svc Service
	now func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc, now: time.Now}
}

// Register mounts the API routes on the given mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/sessions", h.handleSessions)
	mux.HandleFunc("/api/sessions/", h.handleSession)
	mux.HandleFunc("/api/insights", h.handleInsights)
	mux.HandleFunc("/api/trends", h.handleTrends)
	mux.HandleFunc("/healthz", h.handleHealth)
}

// handleSessions lists sessions. GET /api/sessions?state=open|all&range=7d
func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	var sessions []session.Session
	switch q.Get("state") {
	case "", "open":
		sessions = h.svc.ListOpenSessions()
	case "all":
		sessions = h.svc.ListSessions()
	default:
		writeError(w, http.StatusBadRequest, "state must be open or all")
		return
	}

	var since time.Time
	if rng := q.Get("range"); rng != "" {
		since = h.now().Add(-parseRange(rng, 7*24*time.Hour))
	}
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		if !since.IsZero() && s.StartedAt.Before(since) {
			continue
		}
		out = append(out, Summarize(s))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	writeJSON(w, out)
}

// handleSession returns one session. GET /api/sessions/{id} and
// GET /api/sessions/{id}/insight
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	insight := false
	if rest, ok := strings.CutSuffix(id, "/insight"); ok {
		id, insight = rest, true
	}
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}

	if insight {
		in, err := h.svc.ScoreSession(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, in)
		return
	}

	s, err := h.svc.GetSession(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, s)
}

// handleInsights returns the report for a range. GET /api/insights?range=7d
func (h *Handler) handleInsights(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	now := h.now()
	win := analytics.Window{
		Start: now.Add(-parseRange(r.URL.Query().Get("range"), 7*24*time.Hour)),
		End:   now.Add(time.Nanosecond),
	}
	writeJSON(w, h.svc.GetInsights(win))
}

// handleTrends returns windowed summaries. GET /api/trends?range=30d&window=24h
func (h *Handler) handleTrends(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	now := h.now()
	rng := parseRange(q.Get("range"), 30*24*time.Hour)
	win := analytics.Window{
		Start: now.Add(-rng),
		End:   now.Add(time.Nanosecond),
	}
	width := parseRange(q.Get("window"), 24*time.Hour)
	if width < analytics.MinTrendWidth {
		writeError(w, http.StatusBadRequest, "window must be at least "+analytics.MinTrendWidth.String())
		return
	}
	if rng/width > MaxTrendWindows {
		writeError(w, http.StatusBadRequest, "range/window exceeds "+strconv.Itoa(MaxTrendWindows)+" windows")
		return
	}

	resp := TrendsResponse{Window: win, Width: width.String(), Windows: []analytics.WindowSummary{}}
	for ws := range h.svc.Trends(win, width) {
		resp.Windows = append(resp.Windows, ws)
	}
	writeJSON(w, resp)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// parseRange converts a range string like "7d", "24h", "2w" or any Go
// duration into a duration. Returns def if unparseable or not positive.
func parseRange(rangeStr string, def time.Duration) time.Duration {
	rangeStr = strings.TrimSpace(rangeStr)
	if len(rangeStr) < 2 {
		return def
	}

	unit := rangeStr[len(rangeStr)-1]
	if unit == 'd' || unit == 'w' {
		val, err := strconv.Atoi(rangeStr[:len(rangeStr)-1])
		if err != nil || val <= 0 {
			return def
		}
		days := val
		if unit == 'w' {
			days *= 7
		}
		return time.Duration(days) * 24 * time.Hour
	}

	d, err := time.ParseDuration(rangeStr)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, ingest.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var cerr *analytics.ComputationError
	if errors.As(err, &cerr) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
