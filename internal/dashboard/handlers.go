package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bc-dunia/lanwatch/internal/metrics"
)

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Agents        int                       `json:"agents"`
	Subscribers   int                       `json:"subscribers"`
	WSClients     int                       `json:"ws_clients"`
	UptimeSeconds float64                   `json:"uptime_seconds"`
	StaleAfterSec float64                   `json:"stale_after_sec"`
	Sessions      *metrics.StabilitySummary `json:"sessions,omitempty"`
}

// ErrorResponse is the body of every dashboard error.
type ErrorResponse struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

func (d *Dashboard) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d *Dashboard) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, snapshotViews(d.reg))
}

func (d *Dashboard) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, ok := d.reg.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "agent "+id+" is not connected")
		return
	}
	writeJSON(w, http.StatusOK, newAgentView(e, d.reg.Now()))
}

func (d *Dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Agents:        d.reg.Len(),
		Subscribers:   d.reg.SubscriberCount(),
		WSClients:     d.Clients(),
		UptimeSeconds: time.Since(d.started).Seconds(),
		StaleAfterSec: d.reg.StaleAfter().Seconds(),
	}
	if d.tracker != nil {
		// events=true includes the whole session history, events=N the last N.
		q := r.URL.Query().Get("events")
		summary := d.tracker.Summary(q == "true")
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			summary.Events = d.tracker.RecentEvents(n)
		}
		resp.Sessions = &summary
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, ErrorResponse{ErrorType: errType, ErrorMessage: msg})
}
