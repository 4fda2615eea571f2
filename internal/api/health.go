package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status             string `json:"status"`
	Sessions           int    `json:"sessions"`
	Clients            int    `json:"clients"`
	QueuedInteractions int    `json:"queuedInteractions"`
	ActiveTurns        int    `json:"activeTurns"`
	UptimeSeconds      int64  `json:"uptimeSeconds"`
	Database           string `json:"database,omitempty"`
}

// Health reports aggregate counters. It answers 503 when the transcript
// database is configured but unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()
	resp := HealthResponse{
		Status:             "ok",
		Sessions:           stats.Sessions,
		Clients:            stats.Clients,
		QueuedInteractions: h.queue.Len(),
		UptimeSeconds:      int64(time.Since(h.startedAt).Seconds()),
	}
	if h.turns != nil {
		resp.ActiveTurns = h.turns.ActiveTurns()
	}

	status := http.StatusOK
	if h.transcripts != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.transcripts.Ping(ctx); err != nil {
			slog.Warn("Health check: database unreachable", "error", err)
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}
	JSON(w, status, resp)
}

// Metrics returns a snapshot of the relay's OpenTelemetry instruments.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if !h.telemetry.Enabled() {
		Error(w, http.StatusNotFound, "metrics disabled")
		return
	}
	snapshot, err := h.telemetry.Snapshot(r.Context())
	if err != nil {
		slog.Error("Failed to collect metrics", "error", err)
		Error(w, http.StatusInternalServerError, "failed to collect metrics")
		return
	}
	JSON(w, http.StatusOK, snapshot)
}
