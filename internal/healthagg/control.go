// SPDX-License-Identifier: MIT

package healthagg

import (
	"encoding/json"
	"net/http"
)

// PipelineStatus is one row of the list-pipelines CLI command's output.
type PipelineStatus struct {
	Channel  string `json:"channel"`
	State    string `json:"state"`
	Restarts int64  `json:"restarts"`
	Severity string `json:"severity"`
}

// ResetResult is the response body for every reset-* control endpoint.
type ResetResult struct {
	Channel string `json:"channel"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// registerControlRoutes adds the CLI boundary's reset and list-pipelines
// operations (spec §6) to the mux, alongside the health/metrics routes.
// These exist so cmd/guardian's non-"start" subcommands can reach a
// running daemon over the same HTTP listener used for health checks,
// the way the teacher's sibling tools drive a running device over its
// own control surface rather than reaching into process memory.
func (h *Handler) registerControlRoutes() {
	h.mux.HandleFunc("/control/pipelines", h.serveListPipelines)
	h.mux.HandleFunc("/control/reset-circuit-breaker", h.runReset(func(r *http.Request, channel string) (bool, error) {
		return h.agg.sup.ResetCircuitBreaker(r.Context(), channel)
	}))
	h.mux.HandleFunc("/control/reset-transport-fallback", h.runReset(func(r *http.Request, channel string) (bool, error) {
		return h.agg.sup.ResetTransportFallback(channel)
	}))
	h.mux.HandleFunc("/control/reset-channel-health", h.runReset(func(r *http.Request, channel string) (bool, error) {
		return h.agg.sup.ResetChannelHealth(channel)
	}))
}

func (h *Handler) serveListPipelines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	summaries := h.agg.sup.Pipelines()
	out := make([]PipelineStatus, 0, len(summaries))
	for _, p := range summaries {
		out = append(out, PipelineStatus{
			Channel: p.Channel.Canonical(), State: p.State,
			Restarts: p.Stats.Total, Severity: string(p.Stats.Severity.Level),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Handler) runReset(fn func(r *http.Request, channel string) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		channel := r.URL.Query().Get("channel")
		if channel == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ResetResult{Error: "missing required query parameter: channel"})
			return
		}
		applied, err := fn(r, channel)
		result := ResetResult{Channel: channel, Applied: applied}
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			result.Error = err.Error()
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(result)
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(result)
	}
}
