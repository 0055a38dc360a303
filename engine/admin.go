package engine

import (
	"encoding/json"
	"net/http"

	"github.com/lodgic/graphsync/graph"
	"github.com/lodgic/graphsync/tracker"
)

// healthResponse is the /healthz payload
type healthResponse struct {
	Status    string                           `json:"status"`
	Consuming bool                             `json:"consuming"`
	Slices    map[graph.EntityType]sliceHealth `json:"slices"`
}

type sliceHealth struct {
	Status      tracker.Status `json:"status"`
	LagSeconds  float64        `json:"lagSeconds"`
	DeadLetters uint64         `json:"deadLetters"`
}

func (e *Engine) adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", e.handleHealthz)
	mux.Handle("/metrics", e.metrics.Handler())
	return mux
}

func (e *Engine) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	overview := e.progress.Overview()
	consuming := e.pipeline.Healthy()

	resp := healthResponse{
		Status:    "ok",
		Consuming: consuming,
		Slices:    make(map[graph.EntityType]sliceHealth, len(overview)),
	}
	for entityType, health := range overview {
		resp.Slices[entityType] = sliceHealth{
			Status:      health.Status,
			LagSeconds:  health.LagSeconds,
			DeadLetters: health.DeadLetterCount,
		}
		if health.Status == tracker.StatusStalled {
			resp.Status = "stalled"
		}
	}
	if !consuming {
		resp.Status = "not consuming"
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		e.logger.Warn("health response encode failed", "error", err)
	}
}
