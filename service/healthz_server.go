package service

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/cors"
)

// HealthStatus is the healthz response body.
type HealthStatus struct {
	Status   string `json:"status"`
	LiveRuns int    `json:"live_runs"`
}

// LiveRunsFunc reports how many runs are currently executing.
type LiveRunsFunc func() int

type HealthzServer struct {
	ctx      context.Context
	server   *http.Server
	liveRuns LiveRunsFunc
}

func (h *HealthzServer) Start(ctx context.Context, addr string) error {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	server := &http.Server{
		Handler: c.Handler(hdlr),
		Addr:    addr,
	}
	h.server = server
	h.ctx = ctx
	return h.server.ListenAndServe()
}

func (h *HealthzServer) Shutdown() error {
	return h.server.Shutdown(h.ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Status: "ok"}
	if h.liveRuns != nil {
		status.LiveRuns = h.liveRuns()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
