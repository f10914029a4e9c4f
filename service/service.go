// Package service hosts the operational sidecars: a healthz endpoint
// for liveness probes and the prometheus metrics endpoint.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
)

const (
	DefaultHealthzHost = "0.0.0.0"
	DefaultHealthzPort = "8080"

	DefaultMetricsHost = "0.0.0.0"
	DefaultMetricsPort = "7300"
)

// Config configures the sidecar servers. Zero values fall back to the
// package defaults.
type Config struct {
	HealthzHost string
	HealthzPort string
	MetricsHost string
	MetricsPort string
	// LiveRuns feeds the healthz payload. Optional.
	LiveRuns LiveRunsFunc
}

type Service struct {
	cfg     Config
	Healthz *HealthzServer
	Metrics *MetricsServer
}

func New(cfg Config) *Service {
	if cfg.HealthzHost == "" {
		cfg.HealthzHost = DefaultHealthzHost
	}
	if cfg.HealthzPort == "" {
		cfg.HealthzPort = DefaultHealthzPort
	}
	if cfg.MetricsHost == "" {
		cfg.MetricsHost = DefaultMetricsHost
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = DefaultMetricsPort
	}
	return &Service{
		cfg:     cfg,
		Healthz: &HealthzServer{liveRuns: cfg.LiveRuns},
		Metrics: &MetricsServer{},
	}
}

func (s *Service) Start(ctx context.Context) {
	log.Info("service starting")

	go func() {
		addr := net.JoinHostPort(s.cfg.HealthzHost, s.cfg.HealthzPort)
		log.Info("starting healthz server", "addr", addr)
		if err := s.Healthz.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("error starting healthz server", "err", err)
		}
	}()

	go func() {
		addr := net.JoinHostPort(s.cfg.MetricsHost, s.cfg.MetricsPort)
		log.Info("starting metrics server", "addr", addr)
		if err := s.Metrics.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("error starting metrics server", "err", err)
		}
	}()

	log.Info("service started")
}

func (s *Service) Shutdown() {
	log.Info("service shutting down")

	_ = s.Healthz.Shutdown()
	log.Info("healthz stopped")

	_ = s.Metrics.Shutdown()
	log.Info("metrics stopped")

	log.Info("service stopped")
}
