// Package litfd wires the orchestration engine together: tool
// registry, run supervisor, broadcast hub and the websocket surface,
// driven by the runner configuration file.
package litfd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/litf-dev/litfd/config"
	"github.com/litf-dev/litfd/hub"
	"github.com/litf-dev/litfd/registry"
	"github.com/litf-dev/litfd/runstate"
	"github.com/litf-dev/litfd/supervisor"
	"github.com/litf-dev/litfd/ws"
)

// App is the litfd service.
type App struct {
	ctx     context.Context
	config  *Config
	version string

	registry   *registry.Registry
	hub        *hub.Hub
	supervisor *supervisor.Supervisor
	server     *ws.Server
	watcher    *config.Watcher

	running atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

// New assembles the service from its configuration.
func New(ctx context.Context, cfg *Config, version string, shutdownCallback func(error)) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	reg, err := registry.NewRegistry(registry.Config{
		Log:            cfg.Log,
		ToolConfigFile: cfg.ToolConfigFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	h := hub.New(hub.Config{Log: cfg.Log})

	sup, err := supervisor.New(supervisor.Config{
		Log:          cfg.Log,
		Registry:     reg,
		Hub:          h,
		WorkDir:      cfg.WorkDir,
		GraceTimeout: cfg.GraceTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	server, err := ws.New(ws.Config{
		Log:        cfg.Log,
		Hub:        h,
		Supervisor: sup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ws server: %w", err)
	}

	cfg.Log.Info("litfd.New: created registry, hub, supervisor and ws server")

	return &App{
		ctx:              ctx,
		config:           cfg,
		version:          version,
		registry:         reg,
		hub:              h,
		supervisor:       sup,
		server:           server,
		shutdownCallback: shutdownCallback,
	}, nil
}

// Supervisor exposes the run supervisor, for the healthz probe and
// tests.
func (a *App) Supervisor() *supervisor.Supervisor {
	return a.supervisor
}

// LiveRuns reports how many runs are not yet terminal.
func (a *App) LiveRuns() int {
	n := 0
	for _, info := range a.supervisor.Runs() {
		if !info.Phase.Terminal() {
			n++
		}
	}
	return n
}

// Start launches the configured runners and the client-facing server.
// In run-once mode it blocks until every run is terminal, prints the
// results and reports failures through its error; otherwise it returns
// once the service is up.
func (a *App) Start(ctx context.Context) error {
	a.ctx = ctx
	a.running.Store(true)

	runners, err := config.Load(a.config.RunnerConfig)
	if err != nil {
		return NewRuntimeError(fmt.Errorf("failed to load runner config: %w", err))
	}

	if err := a.server.Start(a.config.WSHost, a.config.WSPort); err != nil {
		return NewRuntimeError(fmt.Errorf("failed to start ws server: %w", err))
	}

	if a.config.RunOnce {
		a.config.Log.Info("starting litfd in run-once mode")
		return a.runOnce(ctx, runners)
	}

	a.config.Log.Info("starting litfd in service mode", "watch", a.config.Watch)
	a.launch(ctx, runners)

	if a.config.Watch {
		w, err := config.Watch(a.config.Log, a.config.RunnerConfig, func(runners []config.Runner) {
			if !a.running.Load() {
				return
			}
			a.launch(a.ctx, runners)
		})
		if err != nil {
			return NewRuntimeError(fmt.Errorf("failed to watch runner config: %w", err))
		}
		a.watcher = w
	}
	return nil
}

// launch starts one run per configured runner. Individual launch
// failures don't stop the rest; they are logged and reflected in the
// service's own exit handling only in run-once mode.
func (a *App) launch(ctx context.Context, runners []config.Runner) []string {
	var ids []string
	for _, r := range runners {
		runID, err := a.supervisor.StartRun(ctx, r.Tool, r.Dir)
		if err != nil {
			a.config.Log.Error("failed to start configured run", "name", r.Name, "tool", r.Tool, "err", err)
			continue
		}
		a.config.Log.Info("configured run started", "name", r.Name, "tool", r.Tool, "run", runID)
		ids = append(ids, runID)
	}
	return ids
}

// runOnce drives a single pass: launch everything, wait, report.
func (a *App) runOnce(ctx context.Context, runners []config.Runner) error {
	ids := a.launch(ctx, runners)
	if len(ids) < len(runners) {
		return NewRuntimeError(fmt.Errorf("only %d of %d configured runners could be launched", len(ids), len(runners)))
	}

	snapshots := make([]*runstate.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := a.supervisor.Wait(ctx, id)
		if err != nil {
			return NewRuntimeError(fmt.Errorf("failed to wait for run %s: %w", id, err))
		}
		snapshots = append(snapshots, snap)
	}

	a.printResultsTable(snapshots)

	if msg, failed := summarizeFailures(snapshots); failed {
		a.config.Log.Warn("run-once pass completed with failures")
		return NewTestFailureError(msg)
	}

	a.config.Log.Info("run-once pass completed, all tests passed")
	if a.shutdownCallback != nil {
		go func() {
			a.shutdownCallback(nil)
		}()
	}
	return nil
}

// summarizeFailures reduces the final snapshots to the failure message
// for the process exit, if any run did not come out clean.
func summarizeFailures(snapshots []*runstate.Snapshot) (string, bool) {
	failedRuns := 0
	var totals runstate.Stats
	for _, snap := range snapshots {
		st := snap.Stats()
		totals.Total += st.Total
		totals.Passed += st.Passed
		totals.Failed += st.Failed
		totals.Skipped += st.Skipped
		totals.Errored += st.Errored
		if snap.Phase == runstate.PhaseCrashed || st.Failed > 0 || st.Errored > 0 {
			failedRuns++
		}
	}
	if failedRuns == 0 {
		return "", false
	}
	return fmt.Sprintf("%d of %d runs failed (%d passed, %d failed, %d errored of %d tests)",
		failedRuns, len(snapshots), totals.Passed, totals.Failed, totals.Errored, totals.Total), true
}

// Stop stops the litfd service.
func (a *App) Stop(ctx context.Context) error {
	a.config.Log.Info("stopping litfd")

	if !a.running.Load() {
		a.config.Log.Debug("service already stopped, nothing to do")
		return nil
	}
	a.running.Store(false)

	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if err := a.server.Shutdown(ctx); err != nil {
		a.config.Log.Error("failed to shutdown ws server", "err", err)
	}
	if err := a.supervisor.Stop(ctx); err != nil {
		a.config.Log.Error("failed to stop supervisor", "err", err)
	}

	a.config.Log.Info("litfd stopped successfully")
	return nil
}

// Stopped returns true if the service is stopped.
func (a *App) Stopped() bool {
	return !a.running.Load()
}
