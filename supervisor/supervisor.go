// Package supervisor owns the run lifecycle: it launches runner
// subprocesses, folds their protocol output into per-run state
// machines, and feeds the resulting deltas to the broadcast hub. One
// consumption goroutine per run keeps runs fully isolated from each
// other.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/litf-dev/litfd/hub"
	"github.com/litf-dev/litfd/litf"
	"github.com/litf-dev/litfd/metrics"
	"github.com/litf-dev/litfd/registry"
	"github.com/litf-dev/litfd/runner"
	"github.com/litf-dev/litfd/runstate"
)

// ErrUnknownRun is returned for operations on a run id the supervisor
// never started.
var ErrUnknownRun = errors.New("unknown run")

// Config configures a Supervisor.
type Config struct {
	Log      log.Logger
	Registry *registry.Registry
	Hub      *hub.Hub
	// WorkDir is the default directory runs execute in when StartRun is
	// given none.
	WorkDir string
	// GraceTimeout bounds how long a cancelled runner gets between the
	// termination signal and the kill.
	GraceTimeout time.Duration
	// StartAdapter launches the runner subprocess. Defaults to
	// runner.Start; tests substitute scripted adapters here.
	StartAdapter runner.StartFunc
}

// RunInfo is the summary view of one run.
type RunInfo struct {
	ID      string         `json:"id"`
	Tool    string         `json:"tool"`
	Dir     string         `json:"dir"`
	Phase   runstate.Phase `json:"phase"`
	Started time.Time      `json:"started"`
}

type run struct {
	id      string
	tool    string
	dir     string
	machine *runstate.Machine
	handle  runner.Handle
	started time.Time
	done    chan struct{}
}

// Supervisor starts, tracks and cancels runs. It is the hub's snapshot
// source: subscribing to a run reads the same machines the consumption
// loops write.
type Supervisor struct {
	cfg    Config
	tracer trace.Tracer

	mu   sync.RWMutex
	runs map[string]*run
}

// New creates a Supervisor and binds it to the hub as the snapshot
// source.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("supervisor requires a tool registry")
	}
	if cfg.Hub == nil {
		return nil, errors.New("supervisor requires a broadcast hub")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = runner.DefaultGrace
	}
	if cfg.StartAdapter == nil {
		cfg.StartAdapter = runner.Start
	}

	s := &Supervisor{
		cfg:    cfg,
		tracer: otel.Tracer("litfd/supervisor"),
		runs:   make(map[string]*run),
	}
	cfg.Hub.BindSnapshots(s.Snapshot)
	return s, nil
}

// StartRun resolves the tool, launches its subprocess against dir and
// begins consuming its output. The run id is returned once the process
// is up; a tool that cannot be launched leaves no run behind.
func (s *Supervisor) StartRun(ctx context.Context, tool, dir string) (string, error) {
	if dir == "" {
		dir = s.cfg.WorkDir
	}

	argv, err := s.cfg.Registry.Resolve(tool, dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve tool %q: %w", tool, err)
	}

	handle, err := s.cfg.StartAdapter(ctx, runner.Command{
		Tool:  tool,
		Argv:  argv,
		Dir:   dir,
		Grace: s.cfg.GraceTimeout,
		Log:   s.cfg.Log,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start runner for tool %q: %w", tool, err)
	}

	runID := uuid.New().String()
	r := &run{
		id:      runID,
		tool:    tool,
		dir:     dir,
		machine: runstate.New(runstate.Config{RunID: runID, Tool: tool, Log: s.cfg.Log}),
		handle:  handle,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.runs[r.id] = r
	s.mu.Unlock()

	s.cfg.Hub.AnnounceRun(r.id)
	metrics.RecordRunStarted(tool)
	s.cfg.Log.Info("run started", "run", r.id, "tool", tool, "dir", dir)

	go s.consume(r)
	return r.id, nil
}

// consume is the per-run loop: decode each line, fold it into the
// machine, publish the deltas. Stream end finalizes the run.
func (s *Supervisor) consume(r *run) {
	_, span := s.tracer.Start(context.Background(), "run",
		trace.WithAttributes(
			attribute.String("run.id", r.id),
			attribute.String("run.tool", r.tool),
		))
	defer span.End()
	defer close(r.done)

	for line := range r.handle.Lines() {
		ev, err := litf.Decode([]byte(line))
		if err != nil {
			ev = s.decodeFailureEvent(r, line, err)
		}
		metrics.RecordEventApplied(string(ev.Kind))
		s.publish(r, r.machine.Apply(ev))
	}

	exit := r.handle.Exit()
	s.publish(r, r.machine.Finalize(exit.Code))

	phase := r.machine.Phase()
	span.SetAttributes(attribute.String("run.phase", string(phase)))
	metrics.RecordRunFinished(r.tool, r.id, string(phase), time.Since(r.started))
	s.cfg.Log.Info("run finished", "run", r.id, "tool", r.tool, "phase", phase, "exitCode", exit.Code)
}

// decodeFailureEvent converts a malformed line into the error event
// injected in its place. Corruption shows up in the tree instead of
// tests silently going missing.
func (s *Supervisor) decodeFailureEvent(r *run, line string, err error) litf.Event {
	reason := litf.ReasonMalformedPayload
	var derr *litf.DecodeError
	if errors.As(err, &derr) {
		reason = derr.Reason
	}
	metrics.RecordDecodeError(string(reason))
	s.cfg.Log.Warn("malformed protocol line", "run", r.id, "reason", reason, "line", line)

	return litf.Event{
		Kind:      litf.KindError,
		Timestamp: time.Now(),
		Message:   fmt.Sprintf("malformed runner output (%s): %s", reason, line),
	}
}

func (s *Supervisor) publish(r *run, deltas []runstate.Delta) {
	for _, d := range deltas {
		s.cfg.Hub.Publish(r.id, d)
	}
}

// CancelRun requests termination of a live run. The run still finishes
// through the normal crash path once its stream ends.
func (s *Supervisor) CancelRun(runID string) error {
	s.mu.RLock()
	r, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	s.cfg.Log.Info("cancelling run", "run", runID, "tool", r.tool)
	r.handle.Cancel()
	return nil
}

// Snapshot captures the current tree of a run. Matches hub.SnapshotFunc.
func (s *Supervisor) Snapshot(runID string) (*runstate.Snapshot, error) {
	s.mu.RLock()
	r, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return r.machine.Snapshot(), nil
}

// Runs lists all known runs, oldest first.
func (s *Supervisor) Runs() []RunInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]RunInfo, 0, len(s.runs))
	for _, r := range s.runs {
		infos = append(infos, RunInfo{
			ID:      r.id,
			Tool:    r.tool,
			Dir:     r.dir,
			Phase:   r.machine.Phase(),
			Started: r.started,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Started.Before(infos[j].Started) })
	return infos
}

// Wait blocks until the run reaches a terminal phase and returns its
// final snapshot.
func (s *Supervisor) Wait(ctx context.Context, runID string) (*runstate.Snapshot, error) {
	s.mu.RLock()
	r, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	select {
	case <-r.done:
		return r.machine.Snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop cancels every live run and waits for their consumption loops to
// drain, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.RLock()
	live := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		live = append(live, r)
	}
	s.mu.RUnlock()

	for _, r := range live {
		if !r.machine.Phase().Terminal() {
			r.handle.Cancel()
		}
	}
	for _, r := range live {
		select {
		case <-r.done:
		case <-ctx.Done():
			return fmt.Errorf("failed to drain run %s: %w", r.id, ctx.Err())
		}
	}
	return nil
}
