// Package runstate folds the decoded event stream of one run into an
// authoritative, queryable state tree and emits the deltas subscribers
// consume. Nodes live in an arena indexed by integer handle; a child
// holds its parent handle as a non-owning back-reference.
package runstate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/litf-dev/litfd/litf"
)

const (
	rootHandle = 0
	maxDiags   = 64
)

// pathSep joins path segments for arena index keys. Unit separator,
// cannot appear in sane suite names.
const pathSep = "\x1f"

type node struct {
	name       string
	path       []string
	parent     int
	children   []int
	status     litf.Status
	durationMS float64
	messages   []string
}

// Config configures a Machine.
type Config struct {
	RunID string
	Tool  string
	Log   log.Logger
}

// Machine is the state machine for a single run. It is mutated only
// through Apply and Finalize; Snapshot returns an immutable copy for
// external readers. All three are safe for concurrent use, though in
// practice only the run's own consumption loop calls Apply.
type Machine struct {
	cfg Config

	mu        sync.Mutex
	nodes     []node
	index     map[string]int
	phase     Phase
	rootSuite string
	current   []string // suite path decode-error events attach to
	seq       uint64
	started   time.Time
	ended     time.Time
	diags     []string
}

// New creates a Machine in the Queued phase with an empty tree.
func New(cfg Config) *Machine {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	m := &Machine{
		cfg:   cfg,
		nodes: []node{{parent: -1, status: litf.StatusPending}},
		index: map[string]int{"": rootHandle},
		phase: PhaseQueued,
	}
	return m
}

// Phase returns the run's current lifecycle phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// LastSeq returns the sequence number of the last applied delta.
func (m *Machine) LastSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Apply folds one event into the tree and returns the resulting deltas
// in bottom-up order. Events arriving after a terminal phase are
// recorded as diagnostics and mutate nothing.
func (m *Machine) Apply(ev litf.Event) []Delta {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase.Terminal() {
		m.recordDiag(fmt.Sprintf("event %s for %s after %s phase", ev.Kind, strings.Join(ev.SuitePath, "/"), m.phase))
		return nil
	}

	var deltas []Delta
	if m.phase == PhaseQueued {
		m.phase = PhaseRunning
		m.started = ev.Timestamp
		if m.started.IsZero() {
			m.started = time.Now()
		}
		deltas = append(deltas, m.phaseDelta())
	}

	path := ev.SuitePath
	if len(path) == 0 {
		// Decode-error pseudo-events arrive unaddressed; attach them to
		// the suite most recently started so operators see where in the
		// feed the corruption happened.
		path = m.current
	}
	if m.rootSuite == "" && len(path) > 0 {
		m.rootSuite = path[0]
	}

	idx := m.resolve(path)

	switch ev.Kind {
	case litf.KindLog, litf.KindError:
		m.nodes[idx].messages = append(m.nodes[idx].messages, ev.Message)
		if idx != rootHandle {
			deltas = append(deltas, Delta{Seq: m.nextSeq(), Path: m.nodes[idx].path, Message: ev.Message})
		}
		return deltas
	}

	prev := m.nodes[idx].status
	forceEmit := false

	switch ev.Kind {
	case litf.KindSuiteStart:
		m.nodes[idx].status = litf.StatusRunning
		m.current = m.nodes[idx].path

	case litf.KindSuiteEnd:
		if len(m.nodes[idx].children) > 0 {
			m.nodes[idx].status = m.aggregate(idx)
		} else if !m.nodes[idx].status.Terminal() {
			// A suite that ends without reporting any tests completed
			// empty.
			m.nodes[idx].status = litf.StatusPassed
		}
		if parent := m.nodes[idx].parent; parent >= 0 {
			m.current = m.nodes[parent].path
		}

	case litf.KindTestStart:
		m.nodes[idx].status = litf.StatusRunning

	case litf.KindTestResult:
		// Last write wins: real runners sometimes re-report, and the
		// overwrite is re-broadcast so subscribers converge.
		m.nodes[idx].status = ev.Status
		if ev.Duration > 0 {
			m.nodes[idx].durationMS = float64(ev.Duration) / float64(time.Millisecond)
		}
		forceEmit = true
	}

	if idx != rootHandle && (forceEmit || m.nodes[idx].status != prev) {
		deltas = append(deltas, m.nodeDelta(idx))
	}
	deltas = append(deltas, m.recomputeAncestors(idx)...)

	if ev.Kind == litf.KindSuiteEnd && len(path) == 1 && path[0] == m.rootSuite {
		m.phase = PhaseCompleted
		m.ended = ev.Timestamp
		if m.ended.IsZero() {
			m.ended = time.Now()
		}
		deltas = append(deltas, m.phaseDelta())
	}

	return deltas
}

// Finalize is called when the adapter's output stream ends. If the run
// never saw the root suite-end, the process died mid-stream: the run
// is marked Crashed and every still-running node is errored with one
// synthetic delta each.
func (m *Machine) Finalize(exitCode int) []Delta {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase.Terminal() {
		return nil
	}
	m.phase = PhaseCrashed
	m.ended = time.Now()
	m.cfg.Log.Warn("run crashed before completion", "run", m.cfg.RunID, "tool", m.cfg.Tool, "exitCode", exitCode)

	crashMsg := fmt.Sprintf("runner exited (status %d) before reporting a result", exitCode)

	var deltas []Delta
	// Children are always created after their parents, so walking the
	// arena backwards finalizes leaves before the containers above them.
	for i := len(m.nodes) - 1; i > rootHandle; i-- {
		n := &m.nodes[i]
		if len(n.children) == 0 {
			if n.status == litf.StatusRunning {
				n.status = litf.StatusErrored
				n.messages = append(n.messages, crashMsg)
				d := m.nodeDelta(i)
				d.Message = crashMsg
				deltas = append(deltas, d)
			}
			continue
		}
		prev := n.status
		n.status = m.aggregate(i)
		if n.status != prev {
			deltas = append(deltas, m.nodeDelta(i))
		}
	}
	deltas = append(deltas, m.phaseDelta())
	return deltas
}

// Snapshot deep-copies the current tree. The copy shares no memory
// with the machine and is safe to hand to any subscriber.
func (m *Machine) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Snapshot{
		RunID:   m.cfg.RunID,
		Tool:    m.cfg.Tool,
		Phase:   m.phase,
		LastSeq: m.seq,
		Root:    m.copyNode(rootHandle),
	}
	if len(m.diags) > 0 {
		s.Diagnostics = append([]string(nil), m.diags...)
	}
	return s
}

func (m *Machine) copyNode(idx int) *NodeSnapshot {
	n := &m.nodes[idx]
	out := &NodeSnapshot{
		Name:       n.name,
		Status:     n.status,
		DurationMS: n.durationMS,
	}
	if len(n.messages) > 0 {
		out.Messages = append([]string(nil), n.messages...)
	}
	for _, c := range n.children {
		out.Children = append(out.Children, m.copyNode(c))
	}
	return out
}

// resolve returns the handle for path, creating the node and any
// unseen ancestors as pending. Runners that emit a test-result without
// a prior suite-start still land in the right place.
func (m *Machine) resolve(path []string) int {
	idx := rootHandle
	for i := range path {
		key := strings.Join(path[:i+1], pathSep)
		child, ok := m.index[key]
		if !ok {
			child = len(m.nodes)
			m.nodes = append(m.nodes, node{
				name:   path[i],
				path:   append([]string(nil), path[:i+1]...),
				parent: idx,
				status: litf.StatusPending,
			})
			m.nodes[idx].children = append(m.nodes[idx].children, child)
			m.index[key] = child
		}
		idx = child
	}
	return idx
}

// recomputeAncestors re-derives aggregate status bottom-up from the
// parent of idx, stopping as soon as a node's status is unchanged.
// Cost is bounded by tree depth per event.
func (m *Machine) recomputeAncestors(idx int) []Delta {
	var deltas []Delta
	for p := m.nodes[idx].parent; p > rootHandle; p = m.nodes[p].parent {
		prev := m.nodes[p].status
		next := m.aggregate(p)
		if next == prev {
			break
		}
		m.nodes[p].status = next
		deltas = append(deltas, m.nodeDelta(p))
	}
	return deltas
}

// aggregate derives a container's status from its children: failed if
// any child failed, running if any child is still running, errored if
// any errored once nothing is in flight, else the shared status of
// completed children (skips don't break unanimity unless everything
// skipped), else pending.
func (m *Machine) aggregate(idx int) litf.Status {
	var anyFailed, anyErrored, anyRunning, anyPassed bool
	completed, skipped := 0, 0
	for _, c := range m.nodes[idx].children {
		switch m.nodes[c].status {
		case litf.StatusFailed:
			anyFailed = true
		case litf.StatusErrored:
			anyErrored = true
		case litf.StatusRunning:
			anyRunning = true
		case litf.StatusPassed:
			anyPassed = true
			completed++
		case litf.StatusSkipped:
			skipped++
		}
		if m.nodes[c].status == litf.StatusFailed || m.nodes[c].status == litf.StatusErrored {
			completed++
		}
	}
	completed += skipped

	switch {
	case anyFailed:
		return litf.StatusFailed
	case anyRunning:
		return litf.StatusRunning
	case anyErrored:
		return litf.StatusErrored
	case completed == 0:
		return litf.StatusPending
	case skipped == completed:
		return litf.StatusSkipped
	case anyPassed:
		return litf.StatusPassed
	default:
		return litf.StatusPending
	}
}

func (m *Machine) nextSeq() uint64 {
	m.seq++
	return m.seq
}

func (m *Machine) nodeDelta(idx int) Delta {
	n := &m.nodes[idx]
	return Delta{
		Seq:        m.nextSeq(),
		Path:       n.path,
		Status:     n.status,
		DurationMS: n.durationMS,
	}
}

func (m *Machine) phaseDelta() Delta {
	return Delta{Seq: m.nextSeq(), Phase: m.phase}
}

func (m *Machine) recordDiag(msg string) {
	if len(m.diags) < maxDiags {
		m.diags = append(m.diags, msg)
	}
	m.cfg.Log.Debug("discarded late event", "run", m.cfg.RunID, "detail", msg)
}
