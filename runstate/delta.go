package runstate

import (
	"github.com/litf-dev/litfd/litf"
)

// Phase is the lifecycle state of a run.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseCrashed   Phase = "crashed"
)

// Terminal reports whether the phase accepts no further events.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCrashed
}

// Delta is one incremental state change produced by applying an event.
// A node delta carries Path plus the changed fields; a phase delta
// carries Phase with no path. Sequence numbers are monotonically
// increasing per run so subscribers can detect drops.
type Delta struct {
	Seq        uint64      `json:"seq"`
	Path       []string    `json:"path,omitempty"`
	Status     litf.Status `json:"status,omitempty"`
	DurationMS float64     `json:"duration_ms,omitempty"`
	Message    string      `json:"message,omitempty"`
	Phase      Phase       `json:"phase,omitempty"`
}

// NodeSnapshot is one node of a copied test tree. It carries no
// references back into the live run state.
type NodeSnapshot struct {
	Name       string          `json:"name"`
	Status     litf.Status     `json:"status"`
	DurationMS float64         `json:"duration_ms,omitempty"`
	Messages   []string        `json:"messages,omitempty"`
	Children   []*NodeSnapshot `json:"children,omitempty"`
}

// Snapshot is the full current tree for a run, handed to subscribers
// that join mid-run. Root is a synthetic container above the runner's
// top-level suites; its status stays pending, overall outcome is
// derived from Stats and Phase.
type Snapshot struct {
	RunID       string        `json:"run_id"`
	Tool        string        `json:"tool"`
	Phase       Phase         `json:"phase"`
	LastSeq     uint64        `json:"last_seq"`
	Root        *NodeSnapshot `json:"root"`
	Diagnostics []string      `json:"diagnostics,omitempty"`
}

// Empty returns the snapshot of a run that has not applied any deltas.
// Replaying a run's deltas onto it reproduces that run's snapshot.
func Empty(runID, tool string) *Snapshot {
	return &Snapshot{
		RunID: runID,
		Tool:  tool,
		Phase: PhaseQueued,
		Root:  &NodeSnapshot{Status: litf.StatusPending},
	}
}

// ApplyDelta folds one delta into the snapshot, creating missing nodes
// as pending. Deltas must be applied in sequence order.
func (s *Snapshot) ApplyDelta(d Delta) {
	if d.Seq > s.LastSeq {
		s.LastSeq = d.Seq
	}
	if d.Phase != "" {
		s.Phase = d.Phase
	}
	if len(d.Path) == 0 {
		return
	}
	n := s.ensure(d.Path)
	if d.Status != "" {
		n.Status = d.Status
	}
	if d.DurationMS > 0 {
		n.DurationMS = d.DurationMS
	}
	if d.Message != "" {
		n.Messages = append(n.Messages, d.Message)
	}
}

func (s *Snapshot) ensure(path []string) *NodeSnapshot {
	cur := s.Root
	for _, name := range path {
		var next *NodeSnapshot
		for _, c := range cur.Children {
			if c.Name == name {
				next = c
				break
			}
		}
		if next == nil {
			next = &NodeSnapshot{Name: name, Status: litf.StatusPending}
			cur.Children = append(cur.Children, next)
		}
		cur = next
	}
	return cur
}

// Stats aggregates leaf counts for a snapshot tree.
type Stats struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Errored int `json:"errored"`
	Running int `json:"running"`
	Pending int `json:"pending"`
}

// Stats walks the tree counting leaf nodes by status. The synthetic
// root is never counted.
func (s *Snapshot) Stats() Stats {
	var st Stats
	for _, c := range s.Root.Children {
		countLeaves(c, &st)
	}
	return st
}

func countLeaves(n *NodeSnapshot, st *Stats) {
	if len(n.Children) == 0 {
		st.Total++
		switch n.Status {
		case litf.StatusPassed:
			st.Passed++
		case litf.StatusFailed:
			st.Failed++
		case litf.StatusSkipped:
			st.Skipped++
		case litf.StatusErrored:
			st.Errored++
		case litf.StatusRunning:
			st.Running++
		default:
			st.Pending++
		}
		return
	}
	for _, c := range n.Children {
		countLeaves(c, st)
	}
}

// Outcome reduces leaf counts to a single status, worst first.
func (st Stats) Outcome() litf.Status {
	switch {
	case st.Failed > 0:
		return litf.StatusFailed
	case st.Errored > 0:
		return litf.StatusErrored
	case st.Running > 0:
		return litf.StatusRunning
	case st.Passed > 0:
		return litf.StatusPassed
	case st.Skipped > 0:
		return litf.StatusSkipped
	default:
		return litf.StatusPending
	}
}
