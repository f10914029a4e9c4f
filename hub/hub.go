// Package hub fans out run state deltas to subscribers and replays
// full current state to clients that join mid-run. Registration and
// snapshot capture happen under the same lock as publishing, which
// closes the join-race window: a subscriber's feed starts strictly
// after its snapshot's sequence number with no gap and no duplicate.
package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/litf-dev/litfd/metrics"
	"github.com/litf-dev/litfd/runstate"
)

// AllRuns subscribes to every current and future run.
const AllRuns = "*"

// DefaultBuffer is the per-subscriber message buffer. A subscriber
// that lets this many messages pile up is dropped rather than ever
// blocking delivery to others.
const DefaultBuffer = 256

// ErrUnknownRun is returned when subscribing to a run id that was
// never announced.
var ErrUnknownRun = errors.New("unknown run")

// SnapshotFunc captures the current tree of a run. The hub calls it
// while holding its own lock, so the returned snapshot is consistent
// with the delta feed position.
type SnapshotFunc func(runID string) (*runstate.Snapshot, error)

// MessageType discriminates hub messages.
type MessageType string

const (
	MessageSnapshot MessageType = "snapshot"
	MessageDelta    MessageType = "delta"
)

// Message is one item on a subscriber's feed. Snapshot messages carry
// the full tree; delta messages carry one incremental change.
type Message struct {
	Type     MessageType        `json:"type"`
	RunID    string             `json:"run_id"`
	Seq      uint64             `json:"seq"`
	Snapshot *runstate.Snapshot `json:"snapshot,omitempty"`
	Delta    *runstate.Delta    `json:"delta,omitempty"`
}

// Config configures a Hub.
type Config struct {
	Log    log.Logger
	Buffer int
}

// Hub decouples delta production from delivery. Publish never blocks
// on any single subscriber.
type Hub struct {
	cfg Config

	mu         sync.Mutex
	snapshotFn SnapshotFunc
	runs       map[string]struct{}
	byRun      map[string]map[string]*Subscription
	all        map[string]*Subscription
}

// New creates a Hub.
func New(cfg Config) *Hub {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	return &Hub{
		cfg:   cfg,
		runs:  make(map[string]struct{}),
		byRun: make(map[string]map[string]*Subscription),
		all:   make(map[string]*Subscription),
	}
}

// BindSnapshots wires the snapshot source (the supervisor). Must be
// called before the first Subscribe.
func (h *Hub) BindSnapshots(fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshotFn = fn
}

// AnnounceRun registers a new run and pushes its initial snapshot to
// all-runs subscribers.
func (h *Hub) AnnounceRun(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.runs[runID] = struct{}{}
	for _, sub := range h.all {
		h.sendSnapshotLocked(sub, runID)
	}
}

// Subscribe atomically captures the named run's current tree and
// opens a live delta feed starting strictly after it. The snapshot
// arrives as the first message(s) on the feed channel. Use AllRuns to
// follow every run.
func (h *Hub) Subscribe(runID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.snapshotFn == nil {
		return nil, errors.New("hub has no snapshot source bound")
	}
	if runID != AllRuns {
		if _, ok := h.runs[runID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		}
	}

	sub := &Subscription{
		id:    uuid.New().String(),
		runID: runID,
		ch:    make(chan Message, h.cfg.Buffer),
		hub:   h,
		floor: make(map[string]uint64),
	}

	if runID == AllRuns {
		for id := range h.runs {
			h.sendSnapshotLocked(sub, id)
		}
		h.all[sub.id] = sub
	} else {
		h.sendSnapshotLocked(sub, runID)
		if h.byRun[runID] == nil {
			h.byRun[runID] = make(map[string]*Subscription)
		}
		h.byRun[runID][sub.id] = sub
	}

	metrics.RecordSubscriberAdded()
	h.cfg.Log.Debug("subscriber joined", "sub", sub.id, "run", runID)
	return sub, nil
}

// Publish fans a delta out to every subscriber of the run. A slow
// subscriber is dropped, never waited on.
func (h *Hub) Publish(runID string, delta runstate.Delta) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg := Message{Type: MessageDelta, RunID: runID, Seq: delta.Seq, Delta: &delta}
	for _, sub := range h.byRun[runID] {
		h.deliverLocked(sub, msg)
	}
	for _, sub := range h.all {
		h.deliverLocked(sub, msg)
	}
	metrics.RecordDeltaPublished()
}

// SubscriberCount reports the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.all)
	for _, subs := range h.byRun {
		n += len(subs)
	}
	return n
}

func (h *Hub) sendSnapshotLocked(sub *Subscription, runID string) {
	snap, err := h.snapshotFn(runID)
	if err != nil {
		h.cfg.Log.Error("failed to snapshot run for subscriber", "run", runID, "err", err)
		return
	}
	sub.floor[runID] = snap.LastSeq
	h.deliverLocked(sub, Message{
		Type:     MessageSnapshot,
		RunID:    runID,
		Seq:      snap.LastSeq,
		Snapshot: snap,
	})
}

// deliverLocked performs the bounded, non-blocking send. Overflow
// means the subscriber fell too far behind: it is dropped and must
// re-subscribe for a fresh snapshot.
func (h *Hub) deliverLocked(sub *Subscription, msg Message) {
	if sub.closed {
		return
	}
	// A delta at or below the snapshot's sequence number was already
	// folded into the snapshot this subscriber received; skipping it
	// keeps the feed duplicate-free even when a join lands between
	// state application and publication.
	if msg.Type == MessageDelta && msg.Seq <= sub.floor[msg.RunID] {
		return
	}
	select {
	case sub.ch <- msg:
	default:
		h.cfg.Log.Warn("subscriber overrun, dropping", "sub", sub.id, "run", sub.runID)
		metrics.RecordSubscriberOverrun()
		h.removeLocked(sub)
	}
}

func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	delete(h.all, sub.id)
	for _, subs := range h.byRun {
		delete(subs, sub.id)
	}
	metrics.RecordSubscriberRemoved()
}

// Subscription is one subscriber's live feed.
type Subscription struct {
	id    string
	runID string
	ch    chan Message
	hub   *Hub

	// floor maps run id to the sequence number of the snapshot this
	// subscriber received; deltas at or below it are duplicates.
	// Guarded by hub.mu, as is closed.
	floor  map[string]uint64
	closed bool
}

// C returns the feed channel. It is closed when the subscription ends,
// whether by Close or by overrun.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Close releases the subscription. Idempotent.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}
