// Package litf implements the Language-Independent Test Format: the
// line-based protocol a runner subprocess emits on stdout to describe
// test progress and outcomes. One self-delimited JSON record per line.
package litf

import (
	"encoding/json"
	"time"
)

// Version is the wire schema version this codec speaks. Every record
// carries it in the "litf" field.
const Version = 1

// Kind identifies the type of a protocol event.
type Kind string

const (
	KindSuiteStart Kind = "suite-start"
	KindSuiteEnd   Kind = "suite-end"
	KindTestStart  Kind = "test-start"
	KindTestResult Kind = "test-result"
	KindLog        Kind = "log"
	KindError      Kind = "error"
)

// Valid reports whether k is a member of the fixed kind enumeration.
func (k Kind) Valid() bool {
	switch k {
	case KindSuiteStart, KindSuiteEnd, KindTestStart, KindTestResult, KindLog, KindError:
		return true
	}
	return false
}

// Status represents the state of a test or suite node.
// The wire protocol only carries the four terminal values on
// test-result records; pending and running exist so the run state
// machine can share one enumeration with the codec.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusErrored Status = "errored"
)

// Terminal reports whether s is a final outcome.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusErrored:
		return true
	}
	return false
}

// Event is one immutable protocol record. Events are the only way run
// state changes; they are never mutated after creation.
type Event struct {
	Kind      Kind
	SuitePath []string
	Timestamp time.Time

	// Status and Duration are set for test-result events only.
	Status   Status
	Duration time.Duration

	// Message is set for log and error events only.
	Message string

	// Extra holds additional wire fields this codec version does not
	// know about. They round-trip through Encode untouched and are
	// ignored by the state machine.
	Extra map[string]json.RawMessage
}
