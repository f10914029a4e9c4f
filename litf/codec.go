package litf

import (
	"encoding/json"
	"fmt"
	"time"
)

// DecodeReason classifies a malformed protocol line. Decoding never
// silently drops data: every failure maps to exactly one reason so the
// supervisor can surface feed corruption as an injected error event.
type DecodeReason string

const (
	ReasonUnknownKind          DecodeReason = "unknown-kind"
	ReasonMissingRequiredField DecodeReason = "missing-required-field"
	ReasonMalformedPayload     DecodeReason = "malformed-payload"
)

// DecodeError describes why a line failed to decode. It retains the
// raw line so operators see the corrupt input, not missing tests.
type DecodeError struct {
	Reason DecodeReason
	Line   string
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("litf decode failed (%s): %s", e.Reason, e.Detail)
}

func decodeErr(reason DecodeReason, line []byte, format string, args ...any) *DecodeError {
	return &DecodeError{
		Reason: reason,
		Line:   string(line),
		Detail: fmt.Sprintf(format, args...),
	}
}

// wire field names for schema version 1.
const (
	fieldVersion   = "litf"
	fieldKind      = "kind"
	fieldSuitePath = "suite_path"
	fieldTimestamp = "timestamp"
	fieldStatus    = "status"
	fieldDuration  = "duration_ms"
	fieldMessage   = "message"
)

// Decode parses one protocol line into an Event. The codec holds no
// state and is safe to call concurrently from multiple adapters.
// On failure the returned error is always a *DecodeError.
func Decode(line []byte) (Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, decodeErr(ReasonMalformedPayload, line, "not a JSON object: %v", err)
	}

	var version int
	if err := requireField(raw, fieldVersion, &version, line); err != nil {
		return Event{}, err
	}
	if version != Version {
		return Event{}, decodeErr(ReasonMalformedPayload, line, "unsupported schema version %d", version)
	}

	var kindStr string
	if err := requireField(raw, fieldKind, &kindStr, line); err != nil {
		return Event{}, err
	}
	kind := Kind(kindStr)
	if !kind.Valid() {
		return Event{}, decodeErr(ReasonUnknownKind, line, "unknown kind %q", kindStr)
	}

	ev := Event{Kind: kind}
	if err := requireField(raw, fieldSuitePath, &ev.SuitePath, line); err != nil {
		return Event{}, err
	}

	var tsStr string
	if err := requireField(raw, fieldTimestamp, &tsStr, line); err != nil {
		return Event{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return Event{}, decodeErr(ReasonMalformedPayload, line, "bad timestamp %q: %v", tsStr, err)
	}
	ev.Timestamp = ts

	consumed := map[string]bool{
		fieldVersion:   true,
		fieldKind:      true,
		fieldSuitePath: true,
		fieldTimestamp: true,
	}

	switch kind {
	case KindTestResult:
		var statusStr string
		if err := requireField(raw, fieldStatus, &statusStr, line); err != nil {
			return Event{}, err
		}
		status := Status(statusStr)
		if !status.Terminal() {
			return Event{}, decodeErr(ReasonMalformedPayload, line, "status %q is not a terminal outcome", statusStr)
		}
		ev.Status = status
		consumed[fieldStatus] = true

		if durRaw, ok := raw[fieldDuration]; ok {
			var ms float64
			if err := json.Unmarshal(durRaw, &ms); err != nil {
				return Event{}, decodeErr(ReasonMalformedPayload, line, "non-numeric duration_ms: %v", err)
			}
			if ms < 0 {
				return Event{}, decodeErr(ReasonMalformedPayload, line, "negative duration_ms %v", ms)
			}
			ev.Duration = time.Duration(ms * float64(time.Millisecond))
			consumed[fieldDuration] = true
		}

	case KindLog, KindError:
		if err := requireField(raw, fieldMessage, &ev.Message, line); err != nil {
			return Event{}, err
		}
		consumed[fieldMessage] = true
	}

	for k, v := range raw {
		if consumed[k] {
			continue
		}
		if ev.Extra == nil {
			ev.Extra = make(map[string]json.RawMessage)
		}
		ev.Extra[k] = v
	}

	return ev, nil
}

// Encode serializes an Event into its single-line wire form. For every
// well-formed event, Decode(Encode(e)) yields an event equal to e.
func Encode(ev Event) ([]byte, error) {
	if !ev.Kind.Valid() {
		return nil, fmt.Errorf("cannot encode event with unknown kind %q", ev.Kind)
	}

	m := map[string]any{
		fieldVersion:   Version,
		fieldKind:      ev.Kind,
		fieldSuitePath: ev.SuitePath,
		fieldTimestamp: ev.Timestamp.Format(time.RFC3339Nano),
	}

	switch ev.Kind {
	case KindTestResult:
		if !ev.Status.Terminal() {
			return nil, fmt.Errorf("cannot encode test-result with non-terminal status %q", ev.Status)
		}
		m[fieldStatus] = ev.Status
		if ev.Duration > 0 {
			m[fieldDuration] = float64(ev.Duration) / float64(time.Millisecond)
		}
	case KindLog, KindError:
		m[fieldMessage] = ev.Message
	}

	for k, v := range ev.Extra {
		if _, taken := m[k]; taken {
			continue
		}
		m[k] = v
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return out, nil
}

// requireField unmarshals raw[name] into dst, reporting a typed decode
// error for a missing field or a value of the wrong shape.
func requireField(raw map[string]json.RawMessage, name string, dst any, line []byte) error {
	val, ok := raw[name]
	if !ok {
		return decodeErr(ReasonMissingRequiredField, line, "missing required field %q", name)
	}
	if err := json.Unmarshal(val, dst); err != nil {
		return decodeErr(ReasonMalformedPayload, line, "bad value for field %q: %v", name, err)
	}
	return nil
}
