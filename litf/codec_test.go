package litf

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339Nano, s)
	require.NoError(t, err)
	return ts
}

func TestDecodeTestResult(t *testing.T) {
	line := []byte(`{"litf":1,"kind":"test-result","suite_path":["root","t1"],"timestamp":"2025-03-01T10:00:00Z","status":"passed","duration_ms":12.5}`)

	ev, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, KindTestResult, ev.Kind)
	assert.Equal(t, []string{"root", "t1"}, ev.SuitePath)
	assert.Equal(t, StatusPassed, ev.Status)
	assert.Equal(t, 12500*time.Microsecond, ev.Duration)
	assert.True(t, ev.Timestamp.Equal(mustTime(t, "2025-03-01T10:00:00Z")))
}

func TestDecodeLogCarriesMessage(t *testing.T) {
	line := []byte(`{"litf":1,"kind":"log","suite_path":["root"],"timestamp":"2025-03-01T10:00:00Z","message":"collecting tests"}`)

	ev, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, KindLog, ev.Kind)
	assert.Equal(t, "collecting tests", ev.Message)
}

func TestDecodeClassifiesMalformedLines(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		reason DecodeReason
	}{
		{
			name:   "not json at all",
			line:   `not-a-valid-record`,
			reason: ReasonMalformedPayload,
		},
		{
			name:   "unknown kind",
			line:   `{"litf":1,"kind":"suite-pause","suite_path":["root"],"timestamp":"2025-03-01T10:00:00Z"}`,
			reason: ReasonUnknownKind,
		},
		{
			name:   "missing kind",
			line:   `{"litf":1,"suite_path":["root"],"timestamp":"2025-03-01T10:00:00Z"}`,
			reason: ReasonMissingRequiredField,
		},
		{
			name:   "missing version",
			line:   `{"kind":"log","suite_path":["root"],"timestamp":"2025-03-01T10:00:00Z","message":"m"}`,
			reason: ReasonMissingRequiredField,
		},
		{
			name:   "unsupported version",
			line:   `{"litf":2,"kind":"log","suite_path":["root"],"timestamp":"2025-03-01T10:00:00Z","message":"m"}`,
			reason: ReasonMalformedPayload,
		},
		{
			name:   "missing suite path",
			line:   `{"litf":1,"kind":"suite-start","timestamp":"2025-03-01T10:00:00Z"}`,
			reason: ReasonMissingRequiredField,
		},
		{
			name:   "missing timestamp",
			line:   `{"litf":1,"kind":"suite-start","suite_path":["root"]}`,
			reason: ReasonMissingRequiredField,
		},
		{
			name:   "bad timestamp",
			line:   `{"litf":1,"kind":"suite-start","suite_path":["root"],"timestamp":"yesterday"}`,
			reason: ReasonMalformedPayload,
		},
		{
			name:   "test result without status",
			line:   `{"litf":1,"kind":"test-result","suite_path":["root","t1"],"timestamp":"2025-03-01T10:00:00Z"}`,
			reason: ReasonMissingRequiredField,
		},
		{
			name:   "non-terminal status",
			line:   `{"litf":1,"kind":"test-result","suite_path":["root","t1"],"timestamp":"2025-03-01T10:00:00Z","status":"running"}`,
			reason: ReasonMalformedPayload,
		},
		{
			name:   "non-numeric duration",
			line:   `{"litf":1,"kind":"test-result","suite_path":["root","t1"],"timestamp":"2025-03-01T10:00:00Z","status":"passed","duration_ms":"fast"}`,
			reason: ReasonMalformedPayload,
		},
		{
			name:   "log without message",
			line:   `{"litf":1,"kind":"log","suite_path":["root"],"timestamp":"2025-03-01T10:00:00Z"}`,
			reason: ReasonMissingRequiredField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.line))
			require.Error(t, err)

			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr), "error should be a *DecodeError")
			assert.Equal(t, tt.reason, decErr.Reason)
			assert.Equal(t, tt.line, decErr.Line, "decode error should retain the raw line")
		})
	}
}

func TestRoundTrip(t *testing.T) {
	ts := mustTime(t, "2025-03-01T10:00:00.25Z")

	events := []Event{
		{Kind: KindSuiteStart, SuitePath: []string{"root"}, Timestamp: ts},
		{Kind: KindSuiteEnd, SuitePath: []string{"root"}, Timestamp: ts},
		{Kind: KindTestStart, SuitePath: []string{"root", "pkg", "t1"}, Timestamp: ts},
		{Kind: KindTestResult, SuitePath: []string{"root", "t1"}, Timestamp: ts, Status: StatusFailed, Duration: 250 * time.Millisecond},
		{Kind: KindTestResult, SuitePath: []string{"root", "t2"}, Timestamp: ts, Status: StatusSkipped},
		{Kind: KindLog, SuitePath: []string{"root"}, Timestamp: ts, Message: "line of output"},
		{Kind: KindError, SuitePath: []string{"root"}, Timestamp: ts, Message: "runner choked"},
	}

	for _, ev := range events {
		t.Run(string(ev.Kind), func(t *testing.T) {
			encoded, err := Encode(ev)
			require.NoError(t, err)

			decoded, err := Decode(encoded)
			require.NoError(t, err)

			assert.True(t, decoded.Timestamp.Equal(ev.Timestamp))
			decoded.Timestamp = ev.Timestamp
			assert.Equal(t, ev, decoded)
		})
	}
}

func TestRoundTripPreservesUnknownFields(t *testing.T) {
	line := []byte(`{"litf":1,"kind":"test-result","suite_path":["root","t1"],"timestamp":"2025-03-01T10:00:00Z","status":"passed","file":"test_a.py","line_no":42}`)

	ev, err := Decode(line)
	require.NoError(t, err)
	require.Contains(t, ev.Extra, "file")
	require.Contains(t, ev.Extra, "line_no")
	assert.Equal(t, json.RawMessage(`"test_a.py"`), ev.Extra["file"])

	encoded, err := Encode(ev)
	require.NoError(t, err)

	again, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, ev.Extra, again.Extra)
}

func TestExtraFieldsCannotShadowSchemaFields(t *testing.T) {
	ev := Event{
		Kind:      KindLog,
		SuitePath: []string{"root"},
		Timestamp: mustTime(t, "2025-03-01T10:00:00Z"),
		Message:   "real message",
		Extra: map[string]json.RawMessage{
			"message": json.RawMessage(`"imposter"`),
		},
	}

	encoded, err := Encode(ev)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, "real message", decoded.Message)
}

func TestEncodeRejectsInvalidEvents(t *testing.T) {
	ts := time.Now()

	_, err := Encode(Event{Kind: "bogus", SuitePath: []string{"root"}, Timestamp: ts})
	assert.Error(t, err)

	_, err = Encode(Event{Kind: KindTestResult, SuitePath: []string{"root", "t1"}, Timestamp: ts, Status: StatusRunning})
	assert.Error(t, err)
}

func TestDecodeIsSafeForConcurrentUse(t *testing.T) {
	line := []byte(`{"litf":1,"kind":"test-result","suite_path":["root","t1"],"timestamp":"2025-03-01T10:00:00Z","status":"passed"}`)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := Decode(line); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
