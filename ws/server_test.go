package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litf-dev/litfd/hub"
	"github.com/litf-dev/litfd/litf"
	"github.com/litf-dev/litfd/registry"
	"github.com/litf-dev/litfd/runner"
	"github.com/litf-dev/litfd/supervisor"
)

type fakeHandle struct {
	lines  chan string
	exited chan struct{}
	exit   runner.ExitStatus

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		lines:     make(chan string, 64),
		exited:    make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (h *fakeHandle) Lines() <-chan string { return h.lines }

func (h *fakeHandle) Exit() runner.ExitStatus {
	<-h.exited
	return h.exit
}

func (h *fakeHandle) Cancel() {
	h.cancelOnce.Do(func() { close(h.cancelled) })
}

func (h *fakeHandle) emit(t *testing.T, ev litf.Event) {
	t.Helper()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	out, err := litf.Encode(ev)
	require.NoError(t, err)
	h.lines <- string(out)
}

func (h *fakeHandle) finish(code int) {
	close(h.lines)
	h.exit = runner.ExitStatus{Code: code}
	close(h.exited)
}

type fixture struct {
	srv    *httptest.Server
	sup    *supervisor.Supervisor
	handle *fakeHandle

	// adapterCtx receives the context each started run hands the adapter.
	adapterCtx chan context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	handle := newFakeHandle()
	adapterCtx := make(chan context.Context, 4)
	reg, err := registry.NewRegistry(registry.Config{})
	require.NoError(t, err)
	hb := hub.New(hub.Config{})
	sup, err := supervisor.New(supervisor.Config{
		Registry: reg,
		Hub:      hb,
		WorkDir:  "/work",
		StartAdapter: func(ctx context.Context, cmd runner.Command) (runner.Handle, error) {
			select {
			case adapterCtx <- ctx:
			default:
			}
			return handle, nil
		},
	})
	require.NoError(t, err)

	s, err := New(Config{Hub: hb, Supervisor: sup})
	require.NoError(t, err)

	srv := httptest.NewServer(s.app)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, sup: sup, handle: handle, adapterCtx: adapterCtx}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// frame is the union of control and hub message fields a client sees.
type frame struct {
	Type  string          `json:"type"`
	RunID string          `json:"run_id"`
	Seq   uint64          `json:"seq"`
	Error string          `json:"error"`
	Delta json.RawMessage `json:"delta"`
}

func recv(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestStartSubscribeAndStream(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t)

	send(t, conn, ClientMessage{Action: ActionStartRun, Tool: "pytest-litf"})
	started := recv(t, conn)
	require.Equal(t, TypeRunStarted, started.Type)
	require.NotEmpty(t, started.RunID)

	send(t, conn, ClientMessage{Action: ActionSubscribe, RunID: started.RunID})
	assert.Equal(t, TypeSubscribed, recv(t, conn).Type)

	snap := recv(t, conn)
	assert.Equal(t, string(hub.MessageSnapshot), snap.Type)
	assert.Equal(t, started.RunID, snap.RunID)

	fx.handle.emit(t, litf.Event{Kind: litf.KindSuiteStart, SuitePath: []string{"root"}})

	// The suite-start yields a phase delta and a node delta, in order.
	d1 := recv(t, conn)
	assert.Equal(t, string(hub.MessageDelta), d1.Type)
	assert.Equal(t, snap.Seq+1, d1.Seq)
	d2 := recv(t, conn)
	assert.Equal(t, string(hub.MessageDelta), d2.Type)
	assert.Equal(t, d1.Seq+1, d2.Seq)

	fx.handle.finish(0)
}

func TestSubscribeUnknownRunReturnsError(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t)

	send(t, conn, ClientMessage{Action: ActionSubscribe, RunID: "nope"})
	f := recv(t, conn)
	assert.Equal(t, TypeError, f.Type)
	assert.Contains(t, f.Error, "unknown run")
}

func TestUnknownActionReturnsError(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t)

	send(t, conn, ClientMessage{Action: "dance"})
	f := recv(t, conn)
	assert.Equal(t, TypeError, f.Type)
	assert.Contains(t, f.Error, "unknown action")
}

func TestCancelRunOverWebsocket(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t)

	send(t, conn, ClientMessage{Action: ActionStartRun, Tool: "pytest-litf"})
	started := recv(t, conn)
	require.Equal(t, TypeRunStarted, started.Type)

	send(t, conn, ClientMessage{Action: ActionCancelRun, RunID: started.RunID})
	assert.Equal(t, TypeRunCancelled, recv(t, conn).Type)

	select {
	case <-fx.handle.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel never reached the runner")
	}
	fx.handle.finish(-1)
}

func TestUnsubscribeStopsTheFeed(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t)

	send(t, conn, ClientMessage{Action: ActionStartRun, Tool: "pytest-litf"})
	started := recv(t, conn)

	send(t, conn, ClientMessage{Action: ActionSubscribe, RunID: started.RunID})
	require.Equal(t, TypeSubscribed, recv(t, conn).Type)
	recv(t, conn) // snapshot

	send(t, conn, ClientMessage{Action: ActionUnsubscribe, RunID: started.RunID})
	assert.Equal(t, TypeUnsubscribed, recv(t, conn).Type)

	// Deltas published after the unsubscribe never arrive; the next
	// frame the client sees is the reply to its next control message.
	fx.handle.emit(t, litf.Event{Kind: litf.KindSuiteStart, SuitePath: []string{"root"}})
	send(t, conn, ClientMessage{Action: "dance"})
	f := recv(t, conn)
	assert.Equal(t, TypeError, f.Type)

	fx.handle.finish(0)
}

func TestRestListAndFetchRuns(t *testing.T) {
	fx := newFixture(t)

	runID, err := fx.sup.StartRun(context.Background(), "pytest-litf", "")
	require.NoError(t, err)

	resp, err := http.Get(fx.srv.URL + "/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var runs []supervisor.RunInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)

	one, err := http.Get(fx.srv.URL + "/runs/" + runID)
	require.NoError(t, err)
	defer one.Body.Close()
	assert.Equal(t, http.StatusOK, one.StatusCode)

	missing, err := http.Get(fx.srv.URL + "/runs/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	fx.handle.finish(0)
}

func TestRestStartRun(t *testing.T) {
	fx := newFixture(t)

	resp, err := http.Post(fx.srv.URL+"/runs", "application/json",
		strings.NewReader(`{"tool": "pytest-litf", "dir": "/work/app"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created["id"])

	fx.handle.finish(0)
}

func TestRestStartedRunOutlivesRequest(t *testing.T) {
	fx := newFixture(t)

	resp, err := http.Post(fx.srv.URL+"/runs", "application/json",
		strings.NewReader(`{"tool": "pytest-litf"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ctx context.Context
	select {
	case ctx = <-fx.adapterCtx:
	case <-time.After(5 * time.Second):
		t.Fatal("adapter was never started")
	}

	// The request context dies once the handler returns; the run's
	// context must not follow it, or every REST-started run would be
	// killed right after the 201.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ctx.Err(), "run context cancelled with the request")
	select {
	case <-fx.handle.cancelled:
		t.Fatal("runner cancelled by request teardown")
	default:
	}

	fx.handle.finish(0)
}
