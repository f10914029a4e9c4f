// Package ws is the client-facing surface: a websocket endpoint
// streaming run snapshots and deltas, plus a small REST API over the
// same supervisor for clients that only poll.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/litf-dev/litfd/hub"
	"github.com/litf-dev/litfd/supervisor"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead; pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize caps inbound control frames.
	maxMessageSize = 4096
	// sendBuffer is the per-connection outbound frame buffer.
	sendBuffer = 256
)

// Config configures the server.
type Config struct {
	Log        log.Logger
	Hub        *hub.Hub
	Supervisor *supervisor.Supervisor
}

// Server serves /ws plus the REST run endpoints.
type Server struct {
	cfg      Config
	app      *echo.Echo
	upgrader websocket.Upgrader
}

// New creates the server and registers its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Hub == nil || cfg.Supervisor == nil {
		return nil, errors.New("ws server requires a hub and a supervisor")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}

	app := echo.New()
	app.HideBanner = true
	app.HidePort = true
	app.Use(middleware.Recover())

	s := &Server{
		cfg: cfg,
		app: app,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser UIs connect from arbitrary origins; auth is out of
			// scope for the protocol surface.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	app.GET("/ws", s.handleWS)
	app.GET("/runs", s.handleListRuns)
	app.GET("/runs/:id", s.handleGetRun)
	app.POST("/runs", s.handleStartRun)
	app.DELETE("/runs/:id", s.handleCancelRun)
	return s, nil
}

// Start begins serving in the background.
func (s *Server) Start(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	go func() {
		if err := s.app.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Log.Error("ws server failed", "err", err)
		}
	}()
	s.cfg.Log.Info("ws server started", "addr", addr)
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.app.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown ws server: %w", err)
	}
	return nil
}

func (s *Server) handleListRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, s.cfg.Supervisor.Runs())
}

func (s *Server) handleGetRun(c echo.Context) error {
	snap, err := s.cfg.Supervisor.Snapshot(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleStartRun(c echo.Context) error {
	var req struct {
		Tool string `json:"tool"`
		Dir  string `json:"dir"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// The request context is cancelled the moment this handler returns;
	// a run started from it would be terminated right after the 201.
	// Runs live on the supervisor's lifetime, not the request's.
	runID, err := s.cfg.Supervisor.StartRun(context.Background(), req.Tool, req.Dir)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": runID})
}

func (s *Server) handleCancelRun(c echo.Context) error {
	if err := s.cfg.Supervisor.CancelRun(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleWS(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade websocket: %w", err)
	}

	sess := &session{
		cfg:  s.cfg,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]*hub.Subscription),
		done: make(chan struct{}),
	}
	go sess.writePump()
	go sess.readPump()
	return nil
}

// session is one websocket connection and its hub subscriptions. All
// writes to the connection funnel through the send channel; readPump is
// the only reader.
type session struct {
	cfg  Config
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]*hub.Subscription

	closeOnce sync.Once
	done      chan struct{}
}

func (s *session) readPump() {
	defer s.teardown()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.cfg.Log.Debug("websocket read failed", "err", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.control(ControlMessage{Type: TypeError, Error: "malformed message"})
			continue
		}
		s.dispatch(msg)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() { _ = s.conn.Close() }()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) dispatch(msg ClientMessage) {
	switch msg.Action {
	case ActionSubscribe:
		s.subscribe(msg.RunID)
	case ActionUnsubscribe:
		s.unsubscribe(msg.RunID)
	case ActionStartRun:
		runID, err := s.cfg.Supervisor.StartRun(context.Background(), msg.Tool, msg.Dir)
		if err != nil {
			s.control(ControlMessage{Type: TypeError, Error: err.Error()})
			return
		}
		s.control(ControlMessage{Type: TypeRunStarted, RunID: runID})
	case ActionCancelRun:
		if err := s.cfg.Supervisor.CancelRun(msg.RunID); err != nil {
			s.control(ControlMessage{Type: TypeError, RunID: msg.RunID, Error: err.Error()})
			return
		}
		s.control(ControlMessage{Type: TypeRunCancelled, RunID: msg.RunID})
	default:
		s.control(ControlMessage{Type: TypeError, Error: fmt.Sprintf("unknown action %q", msg.Action)})
	}
}

func (s *session) subscribe(runID string) {
	s.mu.Lock()
	if _, dup := s.subs[runID]; dup {
		s.mu.Unlock()
		s.control(ControlMessage{Type: TypeError, RunID: runID, Error: "already subscribed"})
		return
	}
	s.mu.Unlock()

	sub, err := s.cfg.Hub.Subscribe(runID)
	if err != nil {
		s.control(ControlMessage{Type: TypeError, RunID: runID, Error: err.Error()})
		return
	}

	s.mu.Lock()
	s.subs[runID] = sub
	s.mu.Unlock()

	s.control(ControlMessage{Type: TypeSubscribed, RunID: runID})
	go s.forward(runID, sub)
}

func (s *session) unsubscribe(runID string) {
	s.mu.Lock()
	sub, ok := s.subs[runID]
	if ok {
		delete(s.subs, runID)
	}
	s.mu.Unlock()
	if !ok {
		s.control(ControlMessage{Type: TypeError, RunID: runID, Error: "not subscribed"})
		return
	}
	sub.Close()
	s.control(ControlMessage{Type: TypeUnsubscribed, RunID: runID})
}

// forward copies one subscription's feed onto the wire. If the hub
// drops the subscription for falling behind, the whole connection is
// closed: the client reconnects and re-subscribes for a fresh,
// consistent snapshot.
func (s *session) forward(runID string, sub *hub.Subscription) {
	for msg := range sub.C() {
		data, err := json.Marshal(msg)
		if err != nil {
			s.cfg.Log.Error("failed to marshal hub message", "run", msg.RunID, "err", err)
			continue
		}
		select {
		case s.send <- data:
		case <-s.done:
			return
		}
	}

	s.mu.Lock()
	_, live := s.subs[runID]
	delete(s.subs, runID)
	s.mu.Unlock()
	if live {
		s.cfg.Log.Warn("subscriber overrun, closing connection", "run", runID)
		s.control(ControlMessage{Type: TypeError, RunID: runID, Error: "subscription overrun, reconnect"})
		s.teardown()
	}
}

func (s *session) control(msg ControlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	case <-s.done:
	}
}

func (s *session) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.mu.Lock()
		for id, sub := range s.subs {
			sub.Close()
			delete(s.subs, id)
		}
		s.mu.Unlock()
	})
}
