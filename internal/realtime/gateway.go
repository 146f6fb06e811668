// Package realtime is the WebSocket gateway. Clients join a project and
// submit tasks; every event published for the joined project is pushed
// back to them.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentcrew/internal/coordinator"
	perrors "github.com/p-blackswan/agentcrew/internal/errors"
	"github.com/p-blackswan/agentcrew/internal/eventbus"
)

// Submitter runs the task flow for a project.
type Submitter interface {
	Submit(ctx context.Context, projectID int64, content string) (*coordinator.Dispatch, error)
}

// Subscriptions binds connections to projects.
type Subscriptions interface {
	Subscribe(connID string, projectID int64, sink eventbus.Sink)
	Unsubscribe(connID string)
}

// Gauge tracks open connections.
type Gauge interface {
	Inc()
	Dec()
}

type nopGauge struct{}

func (nopGauge) Inc() {}
func (nopGauge) Dec() {}

// Config tunes connection handling.
type Config struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// SubmitBuffer bounds the tasks a connection may have waiting to run.
	SubmitBuffer int
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     30 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
		SubmitBuffer:   16,
	}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithConfig overrides the connection defaults.
func WithConfig(cfg Config) Option { return func(g *Gateway) { g.cfg = cfg } }

// WithGauge sets the open connections gauge.
func WithGauge(gauge Gauge) Option { return func(g *Gateway) { g.gauge = gauge } }

// WithCheckOrigin sets the upgrader's origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(g *Gateway) { g.upgrader.CheckOrigin = fn }
}

// Gateway upgrades HTTP requests and serves client connections.
type Gateway struct {
	cfg       Config
	subs      Subscriptions
	submitter Submitter
	gauge     Gauge
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	// ctx outlives individual connections so a client that disconnects
	// does not cancel the task it submitted.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	conns  map[string]*conn
	wg     sync.WaitGroup // pumps; Add only under mu while !closed
}

// New creates a gateway.
func New(subs Subscriptions, submitter Submitter, logger zerolog.Logger, opts ...Option) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:       DefaultConfig(),
		subs:      subs,
		submitter: submitter,
		gauge:     nopGauge{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.With().Str("component", "realtime").Logger(),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*conn),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ServeHTTP upgrades the request and starts the connection pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.isClosed() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Upgrade failed")
		return
	}

	id := uuid.NewString()
	c := newConn(id, ws, g.cfg.SendBuffer, g.cfg.SubmitBuffer, g.logger.With().Str("conn_id", id).Logger())

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(g.cfg.WriteWait))
		ws.Close()
		return
	}
	g.conns[id] = c
	g.wg.Add(3)
	g.mu.Unlock()

	g.gauge.Inc()
	g.logger.Info().Str("conn_id", id).Str("remote", r.RemoteAddr).Msg("Connection opened")

	go func() {
		defer g.wg.Done()
		c.writePump(g.cfg)
	}()
	go func() {
		defer g.wg.Done()
		g.submitPump(c)
	}()
	go func() {
		defer g.wg.Done()
		g.readPump(c)
	}()
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Count returns the number of open connections.
func (g *Gateway) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close disconnects every client and waits for their pumps, including
// submissions already read from the socket, to exit.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.cancel()
	for _, c := range g.conns {
		c.close()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) readPump(c *conn) {
	defer func() {
		close(c.submits)
		g.subs.Unsubscribe(c.id)
		c.close()
		g.mu.Lock()
		delete(g.conns, c.id)
		g.mu.Unlock()
		g.gauge.Dec()
		c.logger.Info().Msg("Connection closed")
	}()

	c.ws.SetReadLimit(g.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("Read failed")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
		g.handle(c, data)
	}
}

func (g *Gateway) handle(c *conn, data []byte) {
	in, err := parseInbound(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Malformed frame")
		return
	}

	switch in.Type {
	case FrameJoinProject:
		if in.ProjectID <= 0 {
			c.logger.Warn().Int64("project_id", in.ProjectID).Msg("Join without a valid project id")
			return
		}
		c.bind(in.ProjectID)
		g.subs.Subscribe(c.id, in.ProjectID, c)
		c.logger.Debug().Int64("project_id", in.ProjectID).Msg("Joined project")

	case FrameSendMessage:
		projectID, joined := c.binding()
		if !joined {
			c.logger.Warn().Err(perrors.ErrInvalidState).Msg("Message before join_project ignored")
			return
		}
		select {
		case c.submits <- submission{projectID: projectID, content: in.Content}:
		default:
			g.reportError(c, projectID, fmt.Errorf("too many pending tasks: %w", perrors.ErrRateLimit))
		}

	default:
		c.logger.Warn().Str("type", in.Type).Msg("Unknown frame type")
	}
}

// submitPump runs a connection's tasks in frame order, off the read pump
// so pings keep being answered while a task is generating. It exits once
// the read pump has closed submits and the backlog is done.
func (g *Gateway) submitPump(c *conn) {
	for sub := range c.submits {
		if _, err := g.submitter.Submit(g.ctx, sub.projectID, sub.content); err != nil {
			g.reportError(c, sub.projectID, err)
		}
	}
}

// reportError sends err to the originating connection only.
func (g *Gateway) reportError(c *conn, projectID int64, err error) {
	ev := c.logger.Warn()
	if !errors.Is(err, perrors.ErrNotFound) && !errors.Is(err, perrors.ErrInvalidInput) {
		ev = c.logger.Error()
	}
	ev.Err(err).Int64("project_id", projectID).Msg("Task rejected")

	if derr := c.Deliver(eventbus.ErrorEvent(err)); derr != nil {
		c.logger.Debug().Err(derr).Msg("Could not report error")
	}
}
