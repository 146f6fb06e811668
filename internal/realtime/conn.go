package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentcrew/internal/eventbus"
)

// submission is a send_message frame waiting for the submit pump.
type submission struct {
	projectID int64
	content   string
}

// conn is one client connection. It is the eventbus sink for its binding.
type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger zerolog.Logger

	// submits is written and closed by the read pump only.
	submits chan submission

	closeOnce sync.Once

	mu        sync.Mutex
	projectID int64
	joined    bool
}

func newConn(id string, ws *websocket.Conn, buffer, submitBuffer int, logger zerolog.Logger) *conn {
	if submitBuffer < 1 {
		submitBuffer = 1
	}
	return &conn{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		submits: make(chan submission, submitBuffer),
		logger:  logger,
	}
}

// Deliver queues e for the write pump without blocking.
func (c *conn) Deliver(e eventbus.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return eventbus.ErrSinkClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return eventbus.ErrSinkClosed
	default:
		return eventbus.ErrSinkFull
	}
}

func (c *conn) bind(projectID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projectID = projectID
	c.joined = true
}

func (c *conn) binding() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectID, c.joined
}

// close stops the write pump, which sends a close frame and closes the socket.
func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump owns all writes to the socket.
func (c *conn) writePump(cfg Config) {
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
