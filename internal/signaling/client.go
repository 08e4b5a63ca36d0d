package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duetchat/signaling-relay/internal/metrics"
)

const writeWait = 1 * time.Second

var (
	errClientClosed  = errors.New("client closed")
	errSendQueueFull = errors.New("send queue full")
)

// outFrame is one unit of work for the write pump: either a text frame to
// deliver or a close handshake that ends the connection. Routing closes
// through the same queue keeps them ordered after any error frame that
// preceded them.
type outFrame struct {
	data []byte

	close       bool
	closeCode   int
	closeReason string
}

// client owns the write side of one WebSocket connection and implements
// registry.Sendable. Events are serialized at enqueue time and drained by a
// single write pump, so the matchmaker can send from under its own lock
// without ever blocking on a peer's socket.
type client struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger
	m    *metrics.Metrics

	pingInterval time.Duration

	send chan outFrame

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, conn *websocket.Conn, log *slog.Logger, m *metrics.Metrics, queueSize int, pingInterval time.Duration) *client {
	return &client{
		id:           id,
		conn:         conn,
		log:          log,
		m:            m,
		pingInterval: pingInterval,
		send:         make(chan outFrame, queueSize),
		done:         make(chan struct{}),
	}
}

// Send implements registry.Sendable.
func (c *client) Send(event string, payload any) error {
	frame, err := encodeServerEvent(event, payload)
	if err != nil {
		return err
	}
	return c.enqueue(outFrame{data: frame})
}

// enqueue hands a frame to the write pump without blocking. A peer that
// cannot drain its queue loses the frame rather than stalling the sender.
func (c *client) enqueue(frame outFrame) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		c.m.Inc(metrics.SlowPeerDropped)
		c.log.Warn("dropped frame for slow peer", "conn_id", c.id)
		return errSendQueueFull
	}
}

func (c *client) sendReady() {
	frame, err := json.Marshal(readyFrame{Type: "ready", ConnectionID: c.id})
	if err != nil {
		return
	}
	_ = c.enqueue(outFrame{data: frame})
}

func (c *client) sendError(code, message string) {
	frame, err := json.Marshal(errorFrame{Type: "error", Code: code, Message: message})
	if err != nil {
		return
	}
	_ = c.enqueue(outFrame{data: frame})
}

// closeWith asks the pump to complete the close handshake after flushing
// queued frames. If the queue is full or the pump is gone, tear down
// directly.
func (c *client) closeWith(code int, reason string) {
	if err := c.enqueue(outFrame{close: true, closeCode: code, closeReason: reason}); err != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		c.close()
	}
}

// writePump is the sole writer on the connection. It also owns the keepalive
// ping ticker. It exits when close is called, a close frame is drained, or a
// write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if frame.close {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(frame.closeCode, frame.closeReason))
				c.close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
