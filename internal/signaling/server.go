// Package signaling implements the WebSocket surface of the relay: connection
// upgrade, the inbound message loop with its auth and rate-limit gates, and
// dispatch into the matchmaker.
package signaling

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duetchat/signaling-relay/internal/config"
	"github.com/duetchat/signaling-relay/internal/matchmaker"
	"github.com/duetchat/signaling-relay/internal/metrics"
	"github.com/duetchat/signaling-relay/internal/origin"
	"github.com/duetchat/signaling-relay/internal/ratelimit"
	"github.com/duetchat/signaling-relay/internal/registry"
)

// Server upgrades signaling WebSockets and runs one read loop per
// connection. All pairing and relay decisions live in the matchmaker; the
// server's job is the wire: parsing, auth gating, limits, and teardown.
type Server struct {
	cfg     config.Config
	log     *slog.Logger
	m       *metrics.Metrics
	reg     *registry.Registry
	mgr     *matchmaker.Manager
	origins *origin.Allowlist

	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, log *slog.Logger, m *metrics.Metrics, reg *registry.Registry, mgr *matchmaker.Manager) (*Server, error) {
	allowlist, err := origin.NewAllowlist(cfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		m:       m,
		reg:     reg,
		mgr:     mgr,
		origins: allowlist,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.origins.Allow(r.Header.Get("Origin"))
		},
	}
	return s, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.ServeHTTP)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error (including origin rejections).
		s.log.Debug("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	id, err := newConnectionID()
	if err != nil {
		s.log.Error("failed to generate connection id", "err", err)
		_ = conn.Close()
		return
	}

	c := newClient(id, conn, s.log, s.m, s.cfg.SendQueueSize, s.cfg.WSPingInterval)
	s.reg.Register(id, c)
	s.m.Inc(metrics.Connections)
	s.log.Info("connection opened", "conn_id", id, "remote", r.RemoteAddr)

	go c.writePump()
	c.sendReady()

	serverClosed := s.readLoop(c)

	// Disconnect runs the full cleanup regardless of how the loop exited, so
	// an id never lingers in the queue or a room after its socket is gone.
	s.mgr.Disconnect(id)

	if serverClosed {
		// Let the pump flush the queued error and close frames before the
		// socket goes away.
		select {
		case <-c.done:
		case <-time.After(writeWait):
		}
	}
	c.close()
	s.log.Info("connection closed", "conn_id", id)
}

func (s *Server) readLoop(c *client) (serverClosed bool) {
	conn := c.conn
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	authenticated := !s.cfg.RequireAuth
	resetDeadline := func() {
		idle := s.cfg.WSIdleTimeout
		if !authenticated && s.cfg.AuthTimeout < idle {
			idle = s.cfg.AuthTimeout
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
	}
	resetDeadline()
	conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	limiter := ratelimit.NewTokenBucket(
		ratelimit.RealClock{},
		int64(s.cfg.MaxMessagesPerSecond),
		int64(s.cfg.MaxMessagesPerSecond),
	)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !authenticated && isTimeout(err) {
				s.m.Inc(metrics.AuthFailure)
				c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
				return true
			}
			return false
		}
		resetDeadline()

		// Rate limit after reading so the bytes are consumed from the TCP
		// receive buffer; closing with unread data pending can turn into an
		// abortive close that hides the close code from the client.
		if !limiter.Allow(1) {
			s.m.Inc(metrics.RateLimited)
			s.fail(c, "rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return true
		}
		if msgType != websocket.TextMessage {
			s.m.Inc(metrics.BadMessages)
			s.fail(c, "bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return true
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			s.m.Inc(metrics.BadMessages)
			s.fail(c, "bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return true
		}

		if msg.Type == messageTypeAuthenticate {
			userID, err := s.reg.Authenticate(c.id, msg.Token)
			if err != nil {
				s.m.Inc(metrics.AuthFailure)
				s.fail(c, "unauthorized", "invalid credentials", websocket.ClosePolicyViolation, "unauthorized")
				return true
			}
			authenticated = true
			resetDeadline()
			s.m.Inc(metrics.AuthSuccess)
			s.log.Info("connection authenticated", "conn_id", c.id, "user_id", userID)
			continue
		}

		if !authenticated {
			s.m.Inc(metrics.AuthFailure)
			s.fail(c, "unauthorized", "authentication required", websocket.ClosePolicyViolation, "authentication required")
			return true
		}

		switch msg.Type {
		case messageTypeFindMatch:
			s.mgr.FindMatch(c.id)
		case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
			if err := s.mgr.RelaySignal(c.id, msg.Type, msg.Payload); err != nil {
				s.m.Inc(metrics.BadMessages)
				s.fail(c, "bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
				return true
			}
		case messageTypeChat:
			s.mgr.RelayChat(c.id, msg.Text)
		default:
			s.m.Inc(metrics.BadMessages)
			s.fail(c, "bad_message", fmt.Sprintf("unexpected message type %q", msg.Type), websocket.ClosePolicyViolation, "bad message")
			return true
		}
	}
}

// fail sends a terminal error frame followed by the close handshake. Both go
// through the send queue, so the client sees the error before the close.
func (s *Server) fail(c *client, code, message string, closeCode int, closeReason string) {
	c.sendError(code, message)
	c.closeWith(closeCode, closeReason)
}

func newConnectionID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate connection id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
