// Package server manages individual relay sessions, handling the auth
// handshake, read/write pumps, rate limiting, and lifecycle control for each
// connection.
package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// writeWait bounds every frame write so one stalled peer cannot wedge a
	// pump goroutine.
	writeWait = 10 * time.Second

	// pongWait is the read deadline when no idle timeout is configured;
	// refreshed by pongs and inbound frames.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second

	// closeGrace is how long a superseded session gets to flush its
	// disconnect notice before the connection is torn down.
	closeGrace = time.Second

	// sendBufferSize is the per-session outbound queue. A full queue means a
	// slow consumer; forwards to it are dropped rather than blocking the
	// sender's read loop.
	sendBufferSize = 256
)

// Disconnect reasons recorded in the structured disconnect log.
const (
	disconnectNormal      = "normal"
	disconnectError       = "error"
	disconnectSuperseded  = ReasonSuperseded
	disconnectIdleTimeout = ReasonIdleTimeout
	disconnectAuthFailed  = "auth_failed"
	disconnectShutdown    = "shutdown"
)

// Session is the server-side state for one client connection. Created in the
// pending state on accept; its name is set exactly once by a successful
// handshake and never changes afterwards. The session exclusively owns its
// underlying WebSocket connection.
type Session struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	addr string

	mu            sync.Mutex
	name          string
	authenticated bool
	closeReason   string
	closeFrame    []byte
	lastActivity  time.Time

	connectedAt time.Time

	// closed is guarded by the hub's mutex, alongside hub membership.
	closed bool

	maxMessageSize int64
	requestTimeout time.Duration
	idleTimeout    time.Duration
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewSession creates a pending Session for a freshly accepted connection.
// The send channel is buffered so forwards never block the forwarding peer.
func NewSession(conn *websocket.Conn, hub *Hub, addr string) *Session {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	now := time.Now()
	return &Session{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		connectedAt:    now,
		lastActivity:   now,
		maxMessageSize: cfg.MaxMessageSize,
		requestTimeout: cfg.RequestTimeout,
		idleTimeout:    cfg.IdleTimeout,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the server-assigned session identifier used in log records.
func (s *Session) ID() string {
	return s.id
}

// Name returns the authenticated client name, or "" while pending.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Authenticated reports whether the handshake completed successfully.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// ConnectedAt returns when the connection was accepted.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// LastActivity returns the time of the most recent inbound frame.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// GetSendChan returns the session's send channel for reading outgoing frames.
// This channel is read-only from the caller's perspective.
func (s *Session) GetSendChan() <-chan []byte {
	return s.send
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) setIdentity(name string) {
	s.mu.Lock()
	s.name = name
	s.authenticated = true
	s.mu.Unlock()
}

func (s *Session) setCloseReason(reason string) {
	s.mu.Lock()
	if s.closeReason == "" {
		s.closeReason = reason
	}
	s.mu.Unlock()
}

// setCloseFrame records the close frame the write pump sends after draining
// the outbound queue, so a disconnect notice is always flushed before the
// close code reaches the client.
func (s *Session) setCloseFrame(code int, reason string) {
	frame := websocket.FormatCloseMessage(code, reason)
	s.mu.Lock()
	if s.closeFrame == nil {
		s.closeFrame = frame
	}
	s.mu.Unlock()
}

func (s *Session) hasCloseFrame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFrame != nil
}

func (s *Session) getCloseFrame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeFrame == nil {
		return []byte{}
	}
	return s.closeFrame
}

func (s *Session) getCloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason == "" {
		return disconnectNormal
	}
	return s.closeReason
}

func (s *Session) logFields() logrus.Fields {
	fields := logrus.Fields{
		"session_id": s.id,
		"addr":       s.addr,
	}
	if name := s.Name(); name != "" {
		fields["client"] = name
	}
	return fields
}

// supervise owns the connection end to end: handshake, registration, pumps.
// The handshake runs before the pumps start, so it has exclusive use of the
// connection and its replies are always delivered in order.
func (s *Session) supervise() {
	logrus.WithFields(s.logFields()).WithField("event", eventConnect).Info("Client connected")

	name, ok := s.runHandshake()
	if !ok {
		reason := s.getCloseReason()
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			logrus.WithFields(s.logFields()).Debugf("Error closing rejected connection: %v", err)
		}
		logrus.WithFields(s.logFields()).WithFields(logrus.Fields{
			"event":  eventDisconnect,
			"reason": reason,
		}).Info("Client disconnected")
		return
	}

	// Queue the success reply before the write pump starts so it is the
	// first frame the client sees.
	if payload, err := EncodePacket(newAuthSuccess(name)); err == nil {
		s.send <- payload
	}

	s.hub.register <- s
	evicted := s.hub.registry.Register(name, s)
	if evicted != nil {
		evicted.supersede()
	}

	logrus.WithFields(s.logFields()).WithField("event", eventAuthSuccess).Info("Client authenticated")
}

// runHandshake reads the first frame and exchanges the token for an identity.
// It returns the registered name on success. On failure the failure response
// and close frame have already been written; the caller closes the socket.
func (s *Session) runHandshake() (string, bool) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.requestTimeout)); err != nil {
		s.setCloseReason(disconnectError)
		return "", false
	}

	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		// An absent handshake is abandoned silently; no response is owed.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.setCloseReason(disconnectAuthFailed)
			logrus.WithFields(s.logFields()).WithField("event", eventAuthFailure).Warn("Authentication timeout")
			return "", false
		}
		s.setCloseReason(disconnectError)
		return "", false
	}

	pkt, err := DecodePacket(raw)
	if err != nil || pkt.Kind != KindAuthRequest {
		s.rejectHandshake(ReasonMalformedHandshake, CloseProtocolViolation)
		logrus.WithFields(s.logFields()).WithField("event", eventAuthFailure).Warn("First frame was not a valid auth request")
		return "", false
	}

	name, err := s.hub.tokens.Authenticate(pkt.Token, pkt.Name)
	switch {
	case errors.Is(err, ErrUnknownToken):
		s.rejectHandshake(ReasonInvalidToken, CloseInvalidToken)
		logrus.WithFields(s.logFields()).WithField("event", eventAuthFailure).Warn("Invalid token attempt")
		return "", false
	case errors.Is(err, ErrNameMismatch):
		s.rejectHandshake(ReasonNameMismatch, CloseNameMismatch)
		logrus.WithFields(s.logFields()).WithFields(logrus.Fields{
			"event":    eventAuthFailure,
			"declared": pkt.Name,
		}).Warn("Token does not match declared name")
		return "", false
	case err != nil:
		s.rejectHandshake(ReasonInvalidToken, CloseInvalidToken)
		return "", false
	}

	s.setIdentity(name)
	return name, true
}

// rejectHandshake writes the failure response and close frame directly; the
// pumps are not running yet, so the handshake goroutine owns the connection.
func (s *Session) rejectHandshake(reason string, closeCode int) {
	s.setCloseReason(disconnectAuthFailed)

	if payload, err := EncodePacket(newAuthFailure(reason)); err == nil {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err == nil {
			_ = s.conn.WriteMessage(websocket.TextMessage, payload)
		}
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(writeWait))
}

// supersede notifies a displaced session that a newer authentication took
// over its name, then tears the connection down. The notice is best-effort;
// the close frame carries a distinct code so the client can tell eviction
// apart from a network error.
func (s *Session) supersede() {
	s.setCloseReason(disconnectSuperseded)
	s.setCloseFrame(CloseSuperseded, ReasonSuperseded)

	if payload, err := EncodePacket(newDisconnectNotice(ReasonSuperseded)); err == nil {
		s.hub.safeSend(s, payload)
	}

	// Unregistering closes the send channel; the write pump drains the
	// notice, sends the close frame, and tears the connection down.
	select {
	case s.hub.unregister <- s:
	case <-s.hub.ctx.Done():
	}

	conn := s.conn
	time.AfterFunc(closeGrace, func() {
		_ = conn.Close()
	})

	logrus.WithFields(s.logFields()).WithFields(logrus.Fields{
		"event":  eventDisconnect,
		"reason": ReasonSuperseded,
	}).Info("Session superseded by newer authentication")
}

// setupReadConnection configures the post-handshake read deadline and pong
// handler. With an idle timeout configured the deadline doubles as the idle
// check; pongs do not refresh it then, only real traffic does.
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.readWait())); err != nil {
		logrus.WithFields(s.logFields()).Debugf("Error setting initial read deadline: %v", err)
	}
	s.conn.SetPongHandler(func(string) error {
		if s.idleTimeout > 0 {
			return nil
		}
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (s *Session) readWait() time.Duration {
	if s.idleTimeout > 0 {
		return s.idleTimeout
	}
	return pongWait
}

// handleReadError classifies a read loop error and records the disconnect
// reason. It returns true in every case; the read loop never survives a read
// error.
func (s *Session) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() && s.idleTimeout > 0 {
		s.closeIdle()
		return true
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		logrus.WithFields(s.logFields()).Warnf("Frame exceeded maximum size of %d bytes", s.maxMessageSize)
		s.setCloseReason(disconnectError)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway) {
		s.setCloseReason(disconnectNormal)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) ||
		websocket.IsCloseError(err, websocket.CloseAbnormalClosure) {
		s.setCloseReason(disconnectError)
		return true
	}

	logrus.WithFields(s.logFields()).Debugf("WebSocket read error: %v", err)
	s.setCloseReason(disconnectError)
	return true
}

// closeIdle terminates a session that produced no traffic for the configured
// idle period, with a best-effort notice so the client can distinguish it
// from a network failure.
func (s *Session) closeIdle() {
	s.setCloseReason(disconnectIdleTimeout)
	s.setCloseFrame(CloseIdleTimeout, ReasonIdleTimeout)

	if payload, err := EncodePacket(newDisconnectNotice(ReasonIdleTimeout)); err == nil {
		s.hub.safeSend(s, payload)
	}
}

// checkRateLimit verifies the session has not exceeded its packet budget and
// returns true if the packet should be processed.
func (s *Session) checkRateLimit() bool {
	if s.rateLimiter != nil && !s.rateLimiter.allow() {
		logrus.WithFields(s.logFields()).Warnf("Rate limit exceeded (%d packets per %s); discarding packet",
			s.rateLimit.Burst, s.rateLimit.RefillInterval)
		return false
	}
	return true
}

// processPacket decodes one inbound frame and hands it to the router. It
// returns false when the frame is a fatal protocol violation.
func (s *Session) processPacket(raw []byte) bool {
	pkt, err := DecodePacket(raw)
	if err != nil {
		logrus.WithFields(s.logFields()).Warnf("Dropping connection on undecodable frame: %v", err)
		return false
	}

	if err := s.hub.router.Route(s, pkt); err != nil {
		var violation *ProtocolViolation
		if errors.As(err, &violation) {
			logrus.WithFields(s.logFields()).Warnf("Dropping connection on protocol violation: %v", violation)
			return false
		}
		logrus.WithFields(s.logFields()).Debugf("Routing error: %v", err)
	}
	return true
}

func (s *Session) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.ctx.Done():
		}
		// When a close frame is pending the write pump flushes it and closes
		// the connection itself; closing here would race the flush.
		if s.hasCloseFrame() {
			return
		}
		if err := s.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				logrus.WithFields(s.logFields()).Debugf("Error closing connection in readPump: %v", err)
			}
		}
	}()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if s.handleReadError(err) {
				break
			}
			continue
		}

		s.touch()
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readWait())); err != nil {
			logrus.WithFields(s.logFields()).Debugf("Error refreshing read deadline: %v", err)
		}

		if !s.checkRateLimit() {
			continue
		}

		if !s.processPacket(raw) {
			s.setCloseReason(disconnectError)
			s.setCloseFrame(CloseProtocolViolation, "protocol violation")
			break
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case payload, ok := <-s.send:
		return s.handleOutbound(payload, ok)
	case <-ticker.C:
		return s.handlePing()
	case <-s.hub.ctx.Done():
		return false
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			logrus.WithFields(s.logFields()).Debugf("Error closing connection in writePump: %v", err)
		}
	}
}

// handleOutbound writes one queued frame and returns false if the connection
// should be closed.
func (s *Session) handleOutbound(payload []byte, ok bool) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logrus.WithFields(s.logFields()).Debugf("Error setting write deadline: %v", err)
		return false
	}

	if !ok {
		if err := s.conn.WriteMessage(websocket.CloseMessage, s.getCloseFrame()); err != nil {
			if !isExpectedCloseError(err) {
				logrus.WithFields(s.logFields()).Debugf("Error writing close message: %v", err)
			}
		}
		return false
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			logrus.WithFields(s.logFields()).Debugf("Error writing frame: %v", err)
		}
		// A failed write means the peer is effectively gone; the read pump
		// unblocks on the closed connection and drives the cleanup.
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logrus.WithFields(s.logFields()).Debugf("Error setting write deadline for ping: %v", err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			logrus.WithFields(s.logFields()).Debugf("Error writing ping message: %v", err)
		}
		return false
	}
	return true
}
