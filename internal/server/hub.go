// Package server coordinates session registration, routing, and connection
// cleanup for the relay via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Hub owns the shared relay state for one server instance: the token table,
// the connection registry, and the router. Session lifecycle events funnel
// through its run loop; packet routing goes straight to the router. Hubs are
// constructed explicitly and injected, so tests can run several independent
// relays side by side.
type Hub struct {
	tokens   *TokenRegistry
	registry *ConnectionRegistry
	router   *Router

	sessions   map[*Session]bool
	register   chan *Session
	unregister chan *Session
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub for the given configuration. The token table is
// snapshotted here and immutable afterwards.
func NewHub(cfg *Config) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		tokens:     NewTokenRegistry(cfg.Clients),
		registry:   NewConnectionRegistry(),
		sessions:   make(map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.router = NewRouter(h.registry, h.safeSend, cfg.RequestTimeout)
	return h
}

// Registry exposes the connection registry for diagnostics and tests.
func (h *Hub) Registry() *ConnectionRegistry {
	return h.registry
}

// Router exposes the packet router for diagnostics and tests.
func (h *Hub) Router() *Router {
	return h.router
}

// GetRegisterChan returns the channel used for registering new sessions with the hub.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetRegisterChan() chan<- *Session {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering sessions from the hub.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetUnregisterChan() chan<- *Session {
	return h.unregister
}

// safeSend queues an encoded frame on a session's outbound buffer without
// ever blocking. It reports false when the session is no longer registered,
// already closed, or its buffer is full.
func (h *Hub) safeSend(session *Session, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			logrus.Debugf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock during the entire send operation to prevent race conditions
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.sessions[session]
	if !exists || session.closed {
		return false
	}

	select {
	case session.send <- payload:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling session registration,
// unregistration, and the pending-request timeout sweep. This method should
// be called in a separate goroutine as it runs indefinitely.
func (h *Hub) Run() {
	defer close(h.done)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.router.runSweeper(h.ctx)
	}()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return

		case session := <-h.register:
			if session == nil {
				logrus.Warn("Received nil session registration; skipping")
				continue
			}

			h.mutex.Lock()
			session.closed = false
			h.sessions[session] = true
			sessionCount := len(h.sessions)
			h.mutex.Unlock()
			logrus.WithFields(logrus.Fields{
				"client": session.Name(),
				"addr":   session.addr,
				"total":  sessionCount,
			}).Debug("Session registered")

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				session.writePump()
			}()
			go func() {
				defer h.wg.Done()
				session.readPump()
			}()

		case session := <-h.unregister:
			h.removeSession(session)
		}
	}
}

// removeSession drops a session from hub membership, releases its name in
// the connection registry (compare-and-remove, so a displaced session never
// evicts its replacement), and clears its pending requests.
func (h *Hub) removeSession(session *Session) {
	h.mutex.Lock()
	_, ok := h.sessions[session]
	if ok {
		delete(h.sessions, session)
		session.closed = true
	}
	sessionCount := len(h.sessions)
	h.mutex.Unlock()

	if !ok {
		return
	}

	// Close the channel after releasing the lock
	close(session.send)

	if name := session.Name(); name != "" {
		h.registry.Unregister(name, session)
	}
	h.router.DropPendingFor(session)

	logrus.WithFields(logrus.Fields{
		"event":      eventDisconnect,
		"client":     session.Name(),
		"session_id": session.ID(),
		"addr":       session.addr,
		"reason":     session.getCloseReason(),
		"duration":   time.Since(session.ConnectedAt()).Round(time.Millisecond),
		"total":      sessionCount,
	}).Info("Client disconnected")
}

// shutdownSessions gracefully closes all active connections.
func (h *Hub) shutdownSessions() {
	logrus.Info("Shutting down all relay sessions...")

	h.mutex.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.mutex.Unlock()

	for _, session := range sessions {
		session.setCloseReason(disconnectShutdown)
		if session.conn != nil {
			if err := session.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					logrus.WithField("addr", session.addr).Debugf("Error closing session connection: %v", err)
				}
			}
		}
	}

	logrus.Infof("Closed %d relay sessions", len(sessions))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines
// to complete. It returns after all sessions are closed and goroutines have
// finished, or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	logrus.Info("Initiating hub shutdown...")

	// Signal shutdown
	h.cancel()

	// Wait for Run() to complete
	<-h.done

	// Wait for all session goroutines to finish with timeout
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		logrus.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
