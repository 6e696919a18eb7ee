// Package server dispatches packets between authenticated sessions and tracks
// request/response correlation with timeout semantics via the Router type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// minSweepInterval floors the pending-request sweep period so a very small
// request timeout cannot spin the sweeper.
const minSweepInterval = 50 * time.Millisecond

// sendFunc delivers an encoded frame to a session without blocking. It
// reports false when the session is gone or its outbound buffer is full.
type sendFunc func(*Session, []byte) bool

// pendingRequest tracks a forwarded request awaiting its matched response.
type pendingRequest struct {
	correlationID string
	origin        *Session
	destination   string
	deadline      time.Time
}

// Router resolves packet destinations through the connection registry and
// guarantees that every request resolves exactly once: forwarded response,
// routing failure, or timeout. All mutation of the pending table happens
// under one mutex; no I/O is performed while holding it.
type Router struct {
	registry       *ConnectionRegistry
	send           sendFunc
	requestTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewRouter creates a router over the given registry. send is how replies and
// forwards reach a session's stream; it must never block.
func NewRouter(registry *ConnectionRegistry, send sendFunc, requestTimeout time.Duration) *Router {
	return &Router{
		registry:       registry,
		send:           send,
		requestTimeout: requestTimeout,
		pending:        make(map[string]*pendingRequest),
	}
}

// PendingCount reports the number of requests awaiting a response.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Route dispatches one inbound packet from sender. Routing failures are
// reported back to the sender in-band and returned wrapped for the caller's
// logs; only a *ProtocolViolation is fatal to the sender's connection.
func (r *Router) Route(sender *Session, pkt *Packet) error {
	switch pkt.Kind {
	case KindPing:
		r.reply(sender, &Packet{Kind: KindPong})
		return nil
	case KindPong:
		return nil
	}

	if !sender.Authenticated() {
		// Reject the packet, keep the connection: the client may retry after
		// completing the handshake.
		r.reply(sender, newRoutingError(pkt.CorrelationID, ReasonNotAuthenticated))
		logrus.WithFields(logrus.Fields{
			"event":      eventRoutingFailure,
			"session_id": sender.ID(),
			"reason":     ReasonNotAuthenticated,
		}).Warn("Dropped packet from unauthenticated session")
		return &RelayError{Op: "route", Err: ErrNotAuthenticated}
	}

	switch pkt.Kind {
	case KindRequest:
		return r.routeRequest(sender, pkt)
	case KindResponse:
		return r.routeResponse(sender, pkt)
	default:
		return &ProtocolViolation{Reason: "unexpected " + string(pkt.Kind) + " packet from client"}
	}
}

func (r *Router) routeRequest(sender *Session, pkt *Packet) error {
	if pkt.CorrelationID == "" {
		return &ProtocolViolation{Reason: "request without correlation_id"}
	}

	dest := r.registry.Lookup(pkt.Destination)
	if dest == nil {
		// Answered immediately so the sender can tell "peer offline" apart
		// from a timeout. No pending entry is left behind.
		r.reply(sender, newRoutingError(pkt.CorrelationID, ReasonUnreachable))
		logrus.WithFields(logrus.Fields{
			"event":          eventRoutingFailure,
			"client":         sender.Name(),
			"destination":    pkt.Destination,
			"correlation_id": pkt.CorrelationID,
			"reason":         ReasonUnreachable,
		}).Warn("Request to unknown destination")
		return &RelayError{Op: "forward", Client: pkt.Destination, Err: ErrDestinationUnreachable}
	}

	r.mu.Lock()
	if _, dup := r.pending[pkt.CorrelationID]; dup {
		r.mu.Unlock()
		r.reply(sender, newRoutingError(pkt.CorrelationID, ReasonDuplicateCorrelation))
		logrus.WithFields(logrus.Fields{
			"event":          eventRoutingFailure,
			"client":         sender.Name(),
			"correlation_id": pkt.CorrelationID,
			"reason":         ReasonDuplicateCorrelation,
		}).Warn("Request reused a pending correlation id")
		return &RelayError{Op: "forward", Client: sender.Name(), Err: ErrDuplicateCorrelation}
	}
	r.pending[pkt.CorrelationID] = &pendingRequest{
		correlationID: pkt.CorrelationID,
		origin:        sender,
		destination:   pkt.Destination,
		deadline:      time.Now().Add(r.requestTimeout),
	}
	r.mu.Unlock()

	forward := *pkt
	forward.Sender = sender.Name()
	if !r.reply(dest, &forward) {
		// Slow or stalled destination: drop the frame, keep the pending
		// entry so the sweep eventually fails the correlation id.
		logrus.WithFields(logrus.Fields{
			"event":          eventRoutingFailure,
			"client":         sender.Name(),
			"destination":    pkt.Destination,
			"correlation_id": pkt.CorrelationID,
		}).Warn("Dropped request for slow destination")
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"event":          eventForward,
		"client":         sender.Name(),
		"destination":    pkt.Destination,
		"correlation_id": pkt.CorrelationID,
	}).Debug("Forwarded request")
	return nil
}

func (r *Router) routeResponse(sender *Session, pkt *Packet) error {
	r.mu.Lock()
	pr, ok := r.pending[pkt.CorrelationID]
	if ok {
		delete(r.pending, pkt.CorrelationID)
	}
	r.mu.Unlock()

	if !ok {
		// Late or spurious response; the request already resolved.
		logrus.WithFields(logrus.Fields{
			"client":         sender.Name(),
			"correlation_id": pkt.CorrelationID,
		}).Debug("Dropped response with no pending request")
		return nil
	}

	forward := *pkt
	forward.Sender = sender.Name()
	if !r.reply(pr.origin, &forward) {
		logrus.WithFields(logrus.Fields{
			"client":         sender.Name(),
			"correlation_id": pkt.CorrelationID,
		}).Debug("Dropped response; originator disconnected")
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"event":          eventForward,
		"client":         sender.Name(),
		"destination":    pr.origin.Name(),
		"correlation_id": pkt.CorrelationID,
	}).Debug("Forwarded response")
	return nil
}

// reply encodes and delivers a packet to a session, best-effort.
func (r *Router) reply(session *Session, pkt *Packet) bool {
	payload, err := EncodePacket(pkt)
	if err != nil {
		logrus.Errorf("Failed to encode %s packet: %v", pkt.Kind, err)
		return false
	}
	return r.send(session, payload)
}

// DropPendingFor eagerly removes every pending request originated by session,
// so a disconnected sender's entries do not linger until expiry.
func (r *Router) DropPendingFor(session *Session) {
	r.mu.Lock()
	for id, pr := range r.pending {
		if pr.origin == session {
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()
}

// sweepExpired removes every pending request past its deadline and, when the
// originator is still connected, sends it a timeout failure carrying the
// original correlation id.
func (r *Router) sweepExpired(now time.Time) {
	r.mu.Lock()
	var expired []*pendingRequest
	for id, pr := range r.pending {
		if now.After(pr.deadline) {
			delete(r.pending, id)
			expired = append(expired, pr)
		}
	}
	r.mu.Unlock()

	for _, pr := range expired {
		r.reply(pr.origin, newRoutingError(pr.correlationID, ReasonRequestTimeout))
		logrus.WithFields(logrus.Fields{
			"event":          eventRoutingFailure,
			"client":         pr.origin.Name(),
			"destination":    pr.destination,
			"correlation_id": pr.correlationID,
			"reason":         ReasonRequestTimeout,
		}).Warn("Request timed out")
	}
}

// sweepInterval returns the period of the timeout sweep: a fraction of the
// request timeout, floored so short timeouts stay cheap.
func (r *Router) sweepInterval() time.Duration {
	interval := r.requestTimeout / 4
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	return interval
}

// runSweeper drives the periodic timeout sweep until ctx is cancelled. One
// sweeper serves all sessions.
func (r *Router) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweepExpired(now)
		}
	}
}
