// Package server defines the wire protocol used between relay clients and the
// server: one JSON-encoded packet per WebSocket text frame.
package server

import (
	"encoding/json"
	"fmt"
)

// PacketKind tags the type of a wire packet. The set is closed; decoding an
// unknown kind is a protocol error.
type PacketKind string

const (
	// KindAuthRequest carries a client token and must be the first frame on
	// every new connection.
	KindAuthRequest PacketKind = "auth_request"
	// KindAuthResponse reports handshake success or failure to the client.
	KindAuthResponse PacketKind = "auth_response"
	// KindRequest addresses a payload to another client by name and opens a
	// pending correlation awaiting a matching response.
	KindRequest PacketKind = "request"
	// KindResponse answers a previously forwarded request by correlation id.
	KindResponse PacketKind = "response"
	// KindRoutingError reports a failed delivery back to the requester.
	KindRoutingError PacketKind = "routing_error"
	// KindDisconnectNotice is sent best-effort before the server closes a
	// connection it decided to terminate.
	KindDisconnectNotice PacketKind = "disconnect_notice"
	// KindPing and KindPong are application-level keepalives; they bypass
	// correlation tracking entirely.
	KindPing PacketKind = "ping"
	KindPong PacketKind = "pong"
)

// Authentication response statuses.
const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Failure reasons carried in auth_response, routing_error, and
// disconnect_notice packets.
const (
	ReasonInvalidToken         = "invalid_token"
	ReasonNameMismatch         = "name_mismatch"
	ReasonMalformedHandshake   = "malformed_handshake"
	ReasonUnreachable          = "destination_unreachable"
	ReasonRequestTimeout       = "request_timeout"
	ReasonNotAuthenticated     = "not_authenticated"
	ReasonDuplicateCorrelation = "duplicate_correlation_id"
	ReasonSuperseded           = "superseded"
	ReasonIdleTimeout          = "idle_timeout"
)

// WebSocket close codes in the application range, mirroring the reasons a
// connection is terminated by the server.
const (
	CloseSuperseded        = 4000
	CloseInvalidToken      = 4001
	CloseNameMismatch      = 4002
	CloseProtocolViolation = 4003
	CloseIdleTimeout       = 4004
)

// Packet is the wire envelope for every frame exchanged with the relay.
// Which fields are meaningful depends on Kind; unused fields are omitted on
// the wire. Payload is opaque to the server and forwarded verbatim.
type Packet struct {
	Kind          PacketKind      `json:"kind"`
	Token         string          `json:"token,omitempty"`
	Name          string          `json:"name,omitempty"`
	Status        string          `json:"status,omitempty"`
	Destination   string          `json:"destination,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Sender        string          `json:"sender,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

var knownKinds = map[PacketKind]struct{}{
	KindAuthRequest:      {},
	KindAuthResponse:     {},
	KindRequest:          {},
	KindResponse:         {},
	KindRoutingError:     {},
	KindDisconnectNotice: {},
	KindPing:             {},
	KindPong:             {},
}

// DecodePacket parses a single frame into a Packet, rejecting frames that are
// not valid JSON or that carry an unknown kind.
func DecodePacket(raw []byte) (*Packet, error) {
	var pkt Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return nil, &ProtocolViolation{Reason: "malformed_frame", Err: err}
	}
	if _, ok := knownKinds[pkt.Kind]; !ok {
		return nil, &ProtocolViolation{Reason: fmt.Sprintf("unknown packet kind %q", pkt.Kind)}
	}
	return &pkt, nil
}

// EncodePacket serializes a packet for the wire.
func EncodePacket(pkt *Packet) ([]byte, error) {
	data, err := json.Marshal(pkt)
	if err != nil {
		return nil, fmt.Errorf("encode %s packet: %w", pkt.Kind, err)
	}
	return data, nil
}

func newAuthSuccess(name string) *Packet {
	return &Packet{Kind: KindAuthResponse, Status: StatusOK, Name: name}
}

func newAuthFailure(reason string) *Packet {
	return &Packet{Kind: KindAuthResponse, Status: StatusFail, Reason: reason}
}

func newRoutingError(correlationID, reason string) *Packet {
	return &Packet{Kind: KindRoutingError, CorrelationID: correlationID, Reason: reason}
}

func newDisconnectNotice(reason string) *Packet {
	return &Packet{Kind: KindDisconnectNotice, Reason: reason}
}
