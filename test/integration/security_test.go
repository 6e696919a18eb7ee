// Package integration contains end-to-end tests for the relay server's
// authentication and access-control behavior.
package integration

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sglanz/wsbridge/internal/server"
	"github.com/sglanz/wsbridge/test/testhelpers"
)

func TestUnknownTokenIsRejected(t *testing.T) {
	relay := testhelpers.StartRelay(t, testhelpers.DefaultConfig())
	conn := testhelpers.Dial(t, relay.WSURL())

	testhelpers.SendPacket(t, conn, &server.Packet{
		Kind:  server.KindAuthRequest,
		Token: "not_a_registered_token",
	})

	resp := testhelpers.ReadPacket(t, conn, time.Second)
	if resp.Kind != server.KindAuthResponse {
		t.Fatalf("Expected auth_response, got %s", resp.Kind)
	}
	if resp.Status != server.StatusFail {
		t.Fatalf("Expected auth failure, got status %q", resp.Status)
	}
	if resp.Reason != server.ReasonInvalidToken {
		t.Errorf("Expected reason %s, got %q", server.ReasonInvalidToken, resp.Reason)
	}

	if code := testhelpers.ExpectClose(t, conn, 3*time.Second); code != server.CloseInvalidToken {
		t.Errorf("Expected close code %d, got %d", server.CloseInvalidToken, code)
	}
	if len(relay.Hub.Registry().Names()) != 0 {
		t.Error("Rejected client must not appear in the registry")
	}
}

func TestNameMismatchIsRejected(t *testing.T) {
	relay := testhelpers.StartRelay(t, testhelpers.DefaultConfig())
	conn := testhelpers.Dial(t, relay.WSURL())

	testhelpers.SendPacket(t, conn, &server.Packet{
		Kind:  server.KindAuthRequest,
		Token: "client1_token",
		Name:  "deutschland",
	})

	resp := testhelpers.ReadPacket(t, conn, time.Second)
	if resp.Status != server.StatusFail || resp.Reason != server.ReasonNameMismatch {
		t.Fatalf("Expected name mismatch failure, got status %q reason %q", resp.Status, resp.Reason)
	}
	if code := testhelpers.ExpectClose(t, conn, 3*time.Second); code != server.CloseNameMismatch {
		t.Errorf("Expected close code %d, got %d", server.CloseNameMismatch, code)
	}
}

func TestPacketBeforeAuthIsFatal(t *testing.T) {
	relay := testhelpers.StartRelay(t, testhelpers.DefaultConfig())
	conn := testhelpers.Dial(t, relay.WSURL())

	// Routing before authenticating is a protocol violation; no later
	// message may be routed.
	testhelpers.SendPacket(t, conn, &server.Packet{
		Kind:          server.KindRequest,
		Destination:   "client1",
		CorrelationID: "1",
	})

	resp := testhelpers.ReadPacket(t, conn, time.Second)
	if resp.Kind != server.KindAuthResponse || resp.Status != server.StatusFail {
		t.Fatalf("Expected auth failure, got %s/%s", resp.Kind, resp.Status)
	}
	if code := testhelpers.ExpectClose(t, conn, 3*time.Second); code != server.CloseProtocolViolation {
		t.Errorf("Expected close code %d, got %d", server.CloseProtocolViolation, code)
	}
	if relay.Hub.Router().PendingCount() != 0 {
		t.Error("No request from an unauthenticated connection may be tracked")
	}
}

func TestMalformedHandshakeFrameIsFatal(t *testing.T) {
	relay := testhelpers.StartRelay(t, testhelpers.DefaultConfig())
	conn := testhelpers.Dial(t, relay.WSURL())

	if err := conn.WriteMessage(websocket.TextMessage, []byte("this is not json")); err != nil {
		t.Fatalf("Failed to write malformed frame: %v", err)
	}

	resp := testhelpers.ReadPacket(t, conn, time.Second)
	if resp.Status != server.StatusFail || resp.Reason != server.ReasonMalformedHandshake {
		t.Fatalf("Expected malformed handshake failure, got status %q reason %q", resp.Status, resp.Reason)
	}
}

func TestHandshakeTimeoutClosesSilently(t *testing.T) {
	cfg := testhelpers.DefaultConfig()
	cfg.RequestTimeout = 300 * time.Millisecond
	relay := testhelpers.StartRelay(t, cfg)

	conn := testhelpers.Dial(t, relay.WSURL())

	// No auth_request is ever sent; the server abandons the connection
	// without a response.
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("Expected the connection to be closed without a frame")
	}
}

func TestDisallowedOriginIsBlocked(t *testing.T) {
	cfg := testhelpers.DefaultConfig()
	cfg.AllowedOrigins = []string{"https://allowed.example"}
	relay := testhelpers.StartRelay(t, cfg)

	_, resp, err := testhelpers.DialWithOrigin(relay.WSURL(), "https://evil.example")
	if err == nil {
		t.Fatal("Expected the upgrade to be refused for a disallowed origin")
	}
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != 403 {
			t.Errorf("Expected status 403, got %d", resp.StatusCode)
		}
	}

	conn, resp2, err := testhelpers.DialWithOrigin(relay.WSURL(), "https://allowed.example")
	if resp2 != nil {
		_ = resp2.Body.Close()
	}
	if err != nil {
		t.Fatalf("Expected the allowed origin to connect: %v", err)
	}
	_ = conn.Close()
}
