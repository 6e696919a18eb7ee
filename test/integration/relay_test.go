// Package integration contains end-to-end tests for the relay server.
//
// These tests verify that the complete system behaves correctly with real
// HTTP servers and WebSocket connections: authentication, packet routing,
// correlation timeouts, and session eviction.
package integration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sglanz/wsbridge/internal/server"
	"github.com/sglanz/wsbridge/test/testhelpers"
)

func TestAuthAndRelayRoundTrip(t *testing.T) {
	relay := testhelpers.StartRelay(t, testhelpers.DefaultConfig())

	a := testhelpers.Connect(t, relay, "client1_token")
	b := testhelpers.Connect(t, relay, "deutschland_token")

	testhelpers.SendPacket(t, a, &server.Packet{
		Kind:          server.KindRequest,
		Destination:   "deutschland",
		CorrelationID: "1",
		Payload:       json.RawMessage(`{"data":"P"}`),
	})

	forwarded := testhelpers.ReadPacket(t, b, time.Second)
	if forwarded.Kind != server.KindRequest {
		t.Fatalf("Expected forwarded request, got %s", forwarded.Kind)
	}
	if forwarded.Sender != "client1" {
		t.Errorf("Expected sender client1, got %q", forwarded.Sender)
	}
	if string(forwarded.Payload) != `{"data":"P"}` {
		t.Errorf("Payload not forwarded verbatim: %s", forwarded.Payload)
	}

	testhelpers.SendPacket(t, b, &server.Packet{
		Kind:          server.KindResponse,
		CorrelationID: "1",
		Payload:       json.RawMessage(`{"data":"Q"}`),
	})

	reply := testhelpers.ReadPacket(t, a, time.Second)
	if reply.Kind != server.KindResponse {
		t.Fatalf("Expected response, got %s", reply.Kind)
	}
	if reply.CorrelationID != "1" {
		t.Errorf("Expected correlation_id 1, got %q", reply.CorrelationID)
	}
	if string(reply.Payload) != `{"data":"Q"}` {
		t.Errorf("Response payload not forwarded verbatim: %s", reply.Payload)
	}
}

func TestAuthResponseCarriesName(t *testing.T) {
	relay := testhelpers.StartRelay(t, testhelpers.DefaultConfig())

	conn := testhelpers.Dial(t, relay.WSURL())
	name := testhelpers.Authenticate(t, conn, "deutschland_token")
	if name != "deutschland" {
		t.Errorf("Expected name deutschland, got %q", name)
	}
}

func TestUnreachableDestinationFailsImmediately(t *testing.T) {
	relay := testhelpers.StartRelay(t, testhelpers.DefaultConfig())
	a := testhelpers.Connect(t, relay, "client1_token")

	start := time.Now()
	testhelpers.SendPacket(t, a, &server.Packet{
		Kind:          server.KindRequest,
		Destination:   "ghost",
		CorrelationID: "2",
	})

	failure := testhelpers.ReadPacket(t, a, time.Second)
	if failure.Kind != server.KindRoutingError {
		t.Fatalf("Expected routing_error, got %s", failure.Kind)
	}
	if failure.Reason != server.ReasonUnreachable {
		t.Errorf("Expected reason %s, got %q", server.ReasonUnreachable, failure.Reason)
	}
	if failure.CorrelationID != "2" {
		t.Errorf("Expected correlation_id 2, got %q", failure.CorrelationID)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Unreachable failure took %s; expected an immediate answer", elapsed)
	}
	if relay.Hub.Router().PendingCount() != 0 {
		t.Error("Unreachable request left a dangling pending entry")
	}
}

func TestRequestTimeoutWhenDestinationSilent(t *testing.T) {
	relay := testhelpers.StartRelay(t, testhelpers.DefaultConfig())

	a := testhelpers.Connect(t, relay, "client1_token")
	b := testhelpers.Connect(t, relay, "deutschland_token")

	start := time.Now()
	testhelpers.SendPacket(t, a, &server.Packet{
		Kind:          server.KindRequest,
		Destination:   "deutschland",
		CorrelationID: "slow",
	})

	// The destination receives the request but never answers.
	forwarded := testhelpers.ReadPacket(t, b, time.Second)
	if forwarded.CorrelationID != "slow" {
		t.Fatalf("Destination did not receive the request")
	}

	failure := testhelpers.ReadPacket(t, a, 3*time.Second)
	elapsed := time.Since(start)
	if failure.Kind != server.KindRoutingError {
		t.Fatalf("Expected routing_error, got %s", failure.Kind)
	}
	if failure.Reason != server.ReasonRequestTimeout {
		t.Errorf("Expected reason %s, got %q", server.ReasonRequestTimeout, failure.Reason)
	}
	if failure.CorrelationID != "slow" {
		t.Errorf("Expected correlation_id slow, got %q", failure.CorrelationID)
	}

	// No earlier than the request timeout, no later than timeout plus one
	// sweep interval (with scheduling slack).
	if elapsed < 900*time.Millisecond {
		t.Errorf("Timeout fired after %s; before the request timeout", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Timeout fired after %s; too long after the request timeout", elapsed)
	}
	if relay.Hub.Router().PendingCount() != 0 {
		t.Error("Timed-out request left a dangling pending entry")
	}
}

func TestLateResponseIsDropped(t *testing.T) {
	relay := testhelpers.StartRelay(t, testhelpers.DefaultConfig())

	a := testhelpers.Connect(t, relay, "client1_token")
	b := testhelpers.Connect(t, relay, "deutschland_token")

	testhelpers.SendPacket(t, b, &server.Packet{
		Kind:          server.KindResponse,
		CorrelationID: "never-existed",
	})

	// The spurious response must not affect the sender's connection: a ping
	// sent afterwards is still answered in order.
	testhelpers.SendPacket(t, b, &server.Packet{Kind: server.KindPing})
	pong := testhelpers.ReadPacket(t, b, time.Second)
	if pong.Kind != server.KindPong {
		t.Fatalf("Expected pong, got %s", pong.Kind)
	}

	// Nobody received the dropped response.
	testhelpers.ExpectNoPacket(t, a, 300*time.Millisecond)
}

func TestSecondAuthSupersedesFirst(t *testing.T) {
	relay := testhelpers.StartRelay(t, testhelpers.DefaultConfig())

	first := testhelpers.Connect(t, relay, "client1_token")
	second := testhelpers.Connect(t, relay, "client1_token")

	notice := testhelpers.ReadPacket(t, first, time.Second)
	if notice.Kind != server.KindDisconnectNotice {
		t.Fatalf("Expected disconnect_notice, got %s", notice.Kind)
	}
	if notice.Reason != server.ReasonSuperseded {
		t.Errorf("Expected reason %s, got %q", server.ReasonSuperseded, notice.Reason)
	}

	if code := testhelpers.ExpectClose(t, first, 3*time.Second); code != server.CloseSuperseded {
		t.Errorf("Expected close code %d, got %d", server.CloseSuperseded, code)
	}

	names := relay.Hub.Registry().Names()
	if len(names) != 1 || names[0] != "client1" {
		t.Errorf("Expected registry to hold exactly [client1], got %v", names)
	}

	// Traffic for the name reaches the replacement session.
	sender := testhelpers.Connect(t, relay, "deutschland_token")
	testhelpers.SendPacket(t, sender, &server.Packet{
		Kind:          server.KindRequest,
		Destination:   "client1",
		CorrelationID: "after-evict",
	})
	forwarded := testhelpers.ReadPacket(t, second, time.Second)
	if forwarded.CorrelationID != "after-evict" {
		t.Errorf("Replacement session did not receive routed traffic")
	}
}

func TestDisconnectCleansRegistry(t *testing.T) {
	relay := testhelpers.StartRelay(t, testhelpers.DefaultConfig())

	conn := testhelpers.Connect(t, relay, "client1_token")
	waitForNames(t, relay, 1)

	_ = conn.Close()
	waitForNames(t, relay, 0)
}

func TestIdleSessionIsClosed(t *testing.T) {
	cfg := testhelpers.DefaultConfig()
	cfg.IdleTimeout = 300 * time.Millisecond
	relay := testhelpers.StartRelay(t, cfg)

	conn := testhelpers.Connect(t, relay, "client1_token")

	notice := testhelpers.ReadPacket(t, conn, 2*time.Second)
	if notice.Kind != server.KindDisconnectNotice {
		t.Fatalf("Expected disconnect_notice, got %s", notice.Kind)
	}
	if notice.Reason != server.ReasonIdleTimeout {
		t.Errorf("Expected reason %s, got %q", server.ReasonIdleTimeout, notice.Reason)
	}
	if code := testhelpers.ExpectClose(t, conn, 3*time.Second); code != server.CloseIdleTimeout {
		t.Errorf("Expected close code %d, got %d", server.CloseIdleTimeout, code)
	}
	waitForNames(t, relay, 0)
}

func waitForNames(t *testing.T, relay *testhelpers.Relay, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(relay.Hub.Registry().Names()) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Registry never reached %d names; have %v", want, relay.Hub.Registry().Names())
}
