// Package testhelpers provides common utilities and helper functions for
// testing the relay server.
//
// This package contains reusable test utilities that are shared across
// integration tests: spinning up a relay over httptest, dialing WebSocket
// connections, running the auth handshake, and reading typed packets with
// deadlines.
package testhelpers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sglanz/wsbridge/internal/server"
)

// Relay bundles a running relay instance with everything a test needs to
// talk to it and tear it down.
type Relay struct {
	Hub    *server.Hub
	Server *httptest.Server
}

// WSURL returns the ws:// URL of the relay's WebSocket endpoint.
func (r *Relay) WSURL() string {
	return "ws" + strings.TrimPrefix(r.Server.URL, "http") + "/ws"
}

// StartRelay applies cfg, starts a hub and an httptest server around it, and
// registers cleanup with t. The test origin is always allowed.
func StartRelay(t *testing.T, cfg *server.Config) *Relay {
	t.Helper()

	server.SetConfig(cfg)
	hub := server.NewHub(cfg)
	server.StartHub(hub)

	ts := httptest.NewServer(server.SetupRoutes(hub))

	t.Cleanup(func() {
		ts.Close()
		_ = hub.Shutdown(5 * time.Second)
		server.SetConfig(nil)
	})

	return &Relay{Hub: hub, Server: ts}
}

// DefaultConfig returns a relay configuration with the standard test client
// table and a short request timeout suitable for integration tests.
func DefaultConfig() *server.Config {
	cfg := server.NewConfig()
	cfg.Clients = map[string]string{
		"client1_token":     "client1",
		"deutschland_token": "deutschland",
	}
	cfg.RequestTimeout = time.Second
	cfg.AllowedOrigins = []string{"*"}
	return cfg
}

// Dial opens a WebSocket connection to the relay without authenticating.
func Dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// DialWithOrigin opens a WebSocket connection carrying an explicit Origin
// header, for origin-policy tests.
func DialWithOrigin(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", origin)
	return dialer.Dial(url, headers)
}

// SendPacket writes one packet as a JSON text frame.
func SendPacket(t *testing.T, conn *websocket.Conn, pkt *server.Packet) {
	t.Helper()
	if err := conn.WriteJSON(pkt); err != nil {
		t.Fatalf("Failed to send %s packet: %v", pkt.Kind, err)
	}
}

// ReadPacket reads the next frame and decodes it, failing the test if
// nothing arrives within timeout.
func ReadPacket(t *testing.T, conn *websocket.Conn, timeout time.Duration) *server.Packet {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var pkt server.Packet
	if err := conn.ReadJSON(&pkt); err != nil {
		t.Fatalf("Failed to read packet: %v", err)
	}
	return &pkt
}

// Authenticate runs the handshake with the given token and asserts success.
// It returns the name the server assigned.
func Authenticate(t *testing.T, conn *websocket.Conn, token string) string {
	t.Helper()

	SendPacket(t, conn, &server.Packet{Kind: server.KindAuthRequest, Token: token})
	resp := ReadPacket(t, conn, 5*time.Second)
	if resp.Kind != server.KindAuthResponse {
		t.Fatalf("Expected auth_response, got %s", resp.Kind)
	}
	if resp.Status != server.StatusOK {
		t.Fatalf("Authentication failed: %s", resp.Reason)
	}
	return resp.Name
}

// Connect dials and authenticates in one step.
func Connect(t *testing.T, relay *Relay, token string) *websocket.Conn {
	t.Helper()

	conn := Dial(t, relay.WSURL())
	Authenticate(t, conn, token)
	return conn
}

// ExpectClose reads until the connection reports a close error and returns
// the close code, or -1 if the connection failed some other way.
func ExpectClose(t *testing.T, conn *websocket.Conn, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("Failed to set read deadline: %v", err)
		}
		_, _, err := conn.ReadMessage()
		if err == nil {
			if time.Now().After(deadline) {
				t.Fatal("Connection still open after deadline")
			}
			continue
		}
		if closeErr, ok := err.(*websocket.CloseError); ok {
			return closeErr.Code
		}
		return -1
	}
}

// ExpectNoPacket asserts that nothing arrives on conn within timeout.
func ExpectNoPacket(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no packet, but received: %s", raw)
	}
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of packets: %v", err)
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
// It fails the test with a descriptive error message if the status codes don't match.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}
