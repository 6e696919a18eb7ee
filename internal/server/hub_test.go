package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHubConfig() *Config {
	cfg := NewConfig()
	cfg.Clients = map[string]string{
		"client1_token":     "client1",
		"deutschland_token": "deutschland",
	}
	cfg.RequestTimeout = time.Second
	return cfg
}

func TestNewHubWiring(t *testing.T) {
	hub := NewHub(testHubConfig())

	require.NotNil(t, hub.Registry())
	require.NotNil(t, hub.Router())

	name, ok := hub.tokens.Lookup("client1_token")
	require.True(t, ok)
	assert.Equal(t, "client1", name)

	assert.NotNil(t, hub.GetRegisterChan())
	assert.NotNil(t, hub.GetUnregisterChan())
}

func TestSafeSendUnknownSession(t *testing.T) {
	hub := NewHub(testHubConfig())
	session := newBareSession("stranger")

	assert.False(t, hub.safeSend(session, []byte("{}")), "sessions outside hub membership are unreachable")
}

func TestSafeSendQueueStates(t *testing.T) {
	hub := NewHub(testHubConfig())
	session := newBareSession("member")
	session.send = make(chan []byte, 1)

	hub.mutex.Lock()
	hub.sessions[session] = true
	hub.mutex.Unlock()

	assert.True(t, hub.safeSend(session, []byte("{}")))
	assert.False(t, hub.safeSend(session, []byte("{}")), "full buffer drops instead of blocking")

	hub.mutex.Lock()
	session.closed = true
	hub.mutex.Unlock()
	assert.False(t, hub.safeSend(session, []byte("{}")), "closed session is unreachable")
}

func TestHubRemoveSessionReleasesName(t *testing.T) {
	hub := NewHub(testHubConfig())
	session := newBareSession("a")
	session.setIdentity("client1")

	hub.mutex.Lock()
	hub.sessions[session] = true
	hub.mutex.Unlock()
	hub.registry.Register("client1", session)

	hub.removeSession(session)

	assert.Nil(t, hub.registry.Lookup("client1"))
	assert.False(t, hub.safeSend(session, []byte("{}")))

	// Idempotent: a second unregister for the same session is a no-op.
	hub.removeSession(session)
}

func TestHubRemoveSessionKeepsReplacement(t *testing.T) {
	hub := NewHub(testHubConfig())
	stale := newBareSession("stale")
	stale.setIdentity("client1")
	replacement := newBareSession("new")
	replacement.setIdentity("client1")

	hub.mutex.Lock()
	hub.sessions[stale] = true
	hub.sessions[replacement] = true
	hub.mutex.Unlock()

	hub.registry.Register("client1", stale)
	hub.registry.Register("client1", replacement)

	hub.removeSession(stale)
	assert.Same(t, replacement, hub.registry.Lookup("client1"))
}

func TestHubRemoveSessionDropsPending(t *testing.T) {
	hub := NewHub(testHubConfig())
	a := newBareSession("a")
	a.setIdentity("client1")
	b := newBareSession("b")
	b.setIdentity("deutschland")

	hub.mutex.Lock()
	hub.sessions[a] = true
	hub.sessions[b] = true
	hub.mutex.Unlock()
	hub.registry.Register("client1", a)
	hub.registry.Register("deutschland", b)

	require.NoError(t, hub.router.Route(a, &Packet{
		Kind:          KindRequest,
		Destination:   "deutschland",
		CorrelationID: "1",
	}))
	require.Equal(t, 1, hub.router.PendingCount())

	hub.removeSession(a)
	assert.Equal(t, 0, hub.router.PendingCount(), "disconnect cleans pending requests eagerly")
}

func TestHubShutdownIdle(t *testing.T) {
	hub := NewHub(testHubConfig())
	go hub.Run()

	err := hub.Shutdown(time.Second)
	assert.NoError(t, err)
}
