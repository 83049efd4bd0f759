package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/retry"
)

// delayRecorder replaces time.After and records every requested delay.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) After(delay time.Duration) <-chan time.Time {
	d.mu.Lock()
	d.delays = append(d.delays, delay)
	d.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (d *delayRecorder) Delays() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}

type stateLog struct {
	mu     sync.Mutex
	states []ClientState
}

func (s *stateLog) record(st ClientState) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *stateLog) last() ClientState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return ""
	}
	return s.states[len(s.states)-1]
}

func TestClient_ReconnectBackoffExhaustsUntilTrigger(t *testing.T) {
	// Nothing listens here, every dial fails fast.
	dead := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(dead)
	dead.Close()

	rec := &delayRecorder{}
	states := &stateLog{}
	cfg := DefaultClientConfig(url)
	cfg.Reconnect = retry.NewPolicy(retry.ModeExponential, 100*time.Millisecond, 500*time.Millisecond, 5)
	cfg.HandshakeTimeout = time.Second
	cfg.After = rec.After
	cfg.OnState = states.record
	c := NewClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == ClientExhausted }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}, rec.Delays())
	assert.Equal(t, ClientExhausted, states.last())

	// Stays put until something external resets it.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.Delays(), 5)

	c.Trigger()
	require.Eventually(t, func() bool { return len(rec.Delays()) == 10 && c.State() == ClientExhausted },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, rec.Delays()[5], "trigger resets the counter")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, ClientStopped, c.State())
}

func TestClient_ConnectsAndReceivesEvents(t *testing.T) {
	hub, srv := newTestHub(t, nil)

	events := make(chan Envelope, 4)
	cfg := DefaultClientConfig(wsURL(srv))
	cfg.Token = func() string { return token(t, "alice", "BR001") }
	cfg.OnEvent = func(env Envelope) { events <- env }
	c := NewClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return c.State() == ClientConnected }, 2*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, c.ConnectionID())
	assert.Equal(t, 1, hub.SubscriberCount())

	NewPublisher(hub, nil).ForceRefresh(context.Background(), []string{"BR001"})
	select {
	case env := <-events:
		assert.Equal(t, TypeRefreshForce, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestClient_PingPongKeepsConnection(t *testing.T) {
	hub, srv := newTestHub(t, nil)

	cfg := DefaultClientConfig(wsURL(srv))
	cfg.Token = func() string { return token(t, "alice", "BR001") }
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = time.Second
	c := NewClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return c.State() == ClientConnected }, 2*time.Second, 5*time.Millisecond)
	id := c.ConnectionID()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, id, c.ConnectionID(), "pongs arrive so the connection is kept")
	assert.Equal(t, 1, hub.SubscriberCount())
}

func TestClient_RejectedTokenCountsAsFailure(t *testing.T) {
	_, srv := newTestHub(t, nil)

	rec := &delayRecorder{}
	cfg := DefaultClientConfig(wsURL(srv))
	cfg.Token = func() string { return "garbage" }
	cfg.Reconnect = retry.NewPolicy(retry.ModeExponential, 10*time.Millisecond, 10*time.Millisecond, 2)
	cfg.After = rec.After
	c := NewClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return c.State() == ClientExhausted }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, rec.Delays(), 2)
}

func TestClient_ReconnectsAfterServerDrop(t *testing.T) {
	hub, srv := newTestHub(t, nil)

	cfg := DefaultClientConfig(wsURL(srv))
	cfg.Token = func() string { return token(t, "alice", "BR001") }
	cfg.Reconnect = retry.NewPolicy(retry.ModeExponential, 10*time.Millisecond, 50*time.Millisecond, 5)
	c := NewClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return c.State() == ClientConnected }, 2*time.Second, 5*time.Millisecond)
	first := c.ConnectionID()

	// Drop every connection server side.
	for _, s := range hub.Subscribers() {
		hub.subsMu.RLock()
		sub := hub.subs[s.ConnectionID]
		hub.subsMu.RUnlock()
		hub.remove(sub, 1001, "test drop")
	}

	require.Eventually(t, func() bool {
		id := c.ConnectionID()
		return c.State() == ClientConnected && id != "" && id != first
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, c.Attempts())
}
