// Package connectivity tracks whether the server authority is reachable and
// emits edge-triggered online/offline transitions.
package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/internal/logging"
)

// Probe checks reachability once. A nil error means online.
type Probe func(ctx context.Context) error

// HTTPProbe returns a Probe that GETs url and treats any non-5xx response as
// reachable.
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to build probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("probe %s returned %d", url, resp.StatusCode)
		}
		return nil
	}
}

// Config configures the monitor.
type Config struct {
	// Probe is polled every Interval by Run. May be nil when transitions are
	// only reported through SetOnline.
	Probe Probe

	Interval time.Duration
	Timeout  time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns a 10s probe interval with a 3s timeout.
func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Second,
		Timeout:  3 * time.Second,
	}
}

// Monitor holds the current reachability. It starts offline.
type Monitor struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// New creates a monitor with default settings and the given probe.
func New(probe Probe) *Monitor {
	cfg := DefaultConfig()
	cfg.Probe = probe
	return NewWithConfig(cfg)
}

// NewWithConfig creates a monitor with custom settings.
func NewWithConfig(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Monitor{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger).Named("connectivity"),
		subs:   make(map[int]chan bool),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the observed state. Subscribers are notified only when
// the state changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online
	m.logger.Info("connectivity changed", zap.Bool("online", online))

	for _, ch := range m.subs {
		// Keep only the latest state for slow subscribers.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe returns a channel receiving every transition and a cancel
// function that unregisters it.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

// Check runs the probe once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.cfg.Probe == nil {
		return m.Online()
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	err := m.cfg.Probe(ctx)
	if err != nil {
		m.logger.Debug("probe failed", zap.Error(err))
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Run probes immediately and then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.Probe == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	m.Check(ctx)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
