package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/retry"
)

// ClientState is the connection state of a push client.
type ClientState string

const (
	ClientConnecting ClientState = "connecting"
	ClientConnected  ClientState = "connected"
	ClientWaiting    ClientState = "waiting"
	ClientExhausted  ClientState = "exhausted"
	ClientStopped    ClientState = "stopped"
)

// ClientConfig configures a push client.
type ClientConfig struct {
	// URL is the ws:// or wss:// push endpoint.
	URL string

	// Token returns the bearer token presented at each handshake.
	Token func() string

	// Reconnect decides delays between attempts (min(base*2^n, cap)) and how
	// many reconnect attempts are made before giving up until Trigger.
	Reconnect retry.Policy

	// PingInterval is how often the client pings. PongTimeout is how long it
	// waits for the answer before treating the connection as dead.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// HandshakeTimeout bounds dial plus the connected ack.
	HandshakeTimeout time.Duration

	// OnEvent receives every server event other than connected and pong.
	OnEvent func(Envelope)

	// OnState receives state transitions.
	OnState func(ClientState)

	HTTPClient *http.Client
	Logger     *zap.Logger

	// After is the timer used for reconnect delays. Defaults to time.After.
	After func(time.Duration) <-chan time.Time
}

// DefaultClientConfig returns a 1s base delay, 30s cap and 10 attempts.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:              url,
		Reconnect:        retry.NewPolicy(retry.ModeExponential, time.Second, 30*time.Second, 10),
		PingInterval:     25 * time.Second,
		PongTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Client keeps a push connection open, reconnecting with backoff.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	trigger chan struct{}

	mu       sync.Mutex
	state    ClientState
	connID   string
	attempts int
}

// NewClient creates a client. Call Run to connect.
func NewClient(cfg ClientConfig) *Client {
	def := DefaultClientConfig(cfg.URL)
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = def.Reconnect
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	return &Client{
		cfg:     cfg,
		logger:  logging.OrNop(cfg.Logger).Named("push"),
		trigger: make(chan struct{}, 1),
		state:   ClientStopped,
	}
}

// State returns the current connection state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the id assigned by the server for the current
// connection, or "" when disconnected.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Trigger resets the attempt counter and reconnects immediately if the client
// is waiting or exhausted. Typical callers: connectivity regained, new token.
func (c *Client) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	if s != ClientConnected {
		c.connID = ""
	}
	c.mu.Unlock()
	if changed && c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

// Run connects and keeps reconnecting until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(ClientStopped)

	for {
		c.setState(ClientConnecting)
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if c.cfg.Reconnect.Exhausted(attempt) {
			c.logger.Warn("push reconnect attempts exhausted", logging.Attempt(attempt-1), zap.Error(err))
			c.setState(ClientExhausted)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.trigger:
				c.resetAttempts()
				continue
			}
		}

		delay := c.cfg.Reconnect.Delay(attempt)
		c.logger.Debug("push disconnected, reconnecting",
			logging.Attempt(attempt), zap.Duration("delay", delay), zap.Error(err))
		c.setState(ClientWaiting)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.trigger:
			c.resetAttempts()
		case <-c.cfg.After(delay):
		}
	}
}

func (c *Client) resetAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

// Attempts returns the number of consecutive failed attempts.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// errConnectionLost wraps the failure of an established session.
var errConnectionLost = errors.New("connection lost")

// session dials, waits for the connected ack and then serves the connection
// until it fails.
func (c *Client) session(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.Token != nil {
		if tok := c.cfg.Token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	conn, resp, err := websocket.Dial(hctx, c.cfg.URL, &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("push handshake rejected: %w", ErrUnauthenticated)
		}
		return fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(hctx)
	if err != nil {
		return fmt.Errorf("failed to read connected ack: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to parse connected ack: %w", err)
	}
	if env.Type != TypeConnected {
		return fmt.Errorf("expected %s, got %s", TypeConnected, env.Type)
	}
	var ack Connected
	if err := env.Decode(&ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.connID = ack.ConnectionID
	c.attempts = 0
	c.mu.Unlock()
	c.logger.Info("push connected", logging.ConnID(ack.ConnectionID))
	c.setState(ClientConnected)

	sctx, stop := context.WithCancel(ctx)
	defer stop()

	pongs := make(chan struct{}, 1)
	go c.pingLoop(sctx, conn, pongs, stop)

	for {
		_, data, err := conn.Read(sctx)
		if err != nil {
			return fmt.Errorf("%w: %v", errConnectionLost, err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("ignoring malformed frame", zap.Error(err))
			continue
		}
		switch env.Type {
		case TypePong:
			select {
			case pongs <- struct{}{}:
			default:
			}
		case TypeConnected:
		default:
			if c.cfg.OnEvent != nil {
				c.cfg.OnEvent(env)
			}
		}
	}
}

// pingLoop sends a ping every PingInterval and drops the connection when a
// pong does not arrive within PongTimeout.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, pongs <-chan struct{}, stop context.CancelFunc) {
	ping, _ := NewEnvelope(TypePing, nil)
	data, _ := json.Marshal(ping)

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		wctx, cancel := context.WithTimeout(ctx, c.cfg.PongTimeout)
		err := conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			stop()
			return
		}

		timer := time.NewTimer(c.cfg.PongTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-pongs:
			timer.Stop()
		case <-timer.C:
			c.logger.Warn("pong timeout, dropping push connection")
			_ = conn.Close(websocket.StatusGoingAway, "pong timeout")
			stop()
			return
		}
	}
}
