package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
)

// HubConfig holds hub configuration.
type HubConfig struct {
	// Verifier authenticates connections. Required.
	Verifier TokenVerifier

	// SendBuffer is the per-connection outbound queue length. Envelopes for
	// a full queue are dropped.
	SendBuffer int

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// AuthTimeout bounds the wait for an in-band auth envelope when the
	// handshake carried no token.
	AuthTimeout time.Duration

	// Backplane relays broadcasts between hub instances. Optional.
	Backplane Backplane

	// InstanceID identifies this hub on the backplane. Generated when empty.
	InstanceID string

	Logger  *zap.Logger
	Metrics metrics.Recorder
}

// DefaultHubConfig returns sensible defaults. Verifier must still be set.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer:   64,
		WriteTimeout: 5 * time.Second,
		AuthTimeout:  5 * time.Second,
	}
}

// subscriber is one authenticated connection.
type subscriber struct {
	id       string
	identity Identity
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
}

// SubscriberInfo describes a live connection.
type SubscriberInfo struct {
	ConnectionID string `json:"connectionId"`
	Subject      string `json:"subject"`
	Branch       string `json:"branch"`
}

type delivery struct {
	scope Scope
	env   Envelope
}

// Hub tracks push subscribers and fans envelopes out to them.
type Hub struct {
	cfg     HubConfig
	logger  *zap.Logger
	metrics metrics.Recorder

	subs   map[string]*subscriber
	subsMu sync.RWMutex

	broadcast chan delivery

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub. Call Start before serving connections.
func NewHub(cfg HubConfig) *Hub {
	def := DefaultHubConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = def.AuthTimeout
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:       cfg,
		logger:    logging.OrNop(cfg.Logger).Named("hub"),
		metrics:   metrics.OrNoop(cfg.Metrics),
		subs:      make(map[string]*subscriber),
		broadcast: make(chan delivery, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs the broadcast loop and, when configured, the backplane
// subscription.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()

	if h.cfg.Backplane != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			err := h.cfg.Backplane.Subscribe(h.ctx, h.onBackplane)
			if err != nil && !errors.Is(err, context.Canceled) {
				h.logger.Error("backplane subscription ended", zap.Error(err))
			}
		}()
	}
}

// Stop closes every connection and waits for the hub goroutines.
func (h *Hub) Stop() {
	h.subsMu.Lock()
	h.cancel()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subsMu.Unlock()

	for _, s := range subs {
		h.remove(s, websocket.StatusGoingAway, "server shutting down")
	}
	h.wg.Wait()
}

// Publish delivers env to every local subscriber in scope and relays it to
// other instances through the backplane. It never blocks on subscribers.
func (h *Hub) Publish(ctx context.Context, scope Scope, env Envelope) error {
	h.enqueue(delivery{scope: scope, env: env})

	if h.cfg.Backplane == nil {
		return nil
	}
	data, err := json.Marshal(backplaneMessage{
		Origin:   h.cfg.InstanceID,
		Scope:    scope.spec(),
		Envelope: env,
	})
	if err != nil {
		return err
	}
	return h.cfg.Backplane.Publish(ctx, data)
}

func (h *Hub) enqueue(d delivery) {
	select {
	case h.broadcast <- d:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("broadcast channel full, dropping envelope", logging.Event(string(d.env.Type)))
	}
}

func (h *Hub) onBackplane(data []byte) {
	var msg backplaneMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("ignoring malformed backplane message", zap.Error(err))
		return
	}
	if msg.Origin == h.cfg.InstanceID {
		return
	}
	h.enqueue(delivery{scope: msg.Scope.scope(), env: msg.Envelope})
}

// broadcastLoop fans each delivery out to matching subscribers.
func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case d := <-h.broadcast:
			data, err := json.Marshal(d.env)
			if err != nil {
				h.logger.Error("failed to marshal envelope", zap.Error(err))
				continue
			}

			h.subsMu.RLock()
			targets := make([]*subscriber, 0, len(h.subs))
			for _, s := range h.subs {
				if d.scope.Matches(s.identity) {
					targets = append(targets, s)
				}
			}
			h.subsMu.RUnlock()

			dropped := 0
			for _, s := range targets {
				select {
				case s.send <- data:
				default:
					dropped++
				}
			}
			h.metrics.IncBroadcast(string(d.env.Type))
			if dropped > 0 {
				h.metrics.AddBroadcastDropped(dropped)
				h.logger.Warn("subscriber buffers full, envelope dropped",
					logging.Event(string(d.env.Type)), zap.Int("dropped", dropped))
			}
			h.logger.Debug("broadcast",
				logging.Event(string(d.env.Type)),
				zap.Stringer("scope", d.scope),
				logging.Subscribers(len(targets)))
		}
	}
}

// ServeHTTP upgrades the request to a push connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	var (
		identity Identity
		authed   bool
	)
	if token := TokenFromRequest(r); token != "" {
		id, err := h.cfg.Verifier.Verify(token)
		if err != nil {
			h.logger.Info("rejecting push handshake", zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		identity, authed = id, true
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if !authed {
		id, err := h.authenticateInBand(conn)
		if err != nil {
			h.logger.Info("rejecting push connection", zap.Error(err))
			h.writeError(conn, "unauthorized")
			_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
			return
		}
		identity = id
	}

	s := &subscriber{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendBuffer),
		done:     make(chan struct{}),
	}

	ack, _ := NewEnvelope(TypeConnected, Connected{ConnectionID: s.id})
	ackData, _ := json.Marshal(ack)
	s.send <- ackData

	// Stop cancels under subsMu, so a subscriber registered here is either
	// seen by Stop or refused.
	h.subsMu.Lock()
	if h.ctx.Err() != nil {
		h.subsMu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	h.subs[s.id] = s
	count := len(h.subs)
	h.wg.Add(1)
	h.subsMu.Unlock()
	h.metrics.SetHubConnections(count)

	h.logger.Info("subscriber connected",
		logging.ConnID(s.id), logging.Subject(identity.Subject), logging.Branch(identity.Branch),
		logging.Subscribers(count))

	go h.writeLoop(s)
	h.readLoop(s)
}

// authenticateInBand waits for the first frame, which must be an auth
// envelope.
func (h *Hub) authenticateInBand(conn *websocket.Conn) (Identity, error) {
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.AuthTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return Identity{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != TypeAuth {
		return Identity{}, ErrUnauthenticated
	}
	var auth Auth
	if err := env.Decode(&auth); err != nil {
		return Identity{}, ErrUnauthenticated
	}
	return h.cfg.Verifier.Verify(auth.Token)
}

func (h *Hub) writeError(conn *websocket.Conn, msg string) {
	env, _ := NewEnvelope(TypeError, ErrorPayload{Message: msg})
	data, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// readLoop handles client frames until the connection ends.
func (h *Hub) readLoop(s *subscriber) {
	defer h.remove(s, websocket.StatusNormalClosure, "")

	for {
		_, data, err := s.conn.Read(h.ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Debug("ignoring malformed frame", logging.ConnID(s.id), zap.Error(err))
			continue
		}
		switch env.Type {
		case TypePing:
			pong, _ := NewEnvelope(TypePong, Pong{Timestamp: time.Now().UTC()})
			out, _ := json.Marshal(pong)
			select {
			case s.send <- out:
			default:
			}
		case TypeAuth:
			// Already authenticated.
		default:
			h.logger.Debug("ignoring client frame", logging.ConnID(s.id), logging.Event(string(env.Type)))
		}
	}
}

// writeLoop is the only writer on the connection.
func (h *Hub) writeLoop(s *subscriber) {
	defer h.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			ctx, cancel := context.WithTimeout(h.ctx, h.cfg.WriteTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Debug("write failed", logging.ConnID(s.id), zap.Error(err))
				h.remove(s, websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// remove unregisters s and closes its connection. Safe to call repeatedly.
func (h *Hub) remove(s *subscriber, code websocket.StatusCode, reason string) {
	h.subsMu.Lock()
	if _, exists := h.subs[s.id]; !exists {
		h.subsMu.Unlock()
		return
	}
	delete(h.subs, s.id)
	count := len(h.subs)
	h.subsMu.Unlock()

	close(s.done)
	_ = s.conn.Close(code, reason)
	h.metrics.SetHubConnections(count)
	h.logger.Info("subscriber disconnected", logging.ConnID(s.id), logging.Subscribers(count))
}

// SubscriberCount returns the number of live connections.
func (h *Hub) SubscriberCount() int {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()
	return len(h.subs)
}

// Subscribers lists the live connections.
func (h *Hub) Subscribers() []SubscriberInfo {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()

	out := make([]SubscriberInfo, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, SubscriberInfo{
			ConnectionID: s.id,
			Subject:      s.identity.Subject,
			Branch:       s.identity.Branch,
		})
	}
	return out
}
