package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/schema"
)

var testSecret = []byte("test-secret")

func newTestHub(t *testing.T, bp Backplane) (*Hub, *httptest.Server) {
	t.Helper()
	cfg := DefaultHubConfig()
	cfg.Verifier = NewHMACVerifier(testSecret, "fieldsync")
	cfg.Backplane = bp
	hub := NewHub(cfg)
	hub.Start()

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return hub, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func token(t *testing.T, subject, branch string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, "fieldsync", subject, branch, time.Hour)
	require.NoError(t, err)
	return tok
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

// dial connects with the token in the query string and consumes the
// connected ack.
func dial(t *testing.T, srv *httptest.Server, subject, branch string) (*websocket.Conn, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv)+"?token="+token(t, subject, branch), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	env := readEnvelope(t, conn)
	require.Equal(t, TypeConnected, env.Type)
	var ack Connected
	require.NoError(t, env.Decode(&ack))
	require.NotEmpty(t, ack.ConnectionID)
	return conn, ack.ConnectionID
}

func TestVerifier(t *testing.T) {
	v := NewHMACVerifier(testSecret, "fieldsync")

	id, err := v.Verify(token(t, "alice", "BR001"))
	require.NoError(t, err)
	assert.Equal(t, Identity{Subject: "alice", Branch: "BR001"}, id)

	_, err = v.Verify("")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	other, err := IssueToken([]byte("other"), "fieldsync", "alice", "BR001", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(other)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	expired, err := IssueToken(testSecret, "fieldsync", "alice", "BR001", -time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	wrongIssuer, err := IssueToken(testSecret, "elsewhere", "alice", "BR001", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(wrongIssuer)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r))
}

func TestHub_HandshakeWithHeader(t *testing.T) {
	hub, srv := newTestHub(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token(t, "alice", "BR001")}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	env := readEnvelope(t, conn)
	assert.Equal(t, TypeConnected, env.Type)
	assert.Equal(t, 1, hub.SubscriberCount())

	subs := hub.Subscribers()
	require.Len(t, subs, 1)
	assert.Equal(t, "alice", subs[0].Subject)
	assert.Equal(t, "BR001", subs[0].Branch)
}

func TestHub_RejectsInvalidToken(t *testing.T) {
	hub, srv := newTestHub(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(srv)+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, hub.SubscriberCount())
}

func TestHub_InBandAuth(t *testing.T) {
	hub, srv := newTestHub(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	auth, err := NewEnvelope(TypeAuth, Auth{Token: token(t, "bob", "BR002")})
	require.NoError(t, err)
	writeEnvelope(t, conn, auth)

	env := readEnvelope(t, conn)
	assert.Equal(t, TypeConnected, env.Type)
	assert.Equal(t, 1, hub.SubscriberCount())
}

func TestHub_InBandAuthRejected(t *testing.T) {
	hub, srv := newTestHub(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	auth, _ := NewEnvelope(TypeAuth, Auth{Token: "garbage"})
	writeEnvelope(t, conn, auth)

	env := readEnvelope(t, conn)
	assert.Equal(t, TypeError, env.Type)

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	assert.Zero(t, hub.SubscriberCount())
}

func TestHub_PingPong(t *testing.T) {
	_, srv := newTestHub(t, nil)
	conn, _ := dial(t, srv, "alice", "BR001")

	ping, _ := NewEnvelope(TypePing, nil)
	writeEnvelope(t, conn, ping)

	env := readEnvelope(t, conn)
	require.Equal(t, TypePong, env.Type)
	var pong Pong
	require.NoError(t, env.Decode(&pong))
	assert.WithinDuration(t, time.Now(), pong.Timestamp, 5*time.Second)
}

func TestHub_ScopedFanOut(t *testing.T) {
	hub, srv := newTestHub(t, nil)
	alice, _ := dial(t, srv, "alice", "BR001")
	bob, _ := dial(t, srv, "bob", "BR002")
	carol, _ := dial(t, srv, "carol", "BR001")

	pub := NewPublisher(hub, nil)
	ctx := context.Background()

	pub.ForceRefresh(ctx, []string{"BR001"})
	for _, conn := range []*websocket.Conn{alice, carol} {
		env := readEnvelope(t, conn)
		require.Equal(t, TypeRefreshForce, env.Type)
		var rf RefreshForce
		require.NoError(t, env.Decode(&rf))
		assert.Equal(t, []string{"BR001"}, rf.Scopes)
	}

	pub.Notify(ctx, "bob", Notification{ID: "n1", Category: "info", Message: "hello"})
	env := readEnvelope(t, bob)
	assert.Equal(t, TypeNotification, env.Type, "bob never saw the BR001 refresh")

	pub.RecordChanged(ctx, &schema.Record{ID: "O1", Version: 4, Status: schema.StatusAssigned, Branch: "BR002"})
	env = readEnvelope(t, bob)
	require.Equal(t, TypeResourceChanged, env.Type)
	var rc ResourceChanged
	require.NoError(t, env.Decode(&rc))
	assert.Equal(t, ResourceChanged{ID: "O1", Status: "assigned", Version: 4, Branch: "BR002", Timestamp: rc.Timestamp}, rc)

	pub.AssignmentChanged(ctx, &schema.Record{ID: "O1"}, "carol")
	env = readEnvelope(t, carol)
	assert.Equal(t, TypeAssignmentChanged, env.Type)

	pub.ForceRefresh(ctx, nil)
	env = readEnvelope(t, alice)
	assert.Equal(t, TypeRefreshForce, env.Type, "alice saw nothing addressed to carol or bob")
	assert.Equal(t, TypeRefreshForce, readEnvelope(t, bob).Type)
}

func TestHub_RemovesOnDisconnect(t *testing.T) {
	hub, srv := newTestHub(t, nil)
	conn, _ := dial(t, srv, "alice", "BR001")
	require.Equal(t, 1, hub.SubscriberCount())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RefusesConnectionsAfterStop(t *testing.T) {
	hub, srv := newTestHub(t, nil)
	live, _ := dial(t, srv, "alice", "BR001")
	require.Equal(t, 1, hub.SubscriberCount())

	hub.Stop()
	assert.Zero(t, hub.SubscriberCount())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := live.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	_, resp, err := websocket.Dial(ctx, wsURL(srv)+"?token="+token(t, "bob", "BR001"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, hub.SubscriberCount())
}

func TestScope(t *testing.T) {
	alice := Identity{Subject: "alice", Branch: "BR001"}
	assert.True(t, Global().Matches(alice))
	assert.True(t, ToSubject("alice").Matches(alice))
	assert.False(t, ToSubject("bob").Matches(alice))
	assert.True(t, ToBranches("BR002", "BR001").Matches(alice))
	assert.False(t, ToBranches().Matches(alice))
	assert.Equal(t, "branches:BR001,BR002", ToBranches("BR002", "BR001").String())

	round := ToBranches("BR001").spec().scope()
	assert.True(t, round.Matches(alice))
}

func TestRefreshForce_AppliesTo(t *testing.T) {
	assert.True(t, RefreshForce{}.AppliesTo("BR002"))
	assert.True(t, RefreshForce{Scopes: []string{"BR001"}}.AppliesTo("BR001"))
	assert.False(t, RefreshForce{Scopes: []string{"BR001"}}.AppliesTo("BR002"))
}

// memBackplane connects hubs in one process.
type memBackplane struct {
	mu   sync.Mutex
	subs []chan []byte
}

func (m *memBackplane) Publish(_ context.Context, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		ch <- msg
	}
	return nil
}

func (m *memBackplane) Subscribe(ctx context.Context, fn func([]byte)) error {
	ch := make(chan []byte, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			fn(msg)
		}
	}
}

func (m *memBackplane) Close() error { return nil }

func TestHub_Backplane(t *testing.T) {
	bp := &memBackplane{}
	hubA, _ := newTestHub(t, bp)
	_, srvB := newTestHub(t, bp)

	require.Eventually(t, func() bool {
		bp.mu.Lock()
		defer bp.mu.Unlock()
		return len(bp.subs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	conn, _ := dial(t, srvB, "bob", "BR002")

	NewPublisher(hubA, nil).ForceRefresh(context.Background(), []string{"BR002"})
	env := readEnvelope(t, conn)
	assert.Equal(t, TypeRefreshForce, env.Type)
}
