package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"roomsync/backend/internal/auth"
	"roomsync/backend/internal/cache"
	"roomsync/backend/internal/clock"
	"roomsync/backend/internal/metrics"
	"roomsync/backend/internal/model"
)

type relayEnv struct {
	srv      *httptest.Server
	hub      *Hub
	signer   *auth.Signer
	clk      *clock.FakeClock
	presence *cache.MemoryPresence
	fanout   *recordingFanout
}

type recordingFanout struct {
	frames chan cache.Frame
}

func (f *recordingFanout) Publish(_ context.Context, fr cache.Frame) error {
	select {
	case f.frames <- fr:
	default:
	}
	return nil
}

func newRelayEnv(t *testing.T, opt Options) *relayEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clk := clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	presence := cache.NewMemoryPresence(clk)
	fan := &recordingFanout{frames: make(chan cache.Frame, 64)}
	hub := NewHub(presence, HubOptions{
		PresenceTTL: 30 * time.Second,
		Fanout:      fan,
		Metrics:     metrics.NewRelay(prometheus.NewRegistry()),
		Logger:      zaptest.NewLogger(t),
	})
	signer := auth.NewSigner("test-secret")

	r := gin.New()
	r.GET("/relay/ws", auth.Middleware(signer), NewManager(hub, opt).WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &relayEnv{srv: srv, hub: hub, signer: signer, clk: clk, presence: presence, fanout: fan}
}

func (e *relayEnv) dial(t *testing.T, user, room string) *websocket.Conn {
	t.Helper()
	tok, _, err := e.signer.SignAccessToken(user, "name-"+user, time.Hour)
	require.NoError(t, err)
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/relay/ws?room=" + url.QueryEscape(room) + "&token=" + tok
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	first := readMsg(t, conn)
	require.Equal(t, TypeSubscribed, first.Type)
	require.Equal(t, room, first.RoomID)
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil 跳过不关心的帧
func readUntil(t *testing.T, conn *websocket.Conn, typ string) ServerMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := readMsg(t, conn)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s frame received", typ)
	return ServerMessage{}
}

func TestConnectRequiresToken(t *testing.T) {
	e := newRelayEnv(t, Options{})
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/relay/ws?room=r1"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectRequiresRoom(t *testing.T) {
	e := newRelayEnv(t, Options{})
	tok, _, err := e.signer.SignAccessToken("u1", "u1", time.Hour)
	require.NoError(t, err)
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/relay/ws?token=" + tok
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBroadcastReachesRoomIncludingSender(t *testing.T) {
	e := newRelayEnv(t, Options{})
	a := e.dial(t, "alice", "r1")
	b := e.dial(t, "bob", "r1")
	other := e.dial(t, "carol", "r2")

	env := model.NewMessageEvent(model.Message{ID: "m1", Content: "hi", SentAt: e.clk.Now()})
	env.OriginID = "o-alice"
	env.Seq = 1
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeBroadcast, Envelope: &env}))

	for _, conn := range []*websocket.Conn{a, b} {
		got := readUntil(t, conn, TypeBroadcast)
		require.NotNil(t, got.Envelope)
		assert.Equal(t, "r1", got.Envelope.RoomID)
		assert.Equal(t, "m1", got.Envelope.Message.ID)
		assert.Equal(t, "alice", got.Envelope.SenderID)
	}

	fr := <-e.fanout.frames
	assert.Equal(t, cache.FrameBroadcast, fr.Kind)
	assert.Equal(t, "r1", fr.RoomID)

	// r2 只会收到 pong
	require.NoError(t, other.WriteJSON(ClientMessage{Type: TypePing, RequestID: "p1"}))
	got := readMsg(t, other)
	assert.Equal(t, TypePong, got.Type)
	assert.Equal(t, "p1", got.RequestID)
}

func TestHeartbeatSenderIsAuthenticatedUser(t *testing.T) {
	e := newRelayEnv(t, Options{})
	a := e.dial(t, "alice", "r1")

	env := model.NewHeartbeatEvent("spoofed-room", "mallory", e.clk.Now())
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeBroadcast, Envelope: &env}))

	got := readUntil(t, a, TypeBroadcast)
	assert.Equal(t, "alice", got.Envelope.SenderID)
	assert.Equal(t, "r1", got.Envelope.RoomID)
}

func TestMessageSenderCannotBeSpoofed(t *testing.T) {
	e := newRelayEnv(t, Options{})
	a := e.dial(t, "alice", "r1")
	b := e.dial(t, "bob", "r1")

	env := model.NewMessageEvent(model.Message{ID: "m1", SenderID: "bob", Content: "hi", SentAt: e.clk.Now()})
	env.OriginID = "o-alice"
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeBroadcast, Envelope: &env}))

	got := readUntil(t, b, TypeBroadcast)
	assert.Equal(t, "alice", got.Envelope.SenderID)
}

func TestBroadcastWithRequestIDIsAcked(t *testing.T) {
	e := newRelayEnv(t, Options{})
	a := e.dial(t, "alice", "r1")

	env := model.NewMessageEvent(model.Message{ID: "m1", Content: "hi", SentAt: e.clk.Now()})
	env.OriginID = "o-alice"
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeBroadcast, RequestID: "b1", Envelope: &env}))

	got := readUntil(t, a, TypeAck)
	assert.Equal(t, "b1", got.RequestID)
	assert.Equal(t, "r1", got.RoomID)
}

func TestInvalidEnvelopeIsRejected(t *testing.T) {
	e := newRelayEnv(t, Options{})
	a := e.dial(t, "alice", "r1")

	env := model.Envelope{Type: model.EventMessage}
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeBroadcast, RequestID: "x", Envelope: &env}))
	got := readMsg(t, a)
	assert.Equal(t, TypeError, got.Type)
	assert.Equal(t, "x", got.RequestID)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: "bogus", RequestID: "y"}))
	got = readMsg(t, a)
	assert.Equal(t, TypeError, got.Type)
	assert.Equal(t, "y", got.RequestID)
}

func TestTrackAndPresenceState(t *testing.T) {
	e := newRelayEnv(t, Options{})
	a := e.dial(t, "alice", "r1")
	b := e.dial(t, "bob", "r1")

	// 客户端不能冒充别人
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeTrack, Participant: &model.Participant{UserID: "mallory"}}))
	for _, conn := range []*websocket.Conn{a, b} {
		got := readUntil(t, conn, TypePresenceSync)
		require.NotNil(t, got.Snapshot)
		require.Contains(t, got.Snapshot.Participants, "alice")
		assert.NotContains(t, got.Snapshot.Participants, "mallory")
		assert.Equal(t, "name-alice", got.Snapshot.Participants["alice"].DisplayName)
	}

	require.NoError(t, b.WriteJSON(ClientMessage{Type: TypePresenceState, RequestID: "q1"}))
	got := readUntil(t, b, TypePresenceState)
	assert.Equal(t, "q1", got.RequestID)
	require.NotNil(t, got.Snapshot)
	assert.Len(t, got.Snapshot.Participants, 1)
}

func TestDisconnectUntracksUser(t *testing.T) {
	e := newRelayEnv(t, Options{})
	a := e.dial(t, "alice", "r1")
	b := e.dial(t, "bob", "r1")

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeTrack}))
	readUntil(t, b, TypePresenceSync)

	require.NoError(t, a.Close())
	got := readUntil(t, b, TypePresenceSync)
	assert.NotContains(t, got.Snapshot.Participants, "alice")

	require.Eventually(t, func() bool { return e.hub.ConnCount("r1") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSecondConnectionKeepsUserPresent(t *testing.T) {
	e := newRelayEnv(t, Options{})
	a1 := e.dial(t, "alice", "r1")
	a2 := e.dial(t, "alice", "r1")

	require.NoError(t, a1.WriteJSON(ClientMessage{Type: TypeTrack}))
	readUntil(t, a2, TypePresenceSync)
	require.NoError(t, a2.WriteJSON(ClientMessage{Type: TypeTrack}))
	readUntil(t, a2, TypePresenceSync)

	require.NoError(t, a1.Close())
	require.Eventually(t, func() bool { return e.hub.ConnCount("r1") == 1 }, 2*time.Second, 10*time.Millisecond)

	snap, err := e.presence.Snapshot(context.Background(), "r1")
	require.NoError(t, err)
	assert.Contains(t, snap.Participants, "alice")
}

func TestSweepPublishesExpiredMembers(t *testing.T) {
	e := newRelayEnv(t, Options{})
	a := e.dial(t, "alice", "r1")

	// 直接写在线名单，模拟一个已经崩溃的客户端
	_, err := e.presence.Track(context.Background(), "r1", model.Participant{UserID: "ghost"}, 30*time.Second)
	require.NoError(t, err)

	e.hub.SweepOnce(context.Background())
	e.clk.Advance(31 * time.Second)
	e.hub.SweepOnce(context.Background())

	got := readUntil(t, a, TypePresenceSync)
	assert.NotContains(t, got.Snapshot.Participants, "ghost")
}

func TestRateLimit(t *testing.T) {
	e := newRelayEnv(t, Options{RateLimit: 0.001, Burst: 1})
	a := e.dial(t, "alice", "r1")

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypePing, RequestID: "1"}))
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypePing, RequestID: "2"}))

	assert.Equal(t, TypePong, readMsg(t, a).Type)
	got := readMsg(t, a)
	assert.Equal(t, TypeError, got.Type)
	assert.Equal(t, "rate_limited", got.Error)
}

func TestDeliverRemote(t *testing.T) {
	e := newRelayEnv(t, Options{})
	a := e.dial(t, "alice", "r1")

	env := model.NewHeartbeatEvent("r1", "bob", e.clk.Now())
	e.hub.DeliverRemote(cache.Frame{Node: "other", RoomID: "r1", Kind: cache.FrameBroadcast, Envelope: &env})
	got := readMsg(t, a)
	assert.Equal(t, TypeBroadcast, got.Type)
	assert.Equal(t, "bob", got.Envelope.SenderID)

	// 远端帧不会再转发出去
	select {
	case fr := <-e.fanout.frames:
		t.Fatalf("unexpected fanout frame %+v", fr)
	default:
	}
}

func TestCheckOrigin(t *testing.T) {
	m := NewManager(NewHub(cache.NewMemoryPresence(nil), HubOptions{}), Options{AllowedOrigins: []string{"https://docs.example.com"}})
	cases := map[string]bool{
		"":                         true,
		"null":                     true,
		"http://localhost:5173":    true,
		"https://docs.example.com": true,
		"https://evil.example.com": false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/relay/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		assert.Equal(t, want, m.upgrader.CheckOrigin(r), origin)
	}
}
