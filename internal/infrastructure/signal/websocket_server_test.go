package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callguard/internal/core/domain"
	"callguard/internal/core/services"
	"callguard/internal/infrastructure/middleware"
	"callguard/internal/infrastructure/monitoring"
	"callguard/internal/infrastructure/repositories/memory"
	"callguard/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSDP = "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type relayOptions struct {
	threshold int
	hardCap   int
}

type relayFixture struct {
	t        *testing.T
	server   *httptest.Server
	relay    *WebSocketServer
	hub      *Hub
	store    *memory.MemoryBlocklistStore
	registry *memory.MemorySessionRegistry
	auth     services.AuthService
	clock    *utils.ManualClock
}

// newRelayFixture runs the relay behind the real auth middleware. The clock
// never moves unless a test advances it, so hard cap seconds and notice
// intervals are deterministic.
func newRelayFixture(t *testing.T, opts relayOptions) *relayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	if opts.threshold == 0 {
		opts.threshold = 50
	}
	if opts.hardCap == 0 {
		opts.hardCap = 1000
	}

	clock := utils.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	metrics := monitoring.NewPrometheusCollector(prometheus.NewRegistry())
	store := memory.NewMemoryBlocklistStore(clock)
	registry := memory.NewMemorySessionRegistry(clock)
	hub := NewHub(clock, metrics, logger)
	counter := services.NewAbuseCounter(10*time.Second, opts.hardCap, clock)
	guard := services.NewAbuseGuard(store, counter, hub, services.AbuseGuardConfig{
		SuspiciousThreshold: opts.threshold,
		BlockDuration:       60 * time.Second,
		FailOpen:            true,
	}, logger)

	relay := NewWebSocketServer(registry, guard, hub, Config{
		PingInterval:    time.Second,
		PongTimeout:     5 * time.Second,
		WriteTimeout:    time.Second,
		SendQueueSize:   256,
		MaxMessageBytes: 64 * 1024,
		NoticeInterval:  time.Second,
		AllowedOrigins:  []string{"*"},
		ClientThrottle:  15,
	}, clock, metrics, logger)

	auth := services.NewAuthService("test-secret", time.Hour)
	router := gin.New()
	router.GET("/ws", middleware.AuthMiddleware(auth), gin.WrapF(relay.HandleWebSocket))

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = relay.Shutdown(ctx)
		server.Close()
	})

	return &relayFixture{
		t: t, server: server, relay: relay, hub: hub, store: store,
		registry: registry, auth: auth, clock: clock,
	}
}

type received struct {
	Type      string          `json:"type"`
	From      domain.UserID   `json:"from"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// client reads on its own goroutine. A gorilla read that times out leaves
// the connection failed for good, so tests wait on frames instead.
type client struct {
	t      *testing.T
	ws     *websocket.Conn
	frames chan received
	err    error
}

func (f *relayFixture) dial(userID domain.UserID, sessionID string) *client {
	f.t.Helper()
	token, err := f.auth.GenerateToken(userID, fmt.Sprintf("user-%d", userID), domain.RoleClient)
	require.NoError(f.t, err)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?session_id=" + sessionID
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(f.t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	f.t.Cleanup(func() { _ = ws.Close() })

	c := &client{t: f.t, ws: ws, frames: make(chan received, 256)}
	go c.pump()
	return c
}

func (c *client) pump() {
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		var r received
		if err := json.Unmarshal(data, &r); err != nil {
			c.err = err
			return
		}
		c.frames <- r
	}
}

func (c *client) send(v interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(v))
}

func (c *client) sendRaw(s string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(s)))
}

func (c *client) read() received {
	c.t.Helper()
	select {
	case r, ok := <-c.frames:
		if !ok {
			require.FailNow(c.t, "connection closed", "%v", c.err)
		}
		return r
	case <-time.After(2 * time.Second):
		require.FailNow(c.t, "no frame within 2s")
	}
	return received{}
}

// closed drains frames until the connection ends and returns the read error.
func (c *client) closed() error {
	c.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return c.err
			}
		case <-timeout:
			require.FailNow(c.t, "connection still open")
			return nil
		}
	}
}

func (c *client) expect(frameType string) received {
	c.t.Helper()
	r := c.read()
	require.Equal(c.t, frameType, r.Type, "payload: %s", string(r.Payload))
	return r
}

// expectSilence asserts nothing arrives within d.
func (c *client) expectSilence(d time.Duration) {
	c.t.Helper()
	select {
	case r, ok := <-c.frames:
		if ok {
			require.FailNow(c.t, "unexpected frame", "%s: %s", r.Type, string(r.Payload))
		}
	case <-time.After(d):
	}
}

func candidate(i int) map[string]interface{} {
	return map[string]interface{}{
		"type": "ice-candidate",
		"payload": map[string]interface{}{
			"candidate":     fmt.Sprintf("candidate:%d 1 udp 2122260223 192.168.1.2 %d typ host", i, 5000+i),
			"sdpMid":        "0",
			"sdpMLineIndex": 0,
		},
	}
}

func (f *relayFixture) pair(session string) (caller, callee *client) {
	caller = f.dial(1, session)
	caller.expect(TypeSessionJoined)
	callee = f.dial(2, session)
	callee.expect(TypeSessionJoined)
	caller.expect(TypeSessionReady)
	callee.expect(TypeSessionReady)
	return caller, callee
}

func rolePayload(t *testing.T, r received) domain.ParticipantRole {
	var p RolePayload
	require.NoError(t, json.Unmarshal(r.Payload, &p))
	return p.Role
}

func TestRelay_JoinAssignsRolesAndAnnouncesReady(t *testing.T) {
	f := newRelayFixture(t, relayOptions{})

	caller := f.dial(1, "room-1")
	assert.Equal(t, domain.RoleCaller, rolePayload(t, caller.expect(TypeSessionJoined)))

	callee := f.dial(2, "room-1")
	assert.Equal(t, domain.RoleCallee, rolePayload(t, callee.expect(TypeSessionJoined)))

	assert.Equal(t, domain.RoleCaller, rolePayload(t, caller.expect(TypeSessionReady)))
	assert.Equal(t, domain.RoleCallee, rolePayload(t, callee.expect(TypeSessionReady)))
}

func TestRelay_ForwardsInSenderOrder(t *testing.T) {
	f := newRelayFixture(t, relayOptions{})
	caller, callee := f.pair("room-1")

	caller.send(map[string]interface{}{"type": "offer", "payload": map[string]string{"sdp": testSDP}})
	for i := 0; i < 20; i++ {
		caller.send(candidate(i))
	}

	offer := callee.expect("offer")
	assert.Equal(t, domain.UserID(1), offer.From)
	assert.Equal(t, "room-1", offer.SessionID)
	assert.JSONEq(t, fmt.Sprintf(`{"sdp":%q}`, testSDP), string(offer.Payload))

	for i := 0; i < 20; i++ {
		r := callee.expect("ice-candidate")
		var c domain.IceCandidate
		require.NoError(t, json.Unmarshal(r.Payload, &c))
		assert.True(t, strings.HasPrefix(c.Candidate, fmt.Sprintf("candidate:%d ", i)), "out of order at %d", i)
	}

	callee.send(map[string]interface{}{"type": "answer", "payload": map[string]string{"sdp": testSDP}})
	answer := caller.expect("answer")
	assert.Equal(t, domain.UserID(2), answer.From)
}

func TestRelay_MalformedMessagesAreRejectedAndSessionContinues(t *testing.T) {
	f := newRelayFixture(t, relayOptions{})
	caller, callee := f.pair("room-1")

	caller.sendRaw("{not json")
	assert.Contains(t, string(caller.expect(TypeError).Payload), CodeBadMessage)

	caller.send(map[string]interface{}{"type": "offer", "payload": map[string]string{"sdp": "hello"}})
	assert.Contains(t, string(caller.expect(TypeError).Payload), CodeBadMessage)

	caller.send(map[string]interface{}{"type": "renegotiate"})
	assert.Contains(t, string(caller.expect(TypeError).Payload), CodeUnknownType)

	caller.send(candidate(1))
	callee.expect("ice-candidate")
}

func TestRelay_MessageBeforePeerJoins(t *testing.T) {
	f := newRelayFixture(t, relayOptions{})
	caller := f.dial(1, "room-1")
	caller.expect(TypeSessionJoined)

	caller.send(candidate(1))
	assert.Contains(t, string(caller.expect(TypeError).Payload), CodePeerNotConnected)
}

func TestRelay_RejectsThirdParticipantAndDuplicateUser(t *testing.T) {
	f := newRelayFixture(t, relayOptions{})
	f.pair("room-1")

	third := f.dial(3, "room-1")
	assert.Contains(t, string(third.expect(TypeError).Payload), CodeSessionFull)
	err := third.closed()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	solo := f.dial(5, "room-2")
	solo.expect(TypeSessionJoined)
	again := f.dial(5, "room-2")
	assert.Contains(t, string(again.expect(TypeError).Payload), CodeAlreadyJoined)

	// the rejected joins left the sessions intact
	s, err := f.registry.Get("room-1")
	require.NoError(t, err)
	assert.True(t, s.Ready())
}

func TestRelay_HangupNotifiesPeerAndClearsSession(t *testing.T) {
	f := newRelayFixture(t, relayOptions{})
	caller, callee := f.pair("room-1")

	caller.send(map[string]string{"type": TypeHangup})
	callee.expect(TypePeerLeft)

	err := callee.closed()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	assert.Eventually(t, func() bool { return f.registry.Count() == 0 }, time.Second, 10*time.Millisecond)

	// the session id is free again
	f.dial(3, "room-1").expect(TypeSessionJoined)
}

func TestRelay_DisconnectNotifiesPeer(t *testing.T) {
	f := newRelayFixture(t, relayOptions{})
	caller, callee := f.pair("room-1")

	require.NoError(t, callee.ws.Close())
	caller.expect(TypePeerLeft)
	assert.Eventually(t, func() bool { return f.relay.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRelay_HardCapDropsSilently(t *testing.T) {
	f := newRelayFixture(t, relayOptions{hardCap: 5})
	caller, callee := f.pair("room-1")

	for i := 0; i < 8; i++ {
		caller.send(candidate(i))
	}
	for i := 0; i < 5; i++ {
		callee.expect("ice-candidate")
	}
	callee.expectSilence(200 * time.Millisecond)
	caller.expectSilence(50 * time.Millisecond)
}

func TestRelay_FloodEscalatesToBlockAndNoticesAreRateLimited(t *testing.T) {
	f := newRelayFixture(t, relayOptions{threshold: 5})
	caller, callee := f.pair("room-1")

	// 6 messages: the 6th crosses the threshold and marks the caller
	// suspicious but is still forwarded
	for i := 0; i < 6; i++ {
		caller.send(candidate(i))
	}
	for i := 0; i < 6; i++ {
		callee.expect("ice-candidate")
	}
	require.Eventually(t, func() bool {
		st, err := f.store.Get(context.Background(), 1)
		return err == nil && st.State == domain.StateSuspicious
	}, time.Second, 10*time.Millisecond)

	// 6 more: five forwarded, the sixth blocks and is dropped
	for i := 0; i < 6; i++ {
		caller.send(candidate(100 + i))
	}
	for i := 0; i < 5; i++ {
		callee.expect("ice-candidate")
	}

	notice := caller.expect(TypeBlocked)
	var p BlockedPayload
	require.NoError(t, json.Unmarshal(notice.Payload, &p))
	assert.Equal(t, domain.ReasonICEFlood, p.Reason)
	assert.Equal(t, int64(60000), p.RetryAfterMs)

	// blocked messages are dropped and no second notice goes out within
	// the notice interval
	for i := 0; i < 3; i++ {
		caller.send(candidate(200 + i))
	}
	callee.expectSilence(200 * time.Millisecond)
	caller.expectSilence(100 * time.Millisecond)

	// after the interval the next dropped message earns another notice
	f.clock.Advance(2 * time.Second)
	caller.send(candidate(300))
	notice = caller.expect(TypeBlocked)
	require.NoError(t, json.Unmarshal(notice.Payload, &p))
	assert.Equal(t, int64(58000), p.RetryAfterMs)
}

func TestRelay_UnblockNoticeReachesUser(t *testing.T) {
	f := newRelayFixture(t, relayOptions{})
	caller, _ := f.pair("room-1")

	require.NoError(t, f.hub.NotifyUnblocked(context.Background(), 1))
	caller.expect(TypeUnblocked)
}

func TestRelay_RequiresTokenAndSessionID(t *testing.T) {
	f := newRelayFixture(t, relayOptions{})
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?session_id=room-1"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := f.auth.GenerateToken(1, "a", domain.RoleClient)
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(f.server.URL, "http")+"/ws?session_id=bad%20id&token="+token, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelay_SessionJoinedCarriesClientThrottle(t *testing.T) {
	f := newRelayFixture(t, relayOptions{})

	joined := f.dial(1, "room-1").expect(TypeSessionJoined)
	var p RolePayload
	require.NoError(t, json.Unmarshal(joined.Payload, &p))
	assert.Equal(t, domain.RoleCaller, p.Role)
	assert.Equal(t, 15.0, p.ThrottlePerSecond)
}

func malformedCandidate(i int) map[string]interface{} {
	return map[string]interface{}{
		"type": "ice-candidate",
		"payload": map[string]interface{}{
			"candidate": fmt.Sprintf("candidate:%d 1 udp 2122260223 192.168.1.2 %d typ host", i, 5000+i),
		},
	}
}

func TestRelay_MalformedFloodIsCountedAndRepliesAreRateLimited(t *testing.T) {
	f := newRelayFixture(t, relayOptions{threshold: 5, hardCap: 30})
	caller, callee := f.pair("room-1")

	for i := 0; i < 100; i++ {
		caller.send(malformedCandidate(i))
	}

	// the first few earn an error frame, the rest of the replies are
	// suppressed while the messages still count toward the window
	for i := 0; i < errorReplyBurst; i++ {
		assert.Contains(t, string(caller.expect(TypeError).Payload), CodeBadMessage)
	}
	notice := caller.expect(TypeBlocked)
	var p BlockedPayload
	require.NoError(t, json.Unmarshal(notice.Payload, &p))
	assert.Equal(t, domain.ReasonICEFlood, p.Reason)
	caller.expectSilence(200 * time.Millisecond)
	callee.expectSilence(50 * time.Millisecond)

	st, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StateBlocked, st.State)

	// a blocked user gets no bad_message replies, even for garbage
	f.clock.Advance(10 * time.Second)
	caller.sendRaw("{not json")
	caller.send(malformedCandidate(500))
	assert.Equal(t, TypeBlocked, caller.read().Type)
	caller.expectSilence(200 * time.Millisecond)
}

// detachedConn is a relay connection with no socket behind it, enough for
// driving session teardown directly.
func detachedConn(t *testing.T, id domain.ConnID, userID domain.UserID, sessionID domain.SessionID) *Connection {
	return &Connection{
		id:        id,
		userID:    userID,
		sessionID: sessionID,
		send:      make(chan []byte, 8),
		done:      make(chan struct{}),
		logger:    zaptest.NewLogger(t).Sugar(),
	}
}

func TestRelay_StaleParticipantCannotEndNewSession(t *testing.T) {
	f := newRelayFixture(t, relayOptions{})
	a := detachedConn(t, "a", 1, "room")
	b := detachedConn(t, "b", 2, "room")
	c := detachedConn(t, "c", 3, "room")

	_, _, err := f.registry.Join("room", a)
	require.NoError(t, err)
	_, _, err = f.registry.Join("room", b)
	require.NoError(t, err)

	f.relay.endSession(a)
	<-b.Done()
	require.Len(t, b.send, 1)
	assert.Contains(t, string(<-b.send), TypePeerLeft)

	// a new call takes the id before b's handler has unwound
	_, _, err = f.registry.Join("room", c)
	require.NoError(t, err)
	f.relay.endSession(b)

	s, err := f.registry.Get("room")
	require.NoError(t, err)
	_, member := s.RoleOf("c")
	assert.True(t, member)
	assert.Empty(t, c.send)
	select {
	case <-c.Done():
		t.Fatal("new participant closed by a stale one")
	default:
	}
}

func TestRelay_RefusesUpgradesAfterShutdown(t *testing.T) {
	f := newRelayFixture(t, relayOptions{})
	caller := f.dial(1, "room-1")
	caller.expect(TypeSessionJoined)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.relay.Shutdown(ctx))
	assert.Zero(t, f.relay.ConnectionCount())

	token, err := f.auth.GenerateToken(2, "b", domain.RoleClient)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?session_id=room-2"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer " + token}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
