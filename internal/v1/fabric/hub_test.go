package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lrcom/lrcom-server/internal/v1/call"
	"github.com/lrcom/lrcom-server/internal/v1/identity"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockConn is an in-memory wsConnection. Writes are recorded; reads block
// until a frame is injected or the connection closes.
type mockConn struct {
	mu      sync.Mutex
	written [][]byte

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.inbound:
		return websocket.TextMessage, data, nil
	case <-m.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-m.closed:
		return errors.New("connection closed")
	default:
	}
	if messageType == websocket.TextMessage {
		m.mu.Lock()
		cp := make([]byte, len(data))
		copy(cp, data)
		m.written = append(m.written, cp)
		m.mu.Unlock()
	}
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) SetReadLimit(int64)                {}
func (m *mockConn) SetReadDeadline(time.Time) error   { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error  { return nil }
func (m *mockConn) SetPongHandler(func(string) error) {}

// frames decodes everything written so far.
func (m *mockConn) frames() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, raw := range m.written {
		var f map[string]any
		if json.Unmarshal(raw, &f) == nil {
			out = append(out, f)
		}
	}
	return out
}

// countOfType counts written frames with the given type.
func (m *mockConn) countOfType(typ string) int {
	n := 0
	for _, f := range m.frames() {
		if f["type"] == typ {
			n++
		}
	}
	return n
}

// waitFor polls until a frame of the given type shows up.
func (m *mockConn) waitFor(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range m.frames() {
			if f["type"] == typ {
				return f
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q frame arrived", typ)
	return nil
}

// mockCalls records router dispatches.
type mockCalls struct {
	mu             sync.Mutex
	started        []uuid.UUID
	accepts        int
	sessionsClosed []string
	offline        []uuid.UUID
	startResult    *call.StartResult
	acceptErr      error
}

func (m *mockCalls) Start(_ context.Context, _ uuid.UUID, _ string, calleeID uuid.UUID) (*call.StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, calleeID)
	if m.startResult != nil {
		return m.startResult, nil
	}
	return &call.StartResult{Type: "callStartResult", OK: true}, nil
}

func (m *mockCalls) Accept(uuid.UUID, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepts++
	return m.acceptErr
}

func (m *mockCalls) Reject(uuid.UUID, string) error  { return nil }
func (m *mockCalls) Hangup(uuid.UUID, string) error  { return nil }
func (m *mockCalls) RequestJoin(context.Context, uuid.UUID, string, uuid.UUID) (*call.JoinResult, error) {
	return nil, nil
}
func (m *mockCalls) CancelJoin(uuid.UUID, string) error          { return nil }
func (m *mockCalls) ResolveJoin(uuid.UUID, string, bool) error   { return nil }
func (m *mockCalls) Relay(uuid.UUID, string, uuid.UUID, json.RawMessage) error {
	return nil
}

func (m *mockCalls) SessionClosed(_ uuid.UUID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionsClosed = append(m.sessionsClosed, sessionID)
}

func (m *mockCalls) UserOffline(userID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = append(m.offline, userID)
}

type fixture struct {
	hub   *Hub
	calls *mockCalls
}

func newFixture() *fixture {
	reg := identity.NewSessionRegistry(time.Hour, 5)
	hub := NewHub(reg, 30*time.Second, 0, nil)
	calls := &mockCalls{}
	hub.SetCallHandler(calls)
	return &fixture{hub: hub, calls: calls}
}

func (f *fixture) connect(userID uuid.UUID, sessionID string) *mockConn {
	conn := newMockConn()
	f.hub.HandleConnection(conn, &identity.Session{UserID: userID, SessionID: sessionID})
	return conn
}

func drainClose(conns ...*mockConn) {
	for _, c := range conns {
		_ = c.Close()
	}
	// Let the pumps observe the close before goleak runs.
	time.Sleep(20 * time.Millisecond)
}

func TestHelloOnConnect(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	conn := f.connect(userID, "s1")
	defer drainClose(conn)

	hello := conn.waitFor(t, "signedHello")
	assert.Equal(t, userID.String(), hello["userId"])
	assert.True(t, f.hub.Online(userID))
}

func TestUnknownTokenRefused(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := identity.NewSessionRegistry(time.Hour, 5)
	hub := NewHub(reg, 30*time.Second, 0, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/ws?token=no-such-token", nil)
	hub.ServeWs(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouterDispatchesCallStart(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	conn := f.connect(userID, "s1")
	defer drainClose(conn)
	conn.waitFor(t, "signedHello")

	callee := uuid.New()
	frame, _ := json.Marshal(map[string]any{"type": "callStart", "userId": callee, "cMsgId": "c-1"})
	conn.inbound <- frame

	receipt := conn.waitFor(t, "receipt")
	assert.Equal(t, true, receipt["ok"])
	assert.Equal(t, "c-1", receipt["cMsgId"])
	assert.Equal(t, "receipt:c-1", receipt["msgId"])
	conn.waitFor(t, "callStartResult")

	f.calls.mu.Lock()
	require.Len(t, f.calls.started, 1)
	assert.Equal(t, callee, f.calls.started[0])
	f.calls.mu.Unlock()
}

func TestReceiptReplayDoesNotReExecute(t *testing.T) {
	f := newFixture()
	conn := f.connect(uuid.New(), "s1")
	defer drainClose(conn)
	conn.waitFor(t, "signedHello")

	frame, _ := json.Marshal(map[string]any{"type": "callAccept", "cMsgId": "dup-1"})
	conn.inbound <- frame
	conn.waitFor(t, "receipt")
	conn.inbound <- frame

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && conn.countOfType("receipt") < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 2, conn.countOfType("receipt"))

	f.calls.mu.Lock()
	assert.Equal(t, 1, f.calls.accepts)
	f.calls.mu.Unlock()

	// Byte-identical replay.
	conn.mu.Lock()
	var receipts [][]byte
	for _, raw := range conn.written {
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &probe) == nil && probe.Type == "receipt" {
			receipts = append(receipts, raw)
		}
	}
	conn.mu.Unlock()
	require.Len(t, receipts, 2)
	assert.Equal(t, receipts[0], receipts[1])
}

func TestUnknownTypeReceipt(t *testing.T) {
	f := newFixture()
	conn := f.connect(uuid.New(), "s1")
	defer drainClose(conn)
	conn.waitFor(t, "signedHello")

	conn.inbound <- []byte(`{"type":"teleport","cMsgId":"c-9"}`)

	receipt := conn.waitFor(t, "receipt")
	assert.Equal(t, false, receipt["ok"])
	assert.Equal(t, "UNKNOWN_TYPE", receipt["code"])
}

func TestPingAnsweredWithPong(t *testing.T) {
	f := newFixture()
	conn := f.connect(uuid.New(), "s1")
	defer drainClose(conn)
	conn.waitFor(t, "signedHello")

	conn.inbound <- []byte(`{"type":"ping","cMsgId":"c-3"}`)

	conn.waitFor(t, "pong")
	// Keepalives never produce receipts.
	assert.Zero(t, conn.countOfType("receipt"))
}

func TestMalformedFrameIgnored(t *testing.T) {
	f := newFixture()
	conn := f.connect(uuid.New(), "s1")
	defer drainClose(conn)
	conn.waitFor(t, "signedHello")

	conn.inbound <- []byte(`{not json`)
	conn.inbound <- []byte(`{"no":"type"}`)
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, conn.countOfType("receipt"))
}

func TestReliableResendUntilAck(t *testing.T) {
	f := newFixture()
	f.hub.resend = 30 * time.Millisecond
	userID := uuid.New()
	conn := f.connect(userID, "s1")
	defer drainClose(conn)
	conn.waitFor(t, "signedHello")

	f.hub.SendChatsChanged(userID)

	ev := conn.waitFor(t, "signedChatsChanged")
	msgID, _ := ev["msgId"].(string)
	require.NotEmpty(t, msgID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && conn.countOfType("signedChatsChanged") < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, conn.countOfType("signedChatsChanged"), 3)

	ackFrame, _ := json.Marshal(map[string]any{"type": "ack", "msgId": msgID})
	conn.inbound <- ackFrame
	time.Sleep(100 * time.Millisecond)
	after := conn.countOfType("signedChatsChanged")
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, after, conn.countOfType("signedChatsChanged"))
}

func TestCloseNotifiesCallEngine(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	conn := f.connect(userID, "s1")
	conn.waitFor(t, "signedHello")

	drainClose(conn)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.calls.mu.Lock()
		done := len(f.calls.offline) == 1
		f.calls.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.calls.mu.Lock()
	assert.Equal(t, []string{"s1"}, f.calls.sessionsClosed)
	assert.Equal(t, []uuid.UUID{userID}, f.calls.offline)
	f.calls.mu.Unlock()
	assert.False(t, f.hub.Online(userID))
}

func TestToUserExceptSkipsOriginSession(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	c1 := f.connect(userID, "s1")
	c2 := f.connect(userID, "s2")
	defer drainClose(c1, c2)
	c1.waitFor(t, "signedHello")
	c2.waitFor(t, "signedHello")

	f.hub.SendAccountUpdated(userID, "s1")

	c2.waitFor(t, "signedAccountUpdated")
	assert.Zero(t, c1.countOfType("signedAccountUpdated"))
}

func TestForceLogoutClosesAfterDelay(t *testing.T) {
	f := newFixture()
	f.hub.resend = 50 * time.Millisecond
	userID := uuid.New()
	conn := f.connect(userID, "s1")
	conn.waitFor(t, "signedHello")

	f.hub.ForceLogout(userID, "s1", true)

	ev := conn.waitFor(t, "signedForceLogout")
	assert.Equal(t, true, ev["wipeLocalKeys"])

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.hub.Online(userID) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, f.hub.Online(userID))
	drainClose(conn)
}

func TestBindReplacesSameSessionSocket(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	c1 := f.connect(userID, "s1")
	c1.waitFor(t, "signedHello")
	c2 := f.connect(userID, "s1")
	defer drainClose(c1, c2)
	c2.waitFor(t, "signedHello")

	f.hub.ToSession(userID, "s1", SignedAccountUpdated{Type: "signedAccountUpdated"})
	c2.waitFor(t, "signedAccountUpdated")
	assert.Zero(t, c1.countOfType("signedAccountUpdated"))
}
