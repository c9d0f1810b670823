// Package fabric owns the realtime layer: one WebSocket per device, a
// registry mapping user -> session -> socket, heartbeat liveness, reliable
// resend-until-ack delivery for control-plane events, and receipt-based
// request idempotency.
package fabric

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lrcom/lrcom-server/internal/v1/call"
	"github.com/lrcom/lrcom-server/internal/v1/identity"
	"github.com/lrcom/lrcom-server/internal/v1/logging"
	"github.com/lrcom/lrcom-server/internal/v1/metrics"
)

const receiptCacheSize = 2000

// TokenLookup resolves a bearer token to a live session. The identity
// registry implements it.
type TokenLookup interface {
	Lookup(token string) (*identity.Session, error)
}

// CallHandler is the call engine surface the router dispatches to.
type CallHandler interface {
	Start(ctx context.Context, callerID uuid.UUID, callerSession string, calleeID uuid.UUID) (*call.StartResult, error)
	Accept(userID uuid.UUID, sessionID string) error
	Reject(userID uuid.UUID, sessionID string) error
	Hangup(userID uuid.UUID, sessionID string) error
	RequestJoin(ctx context.Context, userID uuid.UUID, sessionID string, targetID uuid.UUID) (*call.JoinResult, error)
	CancelJoin(userID uuid.UUID, sessionID string) error
	ResolveJoin(approverID uuid.UUID, sessionID string, accept bool) error
	Relay(fromID uuid.UUID, sessionID string, toID uuid.UUID, payload json.RawMessage) error
	SessionClosed(userID uuid.UUID, sessionID string)
	UserOffline(userID uuid.UUID)
}

// userEntry is the per-user connection state: live sockets by session id
// plus the receipt cache shared across the user's devices.
type userEntry struct {
	sessions map[string]*Client
	receipts *receiptLRU
}

// Hub is the process-wide socket registry. It implements call.Sender and
// call.Presence.
type Hub struct {
	mu    sync.Mutex
	users map[uuid.UUID]*userEntry

	sessions  TokenLookup
	calls     CallHandler
	heartbeat time.Duration
	stale     time.Duration
	resend    time.Duration
	upgrader  websocket.Upgrader
}

// NewHub builds the hub. A socket that misses its pong for staleTimeout is
// terminated; zero means two heartbeat intervals. The call handler is
// attached separately because the engine needs the hub as its sender.
func NewHub(sessions TokenLookup, heartbeat, staleTimeout time.Duration, allowedOrigins []string) *Hub {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	if staleTimeout <= 0 {
		staleTimeout = 2 * heartbeat
	}
	return &Hub{
		users:     make(map[uuid.UUID]*userEntry),
		sessions:  sessions,
		heartbeat: heartbeat,
		stale:     staleTimeout,
		resend:    resendInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// SetCallHandler wires the call engine in after construction.
func (h *Hub) SetCallHandler(calls CallHandler) {
	h.calls = calls
}

// ServeWs authenticates the token from the connection URL and upgrades.
// Unknown tokens are refused before the upgrade.
func (h *Hub) ServeWs(c *gin.Context) {
	token := c.Query("token")
	sess, err := h.sessions.Lookup(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	h.HandleConnection(conn, sess)
}

// HandleConnection binds an established socket to its session and starts
// the pumps.
func (h *Hub) HandleConnection(conn wsConnection, sess *identity.Session) {
	client := newClient(h, conn, sess.UserID, sess.SessionID)
	h.bind(client)
	metrics.IncSocket()

	h.sendTo(client, NewSignedHello(sess.UserID))

	go client.writePump()
	go client.readPump()
}

// bind registers the socket, replacing any previous socket for the same
// session.
func (h *Hub) bind(client *Client) {
	h.mu.Lock()
	entry := h.users[client.userID]
	if entry == nil {
		entry = &userEntry{
			sessions: make(map[string]*Client),
			receipts: newReceiptLRU(receiptCacheSize),
		}
		h.users[client.userID] = entry
		metrics.ActiveUsers.Inc()
	}
	old := entry.sessions[client.sessionID]
	entry.sessions[client.sessionID] = client
	h.mu.Unlock()

	if old != nil {
		old.disconnect()
	}
}

// unbind removes a dead socket and informs the call engine. Clearing the
// last socket drops the user's runtime entirely.
func (h *Hub) unbind(client *Client) {
	h.mu.Lock()
	entry := h.users[client.userID]
	if entry == nil || entry.sessions[client.sessionID] != client {
		h.mu.Unlock()
		return
	}
	delete(entry.sessions, client.sessionID)
	lastSocket := len(entry.sessions) == 0
	if lastSocket {
		delete(h.users, client.userID)
		metrics.ActiveUsers.Dec()
	}
	h.mu.Unlock()

	if h.calls != nil {
		h.calls.SessionClosed(client.userID, client.sessionID)
		if lastSocket {
			h.calls.UserOffline(client.userID)
		}
	}
}

// Online reports whether the user has at least one open socket.
func (h *Hub) Online(userID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := h.users[userID]
	return entry != nil && len(entry.sessions) > 0
}

func (h *Hub) clientsOf(userID uuid.UUID) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := h.users[userID]
	if entry == nil {
		return nil
	}
	clients := make([]*Client, 0, len(entry.sessions))
	for _, c := range entry.sessions {
		clients = append(clients, c)
	}
	return clients
}

func marshalEvent(event any) ([]byte, bool) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound event", zap.Error(err))
		return nil, false
	}
	return data, true
}

func (h *Hub) sendTo(client *Client, event any) {
	if data, ok := marshalEvent(event); ok {
		client.enqueue(data)
	}
}

// ToUser sends best effort to every socket of the user.
func (h *Hub) ToUser(userID uuid.UUID, event any) {
	data, ok := marshalEvent(event)
	if !ok {
		return
	}
	for _, c := range h.clientsOf(userID) {
		c.enqueue(data)
	}
}

// ToSession sends best effort to one specific socket.
func (h *Hub) ToSession(userID uuid.UUID, sessionID string, event any) {
	data, ok := marshalEvent(event)
	if !ok {
		return
	}
	h.mu.Lock()
	var target *Client
	if entry := h.users[userID]; entry != nil {
		target = entry.sessions[sessionID]
	}
	h.mu.Unlock()
	if target != nil {
		target.enqueue(data)
	}
}

// ToUserExcept sends to every socket of the user except one session.
func (h *Hub) ToUserExcept(userID uuid.UUID, exceptSessionID string, event any) {
	data, ok := marshalEvent(event)
	if !ok {
		return
	}
	for _, c := range h.clientsOf(userID) {
		if c.sessionID != exceptSessionID {
			c.enqueue(data)
		}
	}
}

// ToUsers fans an event out to every socket of every listed user.
func (h *Hub) ToUsers(userIDs []uuid.UUID, event any) {
	data, ok := marshalEvent(event)
	if !ok {
		return
	}
	for _, id := range userIDs {
		for _, c := range h.clientsOf(id) {
			c.enqueue(data)
		}
	}
}

// sendReliable delivers the payload to the given sockets with
// resend-until-ack semantics.
func sendReliable(clients []*Client, msgID string, event any) {
	data, ok := marshalEvent(event)
	if !ok {
		return
	}
	for _, c := range clients {
		c.queueReliable(msgID, data)
	}
}

// SendChatsChanged reliably tells each user to refetch their chat list.
func (h *Hub) SendChatsChanged(userIDs ...uuid.UUID) {
	for _, id := range userIDs {
		msgID := uuid.NewString()
		sendReliable(h.clientsOf(id), msgID, SignedChatsChanged{Type: "signedChatsChanged", MsgID: msgID})
	}
}

// SendChatDeleted reliably tells each user a chat disappeared.
func (h *Hub) SendChatDeleted(chatID uuid.UUID, userIDs ...uuid.UUID) {
	for _, id := range userIDs {
		msgID := uuid.NewString()
		sendReliable(h.clientsOf(id), msgID, SignedChatDeleted{Type: "signedChatDeleted", MsgID: msgID, ChatID: chatID})
	}
}

// SendAccountUpdated notifies the user's other devices.
func (h *Hub) SendAccountUpdated(userID uuid.UUID, exceptSessionID string) {
	h.ToUserExcept(userID, exceptSessionID, SignedAccountUpdated{Type: "signedAccountUpdated"})
}

// ForceLogout reliably orders one session's device to log out, then closes
// the socket after a short delay so the payload can flush.
func (h *Hub) ForceLogout(userID uuid.UUID, sessionID string, wipeLocalKeys bool) {
	h.mu.Lock()
	var target *Client
	if entry := h.users[userID]; entry != nil {
		target = entry.sessions[sessionID]
	}
	h.mu.Unlock()
	if target == nil {
		return
	}

	msgID := uuid.NewString()
	sendReliable([]*Client{target}, msgID, SignedForceLogout{
		Type: "signedForceLogout", MsgID: msgID, WipeLocalKeys: wipeLocalKeys,
	})
	time.AfterFunc(forceLogoutCloseDelay, target.disconnect)
}

// Shutdown closes every socket.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	var clients []*Client
	for _, entry := range h.users {
		for _, c := range entry.sessions {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.disconnect()
	}
	logging.Info(ctx, "realtime fabric shut down", zap.Int("sockets", len(clients)))
}
