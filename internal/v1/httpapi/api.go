// Package httpapi is the gin front of the server: credential endpoints,
// the authenticated /api/signed surface, TURN minting, and the WebSocket
// upgrade route.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lrcom/lrcom-server/internal/v1/chat"
	"github.com/lrcom/lrcom-server/internal/v1/config"
	"github.com/lrcom/lrcom-server/internal/v1/identity"
	"github.com/lrcom/lrcom-server/internal/v1/ratelimit"
	"github.com/lrcom/lrcom-server/internal/v1/store"
)

// serverVersion is reported by the presence endpoint so clients can detect
// incompatible upgrades.
const serverVersion = "2"

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

// Identity is the auth surface of the identity service.
type Identity interface {
	Register(ctx context.Context, username, publicKey, removeDate, vault string) (*identity.AuthResult, error)
	LoginInit(ctx context.Context, username, publicKey string) (*identity.LoginChallenge, error)
	LoginFinal(ctx context.Context, challengeID, response string) (*identity.AuthResult, error)
	CheckUsername(ctx context.Context, username string) (bool, error)
	Sessions() *identity.SessionRegistry
}

// Chats is the chat service surface the handlers call.
type Chats interface {
	CreatePersonal(ctx context.Context, actorID uuid.UUID, otherUsername string) (*chat.PersonalChatResult, error)
	CreateGroup(ctx context.Context, actorID uuid.UUID, name string) (*store.Chat, error)
	AddMember(ctx context.Context, actorID, chatID uuid.UUID, username string) (*chat.MemberChange, error)
	RenameGroup(ctx context.Context, actorID, chatID uuid.UUID, name string) (*chat.RenameResult, error)
	Send(ctx context.Context, senderID, chatID uuid.UUID, ciphertext string) (*chat.SendResult, error)
	Update(ctx context.Context, senderID, chatID, messageID uuid.UUID, ciphertext string) (*chat.SendResult, error)
	Delete(ctx context.Context, senderID, chatID, messageID uuid.UUID) ([]uuid.UUID, error)
	Leave(ctx context.Context, actorID, chatID uuid.UUID) (*chat.LeaveResult, error)
	History(ctx context.Context, userID, chatID uuid.UUID, limit int, before *uuid.UUID) ([]store.Message, error)
	Unread(ctx context.Context, userID, chatID uuid.UUID, limit int) ([]uuid.UUID, error)
	MarkChatRead(ctx context.Context, userID, chatID uuid.UUID) error
	MarkMessagesRead(ctx context.Context, userID, chatID uuid.UUID, ids []uuid.UUID) (int, error)
	List(ctx context.Context, userID uuid.UUID) ([]store.ChatSummary, error)
	Members(ctx context.Context, userID, chatID uuid.UUID) ([]store.ChatMember, error)
}

// Fabric is the realtime fan-out surface. The hub implements it.
type Fabric interface {
	Online(userID uuid.UUID) bool
	ToUsers(userIDs []uuid.UUID, event any)
	SendChatsChanged(userIDs ...uuid.UUID)
	SendChatDeleted(chatID uuid.UUID, userIDs ...uuid.UUID)
	SendAccountUpdated(userID uuid.UUID, exceptSessionID string)
	ForceLogout(userID uuid.UUID, sessionID string, wipeLocalKeys bool)
}

// Calls reports in-memory call state for the presence endpoint.
type Calls interface {
	Busy(userID uuid.UUID) bool
}

// Push is the subscription surface of the push service.
type Push interface {
	Enabled() bool
	Subscribe(ctx context.Context, userID uuid.UUID, endpoint, p256dh, auth string) error
	Disable(ctx context.Context, userID uuid.UUID, endpoint string) error
	EnqueueOffline(ctx context.Context, messageID, senderID uuid.UUID, memberIDs []uuid.UUID) error
}

// AccountStore is the storage surface the account and presence handlers
// reach past the services for.
type AccountStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*store.User, error)
	UpdateAccount(ctx context.Context, id uuid.UUID, vault *string, removeDate *time.Time) error
	SetHiddenMode(ctx context.Context, id uuid.UUID, hidden bool) error
	SetIntrovertMode(ctx context.Context, id uuid.UUID, introvert bool) error
	DeleteAccount(ctx context.Context, userID uuid.UUID) error
	MutualPersonalPeers(ctx context.Context, userID uuid.UUID, candidates []uuid.UUID) ([]uuid.UUID, error)
}

// API holds every dependency of the HTTP layer.
type API struct {
	cfg      *config.Config
	identity Identity
	chats    Chats
	fabric   Fabric
	calls    Calls
	push     Push
	store    AccountStore
}

func New(cfg *config.Config, id Identity, chats Chats, fabric Fabric, calls Calls, push Push, st AccountStore) *API {
	return &API{cfg: cfg, identity: id, chats: chats, fabric: fabric, calls: calls, push: push, store: st}
}

// Router assembles the full route tree. serveWs handles the upgrade;
// limits may be nil in tests.
func (a *API) Router(limits *ratelimit.Limiter, serveWs gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = a.cfg.Origins()
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "X-Auth-Token")
	router.Use(cors.New(corsCfg))
	router.Use(bodyLimit(maxBodyBytes))
	if limits != nil {
		router.Use(limits.Global())
	}

	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/turn", a.turnCredentials)

	ws := router.Group("/api/ws")
	if limits != nil {
		ws.Use(func(c *gin.Context) {
			if !limits.CheckWebSocket(c) {
				c.Abort()
			}
		})
	}
	ws.GET("", serveWs)

	auth := router.Group("/api/auth")
	if limits != nil {
		auth.Use(limits.Auth())
	}
	{
		auth.POST("/register", a.register)
		auth.POST("/login-init", a.loginInit)
		auth.POST("/login-final", a.loginFinal)
		auth.POST("/check-username", a.checkUsername)
	}

	signed := router.Group("/api/signed")
	signed.Use(a.requireSession())
	if limits != nil {
		signed.Use(limits.Signed())
	}
	{
		signed.POST("/session/refresh", a.sessionRefresh)
		signed.POST("/session/logout-other-devices", a.logoutOtherDevices(false))
		signed.POST("/session/logout-and-remove-key-other-devices", a.logoutOtherDevices(true))

		signed.GET("/chats", a.listChats)
		signed.GET("/chats/members", a.chatMembers)
		signed.POST("/chats/create-personal", a.createPersonalChat)
		signed.POST("/chats/create-group", a.createGroupChat)
		signed.POST("/chats/add-member", a.addChatMember)
		signed.POST("/chats/rename-group", a.renameGroupChat)
		signed.POST("/chats/delete", a.deleteChat)

		signed.GET("/messages", a.messageHistory)
		signed.GET("/messages/unread", a.unreadMessages)
		signed.POST("/messages/send", a.sendMessage)
		signed.POST("/messages/update", a.updateMessage)
		signed.POST("/messages/delete", a.deleteMessage)
		signed.POST("/messages/mark-read", a.markRead)

		signed.POST("/presence", a.presence)

		signed.POST("/account/update", a.updateAccount)
		signed.POST("/account/delete", a.deleteAccount)
		signed.POST("/account/hidden-mode", a.setHiddenMode)
		signed.POST("/account/introvert-mode", a.setIntrovertMode)

		signed.POST("/push/subscribe", a.pushSubscribe)
		signed.POST("/push/disable", a.pushDisable)
	}

	return router
}
