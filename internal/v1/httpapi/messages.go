package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lrcom/lrcom-server/internal/v1/fabric"
	"github.com/lrcom/lrcom-server/internal/v1/logging"
)

func (a *API) messageHistory(c *gin.Context) {
	sess := session(c)
	chatID, ok := queryUUID(c, "chatId")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	var before *uuid.UUID
	if raw := c.Query("before"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			badRequest(c)
			return
		}
		before = &id
	}

	messages, err := a.chats.History(c.Request.Context(), sess.UserID, chatID, limit, before)
	if err != nil {
		fail(c, err)
		return
	}
	views := make([]messageView, 0, len(messages))
	for i := range messages {
		views = append(views, messageViewOf(&messages[i]))
	}
	c.JSON(http.StatusOK, gin.H{"messages": views})
}

func (a *API) unreadMessages(c *gin.Context) {
	sess := session(c)
	chatID, ok := queryUUID(c, "chatId")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	ids, err := a.chats.Unread(c.Request.Context(), sess.UserID, chatID, limit)
	if err != nil {
		fail(c, err)
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	c.JSON(http.StatusOK, gin.H{"messageIds": ids})
}

func (a *API) sendMessage(c *gin.Context) {
	sess := session(c)
	var req struct {
		ChatID        uuid.UUID `json:"chatId"`
		EncryptedData string    `json:"encryptedData"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	res, err := a.chats.Send(c.Request.Context(), sess.UserID, req.ChatID, req.EncryptedData)
	if err != nil {
		fail(c, err)
		return
	}

	msg := res.Message
	a.fabric.ToUsers(res.Members, fabric.NewSignedMessage(msg.ChatID, msg.ID, msg.SenderID, msg.EncryptedData))
	if err := a.push.EnqueueOffline(c.Request.Context(), msg.ID, sess.UserID, res.Members); err != nil {
		// The message is committed; a push outage must not fail the send.
		logging.Warn(c.Request.Context(), "push enqueue failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"messageId": msg.ID})
}

func (a *API) updateMessage(c *gin.Context) {
	sess := session(c)
	var req struct {
		ChatID        uuid.UUID `json:"chatId"`
		MessageID     uuid.UUID `json:"messageId"`
		EncryptedData string    `json:"encryptedData"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	res, err := a.chats.Update(c.Request.Context(), sess.UserID, req.ChatID, req.MessageID, req.EncryptedData)
	if err != nil {
		fail(c, err)
		return
	}
	a.fabric.ToUsers(res.Members, fabric.NewSignedMessageUpdated(req.ChatID, req.MessageID, req.EncryptedData))
	c.JSON(http.StatusOK, gin.H{"messageId": req.MessageID})
}

func (a *API) deleteMessage(c *gin.Context) {
	sess := session(c)
	var req struct {
		ChatID    uuid.UUID `json:"chatId"`
		MessageID uuid.UUID `json:"messageId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	members, err := a.chats.Delete(c.Request.Context(), sess.UserID, req.ChatID, req.MessageID)
	if err != nil {
		fail(c, err)
		return
	}
	a.fabric.ToUsers(members, fabric.NewSignedMessageDeleted(req.ChatID, req.MessageID))
	c.JSON(http.StatusOK, gin.H{"messageId": req.MessageID})
}

// markRead clears unread rows: the whole chat when no ids are named,
// otherwise just the named ids.
func (a *API) markRead(c *gin.Context) {
	sess := session(c)
	var req struct {
		ChatID     uuid.UUID   `json:"chatId"`
		MessageIDs []uuid.UUID `json:"messageIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	if len(req.MessageIDs) == 0 {
		if err := a.chats.MarkChatRead(c.Request.Context(), sess.UserID, req.ChatID); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"remainingUnread": 0})
		return
	}

	remaining, err := a.chats.MarkMessagesRead(c.Request.Context(), sess.UserID, req.ChatID, req.MessageIDs)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"remainingUnread": remaining})
}

// presence reports online/busy state for peers the caller shares a personal
// chat with. Anyone else in the queried list is silently dropped, as are
// hidden accounts, so presence cannot be probed by strangers.
func (a *API) presence(c *gin.Context) {
	sess := session(c)
	var req struct {
		UserIDs []uuid.UUID `json:"userIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if len(req.UserIDs) > 25 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "too many user ids"})
		return
	}

	peers, err := a.store.MutualPersonalPeers(c.Request.Context(), sess.UserID, req.UserIDs)
	if err != nil {
		fail(c, err)
		return
	}

	online := []uuid.UUID{}
	busy := []uuid.UUID{}
	for _, id := range peers {
		if a.fabric.Online(id) {
			online = append(online, id)
		}
		if a.calls.Busy(id) {
			busy = append(busy, id)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"onlineUserIds": online,
		"busyUserIds":   busy,
		"serverVersion": serverVersion,
	})
}
