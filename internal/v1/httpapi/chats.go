package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
	"github.com/lrcom/lrcom-server/internal/v1/fabric"
	"github.com/lrcom/lrcom-server/internal/v1/store"
)

type chatUserView struct {
	UserID    uuid.UUID `json:"userId"`
	Username  string    `json:"username"`
	PublicKey string    `json:"publicKey,omitempty"`
}

type messageView struct {
	MessageID     uuid.UUID `json:"messageId"`
	ChatID        uuid.UUID `json:"chatId"`
	SenderID      uuid.UUID `json:"senderId"`
	EncryptedData string    `json:"encryptedData"`
}

func messageViewOf(m *store.Message) messageView {
	return messageView{
		MessageID:     m.ID,
		ChatID:        m.ChatID,
		SenderID:      m.SenderID,
		EncryptedData: m.EncryptedData,
	}
}

type chatView struct {
	ChatID      uuid.UUID     `json:"chatId"`
	ChatType    string        `json:"chatType"`
	Name        *string       `json:"name,omitempty"`
	OtherUser   *chatUserView `json:"otherUser,omitempty"`
	LastMessage *messageView  `json:"lastMessage,omitempty"`
	UnreadCount int           `json:"unreadCount"`
}

func chatViewOf(s *store.ChatSummary) chatView {
	out := chatView{
		ChatID:      s.ID,
		ChatType:    string(s.Type),
		Name:        s.Name,
		UnreadCount: s.UnreadCount,
	}
	if s.OtherUserID != nil {
		out.OtherUser = &chatUserView{UserID: *s.OtherUserID}
		if s.OtherUsername != nil {
			out.OtherUser.Username = *s.OtherUsername
		}
		if s.OtherPublicKey != nil {
			out.OtherUser.PublicKey = *s.OtherPublicKey
		}
	}
	if s.LastMessage != nil {
		v := messageViewOf(s.LastMessage)
		out.LastMessage = &v
	}
	return out
}

func (a *API) listChats(c *gin.Context) {
	sess := session(c)
	summaries, err := a.chats.List(c.Request.Context(), sess.UserID)
	if err != nil {
		fail(c, err)
		return
	}
	views := make([]chatView, 0, len(summaries))
	for i := range summaries {
		views = append(views, chatViewOf(&summaries[i]))
	}
	c.JSON(http.StatusOK, gin.H{"chats": views})
}

func (a *API) chatMembers(c *gin.Context) {
	sess := session(c)
	chatID, ok := queryUUID(c, "chatId")
	if !ok {
		return
	}
	members, err := a.chats.Members(c.Request.Context(), sess.UserID, chatID)
	if err != nil {
		fail(c, err)
		return
	}
	views := make([]chatUserView, 0, len(members))
	for _, m := range members {
		views = append(views, chatUserView{UserID: m.UserID, Username: m.Username, PublicKey: m.PublicKey})
	}
	c.JSON(http.StatusOK, gin.H{"members": views})
}

func (a *API) createPersonalChat(c *gin.Context) {
	sess := session(c)
	var req struct {
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	res, err := a.chats.CreatePersonal(c.Request.Context(), sess.UserID, req.Username)
	if err != nil {
		fail(c, err)
		return
	}
	if !res.Existing {
		a.fabric.SendChatsChanged(sess.UserID, res.Other.ID)
	}
	c.JSON(http.StatusOK, gin.H{
		"chatId":   res.Chat.ID,
		"existing": res.Existing,
		"otherUser": chatUserView{
			UserID:    res.Other.ID,
			Username:  res.Other.Username,
			PublicKey: res.Other.PublicKey,
		},
	})
}

func (a *API) createGroupChat(c *gin.Context) {
	sess := session(c)
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	created, err := a.chats.CreateGroup(c.Request.Context(), sess.UserID, req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	a.fabric.SendChatsChanged(sess.UserID)
	c.JSON(http.StatusOK, gin.H{"chatId": created.ID, "name": created.Name})
}

func (a *API) addChatMember(c *gin.Context) {
	sess := session(c)
	var req struct {
		ChatID   uuid.UUID `json:"chatId"`
		Username string    `json:"username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	res, err := a.chats.AddMember(c.Request.Context(), sess.UserID, req.ChatID, req.Username)
	if err != nil {
		fail(c, err)
		return
	}
	a.fabric.SendChatsChanged(sess.UserID, res.Added.ID)
	c.JSON(http.StatusOK, gin.H{"chatId": res.Chat.ID, "userId": res.Added.ID})
}

func (a *API) renameGroupChat(c *gin.Context) {
	sess := session(c)
	var req struct {
		ChatID uuid.UUID `json:"chatId"`
		Name   string    `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	res, err := a.chats.RenameGroup(c.Request.Context(), sess.UserID, req.ChatID, req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	a.fabric.SendChatsChanged(res.Members...)
	c.JSON(http.StatusOK, gin.H{"chatId": res.Chat.ID, "name": res.Chat.Name})
}

// deleteChat removes a personal chat for both sides, or leaves a group.
// Remaining group members see the leaver's messages disappear.
func (a *API) deleteChat(c *gin.Context) {
	sess := session(c)
	var req struct {
		ChatID uuid.UUID `json:"chatId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	res, err := a.chats.Leave(c.Request.Context(), sess.UserID, req.ChatID)
	if err != nil {
		fail(c, err)
		return
	}

	if res.ChatDeleted {
		a.fabric.SendChatDeleted(req.ChatID, res.Members...)
	} else {
		if len(res.LeaverMessageIDs) > 0 {
			a.fabric.ToUsers(res.Members, fabric.NewSignedMessagesDeleted(req.ChatID, res.LeaverMessageIDs))
		}
		a.fabric.SendChatsChanged(res.Members...)
		a.fabric.SendChatDeleted(req.ChatID, sess.UserID)
	}
	c.JSON(http.StatusOK, gin.H{"deleted": res.ChatDeleted})
}

// queryUUID parses a required uuid query parameter, answering 400 itself
// when absent or malformed.
func queryUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	raw := c.Query(name)
	if raw == "" {
		fail(c, apperr.New(apperr.KindValidation, name+" is required"))
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		fail(c, apperr.New(apperr.KindValidation, name+" is not a valid id"))
		return uuid.Nil, false
	}
	return id, true
}
