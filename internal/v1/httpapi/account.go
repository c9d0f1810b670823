package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
	"github.com/lrcom/lrcom-server/internal/v1/cleanup"
)

// maxVaultBytes mirrors the registration cap for vault updates.
const maxVaultBytes = 100 * 1024

// updateAccount replaces the vault and/or pushes the remove date forward.
// Client-supplied remove dates get random jitter so stored dates do not
// reveal exact activity times.
func (a *API) updateAccount(c *gin.Context) {
	sess := session(c)
	var req struct {
		Vault      *string `json:"vault"`
		RemoveDate *string `json:"removeDate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if req.Vault == nil && req.RemoveDate == nil {
		fail(c, apperr.New(apperr.KindValidation, "nothing to update"))
		return
	}
	if req.Vault != nil && len(*req.Vault) > maxVaultBytes {
		fail(c, apperr.New(apperr.KindPayloadTooLarge, "vault too large"))
		return
	}

	var removeDate *time.Time
	if req.RemoveDate != nil {
		parsed, err := time.Parse(time.RFC3339, *req.RemoveDate)
		if err != nil {
			fail(c, apperr.New(apperr.KindValidation, "invalid remove date"))
			return
		}
		jittered := parsed.Add(cleanup.Jitter())
		removeDate = &jittered
	}

	if err := a.store.UpdateAccount(c.Request.Context(), sess.UserID, req.Vault, removeDate); err != nil {
		fail(c, err)
		return
	}
	a.fabric.SendAccountUpdated(sess.UserID, sess.SessionID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// deleteAccount removes the user and everything hanging off them, then
// force-logs-out every device with the key-wipe flag.
func (a *API) deleteAccount(c *gin.Context) {
	sess := session(c)
	if err := a.store.DeleteAccount(c.Request.Context(), sess.UserID); err != nil {
		fail(c, err)
		return
	}
	revoked := a.identity.Sessions().RevokeAll(sess.UserID)
	for _, other := range revoked {
		a.fabric.ForceLogout(sess.UserID, other.SessionID, true)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) setHiddenMode(c *gin.Context) {
	sess := session(c)
	var req struct {
		Hidden bool `json:"hidden"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if err := a.store.SetHiddenMode(c.Request.Context(), sess.UserID, req.Hidden); err != nil {
		fail(c, err)
		return
	}
	a.fabric.SendAccountUpdated(sess.UserID, sess.SessionID)
	c.JSON(http.StatusOK, gin.H{"hidden": req.Hidden})
}

func (a *API) setIntrovertMode(c *gin.Context) {
	sess := session(c)
	var req struct {
		Introvert bool `json:"introvert"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if err := a.store.SetIntrovertMode(c.Request.Context(), sess.UserID, req.Introvert); err != nil {
		fail(c, err)
		return
	}
	a.fabric.SendAccountUpdated(sess.UserID, sess.SessionID)
	c.JSON(http.StatusOK, gin.H{"introvert": req.Introvert})
}

func (a *API) pushSubscribe(c *gin.Context) {
	sess := session(c)
	var req struct {
		Endpoint string `json:"endpoint"`
		P256dh   string `json:"p256dh"`
		Auth     string `json:"auth"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if err := a.push.Subscribe(c.Request.Context(), sess.UserID, req.Endpoint, req.P256dh, req.Auth); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) pushDisable(c *gin.Context) {
	sess := session(c)
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if err := a.push.Disable(c.Request.Context(), sess.UserID, req.Endpoint); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
