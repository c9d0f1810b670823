package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lrcom/lrcom-server/internal/v1/identity"
)

type authResponse struct {
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expiresAt"`
	UserID        uuid.UUID `json:"userId"`
	Username      string    `json:"username"`
	HiddenMode    bool      `json:"hiddenMode"`
	IntrovertMode bool      `json:"introvertMode"`
	Vault         string    `json:"vault,omitempty"`
}

func authResponseOf(res *identity.AuthResult, includeVault bool) authResponse {
	out := authResponse{
		Token:         res.Session.Token,
		ExpiresAt:     res.Session.ExpiresAt,
		UserID:        res.UserID,
		Username:      res.Username,
		HiddenMode:    res.HiddenMode,
		IntrovertMode: res.IntrovertMode,
	}
	if includeVault {
		out.Vault = res.Vault
	}
	return out
}

// notifyEvicted delivers force-logout to sessions the concurrency cap
// pushed out.
func (a *API) notifyEvicted(userID uuid.UUID, evicted []*identity.Session) {
	for _, sess := range evicted {
		a.fabric.ForceLogout(userID, sess.SessionID, false)
	}
}

func (a *API) register(c *gin.Context) {
	var req struct {
		Username   string `json:"username"`
		PublicKey  string `json:"publicKey"`
		RemoveDate string `json:"removeDate"`
		Vault      string `json:"vault"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	res, err := a.identity.Register(c.Request.Context(), req.Username, req.PublicKey, req.RemoveDate, req.Vault)
	if err != nil {
		fail(c, err)
		return
	}
	a.notifyEvicted(res.UserID, res.Evicted)
	c.JSON(http.StatusOK, authResponseOf(res, false))
}

func (a *API) loginInit(c *gin.Context) {
	var req struct {
		Username  string `json:"username"`
		PublicKey string `json:"publicKey"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	challenge, err := a.identity.LoginInit(c.Request.Context(), req.Username, req.PublicKey)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"challengeId":           challenge.ChallengeID,
		"encryptedChallengeB64": challenge.EncryptedChallengeB64,
	})
}

func (a *API) loginFinal(c *gin.Context) {
	var req struct {
		ChallengeID string `json:"challengeId"`
		Response    string `json:"response"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	res, err := a.identity.LoginFinal(c.Request.Context(), req.ChallengeID, req.Response)
	if err != nil {
		fail(c, err)
		return
	}
	a.notifyEvicted(res.UserID, res.Evicted)
	c.JSON(http.StatusOK, authResponseOf(res, true))
}

func (a *API) checkUsername(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	exists, err := a.identity.CheckUsername(c.Request.Context(), req.Username)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

// sessionRefresh rotates the bearer token in place. The session id is
// stable across rotation, so open sockets stay bound.
func (a *API) sessionRefresh(c *gin.Context) {
	sess, err := a.identity.Sessions().Rotate(c.GetString(tokenKey))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": sess.Token, "expiresAt": sess.ExpiresAt})
}

func (a *API) logoutOtherDevices(wipeLocalKeys bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := session(c)
		revoked := a.identity.Sessions().RevokeOthers(sess.UserID, sess.SessionID)
		for _, other := range revoked {
			a.fabric.ForceLogout(sess.UserID, other.SessionID, wipeLocalKeys)
		}
		c.JSON(http.StatusOK, gin.H{"loggedOut": len(revoked)})
	}
}
