package httpapi

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// turnCredentials mints short-lived TURN credentials in the coturn
// shared-secret scheme: username is a unix expiry timestamp, credential is
// base64(HMAC-SHA1(secret, username)). Without TURN configuration the
// response degrades to STUN only.
func (a *API) turnCredentials(c *gin.Context) {
	servers := []iceServer{}
	if len(a.cfg.StunURLs) > 0 {
		servers = append(servers, iceServer{URLs: a.cfg.StunURLs})
	}

	if len(a.cfg.TurnURLs) > 0 && a.cfg.TurnSecret != "" {
		username := strconv.FormatInt(time.Now().Add(a.cfg.TurnTTL).Unix(), 10)
		mac := hmac.New(sha1.New, []byte(a.cfg.TurnSecret))
		mac.Write([]byte(username))
		servers = append(servers, iceServer{
			URLs:       a.cfg.TurnURLs,
			Username:   username,
			Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		})
	}

	c.JSON(http.StatusOK, gin.H{"iceServers": servers})
}
