package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
	"github.com/lrcom/lrcom-server/internal/v1/identity"
	"github.com/lrcom/lrcom-server/internal/v1/logging"
	"github.com/lrcom/lrcom-server/internal/v1/ratelimit"
)

const (
	sessionKey = "session"
	tokenKey   = "authToken"
)

// bodyLimit caps request bodies so a single client cannot buffer the server
// into the ground. gin's binder surfaces the overflow as a read error.
func bodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// requireSession resolves the bearer token from Authorization or
// X-Auth-Token and attaches the session to the request context.
func (a *API) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		sess, err := a.identity.Sessions().Lookup(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(sessionKey, sess)
		c.Set(tokenKey, token)
		c.Set(ratelimit.UserIDKey, sess.UserID.String())

		// Stamp the ids into the request context so every log line under
		// the DEBUG gate carries them.
		ctx := context.WithValue(c.Request.Context(), logging.UserIDKey, sess.UserID.String())
		ctx = context.WithValue(ctx, logging.SessionIDKey, sess.SessionID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return after
		}
		return ""
	}
	return c.GetHeader("X-Auth-Token")
}

// session returns the authenticated session; requireSession guarantees it.
func session(c *gin.Context) *identity.Session {
	return c.MustGet(sessionKey).(*identity.Session)
}

// fail maps an error kind to its HTTP status. Internal detail never reaches
// the client on 5xx.
func fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logging.Warn(c.Request.Context(), "request failed", zap.String("path", c.FullPath()), zap.Error(err))
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// badRequest is for bind failures before any kind is attached.
func badRequest(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
}
