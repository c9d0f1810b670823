package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrcom/lrcom-server/internal/v1/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitAPIGlobal: "1000-M",
		RateLimitAPIAuth:   "2-M",
		RateLimitAPISigned: "3-M",
		RateLimitWsIP:      "2-M",
	}
}

func TestNewRejectsBadRate(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitAPIAuth = "not-a-rate"
	_, err := New(cfg)
	assert.Error(t, err)
}

func newRouter(t *testing.T, cfg *config.Config) (*Limiter, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l, err := New(cfg)
	require.NoError(t, err)
	return l, gin.New()
}

func TestAuthLimitByIP(t *testing.T) {
	l, r := newRouter(t, testConfig())
	r.POST("/login", l.Auth(), func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(ip string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = ip + ":12345"
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))
	// A different address has its own bucket.
	assert.Equal(t, http.StatusOK, do("10.0.0.2"))
}

func TestSignedLimitByUser(t *testing.T) {
	l, r := newRouter(t, testConfig())
	asUser := func(userID string) gin.HandlerFunc {
		return func(c *gin.Context) { c.Set(UserIDKey, userID) }
	}
	r.GET("/a", asUser("user-a"), l.Signed(), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/b", asUser("user-b"), l.Signed(), func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(path string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w.Code
	}

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, do("/a"))
	}
	assert.Equal(t, http.StatusTooManyRequests, do("/a"))
	// Same IP, different user: not throttled.
	assert.Equal(t, http.StatusOK, do("/b"))
}

func TestLimitHeaders(t *testing.T) {
	l, r := newRouter(t, testConfig())
	r.GET("/x", l.Signed(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Remaining"))
}

func TestCheckWebSocket(t *testing.T) {
	l, err := New(testConfig())
	require.NoError(t, err)
	gin.SetMode(gin.TestMode)

	check := func() (bool, int) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/api/ws", nil)
		c.Request.RemoteAddr = "10.1.1.1:5000"
		return l.CheckWebSocket(c), w.Code
	}

	ok, _ := check()
	assert.True(t, ok)
	ok, _ = check()
	assert.True(t, ok)
	ok, code := check()
	assert.False(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, code)
}
