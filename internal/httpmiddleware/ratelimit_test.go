package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tuition/internal/auth"
)

func TestAllowRefills(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := NewSimpleTokenBucket(2, 60).WithClock(func() time.Time { return now })

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "keys have separate buckets")

	now = now.Add(500 * time.Millisecond)
	assert.False(t, l.Allow("a"), "half a token is not enough")
	now = now.Add(500 * time.Millisecond)
	assert.True(t, l.Allow("a"))

	now = now.Add(time.Hour)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"), "refill is capped at capacity")
}

func TestGinMiddlewareByDevice(t *testing.T) {
	gin.SetMode(gin.TestMode)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	signer := auth.Signer{Key: "k", AccessTTL: time.Hour, RefreshTTL: time.Hour, Now: func() time.Time { return now }}
	l := NewSimpleTokenBucket(1, 1).WithClock(func() time.Time { return now })

	r := gin.New()
	r.POST("/scan", auth.DeviceAuth(signer), l.GinMiddleware(ByDevice), func(c *gin.Context) { c.Status(http.StatusOK) })

	tokenFor := func(device string) string {
		pair, err := signer.Issue(auth.Identity{Subject: device, Role: auth.RoleDevice})
		require.NoError(t, err)
		return "Bearer " + pair.AccessToken
	}
	do := func(authz string) int {
		req := httptest.NewRequest(http.MethodPost, "/scan", nil)
		req.Header.Set("Authorization", authz)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	gate1, gate2 := tokenFor("gate-1"), tokenFor("gate-2")
	assert.Equal(t, http.StatusOK, do(gate1))
	assert.Equal(t, http.StatusTooManyRequests, do(gate1))
	assert.Equal(t, http.StatusOK, do(gate2), "same address, different device")
}
