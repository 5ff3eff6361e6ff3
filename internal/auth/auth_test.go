package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSigner(now time.Time) Signer {
	return Signer{
		Issuer:     "tuition-test",
		Key:        "secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		Now:        func() time.Time { return now },
	}
}

var kiosk = Identity{Subject: "gate-1", Role: RoleDevice, DeviceName: "Front Gate", Location: "center-a"}

func TestIssueAndParse(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := testSigner(now)

	pair, err := s.Issue(kiosk)
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute), pair.AccessExp)
	assert.Equal(t, now.Add(24*time.Hour), pair.RefreshExp)

	claims, err := s.Parse(pair.AccessToken, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "gate-1", claims.Subject)
	assert.Equal(t, RoleDevice, claims.Role)
	assert.Equal(t, "center-a", claims.Location)
	assert.Equal(t, "Front Gate", claims.DeviceName)

	_, err = s.Parse(pair.RefreshToken, KindAccess)
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestParseRejects(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := testSigner(now)
	pair, err := s.Issue(kiosk)
	require.NoError(t, err)

	other := s
	other.Key = "different"
	_, err = other.Parse(pair.AccessToken, KindAccess)
	assert.Error(t, err, "bad signature")

	foreign := s
	foreign.Issuer = "someone-else"
	_, err = foreign.Parse(pair.AccessToken, KindAccess)
	assert.Error(t, err, "issuer mismatch")

	later := testSigner(now.Add(time.Hour))
	_, err = later.Parse(pair.AccessToken, KindAccess)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Kind: KindAccess})
	raw, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.Parse(raw, KindAccess)
	assert.Error(t, err)
}

func TestRefresh(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	pair, err := testSigner(now).Issue(kiosk)
	require.NoError(t, err)

	later := testSigner(now.Add(time.Hour))
	fresh, claims, err := later.Refresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "gate-1", claims.Subject)
	assert.Equal(t, now.Add(time.Hour+15*time.Minute), fresh.AccessExp)

	_, _, err = later.Refresh(pair.AccessToken)
	assert.Error(t, err)
}

func TestDeviceAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := testSigner(now)
	pair, err := s.Issue(kiosk)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", DeviceAuth(s), func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Subject)
	})
	r.GET("/scan", DeviceAuth(s), RequireRole(RoleDevice), func(c *gin.Context) { c.Status(http.StatusOK) })

	other := kiosk
	other.Role = "viewer"
	viewer, err := s.Issue(other)
	require.NoError(t, err)

	cases := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"no header", "/me", "", http.StatusUnauthorized},
		{"not bearer", "/me", "Basic abc", http.StatusUnauthorized},
		{"garbage", "/me", "Bearer nope", http.StatusUnauthorized},
		{"refresh token", "/me", "Bearer " + pair.RefreshToken, http.StatusUnauthorized},
		{"ok", "/me", "Bearer " + pair.AccessToken, http.StatusOK},
		{"lowercase scheme", "/me", "bearer " + pair.AccessToken, http.StatusOK},
		{"device role", "/scan", "Bearer " + pair.AccessToken, http.StatusOK},
		{"wrong role", "/scan", "Bearer " + viewer.AccessToken, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK && tc.path == "/me" {
				assert.Equal(t, "gate-1", w.Body.String())
			}
		})
	}
}
