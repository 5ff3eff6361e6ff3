package recordstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("server-secret"))
	require.NoError(t, err)
	return tok
}

type fakePocketBase struct {
	t      *testing.T
	auths  atomic.Int32
	token  atomic.Value
	reject atomic.Bool
	last   atomic.Value
}

func (f *fakePocketBase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/collections/_superusers/auth-with-password" {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["identity"] != "admin@center.test" || body["password"] != "pw" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"Failed to authenticate."}`))
			return
		}
		f.auths.Add(1)
		tok := sessionToken(f.t, time.Now().Add(time.Hour))
		f.token.Store(tok)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": tok})
		return
	}
	if f.reject.CompareAndSwap(true, false) || r.Header.Get("Authorization") != f.token.Load() {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.last.Store(r.Method + " " + r.URL.RequestURI())
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/collections/students/records":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"page": 1, "perPage": 1, "totalItems": 1,
			"items": []map[string]any{{"id": "s1", "cardNumber": "A1B2C3"}},
		})
	case r.Method == http.MethodGet && r.URL.Path == "/api/collections/students/records/missing":
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"The requested resource wasn't found."}`))
	case r.Method == http.MethodPatch:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["id"] = "s1"
		_ = json.NewEncoder(w).Encode(body)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func newPocketBase(t *testing.T) (*PocketBase, *fakePocketBase) {
	fake := &fakePocketBase{t: t}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewPocketBase(srv.URL, "admin@center.test", "pw", time.Second), fake
}

func TestPocketBaseListCachesToken(t *testing.T) {
	pb, fake := newPocketBase(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := pb.List(ctx, "students", ListOptions{Filter: Filter{Eq("cardNumber", "A1B2C3")}, Sort: "-created"})
		require.NoError(t, err)
		require.Len(t, res.Items, 1)
		assert.Equal(t, "s1", res.Items[0].ID())
	}
	assert.Equal(t, int32(1), fake.auths.Load(), "session is reused until expiry")
	assert.Contains(t, fake.last.Load(), "filter=cardNumber+%3D+%22A1B2C3%22")
}

func TestPocketBaseReauthenticatesOn401(t *testing.T) {
	pb, fake := newPocketBase(t)
	ctx := context.Background()
	_, err := pb.List(ctx, "students", ListOptions{})
	require.NoError(t, err)

	fake.reject.Store(true)
	_, err = pb.List(ctx, "students", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), fake.auths.Load())
}

func TestPocketBaseNotFound(t *testing.T) {
	pb, _ := newPocketBase(t)
	_, err := pb.GetOne(context.Background(), "students", "missing")
	assert.True(t, IsNotFound(err))
}

func TestPocketBaseIncrementUsesModifier(t *testing.T) {
	pb, _ := newPocketBase(t)
	rec, err := pb.Increment(context.Background(), "students", "s1", "usageCount", 1, Record{"lastUsed": "2026-03-02 08:00:00.000Z"})
	require.NoError(t, err)
	assert.Equal(t, float64(1), rec["usageCount+"])
	assert.Equal(t, "2026-03-02 08:00:00.000Z", rec["lastUsed"])
}

func TestPocketBaseBadCredentials(t *testing.T) {
	pb, _ := newPocketBase(t)
	pb.Password = "wrong"
	_, err := pb.List(context.Background(), "students", ListOptions{})
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, err.Error(), "Failed to authenticate.")
}

func TestTokenExpiry(t *testing.T) {
	now := time.Now()
	exp := now.Add(30 * time.Minute).Truncate(time.Second)
	assert.True(t, tokenExpiry(sessionToken(t, exp), now).Equal(exp))
	assert.Equal(t, now.Add(10*time.Minute), tokenExpiry("not-a-jwt", now))
}
