package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	registrations atomic.Int32
	scans         atomic.Int32
	expireNext    atomic.Bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/v1/devices/register":
		var reg Registration
		_ = json.NewDecoder(r.Body).Decode(&reg)
		n := f.registrations.Add(1)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Tokens{AccessToken: reg.DeviceID + "-token-" + string(rune('0'+n)), ExpiresAt: 1})
	case "/v1/attendance/scan":
		if f.expireNext.CompareAndSwap(true, false) || r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"error":"invalid token"}`))
			return
		}
		var scan Scan
		_ = json.NewDecoder(r.Body).Decode(&scan)
		f.scans.Add(1)
		if scan.RawID == "FFFFFF" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false,"error":"card FFFFFF is not registered"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"message":"Check-in recorded for Ana","data":{"id":"r1","direction":"check-in","identityName":"Ana"}}`))
	case "/healthz":
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", time.Second), api
}

var kiosk = Registration{DeviceID: "kiosk-1", DeviceName: "Lobby", DeviceType: "KEYBOARD", Location: "WX 01"}

func TestRegisterAndSubmit(t *testing.T) {
	ctx := context.Background()
	c, api := newTestClient(t)

	tokens, err := c.Register(ctx, kiosk)
	require.NoError(t, err)
	assert.Equal(t, "kiosk-1-token-1", tokens.AccessToken)

	res, err := c.SubmitScan(ctx, Scan{RawID: "X9Y8Z7", DeviceID: "kiosk-1"})
	require.NoError(t, err)
	assert.Equal(t, "check-in", res.Data.Direction)
	assert.Equal(t, "Check-in recorded for Ana", res.Message)
	assert.EqualValues(t, 1, api.scans.Load())
	require.NoError(t, c.Health(ctx))
}

func TestSubmitReRegistersOnExpiredToken(t *testing.T) {
	ctx := context.Background()
	c, api := newTestClient(t)
	_, err := c.Register(ctx, kiosk)
	require.NoError(t, err)

	api.expireNext.Store(true)
	_, err = c.SubmitScan(ctx, Scan{RawID: "X9Y8Z7"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, api.registrations.Load())
	assert.Equal(t, "kiosk-1-token-2", c.accessToken())
}

func TestSubmitWithoutRegistration(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.SubmitScan(context.Background(), Scan{RawID: "X9Y8Z7"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.False(t, IsRejection(err))
}

func TestRejectedScan(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	_, err := c.Register(ctx, kiosk)
	require.NoError(t, err)

	_, err = c.SubmitScan(ctx, Scan{RawID: "FFFFFF"})
	require.Error(t, err)
	assert.True(t, IsRejection(err))
	assert.Contains(t, err.Error(), "card FFFFFF is not registered")
}
