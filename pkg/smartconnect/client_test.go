package smartconnect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func newTestServer(t *testing.T, loginOK bool, positions any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(routes["api.login"], func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "C123", body["clientcode"])
		assert.Len(t, body["totp"], 6)
		assert.Equal(t, "key", r.Header.Get("X-PrivateKey"))

		if !loginOK {
			json.NewEncoder(w).Encode(map[string]any{"status": false, "message": "Invalid totp"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data":   map[string]any{"jwtToken": "jwt-1", "refreshToken": "rt-1", "feedToken": "ft-1"},
		})
	})
	mux.HandleFunc(routes["api.user.profile"], func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer jwt-1", r.Header.Get("Authorization"))
		assert.Equal(t, "rt-1", r.URL.Query().Get("refreshToken"))
		json.NewEncoder(w).Encode(map[string]any{"status": true, "data": map[string]any{"clientcode": "C123"}})
	})
	mux.HandleFunc(routes["api.logout"], func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer jwt-1", r.Header.Get("Authorization"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "C123", body["clientcode"])
		json.NewEncoder(w).Encode(map[string]any{"status": true, "data": ""})
	})
	mux.HandleFunc(routes["api.position"], func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer jwt-1" {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{"error_type": "TokenException", "message": "Invalid Token"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": true, "data": positions})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(url string) *SmartConnect {
	return NewSmartConnect(Config{APIKey: "key", RootURL: url, ClientLocalIP: "10.0.0.1", ClientMAC: "aa:bb:cc:dd:ee:ff"})
}

func TestLoginWithTOTPAndPositions(t *testing.T) {
	rows := []any{
		map[string]any{"symboltoken": "3045", "exchange": "NSE", "netqty": "10"},
		"garbage",
	}
	srv := newTestServer(t, true, rows)
	sc := newClient(srv.URL)
	ctx := context.Background()

	require.NoError(t, sc.LoginWithTOTP(ctx, "C123", "pw", testSecret))
	assert.Equal(t, "jwt-1", sc.AccessToken())
	assert.Equal(t, "ft-1", sc.FeedToken())
	assert.Equal(t, "C123", sc.UserID())

	got, err := sc.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "3045", got[0]["symboltoken"])
}

func TestPositions_EmptyBook(t *testing.T) {
	srv := newTestServer(t, true, nil)
	sc := newClient(srv.URL)
	require.NoError(t, sc.LoginWithTOTP(context.Background(), "C123", "pw", testSecret))

	got, err := sc.Positions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLogin_Rejected(t *testing.T) {
	srv := newTestServer(t, false, nil)
	sc := newClient(srv.URL)

	err := sc.LoginWithTOTP(context.Background(), "C123", "pw", testSecret)
	assert.ErrorIs(t, err, ErrLoginFailed)
	assert.Empty(t, sc.AccessToken())
}

func TestLogin_BadSecret(t *testing.T) {
	sc := newClient("http://127.0.0.1:1")
	err := sc.LoginWithTOTP(context.Background(), "C123", "pw", "not base32 !!")
	assert.Error(t, err)
}

func TestPositions_TokenExpiredCallsHook(t *testing.T) {
	srv := newTestServer(t, true, nil)
	sc := newClient(srv.URL)

	called := false
	sc.SessionExpiryHook = func() { called = true }

	_, err := sc.Positions(context.Background())
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.True(t, called)
}

func TestTerminateSession_ClearsTokens(t *testing.T) {
	srv := newTestServer(t, true, nil)
	sc := newClient(srv.URL)
	ctx := context.Background()

	require.NoError(t, sc.LoginWithTOTP(ctx, "C123", "pw", testSecret))
	require.NoError(t, sc.TerminateSession(ctx, "C123"))
	assert.Empty(t, sc.AccessToken())
	assert.Empty(t, sc.FeedToken())

	_, err := sc.Positions(ctx)
	assert.ErrorIs(t, err, ErrTokenExpired)
}
