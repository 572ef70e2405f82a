package smartconnect

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, handlers map[string]http.HandlerFunc) *SmartConnect {
	t.Helper()
	mux := http.NewServeMux()
	for route, h := range handlers {
		mux.HandleFunc(routes[route], h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewSmartConnect(Config{APIKey: "key", RootURL: srv.URL, ClientLocalIP: "10.0.0.1", ClientMAC: "aa:bb"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestGenerateSession(t *testing.T) {
	sc := newTestAPI(t, map[string]http.HandlerFunc{
		"api.login": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "key", r.Header.Get("X-PrivateKey"))
			body, _ := io.ReadAll(r.Body)
			var req map[string]string
			require.NoError(t, json.Unmarshal(body, &req))
			assert.Equal(t, "C123", req["clientcode"])
			assert.Equal(t, "654321", req["totp"])
			writeJSON(w, map[string]any{
				"status": true,
				"data":   map[string]string{"jwtToken": "jwt", "refreshToken": "ref", "feedToken": "feed"},
			})
		},
		"api.user.profile": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer jwt", r.Header.Get("Authorization"))
			writeJSON(w, map[string]any{
				"status": true,
				"data":   map[string]any{"clientcode": "C123", "name": "Trader"},
			})
		},
	})

	sess, err := sc.GenerateSession(context.Background(), "C123", "1111", "654321")
	require.NoError(t, err)
	assert.Equal(t, "jwt", sess.JWTToken)
	assert.Equal(t, "feed", sess.FeedToken)
	assert.Equal(t, "Trader", sess.Name)
	assert.Equal(t, "feed", sc.FeedToken())
	assert.Equal(t, "C123", sc.UserID())
}

func TestGenerateSession_Rejected(t *testing.T) {
	sc := newTestAPI(t, map[string]http.HandlerFunc{
		"api.login": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{"status": false, "message": "Invalid totp", "errorcode": "AB1050"})
		},
	})
	_, err := sc.GenerateSession(context.Background(), "C123", "1111", "000000")
	assert.ErrorIs(t, err, ErrLoginFailed)
	assert.Empty(t, sc.AccessToken())
}

func TestTokenExceptionCallsExpiryHook(t *testing.T) {
	sc := newTestAPI(t, map[string]http.HandlerFunc{
		"api.ltp.data": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			writeJSON(w, map[string]any{"error_type": "TokenException", "message": "expired"})
		},
	})
	called := false
	sc.SessionExpiryHook = func() { called = true }

	_, err := sc.LTPData(context.Background(), "NSE", "Nifty 50", "99926000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TokenException")
	assert.True(t, called)
}

func TestLTPData(t *testing.T) {
	sc := newTestAPI(t, map[string]http.HandlerFunc{
		"api.ltp.data": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{
				"status": true,
				"data":   map[string]any{"exchange": "NSE", "tradingsymbol": "Nifty 50", "ltp": 22150.35},
			})
		},
	})
	ltp, err := sc.LTPData(context.Background(), "NSE", "Nifty 50", "99926000")
	require.NoError(t, err)
	assert.Equal(t, 22150.35, ltp)
}

func TestTerminateSession(t *testing.T) {
	sc := newTestAPI(t, map[string]http.HandlerFunc{
		"api.logout": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{"status": true, "message": "SUCCESS"})
		},
	})
	require.NoError(t, sc.TerminateSession(context.Background(), "C123"))
}
