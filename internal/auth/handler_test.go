package auth_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storefront/internal/auth"
)

func newAPI(t *testing.T) (http.Handler, *testClock) {
	t.Helper()
	svc, _, clock := newService(t)
	h := auth.NewHandler(svc)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", h.Login)
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.Handle("GET /auth/me", svc.Authenticator().Middleware(http.HandlerFunc(h.Me)))
	return mux, clock
}

func do(t *testing.T, h http.Handler, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func login(t *testing.T, h http.Handler) auth.Tokens {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/auth/login", `{"email":"admin@example.com","password":"correct-horse-battery"}`, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var tokens auth.Tokens
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tokens))
	return tokens
}

func TestHandler_LoginValidation(t *testing.T) {
	h, _ := newAPI(t)

	rr := do(t, h, http.MethodPost, "/auth/login", `{"email":"not-an-email","password":"correct-horse-battery"}`, "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/auth/login", `{"email":"admin@example.com","password":"short"}`, "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/auth/login", `{"username":"admin"}`, "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/auth/login", `{"email":"admin@example.com","password":"wrong-password-123"}`, "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.JSONEq(t, `{"error":"invalid credentials"}`, rr.Body.String())
}

func TestHandler_LockedLoginSetsRetryAfter(t *testing.T) {
	h, _ := newAPI(t)
	for i := 0; i < 4; i++ {
		do(t, h, http.MethodPost, "/auth/login", `{"email":"admin@example.com","password":"wrong-password-123"}`, "")
	}

	rr := do(t, h, http.MethodPost, "/auth/login", `{"email":"admin@example.com","password":"wrong-password-123"}`, "")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, "900", rr.Header().Get("Retry-After"))
}

func TestHandler_MeRequiresValidAccessToken(t *testing.T) {
	h, clock := newAPI(t)
	tokens := login(t, h)

	rr := do(t, h, http.MethodGet, "/auth/me", "", tokens.AccessToken)
	require.Equal(t, http.StatusOK, rr.Code)
	var identity auth.Identity
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &identity))
	require.Equal(t, "admin@example.com", identity.Email)

	rr = do(t, h, http.MethodGet, "/auth/me", "", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodGet, "/auth/me", "", "garbage")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	clock.Advance(time.Hour + time.Second)
	rr = do(t, h, http.MethodGet, "/auth/me", "", tokens.AccessToken)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.JSONEq(t, `{"error":"invalid or expired token"}`, rr.Body.String())
}

func TestHandler_RefreshAndLogout(t *testing.T) {
	h, _ := newAPI(t)
	tokens := login(t, h)

	rr := do(t, h, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+tokens.RefreshToken+`"}`, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var rotated auth.Tokens
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rotated))
	require.NotEqual(t, tokens.RefreshToken, rotated.RefreshToken)

	rr = do(t, h, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+tokens.RefreshToken+`"}`, "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodPost, "/auth/logout", `{"refresh_token":"`+rotated.RefreshToken+`"}`, "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, h, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+rotated.RefreshToken+`"}`, "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}
