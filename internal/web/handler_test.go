package web_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storefront/internal/auth"
	"storefront/internal/auth/repofake"
	"storefront/internal/credentials"
	"storefront/internal/observability"
	"storefront/internal/relay"
	"storefront/internal/upstream"
	"storefront/internal/web"
)

const (
	adminEmail    = "admin@example.com"
	adminPassword = "correct-horse-battery"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	router http.Handler
	clock  *clock
	store  *repofake.Store
}

// newEnv runs the real auth API behind an httptest server and points the
// storefront router at it.
func newEnv(t *testing.T) *env {
	t.Helper()

	store := repofake.New()
	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := auth.NewService(store, "test-secret")
	svc.WithClock(c.Now)
	require.NoError(t, svc.BootstrapFromEnv(context.Background(), adminEmail, adminPassword))

	authHandler := auth.NewHandler(svc)
	authn := svc.Authenticator()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", authHandler.Login)
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("GET /auth/me", authn.Middleware(http.HandlerFunc(authHandler.Me)))
	mux.Handle("/orders", authn.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"method":       r.Method,
			"limit":        r.URL.Query().Get("limit"),
			"body":         string(body),
			"content_type": r.Header.Get("Content-Type"),
		})
	})))

	api := httptest.NewServer(mux)
	t.Cleanup(api.Close)

	client := upstream.NewClient(api.URL, api.Client())
	rl := relay.New(client, credentials.NewCookieWriter(false))
	h := web.NewHandler(rl, client, observability.Nop())

	return &env{router: web.NewRouter(h, observability.Nop()), clock: c, store: store}
}

func (e *env) do(t *testing.T, method, path, body string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *env) login(t *testing.T) []*http.Cookie {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/admin/auth/login", `{"email":"admin@example.com","password":"correct-horse-battery"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return rr.Result().Cookies()
}

func cookieByName(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLogin_SetsCredentialCookies(t *testing.T) {
	e := newEnv(t)

	rr := e.do(t, http.MethodPost, "/api/admin/auth/login", `{"email":"admin@example.com","password":"correct-horse-battery"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Success bool   `json:"success"`
		Session string `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.NotEmpty(t, body.Session)

	cookies := rr.Result().Cookies()
	access := cookieByName(cookies, credentials.AccessCookie)
	refresh := cookieByName(cookies, credentials.RefreshCookie)
	require.NotNil(t, access)
	require.NotNil(t, refresh)
	require.Equal(t, 3600, access.MaxAge)
	require.Equal(t, 1209600, refresh.MaxAge)
	for _, c := range []*http.Cookie{access, refresh} {
		require.True(t, c.HttpOnly)
		require.False(t, c.Secure)
		require.Equal(t, http.SameSiteStrictMode, c.SameSite)
		require.Equal(t, "/", c.Path)
		require.NotEmpty(t, c.Value)
	}
}

func TestLogin_Validation(t *testing.T) {
	e := newEnv(t)

	rr := e.do(t, http.MethodPost, "/api/admin/auth/login", `{"email":"admin@example.com"}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.JSONEq(t, `{"error":"email and password are required"}`, rr.Body.String())

	rr = e.do(t, http.MethodPost, "/api/admin/auth/login", `not json`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodPost, "/api/admin/auth/login", `{"email":"admin@example.com","password":"correct-horse-battery","remember":true}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.JSONEq(t, `{"error":"invalid json body"}`, rr.Body.String())
	require.Empty(t, rr.Result().Cookies())

	rr = e.do(t, http.MethodPost, "/api/admin/auth/login", `{"email":"admin@example.com","password":"`+strings.Repeat("x", 1<<17)+`"}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodPost, "/api/admin/auth/login", `{"email":"admin@example.com","password":"wrong-password-123"}`, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.JSONEq(t, `{"error":"invalid credentials"}`, rr.Body.String())
	require.Empty(t, rr.Result().Cookies())
}

func TestMe_WithFreshCredentials(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t)

	rr := e.do(t, http.MethodGet, "/api/admin/auth/me", "", cookies)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, rr.Result().Cookies())

	var body struct {
		Success bool          `json:"success"`
		Admin   auth.Identity `json:"admin"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Equal(t, adminEmail, body.Admin.Email)
}

func TestMe_RenewsExpiredAccessCredential(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t)
	oldAccess := cookieByName(cookies, credentials.AccessCookie).Value
	oldRefresh := cookieByName(cookies, credentials.RefreshCookie).Value

	e.clock.Advance(time.Hour + time.Second)

	rr := e.do(t, http.MethodGet, "/api/admin/auth/me", "", cookies)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	renewed := rr.Result().Cookies()
	access := cookieByName(renewed, credentials.AccessCookie)
	refresh := cookieByName(renewed, credentials.RefreshCookie)
	require.NotNil(t, access)
	require.NotNil(t, refresh)
	require.NotEqual(t, oldAccess, access.Value)
	require.NotEqual(t, oldRefresh, refresh.Value)
	require.Equal(t, 3600, access.MaxAge)
	require.Equal(t, 1209600, refresh.MaxAge)

	// The consumed refresh credential is rotated out upstream.
	rec, ok := e.store.Token(oldRefresh)
	require.True(t, ok)
	require.NotNil(t, rec.RevokedAt)

	rr = e.do(t, http.MethodGet, "/api/admin/auth/me", "", renewed)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, rr.Result().Cookies())
}

func TestMe_ExpiredRefreshEndsSession(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t)

	e.clock.Advance(14*24*time.Hour + time.Second)

	rr := e.do(t, http.MethodGet, "/api/admin/auth/me", "", cookies)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.JSONEq(t, `{"error":"unauthorized"}`, rr.Body.String())
	require.Empty(t, rr.Result().Cookies())
}

func TestMe_WithoutCookies(t *testing.T) {
	e := newEnv(t)

	rr := e.do(t, http.MethodGet, "/api/admin/auth/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Empty(t, rr.Result().Cookies())
}

func TestLogout_RevokesAndClearsCookies(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t)
	refresh := cookieByName(cookies, credentials.RefreshCookie).Value

	rr := e.do(t, http.MethodPost, "/api/admin/auth/logout", "", cookies)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"success":true}`, rr.Body.String())

	cleared := rr.Result().Cookies()
	require.Len(t, cleared, 2)
	for _, c := range cleared {
		require.Empty(t, c.Value)
		require.Less(t, c.MaxAge, 0)
	}

	rec, ok := e.store.Token(refresh)
	require.True(t, ok)
	require.NotNil(t, rec.RevokedAt)
}

func TestLogout_WithoutSessionStillClears(t *testing.T) {
	e := newEnv(t)

	rr := e.do(t, http.MethodPost, "/api/admin/auth/logout", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, rr.Result().Cookies(), 2)
}

func TestProxy_ForwardsMethodQueryAndBody(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t)

	rr := e.do(t, http.MethodGet, "/api/admin/orders?limit=2", "", cookies)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.JSONEq(t, `{"method":"GET","limit":"2","body":"","content_type":"application/json"}`, rr.Body.String())

	rr = e.do(t, http.MethodPost, "/api/admin/orders", `{"sku":"A-1"}`, cookies)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.JSONEq(t, `{"method":"POST","limit":"","body":"{\"sku\":\"A-1\"}","content_type":"application/json"}`, rr.Body.String())
}

func TestProxy_RenewsAndReplaysBody(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t)

	e.clock.Advance(time.Hour + time.Second)

	rr := e.do(t, http.MethodPost, "/api/admin/orders", `{"sku":"B-2"}`, cookies)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.JSONEq(t, `{"method":"POST","limit":"","body":"{\"sku\":\"B-2\"}","content_type":"application/json"}`, rr.Body.String())
	require.Len(t, rr.Result().Cookies(), 2)
}

func TestProxy_PassesUpstreamStatus(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t)

	rr := e.do(t, http.MethodGet, "/api/admin/missing", "", cookies)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUpstreamUnavailable(t *testing.T) {
	api := httptest.NewServer(http.NotFoundHandler())
	client := upstream.NewClient(api.URL, api.Client())
	api.Close()

	h := web.NewHandler(relay.New(client, credentials.NewCookieWriter(false)), client, nil)
	router := web.NewRouter(h, observability.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/admin/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: credentials.AccessCookie, Value: "a"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadGateway, rr.Code)
	require.JSONEq(t, `{"error":"upstream unavailable"}`, rr.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/api/admin/auth/login", strings.NewReader(`{"email":"a@b.co","password":"x"}`))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/admin/auth/me", "", e.login(t))

	rr := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "storefront_relay_calls_total")
}

// stallingAPI renews r1 into {a2,r2} and then never answers calls made with a2.
func stallingAPI(t *testing.T) *httptest.Server {
	t.Helper()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == upstream.RefreshPath:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"a2","refresh_token":"r2"}`))
		case r.Header.Get("Authorization") == "Bearer a2":
			<-r.Context().Done()
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid or expired token"}`))
		}
	}))
	t.Cleanup(api.Close)
	return api
}

func TestRetryTransportFailureStillWritesRenewedCookies(t *testing.T) {
	api := stallingAPI(t)
	httpClient := api.Client()
	httpClient.Timeout = 100 * time.Millisecond
	client := upstream.NewClient(api.URL, httpClient)
	router := web.NewRouter(web.NewHandler(relay.New(client, credentials.NewCookieWriter(false)), client, nil), observability.Nop())

	for _, tc := range []struct {
		name   string
		method string
		path   string
	}{
		{name: "me", method: http.MethodGet, path: "/api/admin/auth/me"},
		{name: "relayed resource", method: http.MethodGet, path: "/api/admin/orders"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			req.AddCookie(&http.Cookie{Name: credentials.AccessCookie, Value: "expired"})
			req.AddCookie(&http.Cookie{Name: credentials.RefreshCookie, Value: "r1"})
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			require.Equal(t, http.StatusBadGateway, rr.Code)
			cookies := rr.Result().Cookies()
			access := cookieByName(cookies, credentials.AccessCookie)
			refresh := cookieByName(cookies, credentials.RefreshCookie)
			require.NotNil(t, access)
			require.NotNil(t, refresh)
			require.Equal(t, "a2", access.Value)
			require.Equal(t, "r2", refresh.Value)
			require.Equal(t, 3600, access.MaxAge)
			require.Equal(t, 1209600, refresh.MaxAge)
		})
	}
}
