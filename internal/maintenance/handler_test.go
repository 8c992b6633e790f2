package maintenance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storefront/internal/auth"
	"storefront/internal/observability"
)

type fakeCleaner struct {
	calls     int
	batchSize int
	err       error
}

func (f *fakeCleaner) CleanupStaleAuthData(_ context.Context, _ time.Time, _, _ time.Duration, batchSize int) (auth.CleanupResult, error) {
	f.calls++
	f.batchSize = batchSize
	if f.err != nil {
		return auth.CleanupResult{}, f.err
	}
	return auth.CleanupResult{DeletedRefreshTokens: 3, DeletedLoginAttempts: 1}, nil
}

func call(h *CleanupHandler, method, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/internal/maintenance/cleanup", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.Handle(rr, req)
	return rr
}

func TestCleanup_DisabledWithoutSecret(t *testing.T) {
	cleaner := &fakeCleaner{}
	h := NewCleanupHandler(cleaner, observability.Nop(), "", 0, 0, 100)

	require.Equal(t, http.StatusNotFound, call(h, http.MethodPost, "anything").Code)
	require.Zero(t, cleaner.calls)
}

func TestCleanup_RequiresSecret(t *testing.T) {
	cleaner := &fakeCleaner{}
	h := NewCleanupHandler(cleaner, observability.Nop(), "cron-secret", 0, 0, 100)

	require.Equal(t, http.StatusUnauthorized, call(h, http.MethodPost, "wrong").Code)
	require.Equal(t, http.StatusUnauthorized, call(h, http.MethodPost, "").Code)
	require.Equal(t, http.StatusMethodNotAllowed, call(h, http.MethodDelete, "cron-secret").Code)
	require.Zero(t, cleaner.calls)
}

func TestCleanup_Runs(t *testing.T) {
	cleaner := &fakeCleaner{}
	h := NewCleanupHandler(cleaner, observability.Nop(), "cron-secret", 0, 0, 100)

	rr := call(h, http.MethodGet, "cron-secret")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok","result":{"deleted_refresh_tokens":3,"deleted_login_attempts":1,"deleted_ip_limits":0}}`, rr.Body.String())
	require.Equal(t, 1, cleaner.calls)
	require.Equal(t, 100, cleaner.batchSize)
}

func TestCleanup_Failure(t *testing.T) {
	h := NewCleanupHandler(&fakeCleaner{err: errors.New("db down")}, observability.Nop(), "cron-secret", 0, 0, 100)

	rr := call(h, http.MethodPost, "cron-secret")
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}
