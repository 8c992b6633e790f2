// Package web serves the storefront's server-side admin routes. Every call
// to the upstream API goes through the relay so expired access credentials
// are renewed transparently and the rotated pair lands back in cookies.
package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"storefront/internal/credentials"
	"storefront/internal/observability"
	"storefront/internal/relay"
	"storefront/internal/upstream"
)

const (
	maxLoginBodyBytes = 1 << 16
	maxRelayBodyBytes = 1 << 20
)

type Handler struct {
	relay    *relay.Relay
	upstream *upstream.Client
	logger   *observability.Logger
}

func NewHandler(r *relay.Relay, client *upstream.Client, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Handler{relay: r, upstream: client, logger: logger}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBodyBytes)

	var req loginRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	pair, err := h.upstream.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) {
			msg := statusErr.Message
			if msg == "" {
				msg = "login failed"
			}
			writeError(w, statusErr.Status, msg)
			return
		}
		h.upstreamFailed(w, "login_upstream_failed", err)
		return
	}

	h.relay.ApplyCredentials(w, pair)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": uuid.NewString()})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	// Upstream revocation is best effort; the cookies are cleared regardless.
	if refresh := credentials.FromRequest(r).Refresh; refresh != "" {
		if err := h.upstream.Logout(r.Context(), refresh); err != nil {
			h.logger.Warn("logout_upstream_failed", map[string]any{"error": err.Error()})
		}
	}
	h.relay.ClearCredentials(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	result, err := h.relay.Forward(r.Context(), r, upstream.MePath, relay.Options{Method: http.MethodGet})
	h.applyNew(w, result)
	if err != nil {
		h.upstreamFailed(w, "me_upstream_failed", err)
		return
	}
	if !result.OK {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "admin": result.Data})
}

// Proxy relays any other admin call to the same path on the upstream API and
// answers with the upstream status and payload.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	path := "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")

	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRelayBodyBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		if len(data) > 0 {
			body = data
		}
	}

	var header http.Header
	if ct := r.Header.Get("Content-Type"); ct != "" {
		header = http.Header{"Content-Type": []string{ct}}
	}

	opts := relay.Options{Method: r.Method, Query: r.URL.Query(), Header: header}
	if body != nil {
		opts.Body = body
	}

	result, err := h.relay.Forward(r.Context(), r, path, opts)
	h.applyNew(w, result)
	if err != nil {
		h.upstreamFailed(w, "relay_upstream_failed", err)
		return
	}
	writeJSON(w, result.Status, result.Data)
}

func (h *Handler) applyNew(w http.ResponseWriter, result relay.Result) {
	if result.NewCredentials != nil {
		h.relay.ApplyCredentials(w, *result.NewCredentials)
	}
}

func (h *Handler) upstreamFailed(w http.ResponseWriter, event string, err error) {
	sentry.CaptureException(err)
	h.logger.Error(event, map[string]any{"error": err.Error()})
	writeError(w, http.StatusBadGateway, "upstream unavailable")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
