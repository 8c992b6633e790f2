// Package relay forwards one logical upstream call on behalf of an inbound
// request. Credentials come from the inbound cookies; an authorization
// failure triggers at most one renewal followed by at most one retry.
//
// Callers must write Result.NewCredentials back onto their response (see
// Relay.ApplyCredentials) whenever it is set, including when Forward also
// returns an error: the renewal has already rotated the refresh credential
// upstream, so dropping the new pair ends the session.
package relay

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/getsentry/sentry-go"

	"storefront/internal/credentials"
	"storefront/internal/observability"
	"storefront/internal/upstream"
)

const defaultRenewalTimeout = 10 * time.Second

type Options struct {
	Method string
	Query  url.Values
	Header http.Header
	Body   any
}

// Result is the uniform outcome of a forwarded call. Data holds the decoded
// JSON payload, or the raw text when the body is not JSON.
type Result struct {
	OK             bool              `json:"ok"`
	Status         int               `json:"status"`
	Data           any               `json:"data"`
	NewCredentials *credentials.Pair `json:"-"`
}

type Relay struct {
	upstream       *upstream.Client
	cookies        credentials.CookieWriter
	logger         *observability.Logger
	renewalTimeout time.Duration
}

type Option func(*Relay)

func WithLogger(logger *observability.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRenewalTimeout bounds the refresh call. A timeout is reported like any
// other transport failure.
func WithRenewalTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.renewalTimeout = d
		}
	}
}

func New(client *upstream.Client, cookies credentials.CookieWriter, opts ...Option) *Relay {
	r := &Relay{
		upstream:       client,
		cookies:        cookies,
		logger:         observability.Nop(),
		renewalTimeout: defaultRenewalTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Forward relays the call described by opts to upstreamPath. The returned
// error is non-nil only for transport failures; every HTTP status, including
// a terminal 401, is reported through Result.
func (r *Relay) Forward(ctx context.Context, inbound *http.Request, upstreamPath string, opts Options) (Result, error) {
	pair := credentials.FromRequest(inbound)

	body, err := upstream.EncodeBody(opts.Body)
	if err != nil {
		return Result{}, err
	}
	req := upstream.Request{
		Method: opts.Method,
		Path:   upstreamPath,
		Query:  opts.Query,
		Header: opts.Header,
	}

	first, err := r.upstream.SendEncoded(ctx, req, body, pair.Access)
	if err != nil {
		return Result{}, err
	}
	if !first.Unauthorized() || pair.Refresh == "" {
		observability.RelayCalls.WithLabelValues(observability.StatusClass(first.Status), "false").Inc()
		return resultFrom(first), nil
	}

	renewed, err := r.renew(ctx, pair.Refresh, upstreamPath)
	if err != nil {
		if errors.Is(err, upstream.ErrRenewalRejected) || errors.Is(err, upstream.ErrMalformedPair) {
			observability.RelayCalls.WithLabelValues(observability.StatusClass(first.Status), "false").Inc()
			return resultFrom(first), nil
		}
		return Result{}, err
	}

	// The renewal has rotated the refresh credential; from here on the new
	// pair is reported even if the retry fails.
	second, err := r.upstream.SendEncoded(ctx, req, body, renewed.Access)
	if err != nil {
		return Result{NewCredentials: &renewed}, err
	}
	observability.RelayCalls.WithLabelValues(observability.StatusClass(second.Status), "true").Inc()

	result := resultFrom(second)
	result.NewCredentials = &renewed
	return result, nil
}

func (r *Relay) renew(ctx context.Context, refresh, path string) (credentials.Pair, error) {
	renewCtx, cancel := context.WithTimeout(ctx, r.renewalTimeout)
	defer cancel()

	pair, err := r.upstream.Refresh(renewCtx, refresh)
	switch {
	case err == nil:
		observability.CredentialRenewals.WithLabelValues(observability.ComponentRelay, observability.OutcomeRenewed).Inc()
		r.logger.Debug("relay_renewal_succeeded", map[string]any{"path": path})
		return pair, nil
	case errors.Is(err, upstream.ErrRenewalRejected), errors.Is(err, upstream.ErrMalformedPair):
		observability.CredentialRenewals.WithLabelValues(observability.ComponentRelay, observability.OutcomeRejected).Inc()
		r.logger.Info("relay_renewal_rejected", map[string]any{"path": path, "error": err.Error()})
		return credentials.Pair{}, err
	default:
		observability.CredentialRenewals.WithLabelValues(observability.ComponentRelay, observability.OutcomeFailed).Inc()
		sentry.CaptureException(err)
		r.logger.Error("relay_renewal_failed", map[string]any{"path": path, "error": err.Error()})
		return credentials.Pair{}, err
	}
}

// ApplyCredentials writes the pair onto the outbound response as cookies.
func (r *Relay) ApplyCredentials(w http.ResponseWriter, pair credentials.Pair) {
	r.cookies.Apply(w, pair)
}

// ClearCredentials expires both credential cookies on the outbound response.
func (r *Relay) ClearCredentials(w http.ResponseWriter) {
	r.cookies.Clear(w)
}

func resultFrom(resp *upstream.Response) Result {
	return Result{
		OK:     resp.OK(),
		Status: resp.Status,
		Data:   resp.Payload(),
	}
}
