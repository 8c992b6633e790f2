// Package tokenholder keeps a credential pair in process memory and performs
// authenticated upstream calls with transparent renewal. Concurrent calls that
// fault together share a single renewal.
package tokenholder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/singleflight"

	"storefront/internal/credentials"
	"storefront/internal/observability"
	"storefront/internal/upstream"
)

const (
	defaultRenewalTimeout = 10 * time.Second
	renewalKey            = "renew"
)

type Holder struct {
	upstream       *upstream.Client
	logger         *observability.Logger
	renewalTimeout time.Duration

	mu     sync.RWMutex
	pair   credentials.Pair
	flight singleflight.Group
}

type Option func(*Holder)

func WithLogger(logger *observability.Logger) Option {
	return func(h *Holder) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithRenewalTimeout(d time.Duration) Option {
	return func(h *Holder) {
		if d > 0 {
			h.renewalTimeout = d
		}
	}
}

func New(client *upstream.Client, opts ...Option) *Holder {
	h := &Holder{
		upstream:       client,
		logger:         observability.Nop(),
		renewalTimeout: defaultRenewalTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetCredentials replaces the held pair unconditionally.
func (h *Holder) SetCredentials(pair credentials.Pair) {
	h.mu.Lock()
	h.pair = pair
	h.mu.Unlock()
}

func (h *Holder) Credentials() credentials.Pair {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pair
}

func (h *Holder) Clear() {
	h.SetCredentials(credentials.Pair{})
}

// Do issues req with the held access credential. On a 401 while a refresh
// credential is held, it joins or starts the single in-flight renewal and
// retries once. The retry's response is returned as-is. When the renewal is
// rejected the original 401 response is returned. Transport failures of
// either call are returned as errors.
func (h *Holder) Do(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	body, err := upstream.EncodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	used := h.Credentials()
	first, err := h.upstream.SendEncoded(ctx, req, body, used.Access)
	if err != nil {
		return nil, err
	}
	if !first.Unauthorized() || used.Refresh == "" {
		return first, nil
	}

	renewed, err := h.renew(ctx, used)
	if err != nil {
		if errors.Is(err, upstream.ErrRenewalRejected) || errors.Is(err, upstream.ErrMalformedPair) {
			return first, nil
		}
		return nil, err
	}

	return h.upstream.SendEncoded(ctx, req, body, renewed.Access)
}

// renew returns a pair newer than used. Waiters share one flight; the flight
// itself runs detached from any single caller's cancellation so that one
// caller giving up does not fail the others.
func (h *Holder) renew(ctx context.Context, used credentials.Pair) (credentials.Pair, error) {
	ch := h.flight.DoChan(renewalKey, func() (any, error) {
		if current := h.Credentials(); current.Refresh != used.Refresh {
			// Already renewed (or cleared) by an earlier flight.
			if current.Complete() {
				return current, nil
			}
			return credentials.Pair{}, upstream.ErrRenewalRejected
		}

		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.renewalTimeout)
		defer cancel()
		return h.refresh(flightCtx, used.Refresh)
	})

	select {
	case <-ctx.Done():
		return credentials.Pair{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return credentials.Pair{}, res.Err
		}
		return res.Val.(credentials.Pair), nil
	}
}

func (h *Holder) refresh(ctx context.Context, refresh string) (credentials.Pair, error) {
	pair, err := h.upstream.Refresh(ctx, refresh)
	switch {
	case err == nil:
		h.replaceIfCurrent(refresh, pair)
		observability.CredentialRenewals.WithLabelValues(observability.ComponentHolder, observability.OutcomeRenewed).Inc()
		h.logger.Debug("holder_renewal_succeeded", nil)
		return pair, nil
	case errors.Is(err, upstream.ErrRenewalRejected), errors.Is(err, upstream.ErrMalformedPair):
		h.replaceIfCurrent(refresh, credentials.Pair{})
		observability.CredentialRenewals.WithLabelValues(observability.ComponentHolder, observability.OutcomeRejected).Inc()
		h.logger.Info("holder_renewal_rejected", map[string]any{"error": err.Error()})
		return credentials.Pair{}, err
	default:
		observability.CredentialRenewals.WithLabelValues(observability.ComponentHolder, observability.OutcomeFailed).Inc()
		sentry.CaptureException(err)
		h.logger.Error("holder_renewal_failed", map[string]any{"error": err.Error()})
		return credentials.Pair{}, err
	}
}

// replaceIfCurrent swaps in next only while the held refresh credential is
// still the one the renewal consumed, so a SetCredentials issued meanwhile wins.
func (h *Holder) replaceIfCurrent(consumed string, next credentials.Pair) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pair.Refresh == consumed {
		h.pair = next
	}
}
