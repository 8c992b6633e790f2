// Package guard decides whether a protected view may render. It caches a
// successful verification for a bounded interval and drops that cache when
// the session marker changes in another tab.
package guard

import (
	"context"
	"errors"
	"sync"
	"time"

	"storefront/internal/marker"
	"storefront/internal/observability"
)

const (
	DefaultCacheTTL      = 5 * time.Minute
	DefaultVerifyTimeout = 10 * time.Second
	DefaultLoginPath     = "/admin/login"
)

// ErrUnauthenticated is returned by a Verifier when the upstream refused the
// session. Any other error is treated as a network failure.
var ErrUnauthenticated = errors.New("session is not authenticated")

type State int

const (
	Unknown State = iota
	Verifying
	Authenticated
	Unauthenticated
)

func (s State) String() string {
	switch s {
	case Verifying:
		return "verifying"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

type Verifier interface {
	Verify(ctx context.Context) error
}

type VerifierFunc func(ctx context.Context) error

func (f VerifierFunc) Verify(ctx context.Context) error { return f(ctx) }

type Config struct {
	CacheTTL      time.Duration
	VerifyTimeout time.Duration
	LoginPath     string
	// ExemptViews render without verification. Defaults to the login path.
	ExemptViews []string
	// StrictNetwork disables the one-time leniency for a network failure on
	// the first verification of a session.
	StrictNetwork bool
	Now           func() time.Time
	// Redirect is called with LoginPath whenever the guard sends the user to log in.
	Redirect func(path string)
	Logger   *observability.Logger
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = DefaultVerifyTimeout
	}
	if c.LoginPath == "" {
		c.LoginPath = DefaultLoginPath
	}
	if c.ExemptViews == nil {
		c.ExemptViews = []string{c.LoginPath}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Redirect == nil {
		c.Redirect = func(string) {}
	}
	if c.Logger == nil {
		c.Logger = observability.Nop()
	}
	return c
}

type Guard struct {
	cfg         Config
	verifier    Verifier
	tab         *marker.Tab
	unsubscribe func()

	mu         sync.Mutex
	state      State
	verifiedAt time.Time
	cached     bool
	attempts   int
	// epoch advances on every marker event so a verification that was
	// overtaken by one cannot refresh the cache.
	epoch uint64
}

func New(verifier Verifier, tab *marker.Tab, cfg Config) *Guard {
	g := &Guard{
		cfg:      cfg.withDefaults(),
		verifier: verifier,
		tab:      tab,
	}
	g.unsubscribe = tab.Subscribe(g.onMarkerEvent)
	return g
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Close stops listening for marker changes.
func (g *Guard) Close() {
	g.unsubscribe()
}

// Enter is called when view mounts or is re-entered and returns the
// resulting state. Only Authenticated allows the view to render.
func (g *Guard) Enter(ctx context.Context, view string) State {
	g.mu.Lock()
	if g.exempt(view) {
		g.state = Authenticated
		g.mu.Unlock()
		return Authenticated
	}
	if g.state == Authenticated && g.cached && g.cfg.Now().Sub(g.verifiedAt) < g.cfg.CacheTTL {
		g.mu.Unlock()
		return Authenticated
	}
	if _, ok := g.tab.Get(); !ok {
		g.state = Unauthenticated
		g.cached = false
		g.mu.Unlock()
		g.cfg.Redirect(g.cfg.LoginPath)
		return Unauthenticated
	}

	g.state = Verifying
	g.attempts++
	first := g.attempts == 1
	epoch := g.epoch
	g.mu.Unlock()

	vctx, cancel := context.WithTimeout(ctx, g.cfg.VerifyTimeout)
	err := g.verifier.Verify(vctx)
	cancel()

	return g.settle(view, epoch, first, err)
}

func (g *Guard) settle(view string, epoch uint64, first bool, err error) State {
	g.mu.Lock()
	overtaken := g.epoch != epoch
	if overtaken && g.state == Unauthenticated {
		// Cleared by another tab while verifying; that handler already redirected.
		g.mu.Unlock()
		return Unauthenticated
	}

	switch {
	case err == nil:
		g.state = Authenticated
		g.verifiedAt = g.cfg.Now()
		g.cached = !overtaken
		g.mu.Unlock()
		return Authenticated

	case errors.Is(err, ErrUnauthenticated):
		g.state = Unauthenticated
		g.cached = false
		g.mu.Unlock()
		g.cfg.Logger.Info("guard_session_rejected", map[string]any{"view": view})
		g.tab.Clear()
		g.cfg.Redirect(g.cfg.LoginPath)
		return Unauthenticated

	default:
		_, hasMarker := g.tab.Get()
		if first && hasMarker && !g.cfg.StrictNetwork {
			g.state = Authenticated
			g.verifiedAt = g.cfg.Now()
			g.cached = !overtaken
			g.mu.Unlock()
			g.cfg.Logger.Warn("guard_network_lenient", map[string]any{"view": view, "error": err.Error()})
			return Authenticated
		}
		g.state = Unauthenticated
		g.cached = false
		g.mu.Unlock()
		g.cfg.Logger.Warn("guard_network_failed", map[string]any{"view": view, "error": err.Error()})
		g.cfg.Redirect(g.cfg.LoginPath)
		return Unauthenticated
	}
}

func (g *Guard) onMarkerEvent(ev marker.Event) {
	g.mu.Lock()
	g.epoch++
	g.cached = false
	g.attempts = 0
	if ev.Kind != marker.Cleared {
		g.mu.Unlock()
		return
	}
	g.state = Unauthenticated
	g.mu.Unlock()
	g.cfg.Redirect(g.cfg.LoginPath)
}

func (g *Guard) exempt(view string) bool {
	for _, v := range g.cfg.ExemptViews {
		if v == view {
			return true
		}
	}
	return false
}
