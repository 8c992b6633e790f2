package credentials

import (
	"net/http"
	"strings"
	"time"
)

const (
	AccessCookie  = "access-token"
	RefreshCookie = "refresh-token"

	AccessLifetime  = time.Hour
	RefreshLifetime = 14 * 24 * time.Hour
)

// Pair is the access/refresh credential pair. Both fields are always
// replaced together.
type Pair struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

// Complete reports whether both halves of the pair are present.
func (p Pair) Complete() bool {
	return p.Access != "" && p.Refresh != ""
}

// FromRequest reads the pair from the inbound request cookies. Missing cookies
// yield empty fields.
func FromRequest(r *http.Request) Pair {
	return Pair{
		Access:  cookieValue(r, AccessCookie),
		Refresh: cookieValue(r, RefreshCookie),
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

// CookieWriter writes the pair onto outbound responses.
type CookieWriter struct {
	Secure          bool
	AccessLifetime  time.Duration
	RefreshLifetime time.Duration
}

func NewCookieWriter(secure bool) CookieWriter {
	return CookieWriter{
		Secure:          secure,
		AccessLifetime:  AccessLifetime,
		RefreshLifetime: RefreshLifetime,
	}
}

// Apply writes both credentials as http-only, same-site strict cookies with
// their own max-ages.
func (cw CookieWriter) Apply(w http.ResponseWriter, pair Pair) {
	http.SetCookie(w, cw.cookie(AccessCookie, pair.Access, cw.accessLifetime()))
	http.SetCookie(w, cw.cookie(RefreshCookie, pair.Refresh, cw.refreshLifetime()))
}

// Clear expires both credential cookies.
func (cw CookieWriter) Clear(w http.ResponseWriter) {
	for _, name := range []string{AccessCookie, RefreshCookie} {
		c := cw.cookie(name, "", 0)
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
		http.SetCookie(w, c)
	}
}

func (cw CookieWriter) cookie(name, value string, lifetime time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(lifetime.Seconds()),
		HttpOnly: true,
		Secure:   cw.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (cw CookieWriter) accessLifetime() time.Duration {
	if cw.AccessLifetime <= 0 {
		return AccessLifetime
	}
	return cw.AccessLifetime
}

func (cw CookieWriter) refreshLifetime() time.Duration {
	if cw.RefreshLifetime <= 0 {
		return RefreshLifetime
	}
	return cw.RefreshLifetime
}
