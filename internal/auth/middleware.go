package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey struct{}

// Authenticator verifies HS256 access tokens issued by Service.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(jwtSecret string) *Authenticator {
	return &Authenticator{secret: []byte(jwtSecret), now: time.Now}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		tokenStr := strings.TrimSpace(parts[1])
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "invalid authorization token")
			return
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
			return a.secret, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(a.now),
			jwt.WithExpirationRequired(),
		)
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if tokenType, _ := claims["typ"].(string); tokenType != accessTokenType {
			writeError(w, http.StatusUnauthorized, "invalid token type")
			return
		}
		subject, err := claims.GetSubject()
		if err != nil || subject == "" {
			writeError(w, http.StatusUnauthorized, "invalid token subject")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, subject)))
	})
}

// Middleware keeps the plain function form for callers that only hold the secret.
func Middleware(jwtSecret string, next http.Handler) http.Handler {
	return NewAuthenticator(jwtSecret).Middleware(next)
}

// SubjectFromContext returns the user id placed by the authenticator.
func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(ctxKey{}).(string)
	return subject, ok && subject != ""
}
