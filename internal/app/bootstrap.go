// Package app wires configuration into the two runnable graphs: the
// authentication API and the storefront web server that relays to it.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"storefront/internal/auth"
	"storefront/internal/config"
	"storefront/internal/credentials"
	"storefront/internal/db"
	"storefront/internal/maintenance"
	"storefront/internal/observability"
	"storefront/internal/relay"
	"storefront/internal/upstream"
	"storefront/internal/web"
)

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

// BuildAPI opens the database, applies migrations when configured, seeds the
// admin account and returns the API handler.
func BuildAPI(cfg config.API, logger *observability.Logger) (*Runtime, error) {
	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv, "api"); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetimeMinutes) * time.Minute)
	database.SetConnMaxIdleTime(time.Duration(cfg.DBConnMaxIdleTimeMinutes) * time.Minute)

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.RunMigrations {
		if err := db.RunMigrations(context.Background(), database, logger); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(authRepo, cfg.JWTSecret)
	authService.WithSecurityConfig(cfg.LoginMaxAttempts, cfg.LockDuration(), cfg.AccessTTL(), cfg.RefreshTTL())
	authHandler := auth.NewHandler(authService)

	if err := authService.BootstrapFromEnv(context.Background(), cfg.AdminEmail, cfg.AdminPassword); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		logger,
		cfg.CronSecret,
		cfg.RefreshRetention(),
		cfg.AttemptRetention(),
		cfg.CleanupBatchSize,
	)

	var ipStore auth.IPStore = authRepo
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		ipStore = auth.NewRedisIPStore(redisClient)
	}
	loginLimiter := auth.NewLoginRateLimiter(ipStore, cfg.LoginRateLimitMax, cfg.RateLimitWindow()).WithLogger(logger)

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("GET /auth/me", authService.Authenticator().Middleware(http.HandlerFunc(authHandler.Me)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			if redisClient != nil {
				_ = redisClient.Close()
			}
			return database.Close()
		},
	}, nil
}

// BuildWeb assembles the storefront server. It holds no state of its own;
// credentials live in the caller's cookies.
func BuildWeb(cfg config.Web, logger *observability.Logger) (*Runtime, error) {
	if cfg.UpstreamAPIURL == "" {
		return nil, fmt.Errorf("missing upstream api url")
	}
	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv, "web"); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	client := upstream.NewClient(cfg.UpstreamAPIURL, &http.Client{Timeout: cfg.UpstreamTimeout()})
	rl := relay.New(client, credentials.NewCookieWriter(cfg.SecureCookies()),
		relay.WithLogger(logger),
		relay.WithRenewalTimeout(cfg.RenewalTimeout()),
	)
	handler := web.NewRouter(web.NewHandler(rl, client, logger), logger)

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return nil
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
