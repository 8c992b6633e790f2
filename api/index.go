// Package api is the serverless entry point for the authentication API.
package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"storefront/internal/app"
	"storefront/internal/config"
	"storefront/internal/observability"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error
)

func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		logger := observability.NewLogger()
		cfg, err := config.LoadAPI(false)
		if err != nil {
			initErr = err
			logger.Error("load_config_failed", map[string]any{"error": err.Error()})
			return
		}
		apiRuntime, initErr = app.BuildAPI(cfg, logger)
	})

	if initErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "application bootstrap failed"})
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
}
