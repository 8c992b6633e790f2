package observability

import (
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

const sentryFlushTimeout = 2 * time.Second

// InitSentry configures error reporting for one process. An empty DSN leaves
// reporting disabled; every event carries the service tag so the API and the
// storefront can share a project.
func InitSentry(dsn, environment, service string) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	}); err != nil {
		return err
	}
	if service != "" {
		sentry.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetTag("service", service)
		})
	}
	return nil
}

func FlushSentry() {
	sentry.Flush(sentryFlushTimeout)
}
