package observability

import "github.com/prometheus/client_golang/prometheus"

const (
	ComponentRelay  = "relay"
	ComponentHolder = "holder"

	OutcomeRenewed  = "renewed"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

var (
	// CredentialRenewals counts renewal network calls by component and outcome.
	CredentialRenewals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront",
		Name:      "credential_renewals_total",
		Help:      "Refresh calls issued against the upstream API.",
	}, []string{"component", "outcome"})

	// RelayCalls counts forwarded calls by final HTTP status class.
	RelayCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront",
		Name:      "relay_calls_total",
		Help:      "Calls forwarded to the upstream API on behalf of inbound requests.",
	}, []string{"status_class", "retried"})
)

func init() {
	prometheus.MustRegister(CredentialRenewals, RelayCalls)
}

func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "none"
	}
}
