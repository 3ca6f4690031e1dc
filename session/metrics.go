package session

import "github.com/prometheus/client_golang/prometheus"

// Result label values.
const (
	resultSuccess     = "success"
	resultRejected    = "rejected"
	resultUnavailable = "unavailable"
	resultInProgress  = "in_progress"
	resultStale       = "stale"
)

// Metrics counts session outcomes.
type Metrics struct {
	AuthAttempts         *prometheus.CounterVec
	PrincipalResolutions *prometheus.CounterVec
	LogoutRemoteFailures prometheus.Counter
}

// NewMetrics creates the session counters and registers them with reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "estate",
			Subsystem: "session",
			Name:      "authenticate_total",
			Help:      "Authentication attempts by result.",
		}, []string{"result"}),
		PrincipalResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "estate",
			Subsystem: "session",
			Name:      "principal_resolutions_total",
			Help:      "Remote principal resolutions by result.",
		}, []string{"result"}),
		LogoutRemoteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "estate",
			Subsystem: "session",
			Name:      "logout_remote_failures_total",
			Help:      "Logouts whose remote invalidation failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.AuthAttempts, m.PrincipalResolutions, m.LogoutRemoteFailures)
	}
	return m
}
