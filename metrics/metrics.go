package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/threshold-vault-backend/common"
	"github.com/ruteri/threshold-vault-backend/interfaces"
)

// Result labels for VaultOperations.
const (
	ResultOK         = "ok"
	ResultAuthFailed = "auth_failed"
	ResultError      = "error"
)

var (
	VaultOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "vault_operations_total",
		Help:      "Vault operations by operation and result",
	}, []string{"op", "result"})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: common.PackageName,
		Name:      "vault_sessions_active",
		Help:      "Vault sessions currently held by the session store",
	})

	RecoveryRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "recovery_requests_total",
		Help:      "Recovery request lifecycle events",
	}, []string{"event"})

	GroupUnlockTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "group_unlock_transitions_total",
		Help:      "Group unlock request transitions by target status",
	}, []string{"to"})

	SweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: common.PackageName,
		Name:      "sweep_duration_seconds",
		Help:      "Duration of periodic expiry sweeps",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"sweep"})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "events_dropped_total",
		Help:      "Audit events and notifications dropped because the dispatch queue was full",
	})
)

// Register adds every collector of this package to reg (or the default registerer).
// Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		VaultOperations,
		SessionsActive,
		RecoveryRequests,
		GroupUnlockTransitions,
		SweepDuration,
		EventsDropped,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// RecordOperation counts a vault operation outcome. Credential failures are
// counted apart from other errors so lockout policies can alert on them.
func RecordOperation(op string, err error) {
	result := ResultOK
	switch {
	case err == nil:
	case interfaces.IsCredentialFailure(err):
		result = ResultAuthFailed
	default:
		result = ResultError
	}
	VaultOperations.WithLabelValues(op, result).Inc()
}

// ObserveSweep records how long a named sweep took.
func ObserveSweep(sweep string, started time.Time) {
	SweepDuration.WithLabelValues(sweep).Observe(time.Since(started).Seconds())
}
