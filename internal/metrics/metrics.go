// Package metrics exposes the Prometheus collectors this runner reports
// against, grounded on the teacher's pack-mate agent-sets service
// (internal/metrics): package-level promauto collectors, no custom
// registry plumbing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection state codes for ConnectionState, matching the states named in
// spec.md §4.3's state machine.
const (
	StateDisconnected = 0
	StateConnecting   = 1
	StateConnected    = 2
	StateReconnecting = 3
)

var (
	// ConnectionState reports the connection engine's current state as one
	// of the State* codes above.
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runner_connection_state",
		Help: "Current connection engine state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
	})

	// PendingRequests reports how many outbound requests are awaiting a
	// correlated response.
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runner_pending_requests",
		Help: "Number of outbound requests awaiting a response",
	})

	// ReconnectAttemptsTotal counts every dial attempt made by the
	// reconnect loop, successful or not.
	ReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runner_reconnect_attempts_total",
		Help: "Total number of reconnect dial attempts",
	})

	// HeartbeatFailuresTotal counts individual failed heartbeat sends, not
	// the three-strikes disconnect events those failures can trigger.
	HeartbeatFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runner_heartbeat_failures_total",
		Help: "Total number of failed heartbeat send attempts",
	})

	// ProviderAvailableTools reports the number of distinct tools
	// currently bound to a connected provider.
	ProviderAvailableTools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runner_provider_available_tools",
		Help: "Number of tools currently available across all connected providers",
	})

	// ProviderStatus is a 0/1 indicator per (provider, status) pair: 1 for
	// the provider's current status, 0 for every other known status.
	ProviderStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "runner_provider_status",
		Help: "1 for a provider's current connection status, 0 otherwise",
	}, []string{"provider", "status"})
)

// allStatuses lists every value provider.Status can take, so
// SetProviderStatus can zero out the ones that no longer apply without
// internal/metrics importing internal/provider just for the enum.
var allStatuses = []string{"connecting", "connected", "failed", "disconnected"}

// SetProviderStatus marks status as provider's current state and zeroes
// every other known status for that provider, keeping ProviderStatus a
// clean one-hot indicator per provider.
func SetProviderStatus(provider, status string) {
	for _, s := range allStatuses {
		if s == status {
			ProviderStatus.WithLabelValues(provider, s).Set(1)
		} else {
			ProviderStatus.WithLabelValues(provider, s).Set(0)
		}
	}
}
