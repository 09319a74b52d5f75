package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CommandCounter counts routed commands by name and result token.
	CommandCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warplock_commands_total",
		Help: "Total number of commands handled, by command and result",
	}, []string{"command", "result"})
	// ConnectionGauge reports the number of open client connections.
	ConnectionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warplock_connections",
		Help: "Current number of open client connections",
	})
	// KeyGauge reports the number of active keys by kind.
	KeyGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warplock_keys",
		Help: "Current number of active keys by kind",
	}, []string{"kind"})
	// WaiterGauge reports the number of registered waiters and subscribers.
	WaiterGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warplock_waiters",
		Help: "Current number of waiter and subscriber registrations",
	})
	// NotificationCounter counts asynchronous notifications by outcome
	// (delivered, failed, dropped).
	NotificationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warplock_notifications_total",
		Help: "Total number of out-of-band notifications by outcome",
	}, []string{"outcome"})
	// MirrorCounter counts mirrored coordination events by outcome
	// (published, failed, dropped).
	MirrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warplock_mirror_events_total",
		Help: "Total number of mirrored coordination events by outcome",
	}, []string{"outcome"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMetrics registers warplock metrics on the provided registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		CommandCounter,
		ConnectionGauge,
		KeyGauge,
		WaiterGauge,
		NotificationCounter,
		MirrorCounter,
	)
}
