package metrics

import (
	"net/http"

	"healthtree/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "healthtree_"

const (
	resultSuccess = "success"
	resultError   = "error"
)

// Metrics bundles engine metrics registered on private registry.
// All methods are nil-safe so callers can run with metrics disabled.
type Metrics struct {
	registry *prometheus.Registry

	AlertsAccepted      *prometheus.CounterVec
	AlertsIgnored       *prometheus.CounterVec
	AlertsRejected      *prometheus.CounterVec
	TransitionsApplied  *prometheus.CounterVec
	NotificationIntents *prometheus.CounterVec
	Escalations         *prometheus.CounterVec
	HeartbeatFailures   *prometheus.CounterVec
	HistoryFlushes      *prometheus.CounterVec
	HistoryPending      *prometheus.GaugeVec
	TickFailures        *prometheus.CounterVec
	Environments        prometheus.Gauge
	DeliveryResults     *prometheus.CounterVec
}

// New constructs and registers metrics with Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		AlertsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_accepted_total",
				Help: "Alerts accepted by environment",
			},
			[]string{"environment"},
		),
		AlertsIgnored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_ignored_total",
				Help: "Alerts dropped by ignore rules",
			},
			[]string{"environment"},
		),
		AlertsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_rejected_total",
				Help: "Alerts rejected by error kind",
			},
			[]string{"kind"},
		),
		TransitionsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "transitions_applied_total",
				Help: "State transitions applied by component type",
			},
			[]string{"environment", "component_type"},
		),
		NotificationIntents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notification_intents_total",
				Help: "Notification intents by kind",
			},
			[]string{"environment", "kind"},
		),
		Escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "escalations_total",
				Help: "Warning to Error escalations fired by state increase rules",
			},
			[]string{"environment"},
		),
		HeartbeatFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "heartbeat_failures_total",
				Help: "Heartbeat checks marked Error",
			},
			[]string{"environment"},
		),
		HistoryFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "history_flushes_total",
				Help: "History flushes by result",
			},
			[]string{"environment", "result"},
		),
		HistoryPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "history_pending",
				Help: "Buffered transitions not yet persisted",
			},
			[]string{"environment"},
		),
		TickFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "tick_failures_total",
				Help: "Periodic evaluation failures by tick",
			},
			[]string{"environment", "tick"},
		),
		Environments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "environments",
			Help: "Registered environments",
		}),
		DeliveryResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notification_deliveries_total",
				Help: "Notification deliveries by channel and result",
			},
			[]string{"channel", "result"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.AlertsAccepted,
		m.AlertsIgnored,
		m.AlertsRejected,
		m.TransitionsApplied,
		m.NotificationIntents,
		m.Escalations,
		m.HeartbeatFailures,
		m.HistoryFlushes,
		m.HistoryPending,
		m.TickFailures,
		m.Environments,
		m.DeliveryResults,
	)
	return m
}

// Registry exposes underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBatch records alert batch accounting.
// Params: environment name (empty for routing failures) and batch result.
// Returns: none.
func (m *Metrics) ObserveBatch(environment string, result domain.BatchResult) {
	if m == nil {
		return
	}
	if environment != "" {
		m.AlertsAccepted.WithLabelValues(environment).Add(float64(result.Accepted))
		m.AlertsIgnored.WithLabelValues(environment).Add(float64(result.Ignored))
	}
	for _, rejection := range result.Rejected {
		m.AlertsRejected.WithLabelValues(string(rejection.Kind)).Inc()
	}
}

// ObserveTransitions counts applied transitions per component type.
func (m *Metrics) ObserveTransitions(environment string, transitions []domain.StateTransition) {
	if m == nil {
		return
	}
	for _, transition := range transitions {
		m.TransitionsApplied.WithLabelValues(environment, string(transition.ComponentType)).Inc()
	}
}

// ObserveIntents counts notification intents by kind (alert, recovery, repeat).
func (m *Metrics) ObserveIntents(environment string, intents []domain.NotificationIntent) {
	if m == nil {
		return
	}
	for _, intent := range intents {
		kind := "alert"
		switch {
		case intent.Recovery:
			kind = "recovery"
		case intent.Repeat:
			kind = "repeat"
		}
		m.NotificationIntents.WithLabelValues(environment, kind).Inc()
	}
}

// ObserveEscalations counts fired escalations.
func (m *Metrics) ObserveEscalations(environment string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.Escalations.WithLabelValues(environment).Add(float64(count))
}

// ObserveHeartbeatFailure counts heartbeat Error transitions.
func (m *Metrics) ObserveHeartbeatFailure(environment string) {
	if m == nil {
		return
	}
	m.HeartbeatFailures.WithLabelValues(environment).Inc()
}

// ObserveFlush records flush result and remaining pending size.
func (m *Metrics) ObserveFlush(environment string, pending int, err error) {
	if m == nil {
		return
	}
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	m.HistoryFlushes.WithLabelValues(environment, result).Inc()
	m.HistoryPending.WithLabelValues(environment).Set(float64(pending))
}

// SetPending updates pending history gauge.
func (m *Metrics) SetPending(environment string, pending int) {
	if m == nil {
		return
	}
	m.HistoryPending.WithLabelValues(environment).Set(float64(pending))
}

// ObserveTickFailure counts failed periodic evaluation.
func (m *Metrics) ObserveTickFailure(environment, tick string) {
	if m == nil {
		return
	}
	m.TickFailures.WithLabelValues(environment, tick).Inc()
}

// SetEnvironments updates registered environment count.
func (m *Metrics) SetEnvironments(count int) {
	if m == nil {
		return
	}
	m.Environments.Set(float64(count))
}

// ForgetEnvironment drops per-environment series after disposal.
func (m *Metrics) ForgetEnvironment(environment string) {
	if m == nil {
		return
	}
	m.HistoryPending.DeleteLabelValues(environment)
}

// ObserveDelivery records notification delivery result.
func (m *Metrics) ObserveDelivery(channel string, err error) {
	if m == nil {
		return
	}
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	m.DeliveryResults.WithLabelValues(channel, result).Inc()
}
