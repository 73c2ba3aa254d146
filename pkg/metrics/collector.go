package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the Prometheus instruments for the resilience layer.
// A nil *Collector is valid and records nothing, so components can be built
// without metrics in tests.
type Collector struct {
	decisions    *prometheus.CounterVec
	storeErrors  *prometheus.CounterVec
	authResults  *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	botsDetected prometheus.Counter
	breakerCalls *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
}

// NewCollector registers the instruments on registerer. A nil registerer
// falls back to a private registry.
func NewCollector(registerer prometheus.Registerer, namespace string) *Collector {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "resilience"
	}
	factory := promauto.With(registerer)

	return &Collector{
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by limiter and outcome.",
		}, []string{"limiter", "outcome"}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Shared state store failures absorbed by a fail-safe default.",
		}, []string{"component"}),
		authResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "decisions_total",
			Help:      "Auth rate limiter decisions by operation and outcome.",
		}, []string{"operation", "outcome"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "precheck_rejections_total",
			Help:      "Requests rejected before reaching a limiter.",
		}, []string{"reason"}),
		botsDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "suspicious_clients_total",
			Help:      "Requests whose user agent looked like an unlisted bot.",
		}),
		breakerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "calls_total",
			Help:      "Circuit breaker executions by breaker and outcome.",
		}, []string{"breaker", "outcome"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Last observed breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"breaker"}),
	}
}

// RecordDecision counts an allow/limit outcome for a limiter
func (c *Collector) RecordDecision(limiter string, limited bool) {
	if c == nil {
		return
	}
	outcome := "allowed"
	if limited {
		outcome = "limited"
	}
	c.decisions.WithLabelValues(limiter, outcome).Inc()
}

func (c *Collector) RecordStoreError(component string) {
	if c == nil {
		return
	}
	c.storeErrors.WithLabelValues(component).Inc()
}

// RecordAuthDecision counts auth limiter outcomes ("allowed", "limited", "blocked")
func (c *Collector) RecordAuthDecision(operation, outcome string) {
	if c == nil {
		return
	}
	c.authResults.WithLabelValues(operation, outcome).Inc()
}

func (c *Collector) RecordRejection(reason string) {
	if c == nil {
		return
	}
	c.rejections.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordSuspiciousClient() {
	if c == nil {
		return
	}
	c.botsDetected.Inc()
}

// RecordBreakerCall counts an execution outcome ("success", "failure", "timeout", "rejected")
func (c *Collector) RecordBreakerCall(breaker, outcome string) {
	if c == nil {
		return
	}
	c.breakerCalls.WithLabelValues(breaker, outcome).Inc()
}

func (c *Collector) SetBreakerState(breaker string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(breaker).Set(float64(state))
}
