package observability

import (
	"net/http"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "weft"

// Metrics owns the prometheus collectors for one engine instance. Run and
// node metrics are fed by event subscriptions (Bind); callback results are
// recorded by the HTTP layer through ObserveCallback. Each instance carries
// its own registry so embedding applications can run several engines in one
// process.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   prometheus.Histogram

	nodeExecutions *prometheus.CounterVec
	userTasks      prometheus.Counter
	callbacks      *prometheus.CounterVec

	entityAdvances prometheus.Counter
	journeysEnded  prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs started, by any trigger kind.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Runs currently executing or parked.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from run start to completion.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 10, 30, 60, 300, 600, 3600},
		}),
		nodeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Node instances that reached a terminal status.",
		}, []string{"result"}),
		userTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_tasks_created_total",
			Help:      "Runs parked on a user node awaiting completion.",
		}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Worker callback deliveries by outcome.",
		}, []string{"result"}),
		entityAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_advances_total",
			Help:      "Journey entities moved to a new user node.",
		}),
		journeysEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journeys_ended_total",
			Help:      "Journey entities that reached the end of the spine.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsStarted,
		m.runsCompleted,
		m.runsActive,
		m.runDuration,
		m.nodeExecutions,
		m.userTasks,
		m.callbacks,
		m.entityAdvances,
		m.journeysEnded,
	)

	return m
}

// Bind subscribes the collectors to the event stream. Call once during
// wiring, before the event manager starts broadcasting.
func (m *Metrics) Bind(events ports.EventManager) error {
	if err := events.OnRunStarted(func(*domain.RunStartedEvent) {
		m.runsStarted.Inc()
		m.runsActive.Inc()
	}); err != nil {
		return err
	}

	if err := events.OnRunCompleted(func(event *domain.RunCompletedEvent) {
		m.runsCompleted.With(prometheus.Labels{"status": "completed"}).Inc()
		m.runsActive.Dec()
		m.runDuration.Observe(event.Duration.Seconds())
	}); err != nil {
		return err
	}

	if err := events.OnRunFailed(func(*domain.RunFailedEvent) {
		m.runsCompleted.With(prometheus.Labels{"status": "failed"}).Inc()
		m.runsActive.Dec()
	}); err != nil {
		return err
	}

	if err := events.OnNodeCompleted(func(*domain.NodeCompletedEvent) {
		m.nodeExecutions.With(prometheus.Labels{"result": "completed"}).Inc()
	}); err != nil {
		return err
	}

	if err := events.OnNodeFailed(func(*domain.NodeFailedEvent) {
		m.nodeExecutions.With(prometheus.Labels{"result": "failed"}).Inc()
	}); err != nil {
		return err
	}

	if err := events.OnUserTaskCreated(func(*domain.UserTaskCreatedEvent) {
		m.userTasks.Inc()
	}); err != nil {
		return err
	}

	if err := events.OnEntityAdvanced(func(*domain.EntityAdvancedEvent) {
		m.entityAdvances.Inc()
	}); err != nil {
		return err
	}

	return events.OnJourneyEnded(func(*domain.JourneyEndedEvent) {
		m.journeysEnded.Inc()
	})
}

// ObserveCallback records the outcome of one callback delivery, keyed by the
// error HandleCallback returned.
func (m *Metrics) ObserveCallback(err error) {
	result := "accepted"
	switch {
	case err == nil:
	case domain.IsConflictError(err):
		result = "conflict"
	case domain.IsNotFoundError(err):
		result = "unknown_target"
	case domain.IsInvalidTransitionError(err):
		result = "invalid_state"
	case domain.IsValidationError(err):
		result = "invalid"
	default:
		result = "error"
	}
	m.callbacks.With(prometheus.Labels{"result": result}).Inc()
}

// Handler serves this instance's registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
