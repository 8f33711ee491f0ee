package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/riker-rs/riker-cqrs/core/entity"
	"github.com/riker-rs/riker-cqrs/core/metrics"
)

// EntityMetrics holds the Prometheus collectors shared by all managers. Each
// manager gets a view bound to its entity type via For.
type EntityMetrics struct {
	activations        *prometheus.CounterVec
	passivations       *prometheus.CounterVec
	quarantines        *prometheus.CounterVec
	activeEntities     *prometheus.GaugeVec
	replayedEvents     *prometheus.CounterVec
	appendConflicts    *prometheus.CounterVec
	commandsProcessed  *prometheus.CounterVec
	activationDuration *prometheus.HistogramVec
	commandDuration    *prometheus.HistogramVec
}

// NewEntityMetrics creates and registers the collectors. Call once per
// registry, then hand m.For(entityType) to each manager.
func NewEntityMetrics(reg prometheus.Registerer) *EntityMetrics {
	m := &EntityMetrics{
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_entity_activations_total",
			Help: "Total number of entity activations",
		}, []string{"entity_type", "success"}),

		passivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_entity_passivations_total",
			Help: "Total number of entity passivations",
		}, []string{"entity_type"}),

		quarantines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_entity_quarantines_total",
			Help: "Total number of entities quarantined after repeated activation failures",
		}, []string{"entity_type"}),

		activeEntities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cqrs_entity_active",
			Help: "Number of live entity workers",
		}, []string{"entity_type"}),

		replayedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_entity_replayed_events_total",
			Help: "Total number of journal entries replayed during activation",
		}, []string{"entity_type"}),

		appendConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_entity_append_conflicts_total",
			Help: "Total number of journal sequence conflicts",
		}, []string{"entity_type"}),

		commandsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_entity_commands_total",
			Help: "Total number of commands processed",
		}, []string{"entity_type", "outcome"}),

		activationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cqrs_entity_activation_duration_seconds",
			Help:    "Activation latency in seconds, including replay",
			Buckets: defaultBuckets,
		}, []string{"entity_type"}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cqrs_entity_command_duration_seconds",
			Help:    "Command processing latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"entity_type"}),
	}

	reg.MustRegister(
		m.activations,
		m.passivations,
		m.quarantines,
		m.activeEntities,
		m.replayedEvents,
		m.appendConflicts,
		m.commandsProcessed,
		m.activationDuration,
		m.commandDuration,
	)

	return m
}

// For returns the entity.Metrics view for one entity type.
func (m *EntityMetrics) For(entityType string) entity.Metrics {
	return &typedMetrics{m: m, entityType: entityType}
}

type typedMetrics struct {
	m          *EntityMetrics
	entityType string
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (t *typedMetrics) Activated(success bool) {
	t.m.activations.WithLabelValues(t.entityType, boolToStr(success)).Inc()
}

func (t *typedMetrics) Passivated() {
	t.m.passivations.WithLabelValues(t.entityType).Inc()
}

func (t *typedMetrics) Quarantined() {
	t.m.quarantines.WithLabelValues(t.entityType).Inc()
}

func (t *typedMetrics) ActiveEntities(n int) {
	t.m.activeEntities.WithLabelValues(t.entityType).Set(float64(n))
}

func (t *typedMetrics) ReplayedEvents(n int) {
	t.m.replayedEvents.WithLabelValues(t.entityType).Add(float64(n))
}

func (t *typedMetrics) AppendConflict() {
	t.m.appendConflicts.WithLabelValues(t.entityType).Inc()
}

func (t *typedMetrics) CommandProcessed(outcome string) {
	t.m.commandsProcessed.WithLabelValues(t.entityType, outcome).Inc()
}

func (t *typedMetrics) ActivationTimer() metrics.Timer {
	return newTimer(t.m.activationDuration.WithLabelValues(t.entityType))
}

func (t *typedMetrics) CommandTimer() metrics.Timer {
	return newTimer(t.m.commandDuration.WithLabelValues(t.entityType))
}

var _ entity.Metrics = (*typedMetrics)(nil)
