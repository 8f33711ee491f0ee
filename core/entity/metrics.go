package entity

import "github.com/riker-rs/riker-cqrs/core/metrics"

// Command outcome labels reported via Metrics.CommandProcessed.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Metrics receives lifecycle and command instrumentation from one Manager.
// Implementations are bound to a single entity type; adapters/prometheus
// provides a real backend.
type Metrics interface {
	Activated(success bool)
	Passivated()
	Quarantined()
	ActiveEntities(n int)
	ReplayedEvents(n int)
	AppendConflict()
	CommandProcessed(outcome string)
	ActivationTimer() metrics.Timer
	CommandTimer() metrics.Timer
}

type nopMetrics struct{}

func (nopMetrics) Activated(bool)          {}
func (nopMetrics) Passivated()             {}
func (nopMetrics) Quarantined()            {}
func (nopMetrics) ActiveEntities(int)      {}
func (nopMetrics) ReplayedEvents(int)      {}
func (nopMetrics) AppendConflict()         {}
func (nopMetrics) CommandProcessed(string) {}

func (nopMetrics) ActivationTimer() metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) CommandTimer() metrics.Timer    { return metrics.NopTimer() }

// NopMetrics returns a Metrics that discards everything.
func NopMetrics() Metrics { return nopMetrics{} }
