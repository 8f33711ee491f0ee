// Package metrics declares the instrumentation interfaces shared by the core
// packages, keeping them decoupled from any concrete backend. The
// adapters/prometheus package provides a real implementation; the nop
// implementations here are the defaults.
package metrics

// Counter is a monotonically increasing value.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge is a value that can move in both directions.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
}

// Timer records the duration of one operation. Create it when the operation
// starts and call ObserveDuration when it completes:
//
//	defer m.CommandDuration("deposit").ObserveDuration()
type Timer interface {
	ObserveDuration()
}
