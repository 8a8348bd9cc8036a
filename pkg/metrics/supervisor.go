package metrics

import "time"

// SupervisorMetrics observes backend lifecycle.
type SupervisorMetrics interface {
	// RecordSpawn records one spawn attempt. outcome is "success" or the
	// failed stage.
	RecordSpawn(duration time.Duration, outcome string)

	// RecordAcquire records how an acquire was served: "running", "waited",
	// "spawned", "error" or "cancelled".
	RecordAcquire(outcome string)

	// RecordExit records a reaped backend.
	RecordExit(clean bool)

	// RecordTermination records a termination signal sent by the supervisor
	// ("idle", "kill", "shutdown").
	RecordTermination(reason string)

	// SetBackends publishes the number of records per state.
	SetBackends(state string, count int)

	// SetLeases publishes the number of outstanding leases.
	SetLeases(count int)
}

// NewNoopSupervisorMetrics returns a SupervisorMetrics that records nothing.
func NewNoopSupervisorMetrics() SupervisorMetrics {
	return noopSupervisorMetrics{}
}

type noopSupervisorMetrics struct{}

func (noopSupervisorMetrics) RecordSpawn(time.Duration, string) {}
func (noopSupervisorMetrics) RecordAcquire(string)              {}
func (noopSupervisorMetrics) RecordExit(bool)                   {}
func (noopSupervisorMetrics) RecordTermination(string)          {}
func (noopSupervisorMetrics) SetBackends(string, int)           {}
func (noopSupervisorMetrics) SetLeases(int)                     {}
