package metrics

import "time"

// CtlMetrics observes the control protocol adapter.
type CtlMetrics interface {
	// RecordRequest records a completed procedure call with its status
	// ("OK" or an errno name).
	RecordRequest(procedure string, duration time.Duration, status string)

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int32)

	RecordConnectionAccepted()
	RecordConnectionClosed()

	// RecordConnectionRejected counts connections refused by the host
	// filter or the connection limit.
	RecordConnectionRejected(reason string)
}

// NewNoopCtlMetrics returns a CtlMetrics that records nothing.
func NewNoopCtlMetrics() CtlMetrics {
	return noopCtlMetrics{}
}

type noopCtlMetrics struct{}

func (noopCtlMetrics) RecordRequest(string, time.Duration, string) {}
func (noopCtlMetrics) SetActiveConnections(int32)                  {}
func (noopCtlMetrics) RecordConnectionAccepted()                   {}
func (noopCtlMetrics) RecordConnectionClosed()                     {}
func (noopCtlMetrics) RecordConnectionRejected(string)             {}
