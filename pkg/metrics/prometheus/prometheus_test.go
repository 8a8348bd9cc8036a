package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCtlMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newCtlMetrics(reg)

	m.RecordRequest("READ", 3*time.Millisecond, "OK")
	m.RecordRequest("READ", time.Millisecond, "EIO")
	m.RecordConnectionAccepted()
	m.RecordConnectionRejected("host")
	m.SetActiveConnections(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("READ", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("READ", "EIO")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsRejected.WithLabelValues("host")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.activeConnections))

	count, err := testutil.GatherAndCount(reg, "diodctl_ctl_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSupervisorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newSupervisorMetrics(reg)

	m.RecordSpawn(100*time.Millisecond, "success")
	m.RecordSpawn(time.Second, "handshake")
	m.RecordAcquire("spawned")
	m.RecordExit(false)
	m.RecordTermination("idle")
	m.SetBackends("running", 3)
	m.SetLeases(5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.spawnsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.spawnsTotal.WithLabelValues("handshake")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.acquiresTotal.WithLabelValues("spawned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exitsTotal.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.terminations.WithLabelValues("idle")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.backends.WithLabelValues("running")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.leases))
}
