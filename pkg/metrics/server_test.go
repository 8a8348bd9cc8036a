package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopMetrics(t *testing.T) {
	c := NewNoopCtlMetrics()
	c.RecordRequest("READ", time.Millisecond, "OK")
	c.SetActiveConnections(1)
	c.RecordConnectionAccepted()
	c.RecordConnectionClosed()
	c.RecordConnectionRejected("host")

	s := NewNoopSupervisorMetrics()
	s.RecordSpawn(time.Millisecond, "success")
	s.RecordAcquire("running")
	s.RecordExit(true)
	s.RecordTermination("idle")
	s.SetBackends("running", 1)
	s.SetLeases(1)
}

func TestServerServesHealthAndMetrics(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ServerConfig{})
	assert.Equal(t, 9564, srv.Port())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	if IsEnabled() {
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	} else {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
