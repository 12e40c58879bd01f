package metricsserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartShutdown_BindsAndStops(t *testing.T) {
	srv, err := Start("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(time.Second))
}

func TestMetrics_ObserveDoesNotPanic(t *testing.T) {
	m := New()
	require.NotPanics(t, func() {
		m.ObservePhase("fetch", 10, 50*time.Millisecond)
		m.ObserveExecution("completed")
	})
}
