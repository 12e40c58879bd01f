package executor

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiobridge/connectorworker/discovery"
	"github.com/studiobridge/connectorworker/metricsserver"
	"github.com/studiobridge/connectorworker/rpcwire"
)

type fakeEmitter struct {
	mu            sync.Mutex
	notifications []*rpcwire.Notification
	done          chan struct{}
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{done: make(chan struct{})}
}

func (f *fakeEmitter) WriteNotification(note *rpcwire.Notification) error {
	f.mu.Lock()
	f.notifications = append(f.notifications, note)
	f.mu.Unlock()
	if note.Method == rpcwire.MethodExecutionComplete {
		close(f.done)
	}
	return nil
}

func (f *fakeEmitter) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, n := range f.notifications {
		out = append(out, n.Method)
	}
	return out
}

func TestExecute_RejectsSecondWhileRunning(t *testing.T) {
	dir := t.TempDir()
	disc := discovery.New(dir, nil)
	emitter := newFakeEmitter()
	exec := New(dir, nil, disc, emitter, nil, nil)

	_, err := exec.Execute("Missing", Config{})
	require.NoError(t, err)

	_, err = exec.Execute("Missing", Config{})
	assert.ErrorIs(t, err, ErrBusy)

	select {
	case <-emitter.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for execution_complete")
	}
}

func TestExecute_ConnectorNotFoundEmitsFailedCompletion(t *testing.T) {
	dir := t.TempDir()
	disc := discovery.New(dir, nil)
	emitter := newFakeEmitter()
	exec := New(dir, nil, disc, emitter, nil, nil)

	_, err := exec.Execute("NoSuchConnector", Config{})
	require.NoError(t, err)

	select {
	case <-emitter.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for execution_complete")
	}

	assert.Equal(t, StateError, exec.State())
	methods := emitter.methods()
	assert.Contains(t, methods, rpcwire.MethodExecutionComplete)
}

func TestExecute_RecordsExecutionMetricOnCompletion(t *testing.T) {
	dir := t.TempDir()
	disc := discovery.New(dir, nil)
	emitter := newFakeEmitter()
	metrics := metricsserver.New()
	exec := New(dir, nil, disc, emitter, metrics, nil)

	_, err := exec.Execute("NoSuchConnector", Config{})
	require.NoError(t, err)

	select {
	case <-emitter.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for execution_complete")
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ExecutionsTotal.WithLabelValues(string(StateError))))
}

func TestPauseResume_RequireLiveExecution(t *testing.T) {
	dir := t.TempDir()
	disc := discovery.New(dir, nil)
	exec := New(dir, nil, disc, newFakeEmitter(), nil, nil)

	assert.ErrorIs(t, exec.Pause(), ErrNoExecution)
	assert.ErrorIs(t, exec.Resume(), ErrNoExecution)
	assert.ErrorIs(t, exec.Step(), ErrNoExecution)
	assert.ErrorIs(t, exec.Abort(), ErrNoExecution)
}

func TestPauseLatch_BlocksUntilOpen(t *testing.T) {
	l := newPauseLatch(false)
	proceeded := make(chan struct{})

	go func() {
		l.Wait()
		close(proceeded)
	}()

	select {
	case <-proceeded:
		t.Fatal("latch released a waiter before Open")
	case <-time.After(50 * time.Millisecond):
	}

	l.Open()

	select {
	case <-proceeded:
	case <-time.After(time.Second):
		t.Fatal("latch did not release after Open")
	}
}

func TestStepGate_PermitsExactlyOneWaiter(t *testing.T) {
	g := newStepGate()
	g.Permit()

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("step gate did not release after Permit")
	}

	second := make(chan struct{})
	go func() {
		g.Wait()
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("step gate released a second waiter on a single Permit")
	case <-time.After(50 * time.Millisecond):
	}

	g.Permit()
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("step gate did not release the second waiter after another Permit")
	}
}

func TestSimulateTransform_MapsCanonicalFields(t *testing.T) {
	input := map[string]interface{}{
		"id":    "1",
		"title": "hello",
		"extra": "value",
	}
	output := simulateTransform(input)
	assert.Equal(t, "1", output["id"])
	assert.Equal(t, "hello", output["title"])
	metadata := output["metadata"].(map[string]interface{})
	assert.Equal(t, "value", metadata["extra"])
	assert.NotContains(t, metadata, "id")
}

func TestDetectFieldMappings_EmptyWhenNoMatch(t *testing.T) {
	input := map[string]interface{}{"a": "1"}
	output := map[string]interface{}{"b": "2"}
	assert.Empty(t, detectFieldMappings(input, output))
}

func TestDetectFieldMappings_MatchesTopLevelAndMetadata(t *testing.T) {
	input := map[string]interface{}{"id": "1", "custom": "x"}
	output := map[string]interface{}{
		"id":       "1",
		"metadata": map[string]interface{}{"custom": "x"},
	}
	mappings := detectFieldMappings(input, output)
	require.Len(t, mappings, 2)
}
