package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiobridge/connectorworker/discovery"
	"github.com/studiobridge/connectorworker/rpcwire"
)

// testHarness wires a Server to an in-process pipe pair so requests can be
// written and responses read without spawning the built binary.
type testHarness struct {
	server   *Server
	toServer *io.PipeWriter
	fromServ *bufio.Scanner
	cancel   context.CancelFunc
	done     chan error
}

func newTestHarness(t *testing.T, projectRoot string) *testHarness {
	t.Helper()

	hostReader, toServer := io.Pipe()
	fromServer, hostWriter := io.Pipe()

	conn := rpcwire.NewConn(hostReader, hostWriter)
	disc := discovery.New(projectRoot, nil)
	server := New(conn, projectRoot, disc, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Run(ctx, os.Getpid())
	}()

	h := &testHarness{
		server:   server,
		toServer: toServer,
		fromServ: bufio.NewScanner(fromServer),
		cancel:   cancel,
		done:     done,
	}
	h.fromServ.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return h
}

func (h *testHarness) send(t *testing.T, req *rpcwire.Request) {
	t.Helper()
	req.JSONRPC = "2.0"
	data, err := json.Marshal(req)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = h.toServer.Write(data)
	require.NoError(t, err)
}

func (h *testHarness) sendRaw(t *testing.T, line string) {
	t.Helper()
	_, err := h.toServer.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (h *testHarness) readResponse(t *testing.T) *rpcwire.Response {
	t.Helper()
	require.True(t, h.fromServ.Scan(), "expected a response line: %v", h.fromServ.Err())
	var resp rpcwire.Response
	require.NoError(t, json.Unmarshal(h.fromServ.Bytes(), &resp))
	return &resp
}

func (h *testHarness) close() {
	h.cancel()
	h.toServer.Close()
}

func TestInitialize_EmptyProject(t *testing.T) {
	dir := t.TempDir()
	h := newTestHarness(t, dir)
	defer h.close()

	h.send(t, &rpcwire.Request{Method: MethodInitialize, ID: "1"})
	resp := h.readResponse(t)

	require.Nil(t, resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result initializeResult
	require.NoError(t, json.Unmarshal(raw, &result))

	assert.Equal(t, Version, result.Version)
	assert.False(t, result.Project.HasMockData)
	assert.Empty(t, result.Connectors)
	assert.True(t, result.Capabilities.Execute)
}

func TestUnknownMethod_ReturnsMethodNotFound(t *testing.T) {
	dir := t.TempDir()
	h := newTestHarness(t, dir)
	defer h.close()

	h.send(t, &rpcwire.Request{Method: "frobnicate", ID: "7"})
	resp := h.readResponse(t)

	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcwire.CodeMethodNotFound, resp.Error.Code)
}

func TestExecute_MissingConnectorName_InvalidParams(t *testing.T) {
	dir := t.TempDir()
	h := newTestHarness(t, dir)
	defer h.close()

	h.send(t, &rpcwire.Request{Method: MethodExecute, ID: "2", Params: json.RawMessage(`{}`)})
	resp := h.readResponse(t)

	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcwire.CodeInvalidParams, resp.Error.Code)
}

func TestControlMethods_NoExecutionInProgress(t *testing.T) {
	dir := t.TempDir()
	h := newTestHarness(t, dir)
	defer h.close()

	for i, method := range []string{MethodPause, MethodResume, MethodStep, MethodAbort} {
		h.send(t, &rpcwire.Request{Method: method, ID: i})
		resp := h.readResponse(t)
		require.NotNil(t, resp.Error, "method %s should fail with no live execution", method)
		assert.Equal(t, rpcwire.CodeExecutionError, resp.Error.Code)
	}
}

func TestRequest_MissingMethodIsInvalidRequest(t *testing.T) {
	dir := t.TempDir()
	h := newTestHarness(t, dir)
	defer h.close()

	h.sendRaw(t, `{"jsonrpc":"2.0","id":3}`)
	resp := h.readResponse(t)

	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcwire.CodeInvalidRequest, resp.Error.Code)
	assert.EqualValues(t, 3, resp.ID)
}

func TestRequest_MissingIDIsInvalidRequestWithNullID(t *testing.T) {
	dir := t.TempDir()
	h := newTestHarness(t, dir)
	defer h.close()

	h.sendRaw(t, `{"jsonrpc":"2.0","method":"discover"}`)
	resp := h.readResponse(t)

	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcwire.CodeInvalidRequest, resp.Error.Code)
	assert.Nil(t, resp.ID)
}

func TestShutdown_StopsMainLoop(t *testing.T) {
	dir := t.TempDir()
	h := newTestHarness(t, dir)
	defer h.toServer.Close()

	h.send(t, &rpcwire.Request{Method: MethodShutdown, ID: "9"})
	resp := h.readResponse(t)
	require.Nil(t, resp.Error)

	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}
