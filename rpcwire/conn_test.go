package rpcwire

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnReadMessage_ClassifiesRequest(t *testing.T) {
	r := strings.NewReader(`{"jsonrpc":"2.0","method":"initialize","id":1,"params":{}}` + "\n")
	conn := NewConn(r, io.Discard)

	req, resp, note, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Nil(t, note)
	require.NotNil(t, req)
	assert.Equal(t, "initialize", req.Method)
}

func TestConnReadMessage_MissingIDIsInvalidRequest(t *testing.T) {
	r := strings.NewReader(`{"jsonrpc":"2.0","method":"heartbeat","params":{"phase":"fetch","elapsed_seconds":1.5}}` + "\n")
	conn := NewConn(r, io.Discard)

	req, resp, note, err := conn.ReadMessage()
	assert.Nil(t, req)
	assert.Nil(t, resp)
	assert.Nil(t, note)
	require.Error(t, err)
	var ie *InvalidRequestError
	require.ErrorAs(t, err, &ie)
	assert.Nil(t, ie.ID)
}

func TestConnReadMessage_MissingMethodIsInvalidRequest(t *testing.T) {
	r := strings.NewReader(`{"jsonrpc":"2.0","id":5}` + "\n")
	conn := NewConn(r, io.Discard)

	_, _, _, err := conn.ReadMessage()
	require.Error(t, err)
	var ie *InvalidRequestError
	require.ErrorAs(t, err, &ie)
	assert.EqualValues(t, 5, ie.ID)
}

func TestConnReadMessage_ClassifiesResponse(t *testing.T) {
	r := strings.NewReader(`{"jsonrpc":"2.0","id":1,"result":{"status":"ok"}}` + "\n")
	conn := NewConn(r, io.Discard)

	req, resp, note, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Nil(t, note)
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestConnReadMessage_EOF(t *testing.T) {
	conn := NewConn(strings.NewReader(""), io.Discard)
	_, _, _, err := conn.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnReadMessage_ParseError(t *testing.T) {
	conn := NewConn(strings.NewReader("not json\n"), io.Discard)
	_, _, _, err := conn.ReadMessage()
	require.Error(t, err)
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestConnWriteResponse_Success(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(strings.NewReader(""), &buf)

	err := conn.WriteResponse(Success("1", map[string]string{"status": "paused"}))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"jsonrpc":"2.0"`)
	assert.Contains(t, buf.String(), `"status":"paused"`)
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestConnWriteNotification(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(strings.NewReader(""), &buf)

	err := conn.WriteNotification(NewNotification(MethodPhaseStart, PhaseStartParams{Phase: "fetch"}))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"method":"phase_start"`)
}

func TestFailBuildsErrorResponse(t *testing.T) {
	resp := Fail("2", CodeConnectorNotFound, "connector not found", nil)
	assert.Equal(t, CodeConnectorNotFound, resp.Error.Code)
	assert.Nil(t, resp.Result)
}
