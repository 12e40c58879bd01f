// Package pybridge manages the Python subprocess that performs the
// literally-Python-only operations of the dynamic loader: importing a
// project's source file, instantiating a class, and invoking its methods.
// Every decision about strategy ordering, environment resolution, and
// control flow stays in Go; the bridge process is a thin, stateless-from-
// the-caller's-perspective executor of single operations.
package pybridge

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/studiobridge/connectorworker/rpcwire"
)

//go:embed assets/bridge.py
var bridgeScript []byte

// Bridge owns a single python3 subprocess and the JSON-RPC channel over its
// stdin/stdout. Calls are issued synchronously: the executor never needs two
// bridge operations in flight at once, so a single mutex around Call is
// sufficient (mirrors the outer harness's one-request-at-a-time use of its
// own Conn for child-process control).
type Bridge struct {
	pythonPath  string
	scriptPath  string
	callTimeout time.Duration

	cmd    *exec.Cmd
	conn   *rpcwire.Conn
	stderr *bytes.Buffer

	mu     sync.Mutex
	nextID int64
	closed atomic.Bool
}

// Start extracts the embedded bridge script to stateDir (skipping extraction
// if already present and the right size) and spawns it under pythonPath.
func Start(pythonPath, stateDir string, callTimeout time.Duration) (*Bridge, error) {
	scriptPath, err := extractScript(stateDir)
	if err != nil {
		return nil, fmt.Errorf("extract bridge script: %w", err)
	}

	cmd := exec.Command(pythonPath, scriptPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge stdout pipe: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start bridge process: %w", err)
	}

	b := &Bridge{
		pythonPath:  pythonPath,
		scriptPath:  scriptPath,
		callTimeout: callTimeout,
		cmd:         cmd,
		conn:        rpcwire.NewConn(stdout, stdin),
		stderr:      &stderrBuf,
	}
	return b, nil
}

// extractScript writes the embedded bridge script to stateDir/bridge.py,
// skipping the write if a file of the correct size is already present.
func extractScript(stateDir string) (string, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}

	path := filepath.Join(stateDir, "bridge.py")
	if info, err := os.Stat(path); err == nil && info.Size() == int64(len(bridgeScript)) {
		return path, nil
	}

	if err := os.WriteFile(path, bridgeScript, 0644); err != nil {
		return "", fmt.Errorf("write bridge script: %w", err)
	}
	return path, nil
}

// Call issues a single synchronous request to the bridge and decodes its
// result into out (a pointer), or returns the bridge's reported error.
func (b *Bridge) Call(method string, params interface{}, out interface{}) error {
	if b.closed.Load() {
		return fmt.Errorf("bridge: call %s after close", method)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := strconv.FormatInt(b.nextID, 10)

	req := &rpcwire.Request{Method: method, ID: id}
	if params != nil {
		raw, err := marshalParams(params)
		if err != nil {
			return fmt.Errorf("marshal bridge params: %w", err)
		}
		req.Params = raw
	}

	if err := b.conn.WriteRequest(req); err != nil {
		return fmt.Errorf("write bridge request %s: %w", method, err)
	}

	resultCh := make(chan callResult, 1)
	go func() {
		_, resp, _, err := b.conn.ReadMessage()
		resultCh <- callResult{resp: resp, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return fmt.Errorf("bridge call %s: %w", method, res.err)
		}
		if res.resp.Error != nil {
			return &CallError{Method: method, Message: res.resp.Error.Message}
		}
		if out != nil {
			if err := unmarshalResult(res.resp.Result, out); err != nil {
				return fmt.Errorf("decode bridge result for %s: %w", method, err)
			}
		}
		return nil
	case <-time.After(b.callTimeout):
		return fmt.Errorf("bridge call %s: timeout after %s", method, b.callTimeout)
	}
}

// Close terminates the bridge subprocess.
func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
	return b.cmd.Wait()
}

// Stderr returns whatever the bridge process has written to its standard
// error stream so far, for diagnostics after a failed call.
func (b *Bridge) Stderr() string {
	return b.stderr.String()
}

type callResult struct {
	resp *rpcwire.Response
	err  error
}

// CallError reports a structured failure returned by the bridge itself, as
// opposed to a transport failure.
type CallError struct {
	Method  string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("bridge call %s failed: %s", e.Method, e.Message)
}
