// Package dispatcher implements the worker's main JSON-RPC loop: reading
// requests from stdin, routing them to handlers, and keeping the process
// alive only as long as its Studio host parent is alive.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/studiobridge/connectorworker/discovery"
	"github.com/studiobridge/connectorworker/executor"
	"github.com/studiobridge/connectorworker/metricsserver"
	"github.com/studiobridge/connectorworker/pybridge"
	"github.com/studiobridge/connectorworker/rpcwire"
)

// Version is the dispatcher's own protocol version, returned by initialize.
const Version = "1.0.0"

// dequeueTimeout bounds how long the main loop waits on the incoming-request
// channel before re-checking the running flag, per the "~1s timeout" poll.
const dequeueTimeout = time.Second

// watchdogInterval is how often the parent-liveness watchdog checks
// os.Getppid() against the pid observed at startup.
const watchdogInterval = 2 * time.Second

// Server owns the request loop, the executor, and the discoverer for a
// single project. Exactly one execution may be live at a time; Executor
// itself enforces this.
type Server struct {
	conn       *rpcwire.Conn
	discoverer *discovery.Discoverer
	bridge     *pybridge.Bridge
	exec       *executor.Executor
	logger     *slog.Logger

	projectRoot   string
	watch         bool
	watchDebounce time.Duration

	running atomic.Bool
	mu      sync.Mutex
}

// New constructs a Server. bridge may be nil (e.g. if python3 could not be
// located); in that case execute requests that require it will fail with
// EXECUTION_ERROR rather than crash the process. metrics may be nil, in
// which case the executor simply doesn't record phase/execution metrics.
func New(conn *rpcwire.Conn, projectRoot string, disc *discovery.Discoverer, bridge *pybridge.Bridge, metrics *metricsserver.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		conn:        conn,
		discoverer:  disc,
		bridge:      bridge,
		logger:      logger,
		projectRoot: projectRoot,
	}
	s.exec = executor.New(projectRoot, bridge, disc, conn, metrics, logger)
	s.running.Store(true)
	return s
}

// SetWatch enables the --watch fsnotify re-discovery loop with the given
// debounce window between the last observed .py change and re-discovery.
func (s *Server) SetWatch(watch bool, debounce time.Duration) {
	s.watch = watch
	s.watchDebounce = debounce
}

// Shutdown clears the running flag so the main loop exits at its next
// dequeue timeout. Safe to call from any goroutine, any number of times.
func (s *Server) Shutdown() {
	s.running.Store(false)
}

// Run drives the main loop until shutdown, EOF, or ctx cancellation
// (SIGTERM/SIGINT). It starts the background stdin reader, the parent-
// liveness watchdog, and (if enabled) the source-watch loop, then dispatches
// incoming requests until the running flag clears.
func (s *Server) Run(ctx context.Context, parentPID int) error {
	requests := make(chan *rpcwire.Request, 32)
	readErr := make(chan error, 1)
	go s.readLoop(requests, readErr)

	watchdogCtx, cancelWatchdog := context.WithCancel(context.Background())
	defer cancelWatchdog()
	go s.watchdog(watchdogCtx, parentPID)

	var watchCancel context.CancelFunc
	if s.watch {
		var watchCtx context.Context
		watchCtx, watchCancel = context.WithCancel(context.Background())
		defer watchCancel()
		go s.watchSources(watchCtx)
	}

	for s.running.Load() {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return nil
		case err := <-readErr:
			return err
		case req := <-requests:
			s.dispatch(req)
		case <-time.After(dequeueTimeout):
			// Poll the running flag; the watchdog or a signal may have
			// cleared it without a request arriving to notice.
		}
	}
	return nil
}

// readLoop blocks on conn.ReadMessage in its own goroutine and feeds
// well-formed requests onto the bounded channel. Responses arriving on
// stdin (which the host should never send) are ignored. A parse error or an
// otherwise-malformed request (missing method or id) is reported back to
// the host directly, preserving the id when one was present, since there is
// no request id to correlate a channel-delivered response with otherwise.
func (s *Server) readLoop(requests chan<- *rpcwire.Request, readErr chan<- error) {
	for {
		req, _, _, err := s.conn.ReadMessage()
		if err != nil {
			if pe, ok := asParseError(err); ok {
				_ = s.conn.WriteResponse(rpcwire.Fail(nil, rpcwire.CodeParseError, pe.Error(), nil))
				continue
			}
			if ie, ok := asInvalidRequest(err); ok {
				_ = s.conn.WriteResponse(rpcwire.Fail(ie.ID, rpcwire.CodeInvalidRequest, ie.Error(), nil))
				continue
			}
			readErr <- err
			return
		}
		if req == nil {
			continue
		}
		requests <- req
	}
}

func asParseError(err error) (*rpcwire.ParseError, bool) {
	pe, ok := err.(*rpcwire.ParseError)
	return pe, ok
}

func asInvalidRequest(err error) (*rpcwire.InvalidRequestError, bool) {
	ie, ok := err.(*rpcwire.InvalidRequestError)
	return ie, ok
}

// watchdog exits the process (via Shutdown) if the current parent pid ever
// differs from the one observed at startup, covering both Unix reparenting
// to init and an unclean host termination on any platform.
func (s *Server) watchdog(ctx context.Context, parentPID int) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if currentParentPID() != parentPID {
				s.logger.Warn("parent process changed; shutting down")
				s.Shutdown()
				return
			}
		}
	}
}
