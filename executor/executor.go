package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/studiobridge/connectorworker/discovery"
	"github.com/studiobridge/connectorworker/metricsserver"
	"github.com/studiobridge/connectorworker/pybridge"
	"github.com/studiobridge/connectorworker/rpcwire"
)

// Emitter sends a notification to the host. The dispatcher's rpcwire.Conn
// satisfies this directly.
type Emitter interface {
	WriteNotification(*rpcwire.Notification) error
}

// ErrBusy is returned by Execute when an execution is already in flight.
var ErrBusy = fmt.Errorf("an execution is already in progress")

// ErrNoExecution is returned by Pause/Resume/Step/Abort when no execution
// has ever been started, or the prior one has already reached a terminal
// state.
var ErrNoExecution = fmt.Errorf("no execution in progress")

// Executor runs one adapter's fetch/transform/upload pipeline at a time. It
// exclusively owns ExecutionState, execution statistics, and the three
// control primitives; every other component reaches them only through
// Executor's methods.
type Executor struct {
	projectRoot string
	bridge      *pybridge.Bridge
	discoverer  *discovery.Discoverer
	emit        Emitter
	metrics     *metricsserver.Metrics
	logger      *slog.Logger

	mu          sync.Mutex
	state       ExecutionState
	executionID string

	pause    *pauseLatch
	step     *stepGate
	stepMode bool
	abort    atomic.Bool
}

// New constructs an Executor bound to a project, its bridge, and the
// discoverer used to resolve adapter and data-client classes. metrics may be
// nil, in which case phase and execution outcomes are simply not recorded.
func New(projectRoot string, bridge *pybridge.Bridge, disc *discovery.Discoverer, emit Emitter, metrics *metricsserver.Metrics, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		projectRoot: projectRoot,
		bridge:      bridge,
		discoverer:  disc,
		emit:        emit,
		metrics:     metrics,
		logger:      logger,
		state:       StatePending,
		pause:       newPauseLatch(true),
		step:        newStepGate(),
	}
}

// State returns the current execution state.
func (e *Executor) State() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Executor) isLive() bool {
	switch e.state {
	case StateRunning, StatePaused:
		return true
	default:
		return false
	}
}

// Execute starts a new execution in the background and returns its id
// immediately. Only one execution may be live at a time.
func (e *Executor) Execute(connectorName string, cfg Config) (string, error) {
	e.mu.Lock()
	if e.isLive() {
		e.mu.Unlock()
		return "", ErrBusy
	}

	executionID := uuid.NewString()
	e.executionID = executionID
	e.state = StateRunning
	e.stepMode = cfg.StepMode
	e.pause = newPauseLatch(true)
	e.step = newStepGate()
	e.abort.Store(false)
	e.mu.Unlock()

	go e.run(context.Background(), connectorName, cfg, executionID)

	return executionID, nil
}

// Pause transitions a running execution to paused and closes the pause
// latch.
func (e *Executor) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return ErrNoExecution
	}
	e.state = StatePaused
	e.pause.Close()
	return nil
}

// Resume transitions a paused execution back to running and opens the
// pause latch.
func (e *Executor) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return ErrNoExecution
	}
	e.state = StateRunning
	e.pause.Open()
	return nil
}

// Step permits exactly one further record-loop iteration while running in
// step mode.
func (e *Executor) Step() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return ErrNoExecution
	}
	e.step.Permit()
	return nil
}

// Abort sets the abort flag and releases both synchronization primitives so
// any blocked iteration unblocks and observes the flag.
func (e *Executor) Abort() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isLive() {
		return ErrNoExecution
	}
	e.abort.Store(true)
	e.pause.Open()
	e.step.Release()
	return nil
}

// waitForContinue blocks at the pause barrier until the latch is open. The
// step gate is awaited separately, by stepPause after each record.
func (e *Executor) waitForContinue() {
	e.pause.Wait()
}

func (e *Executor) stepPause() {
	e.mu.Lock()
	stepMode := e.stepMode
	e.mu.Unlock()
	if stepMode {
		e.step.Wait()
	}
}

func (e *Executor) aborted() bool {
	return e.abort.Load()
}

func (e *Executor) emitNotification(method string, params interface{}) {
	if err := e.emit.WriteNotification(rpcwire.NewNotification(method, params)); err != nil {
		e.logger.Error("failed to emit notification", "method", method, "error", err)
	}
}

func (e *Executor) log(level, message string) {
	e.emitNotification(rpcwire.MethodLog, rpcwire.LogParams{Level: level, Message: message})
}

func (e *Executor) observePhase(phase string, recordsProcessed int, duration time.Duration) {
	if e.metrics != nil {
		e.metrics.ObservePhase(phase, recordsProcessed, duration)
	}
}

func (e *Executor) observeExecution(outcome string) {
	if e.metrics != nil {
		e.metrics.ObserveExecution(outcome)
	}
}

// run executes the full pipeline for one connector. It always emits exactly
// one execution_complete notification on the way out.
func (e *Executor) run(ctx context.Context, connectorName string, cfg Config, executionID string) {
	start := time.Now()
	stats := Stats{}
	finalState := StateCompleted

	defer func() {
		e.mu.Lock()
		e.state = finalState
		e.mu.Unlock()

		e.observeExecution(string(finalState))
		e.emitNotification(rpcwire.MethodExecutionComplete, rpcwire.ExecutionCompleteParams{
			ExecutionID:       executionID,
			Success:           finalState == StateCompleted,
			TotalRecords:      stats.TotalRecords,
			SuccessfulRecords: stats.SuccessfulRecords,
			FailedRecords:     stats.FailedRecords,
			TotalDurationMs:   float64(time.Since(start).Microseconds()) / 1000.0,
		})
	}()

	adapters, err := e.discoverer.DiscoverClasses(ctx)
	if err != nil {
		e.log("error", fmt.Sprintf("discovery failed: %v", err))
		finalState = StateError
		return
	}

	var adapter *discovery.ClassRecord
	for i := range adapters {
		if adapters[i].ClassName == connectorName {
			adapter = &adapters[i]
			break
		}
	}
	if adapter == nil {
		e.log("error", fmt.Sprintf("connector %q not found in project", connectorName))
		finalState = StateError
		return
	}

	classHandle, err := e.bridge.LoadClass(e.projectRoot, adapter.FilePath, adapter.ModulePath, adapter.ClassName)
	if err != nil {
		e.log("error", fmt.Sprintf("failed to load connector class: %v", err))
		finalState = StateError
		return
	}
	e.log("info", fmt.Sprintf("loaded connector class: %s", adapter.ClassName))

	records, err := e.runFetchPhase(ctx, cfg, *adapter)
	if err != nil {
		e.log("error", fmt.Sprintf("fetch phase failed: %v", err))
		finalState = StateError
		return
	}
	stats.TotalRecords = len(records)

	if e.aborted() {
		finalState = StateAborted
		return
	}

	e.runTransformPhase(classHandle, *adapter, records, &stats)

	if e.aborted() {
		finalState = StateAborted
		return
	}

	e.runUploadPhase(stats.SuccessfulRecords)
}

// runFetchPhase resolves records from mock data if available, otherwise
// attempts a real fetch through the adapter's linked data-client.
func (e *Executor) runFetchPhase(ctx context.Context, cfg Config, adapter discovery.ClassRecord) ([]map[string]interface{}, error) {
	project := e.discoverer.DiscoverProject(runtimeVersion())
	mockPath := resolveMockDataPath(cfg.MockDataPath, e.projectRoot, project)

	var records []map[string]interface{}
	var err error
	if mockPath != "" {
		records, err = loadMockData(mockPath)
		if err != nil {
			e.log("warning", fmt.Sprintf("failed to load mock data: %v", err))
			records = nil
		}
	} else {
		records, err = e.fetchRealData(ctx, adapter)
		if err != nil {
			e.log("warning", fmt.Sprintf("real fetch unavailable: %v", err))
			records = nil
		}
	}

	total := len(records)
	e.emitNotification(rpcwire.MethodPhaseStart, rpcwire.PhaseStartParams{Phase: "fetch", TotalRecords: &total})

	phaseStart := time.Now()
	emitted := 0
	for index, record := range records {
		e.waitForContinue()
		if e.aborted() {
			break
		}

		recordID := recordIdentity(record, index)
		e.emitNotification(rpcwire.MethodRecordFetched, rpcwire.RecordFetchedParams{
			RecordID: recordID,
			Index:    index,
			Data:     record,
		})
		emitted++

		e.stepPause()
	}

	fetchDuration := time.Since(phaseStart)
	e.emitNotification(rpcwire.MethodPhaseComplete, rpcwire.PhaseCompleteParams{
		Phase:            "fetch",
		RecordsProcessed: emitted,
		DurationMs:       float64(fetchDuration.Microseconds()) / 1000.0,
		Success:          true,
	})
	e.observePhase("fetch", emitted, fetchDuration)

	return records, nil
}

// fetchRealData loads the adapter's linked data-client (or a project-wide
// fallback), instantiates it, and materializes its produced records.
func (e *Executor) fetchRealData(ctx context.Context, adapter discovery.ClassRecord) ([]map[string]interface{}, error) {
	dataClients, err := e.discoverer.DiscoverDataClients(ctx)
	if err != nil {
		return nil, err
	}
	if len(dataClients) == 0 {
		return nil, fmt.Errorf("no data-client classes discovered")
	}

	target := selectDataClient(dataClients, adapter.DataClients)

	classHandle, err := e.bridge.LoadClass(e.projectRoot, target.FilePath, target.ModulePath, target.ClassName)
	if err != nil {
		return nil, fmt.Errorf("load data client: %w", err)
	}

	instanceHandle, ok := e.bridge.Instantiate(classHandle)
	if !ok {
		return nil, fmt.Errorf("could not instantiate data client %s", target.ClassName)
	}

	iterHandle, count, err := e.bridge.IterStart(instanceHandle, "get_data")
	if err != nil {
		return nil, fmt.Errorf("call get_data: %w", err)
	}

	records := make([]map[string]interface{}, 0, count)
	for i := 0; i < count; i++ {
		record, done, err := e.bridge.IterNext(iterHandle, i)
		if err != nil {
			return nil, fmt.Errorf("iterate records: %w", err)
		}
		if done {
			break
		}
		records = append(records, record)
	}
	return records, nil
}

// selectDataClient prefers a data-client named in the adapter's linked list;
// otherwise it falls back to the first project-wide discovery.
func selectDataClient(dataClients []discovery.ClassRecord, linked []string) discovery.ClassRecord {
	if len(linked) > 0 {
		for _, dc := range dataClients {
			if dc.ClassName == linked[0] {
				return dc
			}
		}
	}
	return dataClients[0]
}

// runTransformPhase tries to construct an adapter instance (no-args, then
// with a resolved or mock data-client) and falls back to simulation mode if
// no construction strategy succeeds.
func (e *Executor) runTransformPhase(classHandle string, adapter discovery.ClassRecord, records []map[string]interface{}, stats *Stats) {
	total := len(records)
	e.emitNotification(rpcwire.MethodPhaseStart, rpcwire.PhaseStartParams{Phase: "transform", TotalRecords: &total})
	phaseStart := time.Now()

	instanceHandle, simulation := e.resolveTransformInstance(classHandle, adapter)
	if simulation {
		e.log("warning", "no adapter instance could be constructed; running in simulation mode")
	}

	for index, record := range records {
		e.waitForContinue()
		if e.aborted() {
			break
		}

		recordID := recordIdentity(record, index)
		transformStart := time.Now()

		var output map[string]interface{}
		var transformErr *bridgeTransformError
		if simulation {
			output = simulateTransform(record)
		} else {
			var err error
			output, err = e.bridge.TransformOne(instanceHandle, record)
			if err != nil {
				transformErr = parseTransformError(err)
			} else if output == nil {
				output = simulateTransform(record)
			}
		}

		duration := float64(time.Since(transformStart).Microseconds()) / 1000.0

		if transformErr != nil {
			stats.FailedRecords++
			e.emitNotification(rpcwire.MethodTransformError, rpcwire.TransformErrorParams{
				RecordID:  recordID,
				Index:     index,
				InputData: record,
				Error:     transformErr.Error,
				ErrorType: transformErr.ErrorType,
				Traceback: transformErr.Traceback,
			})
		} else {
			stats.SuccessfulRecords++
			e.emitNotification(rpcwire.MethodTransformComplete, rpcwire.TransformCompleteParams{
				RecordID:      recordID,
				Index:         index,
				InputData:     record,
				OutputData:    output,
				FieldMappings: detectFieldMappings(record, output),
				DurationMs:    duration,
			})
		}

		e.stepPause()
	}

	transformDuration := time.Since(phaseStart)
	processed := stats.SuccessfulRecords + stats.FailedRecords
	e.emitNotification(rpcwire.MethodPhaseComplete, rpcwire.PhaseCompleteParams{
		Phase:            "transform",
		RecordsProcessed: processed,
		DurationMs:       float64(transformDuration.Microseconds()) / 1000.0,
		Success:          stats.FailedRecords == 0,
	})
	e.observePhase("transform", processed, transformDuration)
}

// resolveTransformInstance implements §4.4's adapter construction order for
// the transform phase: no-args, then (name, data_client), then
// (name, mock_data_client), then simulation mode.
func (e *Executor) resolveTransformInstance(classHandle string, adapter discovery.ClassRecord) (instanceHandle string, simulation bool) {
	var noArgs struct {
		InstanceHandle string `json:"instance_handle"`
	}
	if err := e.bridge.Call("instantiate", map[string]interface{}{"class_handle": classHandle}, &noArgs); err == nil {
		return noArgs.InstanceHandle, false
	}

	name, ok := e.bridge.ConfigurationName(classHandle)
	if !ok || name == "" {
		name = "studio_test"
	}

	if dataClientHandle, ok := e.resolveDataClientInstance(adapter); ok {
		if handle, err := e.bridge.InstantiateWithDataClient(classHandle, name, dataClientHandle); err == nil {
			return handle, false
		}
	}

	if handle, err := e.bridge.InstantiateWithMockClient(classHandle, name); err == nil {
		return handle, false
	}

	return "", true
}

func (e *Executor) resolveDataClientInstance(adapter discovery.ClassRecord) (string, bool) {
	dataClients, err := e.discoverer.DiscoverDataClients(context.Background())
	if err != nil || len(dataClients) == 0 {
		return "", false
	}

	target := selectDataClient(dataClients, adapter.DataClients)
	classHandle, err := e.bridge.LoadClass(e.projectRoot, target.FilePath, target.ModulePath, target.ClassName)
	if err != nil {
		return "", false
	}
	return e.bridge.Instantiate(classHandle)
}

// runUploadPhase simulates the upload phase with a brief fixed delay and no
// real network call.
func (e *Executor) runUploadPhase(successfulRecords int) {
	e.emitNotification(rpcwire.MethodPhaseStart, rpcwire.PhaseStartParams{Phase: "upload", TotalRecords: &successfulRecords})
	phaseStart := time.Now()

	time.Sleep(100 * time.Millisecond)

	uploadDuration := time.Since(phaseStart)
	e.emitNotification(rpcwire.MethodPhaseComplete, rpcwire.PhaseCompleteParams{
		Phase:            "upload",
		RecordsProcessed: successfulRecords,
		DurationMs:       float64(uploadDuration.Microseconds()) / 1000.0,
		Success:          true,
	})
	e.observePhase("upload", successfulRecords, uploadDuration)
}

// recordIdentity returns the record's own "id" field if present, else the
// positional fallback record_<index>.
func recordIdentity(record map[string]interface{}, index int) string {
	if v, ok := record["id"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("record_%d", index)
}

// bridgeTransformError is the structured shape a transform_one call reports
// for an exception raised inside user code.
type bridgeTransformError struct {
	ErrorType string `json:"error_type"`
	Error     string `json:"error"`
	Traceback string `json:"traceback"`
}

// parseTransformError recovers the structured error the bridge encodes into
// a CallError's message when a user transform raises.
func parseTransformError(err error) *bridgeTransformError {
	var callErr *pybridge.CallError
	if ce, ok := err.(*pybridge.CallError); ok {
		callErr = ce
	}

	payload := err.Error()
	if callErr != nil {
		payload = callErr.Message
	}

	var parsed bridgeTransformError
	if jsonErr := json.Unmarshal([]byte(payload), &parsed); jsonErr == nil && parsed.Error != "" {
		return &parsed
	}

	return &bridgeTransformError{ErrorType: "BridgeError", Error: payload}
}
