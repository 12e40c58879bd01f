package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/studiobridge/connectorworker/discovery"
	"github.com/studiobridge/connectorworker/executor"
	"github.com/studiobridge/connectorworker/rpcwire"
)

// Method names accepted as JSON-RPC requests.
const (
	MethodInitialize = "initialize"
	MethodDiscover   = "discover"
	MethodExecute    = "execute"
	MethodPause      = "pause"
	MethodResume     = "resume"
	MethodStep       = "step"
	MethodAbort      = "abort"
	MethodShutdown   = "shutdown"
)

// executeParams is execute's request payload.
type executeParams struct {
	ConnectorName string `json:"connector_name"`
	Config        struct {
		StepMode     bool   `json:"step_mode"`
		MockDataPath string `json:"mock_data_path,omitempty"`
	} `json:"config"`
}

// initializeResult is initialize's response payload.
type initializeResult struct {
	Version      string                  `json:"version"`
	Project      discovery.ProjectRecord `json:"project"`
	Connectors   []discovery.ClassRecord `json:"connectors"`
	Capabilities capabilities            `json:"capabilities"`
}

type capabilities struct {
	Execute bool `json:"execute"`
	Pause   bool `json:"pause"`
	Resume  bool `json:"resume"`
	Step    bool `json:"step"`
	Abort   bool `json:"abort"`
}

type discoverResult struct {
	Connectors []discovery.ClassRecord `json:"connectors"`
}

type executeResult struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

type okResult struct {
	Success bool `json:"success"`
}

// dispatch routes one request to its handler and always writes exactly one
// response, recovering a panicking handler into INTERNAL_ERROR.
func (s *Server) dispatch(req *rpcwire.Request) {
	resp := s.handle(req)
	if resp == nil {
		return
	}
	if err := s.conn.WriteResponse(resp); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) handle(req *rpcwire.Request) (resp *rpcwire.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = rpcwire.Fail(req.ID, rpcwire.CodeInternalError, fmt.Sprintf("panic in handler: %v", r), nil)
		}
	}()

	switch req.Method {
	case MethodInitialize:
		return s.handleInitialize(req)
	case MethodDiscover:
		return s.handleDiscover(req)
	case MethodExecute:
		return s.handleExecute(req)
	case MethodPause:
		return s.wrapControl(req, s.exec.Pause())
	case MethodResume:
		return s.wrapControl(req, s.exec.Resume())
	case MethodStep:
		return s.wrapControl(req, s.exec.Step())
	case MethodAbort:
		return s.wrapControl(req, s.exec.Abort())
	case MethodShutdown:
		s.Shutdown()
		return rpcwire.Success(req.ID, okResult{Success: true})
	default:
		return rpcwire.Fail(req.ID, rpcwire.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

func (s *Server) handleInitialize(req *rpcwire.Request) *rpcwire.Response {
	ctx := context.Background()
	project := s.discoverer.DiscoverProject(runtimeVersion())
	connectors, err := s.discoverer.DiscoverClasses(ctx)
	if err != nil {
		return rpcwire.Fail(req.ID, rpcwire.CodeProjectError, err.Error(), nil)
	}
	return rpcwire.Success(req.ID, initializeResult{
		Version:      Version,
		Project:      project,
		Connectors:   connectors,
		Capabilities: capabilities{Execute: true, Pause: true, Resume: true, Step: true, Abort: true},
	})
}

func (s *Server) handleDiscover(req *rpcwire.Request) *rpcwire.Response {
	connectors, err := s.discoverer.DiscoverClasses(context.Background())
	if err != nil {
		return rpcwire.Fail(req.ID, rpcwire.CodeProjectError, err.Error(), nil)
	}
	return rpcwire.Success(req.ID, discoverResult{Connectors: connectors})
}

func (s *Server) handleExecute(req *rpcwire.Request) *rpcwire.Response {
	var params executeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcwire.Fail(req.ID, rpcwire.CodeInvalidParams, err.Error(), nil)
		}
	}
	if params.ConnectorName == "" {
		return rpcwire.Fail(req.ID, rpcwire.CodeInvalidParams, "connector_name is required", nil)
	}
	if s.bridge == nil {
		return rpcwire.Fail(req.ID, rpcwire.CodeExecutionError, "python bridge is not available", nil)
	}

	cfg := executor.Config{StepMode: params.Config.StepMode, MockDataPath: params.Config.MockDataPath}
	executionID, err := s.exec.Execute(params.ConnectorName, cfg)
	if err != nil {
		return rpcwire.Fail(req.ID, rpcwire.CodeExecutionError, err.Error(), nil)
	}
	return rpcwire.Success(req.ID, executeResult{ExecutionID: executionID, Status: "started"})
}

func (s *Server) wrapControl(req *rpcwire.Request, err error) *rpcwire.Response {
	if err != nil {
		return rpcwire.Fail(req.ID, rpcwire.CodeExecutionError, err.Error(), nil)
	}
	return rpcwire.Success(req.ID, okResult{Success: true})
}
