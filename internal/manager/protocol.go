package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/javaos74/uipath-mcp-server/internal/dispatcher"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
)

// ServerVersion initialize 响应中的服务版本
const ServerVersion = "1.0.0"

const latestProtocolVersion = "2025-06-18"

var supportedProtocolVersions = []string{
	latestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}

// negotiateVersion 客户端版本受支持时原样返回，否则返回最新版本
func negotiateVersion(requested string) string {
	if slices.Contains(supportedProtocolVersions, requested) {
		return requested
	}
	return latestProtocolVersion
}

func (s *Session) handle(in *inbound) {
	req := in.req
	switch req.Method {
	case "initialize":
		s.handleInitialize(in)
	case "notifications/initialized":
		logger.Debug("Session %s: client initialized", s.ID)
	case "logging/setLevel":
		if req.IsCall() {
			reply(in.sink, req.ID, struct{}{})
		}
	case "tools/list":
		if !s.requireActive(in) {
			return
		}
		reply(in.sink, req.ID, &mcp.ListToolsResult{Tools: s.tools.MCPTools()})
	case "tools/call":
		if !s.requireActive(in) {
			return
		}
		s.handleToolCall(in)
	default:
		if req.IsCall() {
			replyError(in.sink, req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
			return
		}
		logger.Debug("Session %s: ignoring notification %s", s.ID, req.Method)
	}
}

func (s *Session) requireActive(in *inbound) bool {
	if s.State() == StateActive {
		return true
	}
	if in.req.IsCall() {
		replyError(in.sink, in.req.ID, jsonrpc.CodeInvalidRequest, "session is not initialized")
	}
	return false
}

func (s *Session) handleInitialize(in *inbound) {
	req := in.req
	if !req.IsCall() {
		return
	}
	if s.State() != StateConnecting {
		replyError(in.sink, req.ID, jsonrpc.CodeInvalidRequest, "session is already initialized")
		return
	}

	var params mcp.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			replyError(in.sink, req.ID, jsonrpc.CodeInvalidParams, "invalid initialize params: "+err.Error())
			return
		}
	}

	version := negotiateVersion(params.ProtocolVersion)
	clientName := ""
	if params.ClientInfo != nil {
		clientName = params.ClientInfo.Name
	}
	s.mutex.Lock()
	s.protocolVersion = version
	s.clientName = clientName
	s.mutex.Unlock()
	s.state.Store(int32(StateActive))

	logger.InfoWithFields("Session initialized", map[string]interface{}{
		"session_id":       s.ID,
		"server":           s.tools.Server.Key(),
		"client":           clientName,
		"protocol_version": version,
		"tools":            s.tools.Len(),
	})

	reply(in.sink, req.ID, &mcp.InitializeResult{
		Capabilities: &mcp.ServerCapabilities{
			Tools:   &mcp.ToolCapabilities{},
			Logging: &mcp.LoggingCapabilities{},
		},
		Instructions:    s.tools.Server.Description,
		ProtocolVersion: version,
		ServerInfo: &mcp.Implementation{
			Name:    s.tools.Server.ServerName,
			Version: ServerVersion,
		},
	})
}

func (s *Session) handleToolCall(in *inbound) {
	req := in.req
	var params mcp.CallToolParamsRaw
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		if req.IsCall() {
			replyError(in.sink, req.ID, jsonrpc.CodeInvalidParams, "tools/call requires a tool name")
		}
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.mutex.Lock()
	s.current = &activeCall{id: req.ID, cancel: cancel}
	s.mutex.Unlock()
	s.busy.Store(true)
	defer func() {
		s.mutex.Lock()
		s.current = nil
		s.mutex.Unlock()
		s.busy.Store(false)
		s.touch()
	}()
	s.toolCalls.Add(1)

	call := dispatcher.Call{
		Tools:     s.tools,
		Name:      params.Name,
		Arguments: params.Arguments,
		Log: func(level, message string, data map[string]any) {
			payload := map[string]any{"message": message, "tool": params.Name}
			for k, v := range data {
				payload[k] = v
			}
			notify(in.sink, "notifications/message", &mcp.LoggingMessageParams{
				Level:  mcp.LoggingLevel(level),
				Logger: "uipath",
				Data:   payload,
			})
		},
	}
	if token := params.GetProgressToken(); token != nil {
		call.Progress = func(progress, total float64, message string) {
			notify(in.sink, "notifications/progress", &mcp.ProgressNotificationParams{
				ProgressToken: token,
				Progress:      progress,
				Total:         total,
				Message:       message,
			})
		}
	}

	result := s.dispatch.Dispatch(ctx, call)
	if req.IsCall() {
		reply(in.sink, req.ID, result.ToCallToolResult())
	}
}

func reply(sink Sink, id jsonrpc.ID, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		logger.Error("Failed to encode result for request %v: %v", id.Raw(), err)
		replyError(sink, id, jsonrpc.CodeInternalError, "failed to encode result")
		return
	}
	sink(&jsonrpc.Response{ID: id, Result: raw})
}

func replyError(sink Sink, id jsonrpc.ID, code int64, message string) {
	sink(&jsonrpc.Response{ID: id, Error: &jsonrpc.Error{Code: code, Message: message}})
}

func notify(sink Sink, method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		logger.Error("Failed to encode %s notification: %v", method, err)
		return
	}
	sink(&jsonrpc.Request{Method: method, Params: raw})
}
