package manager

import (
	"io"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/javaos74/uipath-mcp-server/internal/logger"
)

// SessionIDHeader streamable 传输的会话标识头
const SessionIDHeader = "Mcp-Session-Id"

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeRPCError(w http.ResponseWriter, status int, code int64, message string) {
	data, _ := jsonrpc.EncodeMessage(&jsonrpc.Response{Error: &jsonrpc.Error{Code: code, Message: message}})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// HandleStreamablePost 处理 POST /mcp/{tenant}/{server}
// 不带会话头的 initialize 创建新会话；其他请求需携带 Mcp-Session-Id
func (sm *SessionManager) HandleStreamablePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.CodeParseError, "failed to read request body")
		return
	}
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.CodeParseError, "invalid JSON-RPC message")
		return
	}
	req, isRequest := msg.(*jsonrpc.Request)

	var s *Session
	if id := r.Header.Get(SessionIDHeader); id != "" {
		var ok bool
		if s, ok = sm.Get(id); !ok || s.Transport != TransportStreamable {
			writeJSONError(w, http.StatusNotFound, "Session not found")
			return
		}
		if !sm.authorizeExisting(w, r, s) {
			return
		}
	} else {
		if !isRequest || req.Method != "initialize" || !req.IsCall() {
			writeRPCError(w, http.StatusBadRequest, jsonrpc.CodeInvalidRequest, "missing "+SessionIDHeader+" header")
			return
		}
		tools, ok := sm.authenticate(w, r, TransportStreamable)
		if !ok {
			return
		}
		s = sm.open(tools, TransportStreamable)
	}
	w.Header().Set(SessionIDHeader, s.ID)

	if !isRequest || !req.IsCall() {
		if isRequest {
			if _, err := s.Submit(r.Context(), req, s.notify); err != nil {
				writeJSONError(w, http.StatusNotFound, "Session not found")
				return
			}
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if req.Method == "tools/call" && acceptsEventStream(r) {
		sm.streamResponse(w, r, s, req)
		return
	}
	sm.jsonResponse(w, r, s, req)
}

// jsonResponse 等待请求处理完成后以 JSON 返回响应，通知转发到独立事件流
func (sm *SessionManager) jsonResponse(w http.ResponseWriter, r *http.Request, s *Session, req *jsonrpc.Request) {
	final := make(chan *jsonrpc.Response, 1)
	sink := func(msg jsonrpc.Message) {
		if resp, ok := msg.(*jsonrpc.Response); ok {
			select {
			case final <- resp:
			default:
			}
			return
		}
		s.notify(msg)
	}

	done, err := s.Submit(r.Context(), req, sink)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "Session not found")
		return
	}
	select {
	case <-done:
	case <-s.Done():
	case <-r.Context().Done():
		return
	}

	select {
	case resp := <-final:
		data, err := jsonrpc.EncodeMessage(resp)
		if err != nil {
			writeRPCError(w, http.StatusInternalServerError, jsonrpc.CodeInternalError, "failed to encode response")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	default:
		writeJSONError(w, http.StatusNotFound, "Session not found")
	}
}

// streamResponse 以单次请求的事件流返回进度、日志通知和最终响应
func (sm *SessionManager) streamResponse(w http.ResponseWriter, r *http.Request, s *Session, req *jsonrpc.Request) {
	flusher, ok := startEventStream(w)
	if !ok {
		sm.jsonResponse(w, r, s, req)
		return
	}
	events := newEventStream(sm.cfg.InboxSize)
	defer events.close()

	done, err := s.Submit(r.Context(), req, events.sink)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "Session not found")
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	finished := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-s.Done():
		}
		close(finished)
	}()

	if err := pump(w, flusher, events, sm.cfg.KeepAliveInterval, finished, r.Context().Done()); err != nil {
		logger.Debug("Response stream for session %s ended: %v", s.ID, err)
		return
	}
	// 处理完成前写入的消息仍在缓冲区中
	for {
		select {
		case data := <-events.ch:
			if err := writeEvent(w, "message", data); err != nil {
				return
			}
			flusher.Flush()
		default:
			return
		}
	}
}

// HandleStreamableGet 处理 GET /mcp/{tenant}/{server}，打开会话的独立通知流
func (sm *SessionManager) HandleStreamableGet(w http.ResponseWriter, r *http.Request) {
	s, ok := sm.existingSession(w, r)
	if !ok {
		return
	}
	flusher, ok := startEventStream(w)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	events := newEventStream(sm.cfg.InboxSize)
	defer events.close()
	if !s.attachStream(events.sink) {
		writeJSONError(w, http.StatusConflict, "Session already has an event stream")
		return
	}
	defer s.detachStream()

	w.Header().Set(SessionIDHeader, s.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := pump(w, flusher, events, sm.cfg.KeepAliveInterval, s.Done(), r.Context().Done()); err != nil {
		logger.Debug("Notification stream for session %s ended: %v", s.ID, err)
	}
}

// HandleStreamableDelete 处理 DELETE /mcp/{tenant}/{server}，客户端主动结束会话
func (sm *SessionManager) HandleStreamableDelete(w http.ResponseWriter, r *http.Request) {
	s, ok := sm.existingSession(w, r)
	if !ok {
		return
	}
	s.Close("client terminated session")
	w.WriteHeader(http.StatusNoContent)
}

func (sm *SessionManager) existingSession(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	id := r.Header.Get(SessionIDHeader)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing "+SessionIDHeader+" header")
		return nil, false
	}
	s, ok := sm.Get(id)
	if !ok || s.Transport != TransportStreamable {
		writeJSONError(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	if !sm.authorizeExisting(w, r, s) {
		return nil, false
	}
	return s, true
}
