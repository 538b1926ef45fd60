package manager

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/javaos74/uipath-mcp-server/internal/logger"
)

const maxMessageBytes = 4 << 20

// eventStream 把出站消息编码后交给写循环
type eventStream struct {
	ch     chan []byte
	closed chan struct{}
}

func newEventStream(size int) *eventStream {
	if size <= 0 {
		size = 32
	}
	return &eventStream{ch: make(chan []byte, size), closed: make(chan struct{})}
}

// sink 写循环退出后消息直接丢弃，不会阻塞会话
func (e *eventStream) sink(msg jsonrpc.Message) {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		logger.Error("Failed to encode outbound message: %v", err)
		return
	}
	select {
	case e.ch <- data:
	case <-e.closed:
	}
}

func (e *eventStream) close() {
	close(e.closed)
}

func startEventStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return flusher, true
}

func writeEvent(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// pump 把 stream 中的消息写给客户端，直到 stop 关闭或客户端断开
// 期间按 keepAlive 间隔发送注释行，防止代理因空闲断开连接
func pump(w io.Writer, flusher http.Flusher, stream *eventStream, keepAlive time.Duration, stop <-chan struct{}, clientGone <-chan struct{}) error {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case data := <-stream.ch:
			if err := writeEvent(w, "message", data); err != nil {
				return err
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case <-stop:
			return nil
		case <-clientGone:
			return nil
		}
	}
}

// HandleSSE 处理 GET /mcp/{tenant}/{server}/sse
// 首个事件 endpoint 给出消息投递地址，之后的响应与通知以 message 事件推送
func (sm *SessionManager) HandleSSE(w http.ResponseWriter, r *http.Request) {
	tools, ok := sm.authenticate(w, r, TransportSSE)
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

	s := sm.open(tools, TransportSSE)
	defer s.Close("event stream closed")
	s.attachStream(events.sink)

	w.WriteHeader(http.StatusOK)
	endpoint := r.URL.Path + "/messages?session_id=" + url.QueryEscape(s.ID)
	// 以查询参数鉴权的客户端沿用同一令牌投递消息
	if token := r.URL.Query().Get("token"); token != "" {
		endpoint += "&token=" + url.QueryEscape(token)
	}
	if err := writeEvent(w, "endpoint", []byte(endpoint)); err != nil {
		return
	}
	flusher.Flush()

	if err := pump(w, flusher, events, sm.cfg.KeepAliveInterval, s.Done(), r.Context().Done()); err != nil {
		logger.Debug("Event stream for session %s ended: %v", s.ID, err)
	}
}

// HandleSSEMessage 处理 POST /mcp/{tenant}/{server}/sse/messages?session_id=...
// 每条消息都重新鉴权；SSE 会话的所有出站消息都走它的事件流，这里只回 202
func (sm *SessionManager) HandleSSEMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = r.URL.Query().Get("sessionId")
	}
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing session_id")
		return
	}

	s, ok := sm.Get(sessionID)
	if !ok || s.Transport != TransportSSE {
		writeJSONError(w, http.StatusNotFound, "Session not found")
		return
	}
	if !sm.authorizeExisting(w, r, s) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		logger.Debug("Session %s: invalid message: %v", s.ID, err)
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON-RPC message")
		return
	}

	if req, ok := msg.(*jsonrpc.Request); ok {
		if _, err := s.Submit(r.Context(), req, s.notify); err != nil {
			writeJSONError(w, http.StatusNotFound, "Session not found")
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
	io.WriteString(w, "Accepted")
}
