package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/javaos74/uipath-mcp-server/internal/dispatcher"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

// 传输方式
const (
	TransportSSE        = "sse"
	TransportStreamable = "streamable"
)

var (
	errSessionClosed = errors.New("session closed")
)

// SessionState 会话状态
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Sink 出站消息的去向，可能被多个 goroutine 同时调用
type Sink func(msg jsonrpc.Message)

type inbound struct {
	req  *jsonrpc.Request
	sink Sink
	done chan struct{}
}

type activeCall struct {
	id     jsonrpc.ID
	cancel context.CancelFunc
}

// Session 一个已鉴权的 MCP 连接，绑定到一个虚拟服务器的工具快照
// 收到的请求进入 inbox，由单个 goroutine 按到达顺序处理
type Session struct {
	ID        string
	Transport string
	CreatedAt time.Time

	tools    *dispatcher.ToolSet
	dispatch ToolDispatcher

	state      atomic.Int32
	lastActive atomic.Int64
	busy       atomic.Bool
	toolCalls  atomic.Int64

	inbox  chan *inbound
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mutex           sync.Mutex
	protocolVersion string
	clientName      string
	current         *activeCall
	stream          Sink

	closeOnce sync.Once
	onClose   func(*Session)
}

func newSession(id, transport string, tools *dispatcher.ToolSet, d ToolDispatcher, inboxSize int, onClose func(*Session)) *Session {
	if inboxSize <= 0 {
		inboxSize = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		Transport: transport,
		CreatedAt: time.Now(),
		tools:     tools,
		dispatch:  d,
		inbox:     make(chan *inbound, inboxSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		onClose:   onClose,
	}
	s.touch()
	go s.run()
	return s
}

// State 当前状态
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Server 会话绑定的虚拟服务器
func (s *Session) Server() *models.MCPServer {
	return &s.tools.Server
}

// Done 会话关闭后关闭
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive 最近一次收到客户端消息的时间
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// idleFor 空闲时长，执行工具调用期间不算空闲
func (s *Session) idleFor(now time.Time) time.Duration {
	if s.busy.Load() {
		return 0
	}
	return now.Sub(s.LastActive())
}

// attachStream 设置主动推送通知的流，已有流时返回 false
func (s *Session) attachStream(sink Sink) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stream != nil {
		return false
	}
	s.stream = sink
	return true
}

func (s *Session) detachStream() {
	s.mutex.Lock()
	s.stream = nil
	s.mutex.Unlock()
}

// notify 通过主动推送流发送消息，没有流时丢弃
func (s *Session) notify(msg jsonrpc.Message) {
	s.mutex.Lock()
	stream := s.stream
	s.mutex.Unlock()
	if stream != nil {
		stream(msg)
	}
}

// Submit 提交一条客户端消息，返回的 channel 在消息处理完成后关闭
// ping 和取消通知不排队，立即处理
func (s *Session) Submit(ctx context.Context, req *jsonrpc.Request, sink Sink) (<-chan struct{}, error) {
	if s.State() == StateClosed {
		return nil, errSessionClosed
	}
	s.touch()

	done := make(chan struct{})
	switch req.Method {
	case "ping":
		if req.IsCall() {
			reply(sink, req.ID, struct{}{})
		}
		close(done)
		return done, nil
	case "notifications/cancelled":
		s.cancelRequest(req.Params)
		close(done)
		return done, nil
	}

	select {
	case s.inbox <- &inbound{req: req, sink: sink, done: done}:
		return done, nil
	case <-s.ctx.Done():
		return nil, errSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case in := <-s.inbox:
			s.handle(in)
			close(in.done)
		}
	}
}

// cancelRequest 取消正在执行的同一请求，远程作业本身不会被停止
func (s *Session) cancelRequest(params json.RawMessage) {
	var p struct {
		RequestID any    `json:"requestId"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	id, err := jsonrpc.MakeID(p.RequestID)
	if err != nil || !id.IsValid() {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.current != nil && s.current.id == id {
		logger.Info("Session %s: client cancelled request %v (%s)", s.ID, id.Raw(), p.Reason)
		s.current.cancel()
	}
}

// Close 关闭会话并取消正在执行的调用
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancel()
		logger.InfoWithFields("Session closed", map[string]interface{}{
			"session_id": s.ID,
			"transport":  s.Transport,
			"server":     s.tools.Server.Key(),
			"reason":     reason,
			"tool_calls": s.toolCalls.Load(),
		})
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// SessionInfo 会话快照
type SessionInfo struct {
	ID              string    `json:"id"`
	Transport       string    `json:"transport"`
	TenantName      string    `json:"tenant_name"`
	ServerName      string    `json:"server_name"`
	State           string    `json:"state"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	ClientName      string    `json:"client_name,omitempty"`
	ToolCount       int       `json:"tool_count"`
	ToolCalls       int64     `json:"tool_calls"`
	CreatedAt       time.Time `json:"created_at"`
	LastActive      time.Time `json:"last_active"`
}

// Info 返回会话快照
func (s *Session) Info() SessionInfo {
	s.mutex.Lock()
	version, client := s.protocolVersion, s.clientName
	s.mutex.Unlock()

	return SessionInfo{
		ID:              s.ID,
		Transport:       s.Transport,
		TenantName:      s.tools.Server.TenantName,
		ServerName:      s.tools.Server.ServerName,
		State:           s.State().String(),
		ProtocolVersion: version,
		ClientName:      client,
		ToolCount:       s.tools.Len(),
		ToolCalls:       s.toolCalls.Load(),
		CreatedAt:       s.CreatedAt,
		LastActive:      s.LastActive(),
	}
}
