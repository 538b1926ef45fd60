package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/javaos74/uipath-mcp-server/internal/auth"
	"github.com/javaos74/uipath-mcp-server/internal/config"
	"github.com/javaos74/uipath-mcp-server/internal/dispatcher"
	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
)

// SessionManager 管理所有活跃的 MCP 会话
type SessionManager struct {
	store      ServerStore
	auth       Authenticator
	dispatcher ToolDispatcher
	observer   Observer
	cfg        config.SessionConfig

	sessions map[string]*Session // sessionID -> Session
	mutex    sync.RWMutex
	opened   atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
}

// Option 配置项
type Option func(*SessionManager)

// WithObserver 设置会话观测
func WithObserver(o Observer) Option {
	return func(sm *SessionManager) { sm.observer = o }
}

// NewSessionManager 创建新的会话管理器
func NewSessionManager(store ServerStore, authn Authenticator, d ToolDispatcher, cfg config.SessionConfig, opts ...Option) *SessionManager {
	sm := &SessionManager{
		store:      store,
		auth:       authn,
		dispatcher: d,
		observer:   nopObserver{},
		cfg:        cfg,
		sessions:   make(map[string]*Session),
		stopChan:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// Routes 挂载 MCP 端点，两种传输方式共享同一鉴权与调度逻辑
func (sm *SessionManager) Routes(r chi.Router) {
	r.Get("/{tenant}/{server}/sse", sm.HandleSSE)
	r.Post("/{tenant}/{server}/sse/messages", sm.HandleSSEMessage)
	r.Post("/{tenant}/{server}", sm.HandleStreamablePost)
	r.Get("/{tenant}/{server}", sm.HandleStreamableGet)
	r.Delete("/{tenant}/{server}", sm.HandleStreamableDelete)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// authenticate 查找虚拟服务器并校验令牌，成功后加载工具快照
// 失败时已写出响应，不会创建任何会话
func (sm *SessionManager) authenticate(w http.ResponseWriter, r *http.Request, transport string) (*dispatcher.ToolSet, bool) {
	tenant, name := chi.URLParam(r, "tenant"), chi.URLParam(r, "server")

	server, err := sm.store.GetServerByName(r.Context(), tenant, name)
	if err != nil {
		if apperr.IsNotFound(err) {
			logger.Warn("MCP server %s/%s not found", tenant, name)
			writeJSONError(w, http.StatusNotFound, "MCP server not found")
			return nil, false
		}
		logger.Error("Failed to look up MCP server %s/%s: %v", tenant, name, err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		return nil, false
	}

	if err := sm.auth.Authorize(r.Context(), server, auth.ExtractToken(r)); err != nil {
		sm.observer.AuthFailed(transport)
		logger.WarnWithFields("MCP connection rejected", map[string]interface{}{
			"server":    server.Key(),
			"transport": transport,
			"remote":    r.RemoteAddr,
			"error":     err.Error(),
		})
		auth.WriteAccessDenied(w)
		return nil, false
	}

	tools, err := dispatcher.LoadToolSet(r.Context(), sm.store, server)
	if err != nil {
		logger.Error("Failed to load tools for %s: %v", server.Key(), err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to load MCP server tools")
		return nil, false
	}
	return tools, true
}

// authorizeExisting 已建立会话上的请求：路由需与会话一致，令牌按数据库中的当前记录校验
// 工具快照保持会话创建时的状态，鉴权结果不使用快照，令牌轮换或撤销立即生效
func (sm *SessionManager) authorizeExisting(w http.ResponseWriter, r *http.Request, s *Session) bool {
	if !sm.routeMatches(r, s) {
		writeJSONError(w, http.StatusNotFound, "Session not found")
		return false
	}

	snapshot := s.Server()
	server, err := sm.store.GetServerByName(r.Context(), snapshot.TenantName, snapshot.ServerName)
	if err != nil {
		if apperr.IsNotFound(err) {
			logger.Warn("MCP server %s removed, closing session %s", snapshot.Key(), s.ID)
			s.Close("server removed")
			writeJSONError(w, http.StatusNotFound, "MCP server not found")
			return false
		}
		logger.Error("Failed to look up MCP server %s: %v", snapshot.Key(), err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		return false
	}

	if err := sm.auth.Authorize(r.Context(), server, auth.ExtractToken(r)); err != nil {
		sm.observer.AuthFailed(s.Transport)
		logger.Warn("Rejected request on session %s: %v", s.ID, err)
		auth.WriteAccessDenied(w)
		return false
	}
	return true
}

func (sm *SessionManager) routeMatches(r *http.Request, s *Session) bool {
	server := s.Server()
	return chi.URLParam(r, "tenant") == server.TenantName && chi.URLParam(r, "server") == server.ServerName
}

// open 创建并登记新会话
func (sm *SessionManager) open(tools *dispatcher.ToolSet, transport string) *Session {
	s := newSession(uuid.NewString(), transport, tools, sm.dispatcher, sm.cfg.InboxSize, sm.remove)

	sm.mutex.Lock()
	sm.sessions[s.ID] = s
	sm.mutex.Unlock()
	sm.opened.Add(1)
	sm.observer.SessionOpened(transport)

	logger.InfoWithFields("Session opened", map[string]interface{}{
		"session_id": s.ID,
		"transport":  transport,
		"server":     tools.Server.Key(),
		"tools":      tools.Len(),
	})
	return s
}

func (sm *SessionManager) remove(s *Session) {
	sm.mutex.Lock()
	_, exists := sm.sessions[s.ID]
	delete(sm.sessions, s.ID)
	sm.mutex.Unlock()
	if exists {
		sm.observer.SessionClosed(s.Transport)
	}
}

// Get 按 ID 查找会话
func (sm *SessionManager) Get(id string) (*Session, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	s, ok := sm.sessions[id]
	return s, ok
}

// ActiveCount 当前活跃会话数
func (sm *SessionManager) ActiveCount() int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return len(sm.sessions)
}

// TotalOpened 启动以来创建的会话总数
func (sm *SessionManager) TotalOpened() int64 {
	return sm.opened.Load()
}

// ManagerInfo /admin/sessions 的返回内容
type ManagerInfo struct {
	Active      int           `json:"active"`
	TotalOpened int64         `json:"total_opened"`
	Sessions    []SessionInfo `json:"sessions"`
}

// Info 所有会话的快照，按创建时间排序
func (sm *SessionManager) Info() ManagerInfo {
	sm.mutex.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mutex.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	info := ManagerInfo{
		Active:      len(sessions),
		TotalOpened: sm.opened.Load(),
		Sessions:    make([]SessionInfo, 0, len(sessions)),
	}
	for _, s := range sessions {
		info.Sessions = append(info.Sessions, s.Info())
	}
	return info
}

// StartReaper 周期性关闭空闲会话，直到 ctx 结束或 Shutdown
func (sm *SessionManager) StartReaper(ctx context.Context) {
	interval := sm.cfg.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sm.stopChan:
				return
			case now := <-ticker.C:
				if n := sm.CleanupIdleSessions(now); n > 0 {
					logger.Info("Closed %d idle sessions, %d still active", n, sm.ActiveCount())
				}
			}
		}
	}()
}

// CleanupIdleSessions 关闭超过空闲时限的会话，返回关闭数量
func (sm *SessionManager) CleanupIdleSessions(now time.Time) int {
	if sm.cfg.IdleTimeout <= 0 {
		return 0
	}

	sm.mutex.RLock()
	var idle []*Session
	for _, s := range sm.sessions {
		if s.idleFor(now) > sm.cfg.IdleTimeout {
			idle = append(idle, s)
		}
	}
	sm.mutex.RUnlock()

	for _, s := range idle {
		s.Close("idle timeout")
	}
	return len(idle)
}

// Shutdown 停止清理协程并关闭所有会话
func (sm *SessionManager) Shutdown() {
	sm.stopOnce.Do(func() { close(sm.stopChan) })

	sm.mutex.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mutex.RUnlock()

	for _, s := range sessions {
		s.Close("server shutdown")
	}
	logger.Info("Closed all %d sessions", len(sessions))
}
