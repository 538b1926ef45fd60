// Package api 管理端只读接口：服务器、工具、令牌、内置工具目录与会话监控
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/javaos74/uipath-mcp-server/internal/auth"
	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/manager"
	"github.com/javaos74/uipath-mcp-server/internal/models"
	"github.com/javaos74/uipath-mcp-server/internal/uipath"
)

// Store 管理接口使用的存储
type Store interface {
	ListServersByUser(ctx context.Context, userID int64) ([]models.MCPServer, error)
	GetServerByName(ctx context.Context, tenantName, serverName string) (*models.MCPServer, error)
	GetServerWithTools(ctx context.Context, tenantName, serverName string) (*models.ServerWithTools, error)
	GenerateServerToken(ctx context.Context, serverID int64) (string, error)
	RevokeServerToken(ctx context.Context, serverID int64) error
	ListBuiltinTools(ctx context.Context) ([]models.BuiltinTool, error)
}

// Orchestrator 工具编写时的文件夹与流程发现
type Orchestrator interface {
	ListFolders(ctx context.Context, cc models.CredentialContext, search string) ([]uipath.Folder, error)
	ListProcesses(ctx context.Context, cc models.CredentialContext, folderID string) ([]uipath.Process, error)
}

// SessionInfo 会话监控数据来源
type SessionInfo interface {
	Info() manager.ManagerInfo
}

// Routes 管理接口
type Routes struct {
	store    Store
	orch     Orchestrator
	sessions SessionInfo
}

// New 创建管理接口
func New(store Store, orch Orchestrator, sessions SessionInfo) *Routes {
	return &Routes{store: store, orch: orch, sessions: sessions}
}

// Mount 挂载 /api 与 /admin，requireUser 负责校验用户令牌
func (rt *Routes) Mount(r chi.Router, requireUser func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Use(requireUser)
		r.Get("/servers", errorHandler(rt.listServers))
		r.Get("/servers/{tenant}/{server}/tools", errorHandler(rt.listTools))
		r.Get("/servers/{tenant}/{server}/token", errorHandler(rt.getToken))
		r.Post("/servers/{tenant}/{server}/token", errorHandler(rt.rotateToken))
		r.Delete("/servers/{tenant}/{server}/token", errorHandler(rt.revokeToken))
		r.Get("/builtin-tools", errorHandler(rt.listBuiltinTools))
		r.Get("/uipath/folders", errorHandler(rt.listFolders))
		r.Get("/uipath/processes", errorHandler(rt.listProcesses))
	})
	r.Route("/admin", func(r chi.Router) {
		r.Use(requireUser, auth.RequireAdmin)
		r.Get("/sessions", errorHandler(rt.sessionInfo))
	})
}

type handlerWithError func(w http.ResponseWriter, r *http.Request) error

// errorHandler 把类型化错误转换为 HTTP 状态码，5xx 只返回通用信息
func errorHandler(fn handlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := statusCode(err)
		message := err.Error()
		if e, ok := apperr.As(err); ok {
			message = e.Message
		}
		if code >= http.StatusInternalServerError {
			logger.Error("%s %s failed: %v", r.Method, r.URL.Path, err)
			if code == http.StatusInternalServerError {
				message = http.StatusText(code)
			}
		}
		writeJSON(w, code, map[string]string{"error": message})
	}
}

func statusCode(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidationFailed:
		return http.StatusBadRequest
	case apperr.KindAuthenticationFailed:
		return http.StatusForbidden
	case apperr.KindUpstreamError:
		return http.StatusBadGateway
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func currentUser(r *http.Request) (*models.User, error) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		return nil, apperr.NewAuthenticationError("missing user", nil)
	}
	return user, nil
}
