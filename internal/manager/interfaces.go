package manager

import (
	"context"

	"github.com/javaos74/uipath-mcp-server/internal/dispatcher"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

// ServerStore 会话路由所需的只读存储接口
type ServerStore interface {
	dispatcher.Store
	GetServerByName(ctx context.Context, tenantName, serverName string) (*models.MCPServer, error)
}

// Authenticator 连接鉴权
type Authenticator interface {
	Authorize(ctx context.Context, server *models.MCPServer, token string) error
}

// ToolDispatcher 工具调用执行器
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call dispatcher.Call) *dispatcher.Result
}

// Observer 会话生命周期观测
type Observer interface {
	SessionOpened(transport string)
	SessionClosed(transport string)
	AuthFailed(transport string)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(string) {}
func (nopObserver) SessionClosed(string) {}
func (nopObserver) AuthFailed(string)    {}
