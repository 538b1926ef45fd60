package dispatcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

// Store 构建工具集所需的存储接口
type Store interface {
	ListTools(ctx context.Context, serverID int64) ([]models.MCPTool, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetBuiltinToolByID(ctx context.Context, id int64) (*models.BuiltinTool, error)
}

// ToolSet 会话绑定的工具快照，创建后只读，可被多个 goroutine 共享
type ToolSet struct {
	Server      models.MCPServer
	Credentials models.CredentialContext

	tools    map[string]*models.MCPTool
	names    []string
	builtins map[int64]*models.BuiltinTool
}

// NewToolSet 由已加载的数据构建工具集
// 引用不合法的工具以及指向停用/缺失内置工具的条目不会出现在列表中
func NewToolSet(server models.MCPServer, cc models.CredentialContext, tools []models.MCPTool, builtins []models.BuiltinTool) *ToolSet {
	ts := &ToolSet{
		Server:      server,
		Credentials: cc,
		tools:       make(map[string]*models.MCPTool, len(tools)),
		builtins:    make(map[int64]*models.BuiltinTool, len(builtins)),
	}
	for i := range builtins {
		b := builtins[i]
		ts.builtins[b.ID] = &b
	}

	for i := range tools {
		t := tools[i]
		if err := t.Validate(); err != nil {
			logger.Warn("Skipping tool on %s: %v", server.Key(), err)
			continue
		}
		if t.Kind() == models.ToolKindBuiltin {
			if b, ok := ts.builtins[*t.BuiltinToolID]; !ok || !b.IsActive {
				logger.Warn("Skipping tool %s on %s: builtin %d unavailable", t.Name, server.Key(), *t.BuiltinToolID)
				continue
			}
		}
		ts.tools[t.Name] = &t
		ts.names = append(ts.names, t.Name)
	}
	sort.Strings(ts.names)
	return ts
}

// LoadToolSet 读取服务器的工具、所有者凭据以及引用的内置工具
func LoadToolSet(ctx context.Context, store Store, server *models.MCPServer) (*ToolSet, error) {
	owner, err := store.GetUserByID(ctx, server.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load owner of %s: %w", server.Key(), err)
	}

	tools, err := store.ListTools(ctx, server.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tools of %s: %w", server.Key(), err)
	}

	var builtins []models.BuiltinTool
	seen := make(map[int64]bool)
	for _, t := range tools {
		if t.BuiltinToolID == nil || seen[*t.BuiltinToolID] {
			continue
		}
		seen[*t.BuiltinToolID] = true

		b, err := store.GetBuiltinToolByID(ctx, *t.BuiltinToolID)
		if err != nil {
			if apperr.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to load builtin tool %d: %w", *t.BuiltinToolID, err)
		}
		builtins = append(builtins, *b)
	}

	return NewToolSet(*server, owner.CredentialContext(), tools, builtins), nil
}

// Lookup 按名称查找工具
func (ts *ToolSet) Lookup(name string) (*models.MCPTool, bool) {
	t, ok := ts.tools[name]
	return t, ok
}

// Builtin 按 ID 查找内置工具行
func (ts *ToolSet) Builtin(id int64) (*models.BuiltinTool, bool) {
	b, ok := ts.builtins[id]
	return b, ok
}

// Len 可调用工具数量
func (ts *ToolSet) Len() int {
	return len(ts.names)
}

// MCPTools tools/list 的返回内容，按名称排序
func (ts *ToolSet) MCPTools() []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(ts.names))
	for _, name := range ts.names {
		out = append(out, ts.tools[name].ToMCPTool())
	}
	return out
}
