package models

import (
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolKind 工具引用类型
type ToolKind string

const (
	ToolKindRemoteProcess ToolKind = "uipath"
	ToolKindBuiltin       ToolKind = "builtin"
)

// MCPTool 表示 mcp_tools 表的数据模型
type MCPTool struct {
	ID                int64     `json:"id" db:"id"`
	ServerID          int64     `json:"server_id" db:"server_id"`
	Name              string    `json:"name" db:"name"`
	Description       string    `json:"description" db:"description"`
	InputSchema       JSONB     `json:"input_schema" db:"input_schema"`
	ToolType          ToolKind  `json:"tool_type" db:"tool_type"`
	UiPathProcessName *string   `json:"uipath_process_name,omitempty" db:"uipath_process_name"`
	UiPathFolderPath  *string   `json:"uipath_folder_path,omitempty" db:"uipath_folder_path"`
	UiPathFolderID    *string   `json:"uipath_folder_id,omitempty" db:"uipath_folder_id"`
	BuiltinToolID     *int64    `json:"builtin_tool_id,omitempty" db:"builtin_tool_id"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Kind 根据实际设置的引用推断工具类型
func (t *MCPTool) Kind() ToolKind {
	if t.BuiltinToolID != nil {
		return ToolKindBuiltin
	}
	return ToolKindRemoteProcess
}

// ProcessName 远程流程名称
func (t *MCPTool) ProcessName() string {
	return deref(t.UiPathProcessName)
}

// FolderPath 远程文件夹路径
func (t *MCPTool) FolderPath() string {
	return deref(t.UiPathFolderPath)
}

// FolderID 远程文件夹 ID
func (t *MCPTool) FolderID() string {
	return deref(t.UiPathFolderID)
}

// Validate 检查远程流程引用与内置工具引用恰好设置其一
func (t *MCPTool) Validate() error {
	hasProcess := t.ProcessName() != ""
	hasBuiltin := t.BuiltinToolID != nil
	switch {
	case hasProcess && hasBuiltin:
		return fmt.Errorf("tool %q references both a process and a builtin tool", t.Name)
	case !hasProcess && !hasBuiltin:
		return fmt.Errorf("tool %q has no process or builtin reference", t.Name)
	}
	if t.ToolType != "" && t.ToolType != t.Kind() {
		return fmt.Errorf("tool %q has type %q but references a %s", t.Name, t.ToolType, t.Kind())
	}
	return nil
}

// ToMCPTool 转换为 MCP 协议中的工具描述
func (t *MCPTool) ToMCPTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema.ObjectSchema(),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
