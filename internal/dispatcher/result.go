package dispatcher

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

// Result 一次调用的归一化结果，Value 与 Err 恰有其一
type Result struct {
	Tool     string
	Branch   models.ToolKind
	Value    map[string]any
	Err      *apperr.Error
	Duration time.Duration
}

// OK 是否成功
func (r *Result) OK() bool {
	return r.Err == nil
}

// KindLabel 指标标签：成功为 "ok"，否则为错误类型
func (r *Result) KindLabel() string {
	if r.OK() {
		return "ok"
	}
	return string(r.Err.Kind)
}

// Payload 客户端可见的结果对象
// 失败时为 {"success":false,"kind":...,"error":...} 并附带错误详情
func (r *Result) Payload() map[string]any {
	if r.OK() {
		return r.Value
	}
	payload := make(map[string]any, len(r.Err.Details)+3)
	for k, v := range r.Err.Details {
		payload[k] = v
	}
	payload["success"] = false
	payload["kind"] = string(r.Err.Kind)
	payload["error"] = r.Err.Message
	return payload
}

// ToCallToolResult 转换为 MCP 工具结果，失败时 isError=true
func (r *Result) ToCallToolResult() *mcp.CallToolResult {
	payload := r.Payload()
	text, err := json.Marshal(payload)
	if err != nil {
		text, _ = json.Marshal(map[string]any{
			"success": false,
			"kind":    string(apperr.KindExecutionError),
			"error":   "result is not serializable: " + err.Error(),
		})
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(text)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(text)}},
		StructuredContent: payload,
		IsError:           r.Err != nil,
	}
}
