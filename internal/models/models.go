package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB 类型用于处理 PostgreSQL 的 JSONB 字段
type JSONB map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner 接口
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	if len(bytes) == 0 {
		*j = nil
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// ObjectSchema 返回可用作 MCP inputSchema 的对象 schema
// 空 schema 视为不接受任何声明参数的对象
func (j JSONB) ObjectSchema() map[string]interface{} {
	if len(j) == 0 {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	out := make(map[string]interface{}, len(j)+1)
	for k, v := range j {
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

// ServerWithTools 包含服务器及其工具的完整信息
type ServerWithTools struct {
	Server MCPServer `json:"server"`
	Tools  []MCPTool `json:"tools"`
}
