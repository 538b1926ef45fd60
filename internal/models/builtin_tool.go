package models

import "time"

// BuiltinTool 表示 builtin_tools 表的数据模型（全局目录，不属于任何用户）
type BuiltinTool struct {
	ID           int64     `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Description  string    `json:"description" db:"description"`
	InputSchema  JSONB     `json:"input_schema" db:"input_schema"`
	FunctionPath string    `json:"function_path" db:"function_path"`
	APIKey       *string   `json:"-" db:"api_key"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// HasAPIKey 是否关联了密钥
func (b *BuiltinTool) HasAPIKey() bool {
	return b.APIKey != nil && *b.APIKey != ""
}
