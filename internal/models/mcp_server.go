package models

import "time"

// MCPServer 表示 mcp_servers 表的数据模型，由 (tenant_name, server_name) 唯一确定
type MCPServer struct {
	ID          int64     `json:"id" db:"id"`
	TenantName  string    `json:"tenant_name" db:"tenant_name"`
	ServerName  string    `json:"server_name" db:"server_name"`
	Description string    `json:"description" db:"description"`
	UserID      int64     `json:"user_id" db:"user_id"`
	APIToken    *string   `json:"-" db:"api_token"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// HasToken 是否配置了服务器 API 令牌
func (s *MCPServer) HasToken() bool {
	return s.APIToken != nil && *s.APIToken != ""
}

// Key 返回 tenant/server 形式的标识
func (s *MCPServer) Key() string {
	return s.TenantName + "/" + s.ServerName
}
