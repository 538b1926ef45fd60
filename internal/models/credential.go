package models

import (
	"strconv"
	"strings"
)

// CredentialContext 会话调用 Orchestrator 时使用的凭据（服务器所有者的配置）
// 按值传递：Session -> Dispatcher -> Orchestrator client
type CredentialContext struct {
	UserID       int64
	BaseURL      string
	AuthType     string
	AccessToken  string
	ClientID     string
	ClientSecret string
}

// IsOAuth 是否使用 client credentials
func (c CredentialContext) IsOAuth() bool {
	return c.AuthType == AuthTypeOAuth
}

// NormalizedBaseURL 去掉末尾斜杠的基础地址
func (c CredentialContext) NormalizedBaseURL() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// String 不输出任何密钥
func (c CredentialContext) String() string {
	return "user=" + strconv.FormatInt(c.UserID, 10) + " url=" + c.NormalizedBaseURL() + " auth=" + c.AuthType
}
