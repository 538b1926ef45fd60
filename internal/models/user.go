package models

import "time"

// UiPath 认证方式
const (
	AuthTypePAT   = "pat"
	AuthTypeOAuth = "oauth"
)

// 用户角色
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User 表示 users 表的数据模型，密钥字段不会序列化到响应中
type User struct {
	ID                 int64     `json:"id" db:"id"`
	Username           string    `json:"username" db:"username"`
	Email              string    `json:"email" db:"email"`
	Role               string    `json:"role" db:"role"`
	IsActive           bool      `json:"is_active" db:"is_active"`
	UiPathURL          string    `json:"uipath_url,omitempty" db:"uipath_url"`
	UiPathAuthType     string    `json:"uipath_auth_type,omitempty" db:"uipath_auth_type"`
	UiPathAccessToken  string    `json:"-" db:"uipath_access_token"`
	UiPathClientID     string    `json:"-" db:"uipath_client_id"`
	UiPathClientSecret string    `json:"-" db:"uipath_client_secret"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// IsAdmin 是否为管理员
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// CredentialContext 从用户配置生成调用 Orchestrator 所需的凭据
func (u *User) CredentialContext() CredentialContext {
	authType := u.UiPathAuthType
	if authType == "" {
		authType = AuthTypePAT
	}
	return CredentialContext{
		UserID:       u.ID,
		BaseURL:      u.UiPathURL,
		AuthType:     authType,
		AccessToken:  u.UiPathAccessToken,
		ClientID:     u.UiPathClientID,
		ClientSecret: u.UiPathClientSecret,
	}
}
