package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

const (
	accessDeniedError   = "Access denied. Please provide a valid authentication token."
	accessDeniedDetails = "Use either a server API token or your user JWT token via Authorization header or ?token= query parameter."
)

// UserLookup 按用户名查询用户
type UserLookup interface {
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// Authorizer 校验访问虚拟服务器的令牌
type Authorizer struct {
	jwt   *JWTService
	users UserLookup
}

// NewAuthorizer 创建鉴权器
func NewAuthorizer(jwt *JWTService, users UserLookup) *Authorizer {
	return &Authorizer{jwt: jwt, users: users}
}

// ExtractToken 从请求中提取令牌：先 Authorization: Bearer，再 ?token=
// 部分客户端无法为流式连接设置自定义头，因此支持查询参数
func ExtractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
			if token := strings.TrimSpace(authHeader[7:]); token != "" {
				return token
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Authorize 令牌等于服务器 API 令牌，或为服务器所有者/管理员的有效用户令牌时通过
func (a *Authorizer) Authorize(ctx context.Context, server *models.MCPServer, token string) error {
	if token == "" {
		return apperr.NewAuthenticationError("missing token", nil)
	}

	if server.HasToken() && subtle.ConstantTimeCompare([]byte(token), []byte(*server.APIToken)) == 1 {
		return nil
	}

	user, err := a.UserFromToken(ctx, token)
	if err != nil {
		return err
	}
	if user.ID == server.UserID || user.IsAdmin() {
		return nil
	}

	logger.Warn("User %s denied access to server %s", user.Username, server.Key())
	return apperr.NewAuthenticationError("user does not own this server", nil)
}

// UserFromToken 校验用户令牌并加载用户
func (a *Authorizer) UserFromToken(ctx context.Context, token string) (*models.User, error) {
	claims, err := a.jwt.Validate(token)
	if err != nil {
		return nil, apperr.NewAuthenticationError("invalid token", err)
	}

	user, err := a.users.GetUserByUsername(ctx, claims.Subject)
	if err != nil {
		return nil, apperr.NewAuthenticationError("unknown user", err)
	}
	if !user.IsActive {
		return nil, apperr.NewAuthenticationError("user is inactive", nil)
	}
	return user, nil
}

// WriteAccessDenied 返回 403 及机器可读的错误体
func WriteAccessDenied(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   accessDeniedError,
		"details": accessDeniedDetails,
	})
}

type userContextKey struct{}

// WithUser 把用户放入上下文
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext 从上下文取出用户
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(*models.User)
	return user, ok
}

// RequireUser 管理接口中间件：要求有效的用户令牌
func (a *Authorizer) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractToken(r)
		if token == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		user, err := a.UserFromToken(r.Context(), token)
		if err != nil {
			logger.Debug("Rejected management request %s %s: %v", r.Method, r.URL.Path, err)
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// RequireAdmin 要求管理员角色，需放在 RequireUser 之后
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok || !user.IsAdmin() {
			http.Error(w, "Admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
