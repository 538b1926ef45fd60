package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	_ "embed"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"github.com/javaos74/uipath-mcp-server/internal/config"
	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const builtinToolsVersionKey = "builtin_tools_version"

// DatabaseService 数据库服务
type DatabaseService struct {
	db *sql.DB
}

// NewDatabaseService 创建新的数据库服务
func NewDatabaseService(cfg *config.DatabaseConfig) (*DatabaseService, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connected successfully to %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)

	return &DatabaseService{db: db}, nil
}

// NewWithDB 使用已有连接创建服务
func NewWithDB(db *sql.DB) *DatabaseService {
	return &DatabaseService{db: db}
}

// Close 关闭数据库连接
func (ds *DatabaseService) Close() error {
	return ds.db.Close()
}

// Ping 检查连接
func (ds *DatabaseService) Ping(ctx context.Context) error {
	return ds.db.PingContext(ctx)
}

// Migrate 创建缺失的表，可重复执行
func (ds *DatabaseService) Migrate(ctx context.Context) error {
	if _, err := ds.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const serverColumns = `id, tenant_name, server_name, description, user_id, api_token, created_at, updated_at`

func scanServer(row interface{ Scan(...any) error }) (*models.MCPServer, error) {
	var (
		server models.MCPServer
		token  sql.NullString
	)
	err := row.Scan(
		&server.ID,
		&server.TenantName,
		&server.ServerName,
		&server.Description,
		&server.UserID,
		&token,
		&server.CreatedAt,
		&server.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if token.Valid {
		server.APIToken = &token.String
	}
	return &server, nil
}

// GetServerByName 根据 (tenant, server) 获取虚拟服务器
func (ds *DatabaseService) GetServerByName(ctx context.Context, tenantName, serverName string) (*models.MCPServer, error) {
	query := `SELECT ` + serverColumns + `
		FROM mcp_servers
		WHERE tenant_name = $1 AND server_name = $2`

	server, err := scanServer(ds.db.QueryRowContext(ctx, query, tenantName, serverName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NewNotFoundError(fmt.Sprintf("server %s/%s not found", tenantName, serverName), nil)
		}
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	return server, nil
}

// ListServersByUser 获取用户拥有的服务器；userID 为 0 时返回全部
func (ds *DatabaseService) ListServersByUser(ctx context.Context, userID int64) ([]models.MCPServer, error) {
	query := `SELECT ` + serverColumns + ` FROM mcp_servers`
	args := []any{}
	if userID != 0 {
		query += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY tenant_name, server_name`

	rows, err := ds.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query servers: %w", err)
	}
	defer rows.Close()

	var servers []models.MCPServer
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, *server)
	}
	return servers, rows.Err()
}

const userColumns = `id, username, email, role, is_active,
	COALESCE(uipath_url, ''), uipath_auth_type, COALESCE(uipath_access_token, ''),
	COALESCE(uipath_client_id, ''), COALESCE(uipath_client_secret, ''),
	created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var user models.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.Role,
		&user.IsActive,
		&user.UiPathURL,
		&user.UiPathAuthType,
		&user.UiPathAccessToken,
		&user.UiPathClientID,
		&user.UiPathClientSecret,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByID 根据 ID 获取用户
func (ds *DatabaseService) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(ds.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NewNotFoundError(fmt.Sprintf("user %d not found", id), nil)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByUsername 根据用户名获取用户
func (ds *DatabaseService) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`

	user, err := scanUser(ds.db.QueryRowContext(ctx, query, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NewNotFoundError(fmt.Sprintf("user %q not found", username), nil)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpdateUserAccessToken 保存刷新后的 UiPath 访问令牌
func (ds *DatabaseService) UpdateUserAccessToken(ctx context.Context, userID int64, token string) error {
	query := `UPDATE users SET uipath_access_token = $1, updated_at = NOW() WHERE id = $2`

	res, err := ds.db.ExecContext(ctx, query, token, userID)
	if err != nil {
		return fmt.Errorf("failed to update access token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NewNotFoundError(fmt.Sprintf("user %d not found", userID), nil)
	}
	return nil
}

// ListTools 获取服务器的全部工具
func (ds *DatabaseService) ListTools(ctx context.Context, serverID int64) ([]models.MCPTool, error) {
	query := `
		SELECT id, server_id, name, description, input_schema, tool_type,
		       uipath_process_name, uipath_folder_path, uipath_folder_id, builtin_tool_id,
		       created_at, updated_at
		FROM mcp_tools
		WHERE server_id = $1
		ORDER BY name
	`

	rows, err := ds.db.QueryContext(ctx, query, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tools: %w", err)
	}
	defer rows.Close()

	var tools []models.MCPTool
	for rows.Next() {
		var (
			tool      models.MCPTool
			process   sql.NullString
			folder    sql.NullString
			folderID  sql.NullString
			builtinID sql.NullInt64
			toolType  string
		)
		err := rows.Scan(
			&tool.ID,
			&tool.ServerID,
			&tool.Name,
			&tool.Description,
			&tool.InputSchema,
			&toolType,
			&process,
			&folder,
			&folderID,
			&builtinID,
			&tool.CreatedAt,
			&tool.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		tool.ToolType = models.ToolKind(toolType)
		if process.Valid {
			tool.UiPathProcessName = &process.String
		}
		if folder.Valid {
			tool.UiPathFolderPath = &folder.String
		}
		if folderID.Valid {
			tool.UiPathFolderID = &folderID.String
		}
		if builtinID.Valid {
			tool.BuiltinToolID = &builtinID.Int64
		}
		tools = append(tools, tool)
	}

	return tools, rows.Err()
}

// GetServerWithTools 获取服务器及其工具
func (ds *DatabaseService) GetServerWithTools(ctx context.Context, tenantName, serverName string) (*models.ServerWithTools, error) {
	server, err := ds.GetServerByName(ctx, tenantName, serverName)
	if err != nil {
		return nil, err
	}

	tools, err := ds.ListTools(ctx, server.ID)
	if err != nil {
		return nil, err
	}

	return &models.ServerWithTools{
		Server: *server,
		Tools:  tools,
	}, nil
}

// GenerateServerToken 为服务器生成新的 API 令牌（覆盖旧令牌）
func (ds *DatabaseService) GenerateServerToken(ctx context.Context, serverID int64) (string, error) {
	query := `UPDATE mcp_servers SET api_token = $1, updated_at = NOW() WHERE id = $2`

	for attempt := 0; attempt < 2; attempt++ {
		token, err := newToken()
		if err != nil {
			return "", err
		}

		res, err := ds.db.ExecContext(ctx, query, token, serverID)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				// 令牌冲突，重新生成
				continue
			}
			return "", fmt.Errorf("failed to store server token: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", apperr.NewNotFoundError(fmt.Sprintf("server %d not found", serverID), nil)
		}
		return token, nil
	}
	return "", errors.New("failed to generate a unique server token")
}

// RevokeServerToken 删除服务器 API 令牌
func (ds *DatabaseService) RevokeServerToken(ctx context.Context, serverID int64) error {
	query := `UPDATE mcp_servers SET api_token = NULL, updated_at = NOW() WHERE id = $1`

	res, err := ds.db.ExecContext(ctx, query, serverID)
	if err != nil {
		return fmt.Errorf("failed to revoke server token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NewNotFoundError(fmt.Sprintf("server %d not found", serverID), nil)
	}
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

const builtinColumns = `id, name, description, input_schema, function_path, api_key, is_active, created_at, updated_at`

func scanBuiltin(row interface{ Scan(...any) error }) (*models.BuiltinTool, error) {
	var (
		tool   models.BuiltinTool
		apiKey sql.NullString
	)
	err := row.Scan(
		&tool.ID,
		&tool.Name,
		&tool.Description,
		&tool.InputSchema,
		&tool.FunctionPath,
		&apiKey,
		&tool.IsActive,
		&tool.CreatedAt,
		&tool.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if apiKey.Valid {
		tool.APIKey = &apiKey.String
	}
	return &tool, nil
}

// GetBuiltinToolByID 根据 ID 获取内置工具
func (ds *DatabaseService) GetBuiltinToolByID(ctx context.Context, id int64) (*models.BuiltinTool, error) {
	query := `SELECT ` + builtinColumns + ` FROM builtin_tools WHERE id = $1`

	tool, err := scanBuiltin(ds.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NewNotFoundError(fmt.Sprintf("builtin tool %d not found", id), nil)
		}
		return nil, fmt.Errorf("failed to get builtin tool: %w", err)
	}
	return tool, nil
}

// ListBuiltinTools 获取内置工具目录
func (ds *DatabaseService) ListBuiltinTools(ctx context.Context) ([]models.BuiltinTool, error) {
	query := `SELECT ` + builtinColumns + ` FROM builtin_tools ORDER BY name`

	rows, err := ds.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query builtin tools: %w", err)
	}
	defer rows.Close()

	var tools []models.BuiltinTool
	for rows.Next() {
		tool, err := scanBuiltin(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan builtin tool: %w", err)
		}
		tools = append(tools, *tool)
	}
	return tools, rows.Err()
}

// UpsertBuiltinTool 按名称插入或更新内置工具，保留 api_key 与 is_active
func (ds *DatabaseService) UpsertBuiltinTool(ctx context.Context, tool *models.BuiltinTool) error {
	query := `
		INSERT INTO builtin_tools (name, description, input_schema, function_path)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET description = EXCLUDED.description,
		    input_schema = EXCLUDED.input_schema,
		    function_path = EXCLUDED.function_path,
		    updated_at = NOW()
	`

	if _, err := ds.db.ExecContext(ctx, query, tool.Name, tool.Description, tool.InputSchema, tool.FunctionPath); err != nil {
		return fmt.Errorf("failed to upsert builtin tool %s: %w", tool.Name, err)
	}
	return nil
}

// GetBuiltinToolsVersion 获取已登记的内置工具目录版本，未登记时为 0
func (ds *DatabaseService) GetBuiltinToolsVersion(ctx context.Context) (int, error) {
	var value string
	err := ds.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = $1`, builtinToolsVersionKey).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get builtin tools version: %w", err)
	}

	version, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid builtin tools version %q: %w", value, err)
	}
	return version, nil
}

// SetBuiltinToolsVersion 记录内置工具目录版本
func (ds *DatabaseService) SetBuiltinToolsVersion(ctx context.Context, version int) error {
	query := `
		INSERT INTO app_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
	if _, err := ds.db.ExecContext(ctx, query, builtinToolsVersionKey, strconv.Itoa(version)); err != nil {
		return fmt.Errorf("failed to set builtin tools version: %w", err)
	}
	return nil
}
