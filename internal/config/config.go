package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 主配置结构
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
	Session  SessionConfig  `yaml:"session"`
	UiPath   UiPathConfig   `yaml:"uipath"`
	Builtin  BuiltinConfig  `yaml:"builtin"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig 用户令牌配置
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// SessionConfig MCP 会话配置
type SessionConfig struct {
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	InboxSize         int           `yaml:"inbox_size"`
}

// UiPathConfig Orchestrator 调用配置
type UiPathConfig struct {
	// ToolCallTimeout 远程作业等待上限，按部署配置
	ToolCallTimeout time.Duration `yaml:"tool_call_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	OAuthTimeout    time.Duration `yaml:"oauth_timeout"`
	OAuthScope      string        `yaml:"oauth_scope"`
	OAuthAudience   string        `yaml:"oauth_audience"`
	TenantName      string        `yaml:"tenant_name"`
}

// BuiltinConfig 内置工具配置
type BuiltinConfig struct {
	AutoRegister   *bool  `yaml:"auto_register"`
	SearchEngineID string `yaml:"search_engine_id"`
	// SearchEndpoint Custom Search API 根地址，为空时使用默认地址
	SearchEndpoint string `yaml:"search_endpoint"`
}

// Enabled 是否在启动时注册内置工具
func (b BuiltinConfig) Enabled() bool {
	return b.AutoRegister == nil || *b.AutoRegister
}

// GetDSN 获取数据库连接字符串
func (db *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetServerAddr 获取服务器监听地址
func (s *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config/config.dev.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	setDefaults(&config)

	return &config, nil
}

// Default 返回只包含默认值的配置
func Default() *Config {
	var config Config
	setDefaults(&config)
	return &config
}

// setDefaults 设置默认值
func setDefaults(config *Config) {
	// 服务器默认值
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8000
	}
	if config.Server.ReadHeaderTimeout == 0 {
		config.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if config.Server.ShutdownTimeout == 0 {
		config.Server.ShutdownTimeout = 15 * time.Second
	}

	// 数据库默认值
	if config.Database.Host == "" {
		config.Database.Host = "localhost"
	}
	if config.Database.Port == 0 {
		config.Database.Port = 5432
	}
	if config.Database.Database == "" {
		config.Database.Database = "uipath_mcp"
	}
	if config.Database.SSLMode == "" {
		config.Database.SSLMode = "disable"
	}
	if config.Database.MaxOpenConns == 0 {
		config.Database.MaxOpenConns = 25
	}
	if config.Database.MaxIdleConns == 0 {
		config.Database.MaxIdleConns = 10
	}
	if config.Database.ConnMaxLifetime == 0 {
		config.Database.ConnMaxLifetime = 5 * time.Minute
	}

	// 日志默认值
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "console"
	}

	if config.Auth.TokenExpiry == 0 {
		config.Auth.TokenExpiry = 24 * time.Hour
	}

	// 会话默认值
	if config.Session.IdleTimeout == 0 {
		config.Session.IdleTimeout = 5 * time.Minute
	}
	if config.Session.CleanupInterval == 0 {
		config.Session.CleanupInterval = 30 * time.Second
	}
	if config.Session.KeepAliveInterval == 0 {
		config.Session.KeepAliveInterval = 15 * time.Second
	}
	if config.Session.InboxSize == 0 {
		config.Session.InboxSize = 32
	}

	// UiPath 默认值
	if config.UiPath.ToolCallTimeout == 0 {
		config.UiPath.ToolCallTimeout = 600 * time.Second
	}
	if config.UiPath.PollInterval == 0 {
		config.UiPath.PollInterval = 2 * time.Second
	}
	if config.UiPath.HTTPTimeout == 0 {
		config.UiPath.HTTPTimeout = 30 * time.Second
	}
	if config.UiPath.OAuthTimeout == 0 {
		config.UiPath.OAuthTimeout = 20 * time.Second
	}
	if config.UiPath.OAuthScope == "" {
		config.UiPath.OAuthScope = "OR.Jobs OR.Folders OR.Execution"
	}
	if config.UiPath.OAuthAudience == "" {
		config.UiPath.OAuthAudience = "https://orchestrator.uipath.com"
	}
}

// LoadConfigFromEnv 从环境变量加载配置（优先级高于配置文件）
func LoadConfigFromEnv(config *Config) {
	// 数据库配置
	if host := os.Getenv("DB_HOST"); host != "" {
		config.Database.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &config.Database.Port)
	}
	if username := os.Getenv("DB_USERNAME"); username != "" {
		config.Database.Username = username
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		config.Database.Password = password
	}
	if database := os.Getenv("DB_DATABASE"); database != "" {
		config.Database.Database = database
	}
	if sslMode := os.Getenv("DB_SSLMODE"); sslMode != "" {
		config.Database.SSLMode = sslMode
	}

	// 服务器配置
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &config.Server.Port)
	}

	// 日志配置
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	if secret := os.Getenv("SECRET_KEY"); secret != "" {
		config.Auth.JWTSecret = secret
	}

	// TOOL_CALL_TIMEOUT 以秒为单位
	if timeout := os.Getenv("TOOL_CALL_TIMEOUT"); timeout != "" {
		if seconds, err := strconv.Atoi(timeout); err == nil {
			config.UiPath.ToolCallTimeout = time.Duration(seconds) * time.Second
		}
	}
	if idle := os.Getenv("SESSION_IDLE_TIMEOUT"); idle != "" {
		if d, err := time.ParseDuration(idle); err == nil {
			config.Session.IdleTimeout = d
		}
	}
	if tenant := os.Getenv("UIPATH_TENANT_NAME"); tenant != "" {
		config.UiPath.TenantName = tenant
	}
	if scope := os.Getenv("UIPATH_OAUTH_SCOPE"); scope != "" {
		config.UiPath.OAuthScope = scope
	}
	if audience := os.Getenv("UIPATH_OAUTH_AUDIENCE"); audience != "" {
		config.UiPath.OAuthAudience = audience
	}
	if cx := os.Getenv("GOOGLE_SEARCH_CX"); cx != "" {
		config.Builtin.SearchEngineID = cx
	}
}

// Validate 检查配置是否可用
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (or SECRET_KEY) must be set")
	}
	if c.UiPath.ToolCallTimeout <= 0 {
		return fmt.Errorf("uipath.tool_call_timeout must be positive, got %s", c.UiPath.ToolCallTimeout)
	}
	if c.UiPath.PollInterval <= 0 {
		return fmt.Errorf("uipath.poll_interval must be positive, got %s", c.UiPath.PollInterval)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}
