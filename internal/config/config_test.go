package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9100
auth:
  jwt_secret: s3cret
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 600*time.Second, cfg.UiPath.ToolCallTimeout)
	assert.Equal(t, 2*time.Second, cfg.UiPath.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, "OR.Jobs OR.Folders OR.Execution", cfg.UiPath.OAuthScope)
	assert.Equal(t, "https://orchestrator.uipath.com", cfg.UiPath.OAuthAudience)
	assert.True(t, cfg.Builtin.Enabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigFromEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  host: db.local
uipath:
  tool_call_timeout: 30s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	t.Setenv("DB_HOST", "db.prod")
	t.Setenv("SERVER_PORT", "9443")
	t.Setenv("TOOL_CALL_TIMEOUT", "120")
	t.Setenv("SESSION_IDLE_TIMEOUT", "90s")
	t.Setenv("SECRET_KEY", "from-env")
	t.Setenv("UIPATH_TENANT_NAME", "DefaultTenant")
	LoadConfigFromEnv(cfg)

	assert.Equal(t, "db.prod", cfg.Database.Host)
	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, 120*time.Second, cfg.UiPath.ToolCallTimeout)
	assert.Equal(t, 90*time.Second, cfg.Session.IdleTimeout)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "DefaultTenant", cfg.UiPath.TenantName)
}

func TestBuiltinAutoRegisterCanBeDisabled(t *testing.T) {
	path := writeConfig(t, `
builtin:
  auto_register: false
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.Builtin.Enabled())
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate(), "missing secret")

	cfg.Auth.JWTSecret = "x"
	require.NoError(t, cfg.Validate())

	cfg.UiPath.ToolCallTimeout = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestGetDSN(t *testing.T) {
	db := DatabaseConfig{Host: "h", Port: 5433, Username: "u", Password: "p", Database: "d", SSLMode: "require"}
	assert.Equal(t, "host=h port=5433 user=u password=p dbname=d sslmode=require", db.GetDSN())
}
