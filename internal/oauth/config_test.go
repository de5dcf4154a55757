package oauth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OAUTH_CONFIG_FILE", "PORT", "MCP_SERVER_BASE_URL", "ENTRA_AUTHORITY", "ENTRA_ISSUER", "ENTRA_SCOPES",
		"OAUTH_ISSUED_SCOPES", "OAUTH_DCR_MODE", "OAUTH_DCR_ACCESS_TOKEN", "ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("ENTRA_TENANT_ID", "tenant-1")
	t.Setenv("ENTRA_CLIENT_ID", "app-1")
	t.Setenv("ENTRA_CLIENT_SECRET", "s3cret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, "http://localhost:3000", cfg.BaseURL)
	assert.Equal(t, "http://localhost:3000/callback", cfg.CallbackURL())
	assert.Equal(t, "https://login.microsoftonline.com/tenant-1", cfg.Authority)
	assert.Equal(t, DefaultIdPScopes, cfg.IdPScopes)
	assert.Equal(t, []string{"claudeai"}, cfg.IssuedScopes)
	assert.Equal(t, "open", cfg.DCRMode)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MCP_SERVER_BASE_URL", "https://mcp.example.com/")
	t.Setenv("OAUTH_ISSUED_SCOPES", "mcp.read, mcp.write")
	t.Setenv("ALLOWED_ORIGINS", "https://claude.ai,*.claude.ai")
	t.Setenv("OAUTH_DCR_MODE", "Protected")
	t.Setenv("OAUTH_DCR_ACCESS_TOKEN", "iat")
	t.Setenv("ENTRA_ISSUER", "https://login.microsoftonline.com/72f988bf-86f1-41af-91ab-2d7cd011db47/v2.0")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://mcp.example.com", cfg.BaseURL)
	assert.Equal(t, "https://login.microsoftonline.com/72f988bf-86f1-41af-91ab-2d7cd011db47/v2.0", cfg.Issuer)
	assert.Equal(t, []string{"mcp.read", "mcp.write"}, cfg.IssuedScopes)
	assert.Equal(t, []string{"https://claude.ai", "*.claude.ai"}, cfg.AllowedOrigins)
	assert.Equal(t, "protected", cfg.DCRMode)
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "8080"
issued_scopes: [tools]
dcr_mode: disabled
`), 0600))
	t.Setenv("OAUTH_CONFIG_FILE", path)
	t.Setenv("PORT", "9090")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"tools"}, cfg.IssuedScopes)
	assert.Equal(t, "disabled", cfg.DCRMode)
}

func TestLoadConfig_Errors(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENTRA_CLIENT_SECRET", "")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "ENTRA_CLIENT_SECRET")

	setRequiredEnv(t)
	t.Setenv("OAUTH_DCR_MODE", "sometimes")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "OAUTH_DCR_MODE")

	setRequiredEnv(t)
	t.Setenv("OAUTH_DCR_MODE", "protected")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "OAUTH_DCR_ACCESS_TOKEN")

	setRequiredEnv(t)
	t.Setenv("OAUTH_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "OAUTH_CONFIG_FILE")
}
