package oauth

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultIdPScopes is the broker-controlled scope set requested from Entra ID,
// independent of what the client asked for.
var DefaultIdPScopes = []string{"openid", "profile", "email", "offline_access", "User.Read"}

// DefaultIssuedScopes is the scope set stamped on broker-issued tokens.
var DefaultIssuedScopes = []string{"claudeai"}

// Config holds broker and OAuth endpoint settings.
type Config struct {
	BaseURL        string   `yaml:"base_url"`
	Port           string   `yaml:"port"`
	TenantID       string   `yaml:"tenant_id"`
	ClientID       string   `yaml:"client_id"`
	ClientSecret   string   `yaml:"client_secret"`
	Authority      string   `yaml:"authority"`
	Issuer         string   `yaml:"issuer"`
	IdPScopes      []string `yaml:"idp_scopes"`
	IssuedScopes   []string `yaml:"issued_scopes"`
	DCRMode        string   `yaml:"dcr_mode"`
	DCRAccessToken string   `yaml:"dcr_access_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// CallbackURL is the redirect target registered with the IdP.
func (c Config) CallbackURL() string {
	return c.BaseURL + "/callback"
}

// LoadConfig builds the config from an optional YAML file (OAUTH_CONFIG_FILE)
// overlaid by environment variables.
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:         "3000",
		IdPScopes:    DefaultIdPScopes,
		IssuedScopes: DefaultIssuedScopes,
		DCRMode:      "open",
	}

	if path := strings.TrimSpace(os.Getenv("OAUTH_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read OAUTH_CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse OAUTH_CONFIG_FILE: %w", err)
		}
	}

	overrideString(&cfg.Port, "PORT")
	overrideString(&cfg.BaseURL, "MCP_SERVER_BASE_URL")
	overrideString(&cfg.TenantID, "ENTRA_TENANT_ID")
	overrideString(&cfg.ClientID, "ENTRA_CLIENT_ID")
	overrideString(&cfg.ClientSecret, "ENTRA_CLIENT_SECRET")
	overrideString(&cfg.Authority, "ENTRA_AUTHORITY")
	overrideString(&cfg.Issuer, "ENTRA_ISSUER")
	overrideList(&cfg.IdPScopes, "ENTRA_SCOPES")
	overrideList(&cfg.IssuedScopes, "OAUTH_ISSUED_SCOPES")
	overrideString(&cfg.DCRMode, "OAUTH_DCR_MODE")
	overrideString(&cfg.DCRAccessToken, "OAUTH_DCR_ACCESS_TOKEN")
	overrideList(&cfg.AllowedOrigins, "ALLOWED_ORIGINS")

	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return Config{}, fmt.Errorf("ENTRA_TENANT_ID, ENTRA_CLIENT_ID and ENTRA_CLIENT_SECRET are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Authority == "" {
		cfg.Authority = "https://login.microsoftonline.com/" + cfg.TenantID
	}
	cfg.Authority = strings.TrimRight(cfg.Authority, "/")

	cfg.DCRMode = strings.ToLower(cfg.DCRMode)
	switch cfg.DCRMode {
	case "open", "protected", "disabled":
	default:
		return Config{}, fmt.Errorf("unsupported OAUTH_DCR_MODE %q", cfg.DCRMode)
	}
	if cfg.DCRMode == "protected" && cfg.DCRAccessToken == "" {
		return Config{}, fmt.Errorf("OAUTH_DCR_ACCESS_TOKEN is required when OAUTH_DCR_MODE=protected")
	}

	return cfg, nil
}

func overrideString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

func overrideList(dst *[]string, key string) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return
	}
	*dst = strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == ' ' })
}
