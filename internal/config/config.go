package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/example/lakebase/internal/credential"
	"github.com/example/lakebase/internal/lakebase"
)

const DefaultRefreshInterval = credential.DefaultRefreshInterval

type Config struct {
	Port            string
	LogLevel        string
	APIKeyHash      string
	RateLimit       int
	AllowedOrigins  []string
	ApplyMigrations bool
	MigrationsDir   string

	// Lakebase connection settings
	LakebaseHost     string
	LakebasePort     int
	LakebaseUser     string
	LakebaseDB       string
	LakebaseSSLMode  string
	LakebasePassword string

	// Workspace identity used to mint database credentials
	WorkspaceHost    string
	ClientID         string
	ClientSecret     string
	RefreshInterval  time.Duration
	OperationTimeout time.Duration
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 600)
	v.SetDefault("APPLY_MIGRATIONS", false)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("LAKEBASE_DB", "databricks_postgres")
	v.SetDefault("LAKEBASE_PORT", 5432)
	v.SetDefault("LAKEBASE_SSLMODE", "require")
	v.SetDefault("TOKEN_REFRESH_INTERVAL", DefaultRefreshInterval.String())
	v.SetDefault("OPERATION_TIMEOUT", "0")
	return v
}

// seconds reads key as a Go duration ("90s", "15m"). A bare number is taken
// as seconds, never as nanoseconds.
func seconds(v *viper.Viper, key string) (time.Duration, error) {
	s := strings.TrimSpace(v.GetString(key))
	if n, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return d, nil
}

// UsesStaticPassword reports whether the database password is supplied directly
// instead of being exchanged from the workspace identity.
func (c *Config) UsesStaticPassword() bool {
	return c.LakebasePassword != "" && c.ClientID == ""
}

// WorkspaceTokenURL returns the OAuth token endpoint of the configured workspace.
func (c *Config) WorkspaceTokenURL() string {
	host := strings.TrimSuffix(c.WorkspaceHost, "/")
	if !strings.HasPrefix(host, "https://") && !strings.HasPrefix(host, "http://") {
		host = "https://" + host
	}
	return host + "/oidc/v1/token"
}

// Connection returns the static Lakebase endpoint description.
func (c *Config) Connection() lakebase.ConnectionConfig {
	return lakebase.ConnectionConfig{
		Host:     c.LakebaseHost,
		Database: c.LakebaseDB,
		User:     c.LakebaseUser,
		Port:     c.LakebasePort,
		SSLMode:  c.LakebaseSSLMode,
	}
}

// IdentityClient returns the client that mints database credentials.
func (c *Config) IdentityClient() credential.IdentityClient {
	if c.UsesStaticPassword() {
		return credential.StaticClient(c.LakebasePassword)
	}
	return credential.NewWorkspaceClient(c.WorkspaceTokenURL(), c.ClientID, c.ClientSecret)
}

func (c *Config) validate() error {
	if c.LakebaseHost == "" {
		return errors.New("LAKEBASE_HOST must be set")
	}
	if c.LakebaseUser == "" {
		return errors.New("LAKEBASE_USER must be set")
	}
	if c.LakebaseDB == "" {
		return errors.New("LAKEBASE_DB must be set")
	}
	if c.LakebasePort <= 0 || c.LakebasePort > 65535 {
		return fmt.Errorf("invalid LAKEBASE_PORT: %d", c.LakebasePort)
	}
	switch c.LakebaseSSLMode {
	case "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("LAKEBASE_SSLMODE %q is not allowed, encrypted transport is mandatory", c.LakebaseSSLMode)
	}

	if !c.UsesStaticPassword() {
		if c.WorkspaceHost == "" {
			return errors.New("DATABRICKS_HOST must be set (or LAKEBASE_PASSWORD for a static credential)")
		}
		if c.ClientID == "" || c.ClientSecret == "" {
			return errors.New("DATABRICKS_CLIENT_ID and DATABRICKS_CLIENT_SECRET must be set")
		}
	}
	if c.RefreshInterval < time.Second {
		return fmt.Errorf("TOKEN_REFRESH_INTERVAL must be at least 1s, got %s", c.RefreshInterval)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %d", c.RateLimit)
	}
	if c.OperationTimeout < 0 || (c.OperationTimeout > 0 && c.OperationTimeout < time.Second) {
		return fmt.Errorf("OPERATION_TIMEOUT must be 0 or at least 1s, got %s", c.OperationTimeout)
	}
	return nil
}

func New() (*Config, error) {
	v := newViper()

	refresh, err := seconds(v, "TOKEN_REFRESH_INTERVAL")
	if err != nil {
		return nil, fmt.Errorf("lakebase configuration error: %w", err)
	}
	timeout, err := seconds(v, "OPERATION_TIMEOUT")
	if err != nil {
		return nil, fmt.Errorf("lakebase configuration error: %w", err)
	}

	c := &Config{
		Port:            v.GetString("DATABRICKS_APP_PORT"),
		LogLevel:        v.GetString("LOG_LEVEL"),
		APIKeyHash:      v.GetString("API_KEY_HASH"),
		RateLimit:       v.GetInt("RATE_LIMIT_PER_MINUTE"),
		AllowedOrigins:  splitList(v.GetString("ALLOWED_ORIGINS")),
		ApplyMigrations: v.GetBool("APPLY_MIGRATIONS"),
		MigrationsDir:   v.GetString("MIGRATIONS_DIR"),
		// Lakebase settings
		LakebaseHost:     v.GetString("LAKEBASE_HOST"),
		LakebasePort:     v.GetInt("LAKEBASE_PORT"),
		LakebaseUser:     v.GetString("LAKEBASE_USER"),
		LakebaseDB:       v.GetString("LAKEBASE_DB"),
		LakebaseSSLMode:  strings.ToLower(v.GetString("LAKEBASE_SSLMODE")),
		LakebasePassword: v.GetString("LAKEBASE_PASSWORD"),
		// Workspace identity
		WorkspaceHost:    v.GetString("DATABRICKS_HOST"),
		ClientID:         v.GetString("DATABRICKS_CLIENT_ID"),
		ClientSecret:     v.GetString("DATABRICKS_CLIENT_SECRET"),
		RefreshInterval:  refresh,
		OperationTimeout: timeout,
	}
	if c.Port == "" {
		c.Port = v.GetString("PORT")
	}
	if c.Port == "" {
		c.Port = "8080"
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("lakebase configuration error: %w", err)
	}

	// normalize port
	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
