// Package config loads the process configuration from the environment. Both
// binaries share one Config; Load validates the values each of them cannot
// run without and leaves optional integrations empty when unset.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/reconflow/reconflow/rferr"
)

type (
	// Config is the full process configuration.
	Config struct {
		// HTTPAddr is the API listen address.
		HTTPAddr string

		// InternalServiceToken guards the internal MCP endpoints. Required.
		InternalServiceToken string

		// DatabaseURL is the MongoDB connection string. Required.
		DatabaseURL  string
		DatabaseName string

		Temporal Temporal

		// ToolRegistryRedisURL is the address of the Redis instance backing
		// the per-run tool registry and MCP sessions. Required.
		ToolRegistryRedisURL string
		RedisPassword        string

		// SecretStoreMasterKey seals tool credentials at rest. Required.
		SecretStoreMasterKey string

		Minio Minio
		Auth  Auth
	}

	// Temporal locates the durable execution engine.
	Temporal struct {
		Address   string
		Namespace string
		TaskQueue string
	}

	// Minio configures the object store for files and artifacts.
	Minio struct {
		Endpoint  string
		AccessKey string
		SecretKey string
		Bucket    string
		UseSSL    bool
	}

	// Auth selects the identity provider and its material.
	Auth struct {
		// Provider names the identity provider. "admin" is the built-in
		// static-credential provider.
		Provider      string
		AdminUsername string
		AdminPassword string
		// SessionTTL bounds MCP session tokens.
		SessionTTL time.Duration
	}
)

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:             envOr("HTTP_ADDR", ":8080"),
		InternalServiceToken: os.Getenv("INTERNAL_SERVICE_TOKEN"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		DatabaseName:         envOr("DATABASE_NAME", "reconflow"),
		Temporal: Temporal{
			Address:   envOr("TEMPORAL_ADDRESS", "localhost:7233"),
			Namespace: envOr("TEMPORAL_NAMESPACE", "default"),
			TaskQueue: envOr("TEMPORAL_TASK_QUEUE", "reconflow"),
		},
		ToolRegistryRedisURL: envOr("TOOL_REGISTRY_REDIS_URL", "localhost:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		SecretStoreMasterKey: os.Getenv("SECRET_STORE_MASTER_KEY"),
		Minio: Minio{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    envOr("MINIO_BUCKET", "reconflow"),
			UseSSL:    envBoolOr("MINIO_USE_SSL", false),
		},
		Auth: Auth{
			Provider:      envOr("AUTH_PROVIDER", "admin"),
			AdminUsername: os.Getenv("ADMIN_USERNAME"),
			AdminPassword: os.Getenv("ADMIN_PASSWORD"),
			SessionTTL:    envDurationOr("MCP_SESSION_TTL", time.Hour),
		},
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	for _, req := range []struct{ key, val string }{
		{"INTERNAL_SERVICE_TOKEN", c.InternalServiceToken},
		{"DATABASE_URL", c.DatabaseURL},
		{"SECRET_STORE_MASTER_KEY", c.SecretStoreMasterKey},
	} {
		if req.val == "" {
			return rferr.Newf(rferr.KindConfiguration, "%s is required", req.key).
				WithField("configKey", req.key)
		}
	}
	switch c.Auth.Provider {
	case "admin":
		if c.Auth.AdminUsername == "" || c.Auth.AdminPassword == "" {
			return rferr.New(rferr.KindConfiguration, "admin auth requires ADMIN_USERNAME and ADMIN_PASSWORD").
				WithField("configKey", "AUTH_PROVIDER")
		}
	default:
		return rferr.Newf(rferr.KindConfiguration, "unknown auth provider %q", c.Auth.Provider).
			WithField("configKey", "AUTH_PROVIDER")
	}
	return nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
