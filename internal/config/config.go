package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	MachineName    string        `mapstructure:"MACHINE_NAME"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`

	// Lock coordinator. REQUEST_TIMEOUT covers the lock wait plus the writes;
	// the writes alone are further capped at LOCK_TTL after acquisition so a
	// lock never expires under an upload that is still storing documents.
	LockPollInterval time.Duration `mapstructure:"LOCK_POLL_INTERVAL"`
	LockMaxWaits     int           `mapstructure:"LOCK_MAX_WAITS"`
	LockTTL          time.Duration `mapstructure:"LOCK_TTL"`

	// Storage routing
	BlobStorageEnabled   bool   `mapstructure:"BLOB_STORAGE_ENABLED"`
	BlobProvider         string `mapstructure:"BLOB_PROVIDER"`
	BlobAccount          string `mapstructure:"BLOB_ACCOUNT"`
	BlobContainer        string `mapstructure:"BLOB_CONTAINER"`
	AzureStorageKey      string `mapstructure:"AZURE_STORAGE_KEY"`
	AzureStorageEndpoint string `mapstructure:"AZURE_STORAGE_ENDPOINT"`
	S3Region             string `mapstructure:"S3_REGION"`
	S3Endpoint           string `mapstructure:"S3_ENDPOINT"`
	S3AccessKey          string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey          string `mapstructure:"S3_SECRET_KEY"`
	S3UseSSL             bool   `mapstructure:"S3_USE_SSL"`
	ArchiveCategory      string `mapstructure:"ARCHIVE_CATEGORY"`
	MaxFileSize          int64  `mapstructure:"MAX_FILE_SIZE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "MACHINE_NAME",
	"REQUEST_TIMEOUT", "METRICS_ENABLED",
	"LOCK_POLL_INTERVAL", "LOCK_MAX_WAITS", "LOCK_TTL",
	"BLOB_STORAGE_ENABLED", "BLOB_PROVIDER", "BLOB_ACCOUNT", "BLOB_CONTAINER",
	"AZURE_STORAGE_KEY", "AZURE_STORAGE_ENDPOINT",
	"S3_REGION", "S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY", "S3_USE_SSL",
	"ARCHIVE_CATEGORY", "MAX_FILE_SIZE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "6m")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("LOCK_POLL_INTERVAL", "200ms")
	v.SetDefault("LOCK_MAX_WAITS", 1500)
	v.SetDefault("LOCK_TTL", "5m")
	v.SetDefault("BLOB_STORAGE_ENABLED", false)
	v.SetDefault("BLOB_PROVIDER", "azure")
	v.SetDefault("S3_USE_SSL", true)
	v.SetDefault("ARCHIVE_CATEGORY", "document")
	v.SetDefault("MAX_FILE_SIZE", 20*1024*1024)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.MachineName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		cfg.MachineName = host
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: requests without a bearer token act as dev-user.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks cross-field rules that Load cannot express as defaults.
func (c *Config) Validate() error {
	if c.IsProduction() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
	}

	if c.LockPollInterval <= 0 {
		return fmt.Errorf("LOCK_POLL_INTERVAL must be positive, got %s", c.LockPollInterval)
	}
	if c.LockMaxWaits <= 0 {
		return fmt.Errorf("LOCK_MAX_WAITS must be positive, got %d", c.LockMaxWaits)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive, got %s", c.LockTTL)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.MaxFileSize)
	}

	if !c.BlobStorageEnabled {
		if c.ArchiveCategory == "" {
			return fmt.Errorf("ARCHIVE_CATEGORY is required when BLOB_STORAGE_ENABLED is false")
		}
		return nil
	}

	if c.BlobContainer == "" {
		return fmt.Errorf("BLOB_CONTAINER is required when BLOB_STORAGE_ENABLED is true")
	}
	switch c.BlobProvider {
	case "azure":
		if c.BlobAccount == "" {
			return fmt.Errorf("BLOB_ACCOUNT is required for the azure provider")
		}
		if c.AzureStorageKey == "" {
			return fmt.Errorf("AZURE_STORAGE_KEY is required for the azure provider")
		}
	case "s3":
		if c.S3Region == "" {
			return fmt.Errorf("S3_REGION is required for the s3 provider")
		}
	case "minio":
		if c.S3Endpoint == "" {
			return fmt.Errorf("S3_ENDPOINT is required for the minio provider")
		}
		if c.S3AccessKey == "" || c.S3SecretKey == "" {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required for the minio provider")
		}
	default:
		return fmt.Errorf("BLOB_PROVIDER must be \"azure\", \"s3\", or \"minio\", got %q", c.BlobProvider)
	}

	return nil
}

// BlobAccountID returns the account component recorded in cloud storage
// references. S3 providers have no account, so the endpoint or region stands in.
func (c *Config) BlobAccountID() string {
	if c.BlobAccount != "" {
		return c.BlobAccount
	}
	if c.S3Endpoint != "" {
		return c.S3Endpoint
	}
	return c.S3Region
}
