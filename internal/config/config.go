package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	Port     int    `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Version  string `envconfig:"VERSION" default:"dev"`

	// DatabaseURL is the admin connection string; per-project pools
	// derive theirs from project metadata.
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	// DatabaseHostPort is embedded in generated project connection
	// strings.
	DatabaseHostPort string `envconfig:"DATABASE_HOST_PORT" default:"127.0.0.1:5432"`
	TemplateDatabase string `envconfig:"TEMPLATE_DATABASE" default:"tenant_template"`

	// AdminKeyHash is a bcrypt hash of the key mutating routes require.
	AdminKeyHash string `envconfig:"ADMIN_KEY_HASH" required:"true"`

	CreateMaxRetries int           `envconfig:"CREATE_MAX_RETRIES" default:"3"`
	CreateBaseDelay  time.Duration `envconfig:"CREATE_BASE_DELAY" default:"500ms"`

	PoolSweepInterval time.Duration `envconfig:"POOL_SWEEP_INTERVAL" default:"60s"`
	PoolIdleClose     time.Duration `envconfig:"POOL_IDLE_CLOSE" default:"5m"`

	ConfigCacheTTL           time.Duration `envconfig:"CONFIG_CACHE_TTL" default:"5m"`
	ConfigCacheSweepInterval time.Duration `envconfig:"CONFIG_CACHE_SWEEP_INTERVAL" default:"60s"`

	RateLimitMaxRequests int           `envconfig:"RATE_LIMIT_MAX_REQUESTS" default:"100"`
	RateLimitWindow      time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"60s"`

	BackupDir             string        `envconfig:"BACKUP_DIR" default:"/var/lib/dbhive/backups"`
	BackupRetention       time.Duration `envconfig:"BACKUP_RETENTION" default:"720h"`
	BackupCleanupInterval time.Duration `envconfig:"BACKUP_CLEANUP_INTERVAL" default:"1h"`
	// MigrationTables lists the cross-cutting tables to migrate as
	// schema.table pairs; empty selects the built-in defaults.
	MigrationTables []string `envconfig:"MIGRATION_TABLES"`
}

// Load reads configuration from environment variables into a Config struct.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
