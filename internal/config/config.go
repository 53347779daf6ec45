package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const referenceDateLayout = "2006-01-02"

type Config struct {
	Env string `mapstructure:"ENV"`

	AlertThresholdDays  int           `mapstructure:"ALERT_THRESHOLD_DAYS"`
	LedgerMaxAttempts   int           `mapstructure:"LEDGER_MAX_ATTEMPTS"`
	LedgerBaseBackoff   time.Duration `mapstructure:"LEDGER_BASE_BACKOFF"`
	LedgerMaxBackoff    time.Duration `mapstructure:"LEDGER_MAX_BACKOFF"`
	CollaboratorTimeout time.Duration `mapstructure:"COLLABORATOR_TIMEOUT"`
	HoldLockTTL         time.Duration `mapstructure:"HOLD_LOCK_TTL"`
	PredictionWorkers   int           `mapstructure:"PREDICTION_WORKERS"`
	DispatchWorkers     int           `mapstructure:"DISPATCH_WORKERS"`
	DispatchQueueSize   int           `mapstructure:"DISPATCH_QUEUE_SIZE"`
	OutreachInterval    time.Duration `mapstructure:"OUTREACH_INTERVAL"`
	ReferenceDate       string        `mapstructure:"REFERENCE_DATE"`

	CatalogBackend string `mapstructure:"CATALOG_BACKEND"`
	LedgerBackend  string `mapstructure:"LEDGER_BACKEND"`
	WorkflowStore  string `mapstructure:"WORKFLOW_STORE"`

	MySQLDSN    string `mapstructure:"MYSQL_DSN"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	S3Bucket    string `mapstructure:"S3_BUCKET"`
	S3Region    string `mapstructure:"S3_REGION"`
	S3Endpoint  string `mapstructure:"S3_ENDPOINT"`
	S3PathStyle bool   `mapstructure:"S3_PATH_STYLE"`
	SeedFile    string `mapstructure:"SEED_FILE"`
	MetricsAddr string `mapstructure:"METRICS_ADDR"`
}

var keys = []string{
	"ENV", "ALERT_THRESHOLD_DAYS", "LEDGER_MAX_ATTEMPTS", "LEDGER_BASE_BACKOFF",
	"LEDGER_MAX_BACKOFF", "COLLABORATOR_TIMEOUT", "HOLD_LOCK_TTL", "PREDICTION_WORKERS",
	"DISPATCH_WORKERS", "DISPATCH_QUEUE_SIZE", "OUTREACH_INTERVAL", "REFERENCE_DATE",
	"CATALOG_BACKEND", "LEDGER_BACKEND", "WORKFLOW_STORE",
	"MYSQL_DSN", "REDIS_ADDR", "DATABASE_URL", "SQLITE_PATH",
	"S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_PATH_STYLE", "SEED_FILE",
	"METRICS_ADDR",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("ALERT_THRESHOLD_DAYS", 5)
	v.SetDefault("LEDGER_MAX_ATTEMPTS", 5)
	v.SetDefault("LEDGER_BASE_BACKOFF", "5ms")
	v.SetDefault("LEDGER_MAX_BACKOFF", "200ms")
	v.SetDefault("COLLABORATOR_TIMEOUT", "3s")
	v.SetDefault("HOLD_LOCK_TTL", "30s")
	v.SetDefault("PREDICTION_WORKERS", 8)
	v.SetDefault("DISPATCH_WORKERS", 10)
	v.SetDefault("DISPATCH_QUEUE_SIZE", 1000)
	v.SetDefault("OUTREACH_INTERVAL", "1h")
	v.SetDefault("CATALOG_BACKEND", "memory")
	v.SetDefault("LEDGER_BACKEND", "memory")
	v.SetDefault("WORKFLOW_STORE", "memory")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("SQLITE_PATH", "data/workflows.db")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("METRICS_ADDR", ":9090")

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.AlertThresholdDays < 0:
		return fmt.Errorf("ALERT_THRESHOLD_DAYS must not be negative")
	case c.LedgerMaxAttempts <= 0:
		return fmt.Errorf("LEDGER_MAX_ATTEMPTS must be positive")
	case c.PredictionWorkers <= 0 || c.DispatchWorkers <= 0:
		return fmt.Errorf("worker counts must be positive")
	case c.DispatchQueueSize < 0:
		return fmt.Errorf("DISPATCH_QUEUE_SIZE must not be negative")
	}
	if _, err := c.ParsedReferenceDate(); err != nil {
		return err
	}

	if err := oneOf("CATALOG_BACKEND", c.CatalogBackend, "memory", "mysql"); err != nil {
		return err
	}
	if err := oneOf("LEDGER_BACKEND", c.LedgerBackend, "memory", "mysql", "redis"); err != nil {
		return err
	}
	if err := oneOf("WORKFLOW_STORE", c.WorkflowStore, "memory", "redis", "postgres", "sqlite", "s3"); err != nil {
		return err
	}

	if (c.CatalogBackend == "mysql" || c.LedgerBackend == "mysql") && c.MySQLDSN == "" {
		return fmt.Errorf("MYSQL_DSN is required for the mysql backend")
	}
	if c.LedgerBackend == "mysql" && c.CatalogBackend != "mysql" {
		return fmt.Errorf("LEDGER_BACKEND=mysql requires CATALOG_BACKEND=mysql")
	}
	if c.WorkflowStore == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for the postgres workflow store")
	}
	if c.WorkflowStore == "s3" && c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required for the s3 workflow store")
	}
	return nil
}

// ParsedReferenceDate returns the pinned "today", or the zero time when unset.
func (c *Config) ParsedReferenceDate() (time.Time, error) {
	if c.ReferenceDate == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(referenceDateLayout, c.ReferenceDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("REFERENCE_DATE: %w", err)
	}
	return t, nil
}

// Clock returns the reference-date source for predictions.
func (c *Config) Clock() func() time.Time {
	if t, err := c.ParsedReferenceDate(); err == nil && !t.IsZero() {
		return func() time.Time { return t }
	}
	return time.Now
}

// MetricsEnabled reports whether /metrics should be served. METRICS_ADDR=off
// turns it off.
func (c *Config) MetricsEnabled() bool {
	return c.MetricsAddr != "" && c.MetricsAddr != "off"
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported value %q", key, value)
}
