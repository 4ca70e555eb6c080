package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig              `mapstructure:"http_server"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Reconcile ReconcileConfig           `mapstructure:"reconcile"`
	Sweep     SweepConfig               `mapstructure:"sweep"`
	Gateways  map[string]GatewayConfig  `mapstructure:"gateways"`
	Selection SelectionConfig           `mapstructure:"selection"`
	Logging   LoggingConfig             `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Source          string        `mapstructure:"source"`
}

// ReconcileConfig controls the per-payment verification job and its worker pool.
type ReconcileConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	Quiescence     time.Duration `mapstructure:"quiescence"`
	Expiry         time.Duration `mapstructure:"expiry"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	MaxWorkers     int           `mapstructure:"max_workers"`
	JobQueueSize   int           `mapstructure:"job_queue_size"`
	GatewayTimeout time.Duration `mapstructure:"gateway_timeout"`
	ProvisionDelay time.Duration `mapstructure:"provision_delay"`
}

type SweepConfig struct {
	Limit   int                 `mapstructure:"limit"`
	Buckets []SweepBucketConfig `mapstructure:"buckets"`
}

type SweepBucketConfig struct {
	Name     string        `mapstructure:"name"`
	MinAge   time.Duration `mapstructure:"min_age"`
	MaxAge   time.Duration `mapstructure:"max_age"`
	Interval time.Duration `mapstructure:"interval"`
}

type GatewayConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Sandbox   bool   `mapstructure:"sandbox"`
}

// SelectionConfig is the global selection policy; per-gateway overrides live
// in the selection_policies table.
type SelectionConfig struct {
	Strategy            string `mapstructure:"strategy"`
	EnableFallback      bool   `mapstructure:"enable_fallback"`
	MaxFallbackAttempts int    `mapstructure:"max_fallback_attempts"`
	ExcludeFailed       bool   `mapstructure:"exclude_failed"`
	CooldownMinutes     int    `mapstructure:"cooldown_minutes"`
	LoadBalance         bool   `mapstructure:"load_balance"`
	MaxLoadPercent      int    `mapstructure:"max_load_percent"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ----------------- DEFAULTS -----------------

func DefaultSweepBuckets() []SweepBucketConfig {
	return []SweepBucketConfig{
		{Name: "fresh", MinAge: 2 * time.Minute, MaxAge: time.Hour, Interval: 3 * time.Minute},
		{Name: "stale", MinAge: time.Hour, MaxAge: 8 * time.Hour, Interval: 10 * time.Minute},
		{Name: "old", MinAge: 8 * time.Hour, MaxAge: 24 * time.Hour, Interval: time.Hour},
	}
}

// ApplyDefaults fills unset reconcile/sweep values so a minimal config file
// still produces a working daemon.
func (c *Config) ApplyDefaults() {
	if c.Reconcile.MaxRetries <= 0 {
		c.Reconcile.MaxRetries = 3
	}
	if c.Reconcile.Quiescence <= 0 {
		c.Reconcile.Quiescence = 2 * time.Minute
	}
	if c.Reconcile.Expiry <= 0 {
		c.Reconcile.Expiry = 24 * time.Hour
	}
	if c.Reconcile.BackoffBase <= 0 {
		c.Reconcile.BackoffBase = time.Minute
	}
	if c.Reconcile.BackoffCap <= 0 {
		c.Reconcile.BackoffCap = time.Hour
	}
	if c.Reconcile.MaxWorkers <= 0 {
		c.Reconcile.MaxWorkers = 10
	}
	if c.Reconcile.JobQueueSize <= 0 {
		c.Reconcile.JobQueueSize = 100
	}
	if c.Reconcile.GatewayTimeout <= 0 {
		c.Reconcile.GatewayTimeout = 30 * time.Second
	}
	if c.Reconcile.ProvisionDelay <= 0 {
		c.Reconcile.ProvisionDelay = 5 * time.Second
	}
	if c.Sweep.Limit <= 0 {
		c.Sweep.Limit = 200
	}
	if len(c.Sweep.Buckets) == 0 {
		c.Sweep.Buckets = DefaultSweepBuckets()
	}
	if c.Selection.Strategy == "" {
		c.Selection.Strategy = "least_used"
	}
	if c.Selection.MaxFallbackAttempts <= 0 {
		c.Selection.MaxFallbackAttempts = 2
	}
	if c.Selection.CooldownMinutes <= 0 {
		c.Selection.CooldownMinutes = 30
	}
	if c.Selection.MaxLoadPercent <= 0 {
		c.Selection.MaxLoadPercent = 70
	}
}

// ----------------- ENV LOADING -----------------

// LoadConfigFromEnv builds a Config from environment variables for Docker
// deployments where no config file is mounted.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			Source:          getEnv("DATABASE_URL", ""),
		},
		Gateways: map[string]GatewayConfig{
			"stripe": {
				BaseURL:   getEnv("STRIPE_BASE_URL", "https://api.stripe.com"),
				APIKey:    getEnv("STRIPE_API_KEY", ""),
				Sandbox:   getEnv("STRIPE_SANDBOX", "false") == "true",
			},
			"paypal": {
				BaseURL:   getEnv("PAYPAL_BASE_URL", "https://api-m.paypal.com"),
				APIKey:    getEnv("PAYPAL_CLIENT_ID", ""),
				APISecret: getEnv("PAYPAL_CLIENT_SECRET", ""),
				Sandbox:   getEnv("PAYPAL_SANDBOX", "false") == "true",
			},
		},
		Selection: SelectionConfig{
			Strategy:            getEnv("SELECTION_STRATEGY", "least_used"),
			EnableFallback:      getEnv("SELECTION_ENABLE_FALLBACK", "true") == "true",
			MaxFallbackAttempts: getEnvAsInt("SELECTION_MAX_FALLBACK_ATTEMPTS", 2),
			ExcludeFailed:       getEnv("SELECTION_EXCLUDE_FAILED", "true") == "true",
			CooldownMinutes:     getEnvAsInt("SELECTION_COOLDOWN_MINUTES", 30),
			LoadBalance:         getEnv("SELECTION_LOAD_BALANCE", "false") == "true",
			MaxLoadPercent:      getEnvAsInt("SELECTION_MAX_LOAD_PERCENT", 70),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Reconcile.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("reconcile config: %v", err))
	}

	if err := c.Sweep.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("sweep config: %v", err))
	}

	for name, gw := range c.Gateways {
		if gw.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("gateway %s: base_url is required", name))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	return nil
}

func (c *ReconcileConfig) Validate() error {
	var errs []string
	if c.MaxRetries < 0 {
		errs = append(errs, "max_retries must not be negative")
	}
	if c.BackoffCap < c.BackoffBase {
		errs = append(errs, "backoff_cap must be >= backoff_base")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (c *SweepConfig) Validate() error {
	for _, b := range c.Buckets {
		if b.MaxAge <= b.MinAge {
			return fmt.Errorf("bucket %s: max_age must be greater than min_age", b.Name)
		}
	}
	return nil
}
