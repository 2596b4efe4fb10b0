// Package config loads server configuration from an optional YAML file,
// SPINACHCHAIN_* environment variables, the legacy variable names of the
// Flask deployment, and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/spinachchain/spinachchain/pkg/audit"
	"github.com/spinachchain/spinachchain/pkg/authz"
	"github.com/spinachchain/spinachchain/pkg/batch"
	"github.com/spinachchain/spinachchain/pkg/cache"
	"github.com/spinachchain/spinachchain/pkg/ha"
	"github.com/spinachchain/spinachchain/pkg/integrity"
	"github.com/spinachchain/spinachchain/pkg/jobs"
	"github.com/spinachchain/spinachchain/pkg/publisher"
)

// EnvPrefix prefixes every environment variable, e.g. SPINACHCHAIN_SERVER_LISTEN.
const EnvPrefix = "SPINACHCHAIN"

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	HA        HAConfig        `mapstructure:"ha"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Cache     CacheConfig     `mapstructure:"cache"`
}

type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	// Type is postgres, mysql or sqlite.
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

type LogConfig struct {
	// Format is text or json.
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

type AuthConfig struct {
	Mode     string        `mapstructure:"mode"`
	Authz    string        `mapstructure:"authz"`
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	Audience string        `mapstructure:"audience"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type LifecycleConfig struct {
	Mode string `mapstructure:"mode"`
}

type IngestConfig struct {
	ColdChainThreshold float64 `mapstructure:"cold_chain_threshold"`
	CommitAttempts     int     `mapstructure:"commit_attempts"`
}

type PinataConfig struct {
	URL       string        `mapstructure:"url"`
	APIKey    string        `mapstructure:"api_key"`
	SecretKey string        `mapstructure:"secret_key"`
	JWT       string        `mapstructure:"jwt"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
}

type PublisherConfig struct {
	Backend         string        `mapstructure:"backend"`
	Pinata          PinataConfig  `mapstructure:"pinata"`
	S3              S3Config      `mapstructure:"s3"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type JobsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Concurrency   int           `mapstructure:"concurrency"`
	MaxRetries    int           `mapstructure:"max_retries"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ClaimTimeout  time.Duration `mapstructure:"claim_timeout"`
	RetentionDays int           `mapstructure:"retention_days"`
}

type AuditConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	RetentionDays int  `mapstructure:"retention_days"`
	LogDenied     bool `mapstructure:"log_denied"`
}

type AnalyticsConfig struct {
	// ThresholdsFile is an optional YAML file overriding the scoring rules.
	ThresholdsFile string `mapstructure:"thresholds_file"`
}

type HAConfig struct {
	LeaderElection bool          `mapstructure:"leader_election"`
	LeaseName      string        `mapstructure:"lease_name"`
	LeaseDuration  time.Duration `mapstructure:"lease_duration"`
	RetryPeriod    time.Duration `mapstructure:"retry_period"`
	MigrationLock  bool          `mapstructure:"migration_lock"`
	Identity       string        `mapstructure:"identity"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// CacheConfig controls the in-memory proof and anchor response cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
}

// legacyEnv maps keys to the variable names the Flask deployment used.
var legacyEnv = map[string]string{
	"database.dsn":                "DATABASE_URL",
	"publisher.pinata.api_key":    "PINATA_API_KEY",
	"publisher.pinata.secret_key": "PINATA_SECRET_KEY",
	"auth.secret":                 "SECRET_KEY",
}

// flagKeys maps command-line flag names to keys.
var flagKeys = map[string]string{
	"listen":     "server.listen",
	"db-type":    "database.type",
	"db-dsn":     "database.dsn",
	"log-format": "log.format",
	"log-level":  "log.level",
	"auth-mode":  "auth.mode",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "file:spinachchain.db?_pragma=foreign_keys(1)")

	v.SetDefault("log.format", "text")
	v.SetDefault("log.level", "info")

	v.SetDefault("auth.mode", string(authz.AuthModeJWT))
	v.SetDefault("auth.authz", string(authz.AuthzModeRole))
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "spinachchain")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("lifecycle.mode", string(batch.ModeStrict))

	ic := integrity.DefaultConfig()
	v.SetDefault("ingest.cold_chain_threshold", ic.ColdChainThreshold)
	v.SetDefault("ingest.commit_attempts", ic.CommitAttempts)

	rc := publisher.DefaultRetryConfig()
	v.SetDefault("publisher.backend", string(publisher.BackendMemory))
	v.SetDefault("publisher.pinata.url", publisher.DefaultPinataURL)
	v.SetDefault("publisher.pinata.api_key", "")
	v.SetDefault("publisher.pinata.secret_key", "")
	v.SetDefault("publisher.pinata.jwt", "")
	v.SetDefault("publisher.pinata.timeout", 30*time.Second)
	v.SetDefault("publisher.s3.bucket", "")
	v.SetDefault("publisher.s3.region", "us-east-1")
	v.SetDefault("publisher.s3.endpoint", "")
	v.SetDefault("publisher.s3.prefix", "spinachchain")
	v.SetDefault("publisher.s3.access_key_id", "")
	v.SetDefault("publisher.s3.secret_access_key", "")
	v.SetDefault("publisher.s3.path_style", false)
	v.SetDefault("publisher.max_attempts", rc.MaxAttempts)
	v.SetDefault("publisher.attempt_timeout", rc.AttemptTimeout)
	v.SetDefault("publisher.initial_interval", rc.InitialInterval)
	v.SetDefault("publisher.max_interval", rc.MaxInterval)

	jc := jobs.DefaultJobConfig()
	v.SetDefault("jobs.enabled", jc.Enabled)
	v.SetDefault("jobs.concurrency", jc.Concurrency)
	v.SetDefault("jobs.max_retries", jc.MaxRetries)
	v.SetDefault("jobs.poll_interval", jc.PollInterval)
	v.SetDefault("jobs.claim_timeout", jc.ClaimTimeout)
	v.SetDefault("jobs.retention_days", jc.RetentionDays)

	ac := audit.DefaultConfig()
	v.SetDefault("audit.enabled", ac.Enabled)
	v.SetDefault("audit.retention_days", ac.RetentionDays)
	v.SetDefault("audit.log_denied", ac.LogDenied)

	v.SetDefault("analytics.thresholds_file", "")

	hc := ha.DefaultHAConfig()
	v.SetDefault("ha.leader_election", hc.LeaderElectionEnabled)
	v.SetDefault("ha.lease_name", hc.LeaseName)
	v.SetDefault("ha.lease_duration", hc.LeaseDuration)
	v.SetDefault("ha.retry_period", hc.RetryPeriod)
	v.SetDefault("ha.migration_lock", hc.MigrationLockEnabled)
	v.SetDefault("ha.identity", hc.Identity)

	v.SetDefault("metrics.enabled", true)

	cc := cache.DefaultConfig()
	v.SetDefault("cache.enabled", cc.Enabled)
	v.SetDefault("cache.ttl", cc.TTL)
	v.SetDefault("cache.max_size", cc.MaxSize)
}

// Load reads configuration. file may be empty, in which case
// spinachchain.yaml is looked up in the working directory and
// /etc/spinachchain and skipped when absent. flags may be nil.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("spinachchain")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/spinachchain")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerations and the settings each mode depends on.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Type {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.type must be postgres, mysql or sqlite, got %q", c.Database.Type))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn (or DATABASE_URL) is required"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch authz.AuthMode(c.Auth.Mode) {
	case authz.AuthModeJWT:
		if len(c.Auth.Secret) < 16 {
			errs = append(errs, errors.New("auth.secret (or SECRET_KEY) of at least 16 bytes is required in jwt mode"))
		}
	case authz.AuthModeHeader:
	default:
		errs = append(errs, fmt.Errorf("auth.mode must be jwt or header, got %q", c.Auth.Mode))
	}
	if _, err := authz.NewAuthorizer(authz.AuthzMode(c.Auth.Authz)); err != nil {
		errs = append(errs, err)
	}
	switch batch.Mode(c.Lifecycle.Mode) {
	case batch.ModeStrict, batch.ModePermissive:
	default:
		errs = append(errs, fmt.Errorf("lifecycle.mode must be strict or permissive, got %q", c.Lifecycle.Mode))
	}
	switch publisher.Backend(strings.ToLower(c.Publisher.Backend)) {
	case publisher.BackendMemory, publisher.BackendPinata, publisher.BackendS3:
	default:
		errs = append(errs, fmt.Errorf("publisher.backend must be memory, pinata or s3, got %q", c.Publisher.Backend))
	}
	if c.Publisher.MaxAttempts < 1 {
		errs = append(errs, errors.New("publisher.max_attempts must be at least 1"))
	}
	if c.Jobs.Enabled && c.Jobs.Concurrency < 1 {
		errs = append(errs, errors.New("jobs.concurrency must be at least 1"))
	}
	if c.Cache.Enabled && (c.Cache.TTL <= 0 || c.Cache.MaxSize < 1) {
		errs = append(errs, errors.New("cache.ttl and cache.max_size must be positive"))
	}
	if c.HA.LeaderElection && c.HA.RetryPeriod >= c.HA.LeaseDuration {
		errs = append(errs, errors.New("ha.retry_period must be shorter than ha.lease_duration"))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the slog handler selected by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// TokenConfig returns the JWT issuance settings.
func (c *Config) TokenConfig() authz.TokenConfig {
	return authz.TokenConfig{
		Secret:   c.Auth.Secret,
		Issuer:   c.Auth.Issuer,
		Audience: c.Auth.Audience,
		TTL:      c.Auth.TokenTTL,
	}
}

// LifecycleMode returns the state machine enforcement mode.
func (c *Config) LifecycleMode() batch.Mode {
	return batch.Mode(c.Lifecycle.Mode)
}

// IntegrityConfig returns the orchestrator settings.
func (c *Config) IntegrityConfig() integrity.Config {
	return integrity.Config{
		ColdChainThreshold: c.Ingest.ColdChainThreshold,
		CommitAttempts:     c.Ingest.CommitAttempts,
	}
}

// PublisherConfig returns the publisher settings without an observer.
func (c *Config) PublisherConfig() publisher.Config {
	p := c.Publisher
	return publisher.Config{
		Backend: publisher.Backend(p.Backend),
		Pinata: publisher.PinataConfig{
			URL:       p.Pinata.URL,
			APIKey:    p.Pinata.APIKey,
			SecretKey: p.Pinata.SecretKey,
			JWT:       p.Pinata.JWT,
			Timeout:   p.Pinata.Timeout,
		},
		S3: publisher.S3Config{
			Bucket:          p.S3.Bucket,
			Region:          p.S3.Region,
			Endpoint:        p.S3.Endpoint,
			Prefix:          p.S3.Prefix,
			AccessKeyID:     p.S3.AccessKeyID,
			SecretAccessKey: p.S3.SecretAccessKey,
			PathStyle:       p.S3.PathStyle,
		},
		Retry: publisher.RetryConfig{
			MaxAttempts:     p.MaxAttempts,
			AttemptTimeout:  p.AttemptTimeout,
			InitialInterval: p.InitialInterval,
			MaxInterval:     p.MaxInterval,
		},
	}
}

// JobConfig returns the finalize worker pool settings.
func (c *Config) JobConfig() jobs.JobConfig {
	return jobs.JobConfig{
		Enabled:       c.Jobs.Enabled,
		Concurrency:   c.Jobs.Concurrency,
		MaxRetries:    c.Jobs.MaxRetries,
		PollInterval:  c.Jobs.PollInterval,
		ClaimTimeout:  c.Jobs.ClaimTimeout,
		RetentionDays: c.Jobs.RetentionDays,
	}
}

// AuditConfig returns the audit middleware and retention settings.
func (c *Config) AuditConfig() *audit.Config {
	return &audit.Config{
		Enabled:       c.Audit.Enabled,
		RetentionDays: c.Audit.RetentionDays,
		LogDenied:     c.Audit.LogDenied,
	}
}

// HAConfig returns the replica coordination settings.
func (c *Config) HAConfig() *ha.HAConfig {
	return &ha.HAConfig{
		LeaderElectionEnabled: c.HA.LeaderElection,
		LeaseName:             c.HA.LeaseName,
		LeaseDuration:         c.HA.LeaseDuration,
		RetryPeriod:           c.HA.RetryPeriod,
		MigrationLockEnabled:  c.HA.MigrationLock,
		Identity:              c.HA.Identity,
	}
}

// CacheConfig returns the response cache settings.
func (c *Config) CacheConfig() *cache.Config {
	return &cache.Config{
		Enabled: c.Cache.Enabled,
		TTL:     c.Cache.TTL,
		MaxSize: c.Cache.MaxSize,
	}
}
