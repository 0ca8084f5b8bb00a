package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Projector  ProjectorConfig  `mapstructure:"projector"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type HTTPConfig struct {
	Addr        string `mapstructure:"addr"`
	MutationRPS int    `mapstructure:"mutation_rps"` // dead-letter replay/discard per client; 0 disables
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // mysql | postgres | sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type ClickHouseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

type KafkaConfig struct {
	Brokers     []string      `mapstructure:"brokers"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	MinBytes    int           `mapstructure:"min_bytes"`
	MaxBytes    int           `mapstructure:"max_bytes"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
}

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	OpenFor       time.Duration `mapstructure:"open_for"`
}

type LedgerConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	SubmitRPS float64       `mapstructure:"submit_rps"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

type DispatcherConfig struct {
	WorkerID           string        `mapstructure:"worker_id"` // empty: generated per process
	BatchSize          int           `mapstructure:"batch_size"`
	Concurrency        int           `mapstructure:"concurrency"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	LeaseDuration      time.Duration `mapstructure:"lease_duration"`
	RenewInterval      time.Duration `mapstructure:"renew_interval"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

type ProjectorConfig struct {
	Streams         []string          `mapstructure:"streams"`
	LeaseTTL        time.Duration     `mapstructure:"lease_ttl"`
	RenewInterval   time.Duration     `mapstructure:"renew_interval"`
	AcquireInterval time.Duration     `mapstructure:"acquire_interval"`
	HaltOnError     bool              `mapstructure:"halt_on_error"`
	EventPolicies   map[string]string `mapstructure:"event_policies"` // event name -> skip | halt
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Base        time.Duration `mapstructure:"base"`
	Cap         time.Duration `mapstructure:"cap"`
	Jitter      float64       `mapstructure:"jitter"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"` // empty disables export
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	ServiceName string  `mapstructure:"service_name"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (LBRIDGE_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (LBRIDGE_DISPATCHER_BATCH_SIZE -> dispatcher.batch_size)
	v.SetEnvPrefix("LBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want mysql, postgres or sqlite", c.Database.Driver))
	}
	if c.Dispatcher.BatchSize <= 0 {
		errs = append(errs, errors.New("dispatcher.batch_size must be positive"))
	}
	if c.Dispatcher.Concurrency <= 0 {
		errs = append(errs, errors.New("dispatcher.concurrency must be positive"))
	}
	if c.Dispatcher.LeaseDuration <= c.Dispatcher.RenewInterval {
		errs = append(errs, fmt.Errorf("dispatcher.lease_duration %s must exceed renew_interval %s",
			c.Dispatcher.LeaseDuration, c.Dispatcher.RenewInterval))
	}
	if c.Projector.LeaseTTL <= c.Projector.RenewInterval {
		errs = append(errs, fmt.Errorf("projector.lease_ttl %s must exceed renew_interval %s",
			c.Projector.LeaseTTL, c.Projector.RenewInterval))
	}
	for name, pol := range c.Projector.EventPolicies {
		if pol != "skip" && pol != "halt" {
			errs = append(errs, fmt.Errorf("projector.event_policies.%s: %q is not skip or halt", name, pol))
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	if c.Retry.Cap < c.Retry.Base {
		errs = append(errs, errors.New("retry.cap must not be below retry.base"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be within [0, 1]"))
	}
	return errors.Join(errs...)
}
