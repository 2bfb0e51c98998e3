package config

import (
	"bytes"
	_ "embed"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Bulk       BulkConfig      `mapstructure:"bulk"`
	Quota      QuotaConfig     `mapstructure:"quota"`
	Channels   ChannelsConfig  `mapstructure:"channels"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // json|console
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	JobsTopic      string   `mapstructure:"jobs_topic"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

// BulkConfig tunes the bulk job executor. Concurrency is the per-channel
// ceiling of in-flight provider sends and should track provider rate limits.
type BulkConfig struct {
	DispatchMode   string         `mapstructure:"dispatch_mode"` // local | outbox
	PoolWorkers    int            `mapstructure:"pool_workers"`
	BatchSize      int            `mapstructure:"batch_size"`
	Concurrency    map[string]int `mapstructure:"concurrency"`
	MaxAttempts    int            `mapstructure:"max_attempts"`
	BackoffBase    time.Duration  `mapstructure:"backoff_base"`
	BackoffMax     time.Duration  `mapstructure:"backoff_max"`
	SendTimeout    time.Duration  `mapstructure:"send_timeout"`
	LeaseTTL       time.Duration  `mapstructure:"lease_ttl"`
	SchedulerPoll  time.Duration  `mapstructure:"scheduler_poll"`
	PreviewMaxSize int            `mapstructure:"preview_max_size"`
}

type QuotaConfig struct {
	KeyPrefix string `mapstructure:"key_prefix"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type ChannelsConfig struct {
	SMS   SMSChannelConfig   `mapstructure:"sms"`
	Email EmailChannelConfig `mapstructure:"email"`
	ChatA ChatChannelConfig  `mapstructure:"chat_a"`
	ChatB ChatChannelConfig  `mapstructure:"chat_b"`
}

type SMSChannelConfig struct {
	Mock               bool          `mapstructure:"mock"`
	BaseURL            string        `mapstructure:"base_url"`
	DefaultCountryCode string        `mapstructure:"default_country_code"`
	TimeoutMs          int           `mapstructure:"timeout_ms"`
	Breaker            BreakerConfig `mapstructure:"breaker"`
}

type EmailChannelConfig struct {
	Mock          bool          `mapstructure:"mock"`
	DefaultRegion string        `mapstructure:"default_region"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

type ChatChannelConfig struct {
	Mock      bool          `mapstructure:"mock"`
	BaseURL   string        `mapstructure:"base_url"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (MSGENG_*).
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

	// env override (MSGENG_*), nested keys use "_" (MSGENG_MYSQL_DSN)
	v.SetEnvPrefix("MSGENG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConcurrencyFor returns the per-channel send ceiling, defaulting to 4.
func (b BulkConfig) ConcurrencyFor(channel string) int {
	if n, ok := b.Concurrency[channel]; ok && n > 0 {
		return n
	}
	if n, ok := b.Concurrency["default"]; ok && n > 0 {
		return n
	}
	return 4
}
