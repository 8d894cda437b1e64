// Package config loads importer settings from flags, environment variables,
// a .env file, and an optional YAML config file, in that order of precedence.
//
// Environment variables use the INTERCOM_ETL_ prefix with dashes replaced by
// underscores (INTERCOM_ETL_REDIS_ADDR). The access token is also read from
// INTERCOM_ACCESS_TOKEN.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Sternrassler/intercom-etl/pkg/fanout"
	"github.com/Sternrassler/intercom-etl/pkg/logging"
	"github.com/Sternrassler/intercom-etl/pkg/pagination"
	"github.com/Sternrassler/intercom-etl/pkg/sink"
	"github.com/Sternrassler/intercom-etl/pkg/store"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "INTERCOM_ETL"

// TokenEnv is the conventional access token variable.
const TokenEnv = "INTERCOM_ACCESS_TOKEN"

// DefaultEnvFile is loaded when present and no env file is named.
const DefaultEnvFile = ".env"

// Keys, which double as flag names.
const (
	KeyAccessToken      = "access-token"
	KeyBaseURL          = "base-url"
	KeyRedisAddr        = "redis-addr"
	KeyRedisPassword    = "redis-password"
	KeyRedisDB          = "redis-db"
	KeyStorePrefix      = "store-prefix"
	KeyMetricsAddr      = "metrics-addr"
	KeyLogLevel         = "log-level"
	KeyLogPretty        = "log-pretty"
	KeyConcurrency      = "concurrency"
	KeyCreatedSince     = "created-since"
	KeyRequestTimeout   = "request-timeout"
	KeyPageTimeout      = "page-timeout"
	KeyWriteTimeout     = "write-timeout"
	KeyWriteAttempts    = "write-attempts"
	KeyCloseGrace       = "close-grace"
	KeyShareEventWriter = "share-event-writer"
)

// Config holds the settings of one importer run.
type Config struct {
	AccessToken string `mapstructure:"access-token"`
	BaseURL     string `mapstructure:"base-url"`

	RedisAddr     string `mapstructure:"redis-addr"`
	RedisPassword string `mapstructure:"redis-password"`
	RedisDB       int    `mapstructure:"redis-db"`
	StorePrefix   string `mapstructure:"store-prefix"`

	// MetricsAddr serves Prometheus metrics during the run when set.
	MetricsAddr string `mapstructure:"metrics-addr"`

	LogLevel  string `mapstructure:"log-level"`
	LogPretty bool   `mapstructure:"log-pretty"`

	Concurrency      int           `mapstructure:"concurrency"`
	CreatedSince     int           `mapstructure:"created-since"`
	RequestTimeout   time.Duration `mapstructure:"request-timeout"`
	PageTimeout      time.Duration `mapstructure:"page-timeout"`
	WriteTimeout     time.Duration `mapstructure:"write-timeout"`
	WriteAttempts    int           `mapstructure:"write-attempts"`
	CloseGrace       time.Duration `mapstructure:"close-grace"`
	ShareEventWriter bool          `mapstructure:"share-event-writer"`
}

// DefaultConfig returns the defaults used when no source sets a value.
func DefaultConfig() Config {
	return Config{
		BaseURL:        pagination.DefaultBaseURL,
		RedisAddr:      "localhost:6379",
		StorePrefix:    store.DefaultPrefix,
		LogLevel:       string(logging.LevelInfo),
		Concurrency:    fanout.DefaultConcurrency,
		RequestTimeout: 30 * time.Second,
		PageTimeout:    pagination.DefaultConfig().PageTimeout,
		WriteTimeout:   sink.DefaultWriteTimeout,
		WriteAttempts:  sink.DefaultAttempts,
		CloseGrace:     sink.DefaultCloseGrace,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.AccessToken == "" {
		return fmt.Errorf("access token is required (set %s or --%s)", TokenEnv, KeyAccessToken)
	}
	if c.BaseURL == "" {
		return errors.New("base_url must not be empty")
	}
	if c.RedisAddr == "" {
		return errors.New("redis_addr must not be empty")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1 (got %d)", c.Concurrency)
	}
	if c.CreatedSince < 0 {
		return fmt.Errorf("created_since must be >= 0 (got %d)", c.CreatedSince)
	}
	if c.WriteAttempts < 1 {
		return fmt.Errorf("write_attempts must be >= 1 (got %d)", c.WriteAttempts)
	}
	for name, d := range map[string]time.Duration{
		"request_timeout": c.RequestTimeout,
		"page_timeout":    c.PageTimeout,
		"write_timeout":   c.WriteTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0 (got %s)", name, d)
		}
	}
	if c.CloseGrace < 0 {
		return fmt.Errorf("close_grace must be >= 0 (got %s)", c.CloseGrace)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// NewViper returns a viper instance with defaults and environment bindings.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.intercom-etl")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	MustBindEnv(v, KeyAccessToken, EnvPrefix+"_ACCESS_TOKEN", TokenEnv)

	d := DefaultConfig()
	v.SetDefault(KeyAccessToken, "")
	v.SetDefault(KeyBaseURL, d.BaseURL)
	v.SetDefault(KeyRedisAddr, d.RedisAddr)
	v.SetDefault(KeyRedisPassword, "")
	v.SetDefault(KeyRedisDB, 0)
	v.SetDefault(KeyStorePrefix, d.StorePrefix)
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogPretty, false)
	v.SetDefault(KeyConcurrency, d.Concurrency)
	v.SetDefault(KeyCreatedSince, 0)
	v.SetDefault(KeyRequestTimeout, d.RequestTimeout)
	v.SetDefault(KeyPageTimeout, d.PageTimeout)
	v.SetDefault(KeyWriteTimeout, d.WriteTimeout)
	v.SetDefault(KeyWriteAttempts, d.WriteAttempts)
	v.SetDefault(KeyCloseGrace, d.CloseGrace)
	v.SetDefault(KeyShareEventWriter, false)
	return v
}

// RegisterFlags adds the settings shared by every command to flags and binds
// them to v.
func RegisterFlags(v *viper.Viper, flags *pflag.FlagSet) {
	d := DefaultConfig()

	flags.String(KeyAccessToken, "", "Intercom access token")
	flags.String(KeyBaseURL, d.BaseURL, "Intercom API root")
	flags.String(KeyRedisAddr, d.RedisAddr, "host:port of the Redis document store")
	flags.String(KeyRedisPassword, "", "Redis password")
	flags.Int(KeyRedisDB, 0, "Redis database number")
	flags.String(KeyStorePrefix, d.StorePrefix, "key prefix of stored documents")
	flags.String(KeyMetricsAddr, "", "serve Prometheus metrics on this address during the run")
	flags.String(KeyLogLevel, d.LogLevel, "log level (debug, info, warn, error)")
	flags.Bool(KeyLogPretty, false, "human-readable console logs instead of JSON")
	flags.Duration(KeyRequestTimeout, d.RequestTimeout, "timeout of a single HTTP request")
	flags.Duration(KeyPageTimeout, d.PageTimeout, "deadline of a page fetch including retries")
	flags.Duration(KeyWriteTimeout, d.WriteTimeout, "deadline of a single write attempt")
	flags.Int(KeyWriteAttempts, d.WriteAttempts, "attempts per record write")
	flags.Duration(KeyCloseGrace, d.CloseGrace, "delay before a sink releases its store handle")

	for _, key := range []string{
		KeyAccessToken, KeyBaseURL, KeyRedisAddr, KeyRedisPassword, KeyRedisDB,
		KeyStorePrefix, KeyMetricsAddr, KeyLogLevel, KeyLogPretty, KeyRequestTimeout,
		KeyPageTimeout, KeyWriteTimeout, KeyWriteAttempts, KeyCloseGrace,
	} {
		MustBindPFlag(v, key, flags.Lookup(key))
	}
}

// MustBindPFlag binds key to flag and panics if the binding fails.
func MustBindPFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

// MustBindEnv binds key to the named environment variables and panics if the
// binding fails.
func MustBindEnv(v *viper.Viper, input ...string) {
	if err := v.BindEnv(input...); err != nil {
		panic("failed to bind env key: " + err.Error())
	}
}

// Load reads envFile (or DefaultEnvFile when present), then configFile (or
// config.yaml from the search path when present), and returns the validated
// configuration. Variables already set in the environment win over envFile.
func Load(v *viper.Viper, configFile, envFile string) (Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return Config{}, err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(DefaultEnvFile); err != nil {
			return nil
		}
		path = DefaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}
