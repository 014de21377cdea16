package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/fimgate/core/infra/tlsutil"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr       = ":55000"
	defaultMetricsAddr    = ":9092"
	defaultNATSURL        = ""
	defaultRedisURL       = "redis://localhost:6379"
	defaultConfigPath     = "config/gateway.yaml"
	defaultEngineCommand  = "/var/ossec/framework/python/bin/python3"
	defaultEngineScript   = "/var/ossec/api/models/wazuh-api.py"
	defaultEngineSubject  = "fimgate.engine.requests"
	defaultCacheTTL       = 750 * time.Millisecond
	defaultCacheSweep     = time.Minute
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100

	envConfigPath           = "FIMGATE_CONFIG"
	envHTTPAddr             = "FIMGATE_HTTP_ADDR"
	envMetricsAddr          = "FIMGATE_METRICS_ADDR"
	envNATSURL              = "NATS_URL"
	envRedisURL             = "REDIS_URL"
	envLogLevel             = "FIMGATE_LOG_LEVEL"
	envLogFormat            = "FIMGATE_LOG_FORMAT"
	envEngineChannel        = "FIMGATE_ENGINE_CHANNEL"
	envEngineCommand        = "FIMGATE_ENGINE_COMMAND"
	envEngineArgs           = "FIMGATE_ENGINE_ARGS"
	envEngineTimeout        = "FIMGATE_ENGINE_TIMEOUT"
	envEngineMaxConcurrency = "FIMGATE_ENGINE_MAX_CONCURRENCY"
	envEngineSubject        = "FIMGATE_ENGINE_SUBJECT"
	envCacheBackend         = "FIMGATE_CACHE_BACKEND"
	envCacheTTL             = "FIMGATE_CACHE_TTL"
	envCacheIsolated        = "FIMGATE_CACHE_ISOLATED"
	envRateLimitRPS         = "API_RATE_LIMIT_RPS"
	envRateLimitBurst       = "API_RATE_LIMIT_BURST"
)

// Engine channel kinds.
const (
	ChannelExec = "exec"
	ChannelNATS = "nats"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds runtime configuration for the gateway.
type Config struct {
	HTTPAddr    string          `yaml:"http_addr"`
	MetricsAddr string          `yaml:"metrics_addr"`
	RedisURL    string          `yaml:"redis_url"`
	NatsURL     string          `yaml:"nats_url"`
	Log         LogConfig       `yaml:"log"`
	Engine      EngineConfig    `yaml:"engine"`
	Cache       CacheConfig     `yaml:"cache"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig selects and tunes the channel used to reach the control engine.
type EngineConfig struct {
	Channel string   `yaml:"channel"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Timeout of zero waits for the engine indefinitely.
	Timeout        time.Duration `yaml:"timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	Subject        string        `yaml:"subject"`
}

type CacheConfig struct {
	Backend         string        `yaml:"backend"`
	TTL             time.Duration `yaml:"ttl"`
	Isolated        bool          `yaml:"isolated"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:    defaultHTTPAddr,
		MetricsAddr: defaultMetricsAddr,
		RedisURL:    defaultRedisURL,
		NatsURL:     defaultNATSURL,
		Log:         LogConfig{Level: "info", Format: "json"},
		Engine: EngineConfig{
			Channel: ChannelExec,
			Command: defaultEngineCommand,
			Args:    []string{defaultEngineScript},
			Subject: defaultEngineSubject,
		},
		Cache: CacheConfig{
			Backend:         CacheMemory,
			TTL:             defaultCacheTTL,
			CleanupInterval: defaultCacheSweep,
		},
		RateLimit: RateLimitConfig{RPS: defaultRateLimitRPS, Burst: defaultRateLimitBurst},
	}
}

// Load builds the configuration from defaults, the optional YAML overlay and
// environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(envConfigPath))
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	cfg, err := loadFile(path)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = Default()
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse gateway config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gateway config: %w", err)
	}
	return Parse(data)
}

func (c *Config) applyEnv() error {
	setString(&c.HTTPAddr, envHTTPAddr)
	setString(&c.MetricsAddr, envMetricsAddr)
	setString(&c.RedisURL, envRedisURL)
	setString(&c.NatsURL, envNATSURL)
	setString(&c.Log.Level, envLogLevel)
	setString(&c.Log.Format, envLogFormat)
	setString(&c.Engine.Channel, envEngineChannel)
	setString(&c.Engine.Command, envEngineCommand)
	setString(&c.Engine.Subject, envEngineSubject)
	setString(&c.Cache.Backend, envCacheBackend)
	if raw := strings.TrimSpace(os.Getenv(envEngineArgs)); raw != "" {
		c.Engine.Args = strings.Fields(raw)
	}
	if err := setDuration(&c.Engine.Timeout, envEngineTimeout); err != nil {
		return err
	}
	if err := setDuration(&c.Cache.TTL, envCacheTTL); err != nil {
		return err
	}
	if err := setInt(&c.Engine.MaxConcurrency, envEngineMaxConcurrency); err != nil {
		return err
	}
	if err := setInt(&c.RateLimit.RPS, envRateLimitRPS); err != nil {
		return err
	}
	if err := setInt(&c.RateLimit.Burst, envRateLimitBurst); err != nil {
		return err
	}
	if raw := strings.TrimSpace(os.Getenv(envCacheIsolated)); raw != "" {
		c.Cache.Isolated = tlsutil.ParseBool(raw)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Engine.Channel {
	case ChannelExec:
		if strings.TrimSpace(c.Engine.Command) == "" {
			return errors.New("engine.command required for exec channel")
		}
	case ChannelNATS:
		if strings.TrimSpace(c.NatsURL) == "" {
			return errors.New("nats_url required for nats engine channel")
		}
		if strings.TrimSpace(c.Engine.Subject) == "" {
			return errors.New("engine.subject required for nats engine channel")
		}
	default:
		return fmt.Errorf("unknown engine channel %q", c.Engine.Channel)
	}
	if c.Engine.Timeout < 0 {
		return errors.New("engine.timeout must not be negative")
	}
	if c.Engine.MaxConcurrency < 0 {
		return errors.New("engine.max_concurrency must not be negative")
	}
	switch c.Cache.Backend {
	case CacheMemory, CacheRedis:
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be positive")
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
