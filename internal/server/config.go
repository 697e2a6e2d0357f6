package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string          `yaml:"port"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	SendBufferSize int             `yaml:"send_buffer_size"`
	LogLevel       string          `yaml:"log_level"`
	MetricsPath    string          `yaml:"metrics_path"`
}

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 4096
	defaultBurst          = 20
	defaultSendBufferSize = 256
	defaultLogLevel       = "info"
	defaultMetricsPath    = "/metrics"
)

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
		SendBufferSize: defaultSendBufferSize,
		LogLevel:       defaultLogLevel,
		MetricsPath:    defaultMetricsPath,
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig builds a Config from defaults, then the YAML file at path when
// path is not empty, then the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()
	return &cfg, nil
}

// ApplyEnv overrides fields from environment variables. Unset or invalid
// values leave the current value in place.
func (c *Config) ApplyEnv() {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		c.MaxMessageSize = parseMaxMessageSize(maxSize, c.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		c.RateLimit.Burst = parseIntValue(burst, c.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		c.RateLimit.RefillInterval = parseRefillInterval(interval, c.RateLimit.RefillInterval)
	}

	if size := os.Getenv("SEND_BUFFER_SIZE"); size != "" {
		c.SendBufferSize = parseIntValue(size, c.SendBufferSize)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	if path := os.Getenv("METRICS_PATH"); path != "" {
		c.MetricsPath = path
	}
}

// sanitizeConfig replaces missing or invalid values with defaults.
func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBufferSize
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}

	switch cfg.MetricsPath {
	case "/", "/test":
		cfg.MetricsPath = defaultMetricsPath
	default:
		if !strings.HasPrefix(cfg.MetricsPath, "/") {
			cfg.MetricsPath = defaultMetricsPath
		}
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts a whole number of seconds or a Go duration.
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
