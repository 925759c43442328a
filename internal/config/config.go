// Package config provides configuration for the query session client and the
// development analysis service.
//
// Values come from built-in defaults, then an optional YAML file named by
// QUERYSESSION_CONFIG, then the environment (including a .env file). Later
// sources win.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/querysession/internal/retry"
)

// FileEnv names the environment variable pointing at the YAML overlay.
const FileEnv = "QUERYSESSION_CONFIG"

// Config holds all configuration for the application.
type Config struct {
	// Analysis service endpoints
	SocketURL string `yaml:"socket_url"`
	StreamURL string `yaml:"stream_url"`
	Transport string `yaml:"transport"`

	// Connection and retry
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	RetryBase        time.Duration `yaml:"retry_base"`
	RetryCap         time.Duration `yaml:"retry_cap"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	MaxQueryLength   int           `yaml:"max_query_length"`

	// Session storage
	MaxMessages    int    `yaml:"max_messages"`
	MaxSessions    int    `yaml:"max_sessions"`
	StorageBackend string `yaml:"storage_backend"`
	StoragePath    string `yaml:"storage_path"`
	StorageKey     string `yaml:"storage_key"`
	NATSURL        string `yaml:"nats_url"`
	NATSBucket     string `yaml:"nats_bucket"`

	// Logging. LogFile "-" logs JSON to stdout.
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// Observability
	MetricsAddr     string `yaml:"metrics_addr"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
	TracingEnabled  bool   `yaml:"tracing_enabled"`

	// Analysis service
	ServerPort         string        `yaml:"port"`
	ServerReadTimeout  time.Duration `yaml:"server_read_timeout"`
	ServerWriteTimeout time.Duration `yaml:"server_write_timeout"`
	StepDelay          time.Duration `yaml:"step_delay"`
	AnthropicAPIKey    string        `yaml:"-"`
	OpenAIAPIKey       string        `yaml:"-"`
	DefaultLLM         string        `yaml:"default_llm"`
	RateLimitRequests  int           `yaml:"rate_limit_requests"`
	RateLimitWindow    time.Duration `yaml:"rate_limit_window"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		SocketURL: "ws://localhost:8080/ws",
		StreamURL: "http://localhost:8080/api/stream",
		Transport: "socket",

		ConnectTimeout:   10 * time.Second,
		PingInterval:     30 * time.Second,
		RequestTimeout:   30 * time.Second,
		RetryBase:        retry.DefaultBase,
		RetryCap:         retry.DefaultCap,
		RetryMaxAttempts: retry.DefaultMaxAttempts,
		MaxQueryLength:   4000,

		MaxMessages:    50,
		MaxSessions:    20,
		StorageBackend: "file",
		StoragePath:    defaultStoragePath(),
		StorageKey:     "querysession.sessions",
		NATSURL:        "nats://localhost:4222",
		NATSBucket:     "QUERYSESSION",

		LogLevel: "info",
		LogFile:  filepath.Join(defaultStoragePath(), "querysession.log"),

		TracingEndpoint: "localhost:4318",

		ServerPort:         "8080",
		ServerReadTimeout:  30 * time.Second,
		ServerWriteTimeout: 0,
		DefaultLLM:         "echo",
		RateLimitRequests:  60,
		RateLimitWindow:    time.Minute,
	}
}

// Load reads .env, the optional YAML overlay and the environment.
func Load() (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.SocketURL = getEnv("SOCKET_URL", c.SocketURL)
	c.StreamURL = getEnv("STREAM_URL", c.StreamURL)
	c.Transport = strings.ToLower(getEnv("TRANSPORT", c.Transport))

	c.ConnectTimeout = getDurationEnv("CONNECT_TIMEOUT", c.ConnectTimeout)
	c.PingInterval = getDurationEnv("PING_INTERVAL", c.PingInterval)
	c.RequestTimeout = getDurationEnv("REQUEST_TIMEOUT", c.RequestTimeout)
	c.RetryBase = getDurationEnv("RETRY_BASE", c.RetryBase)
	c.RetryCap = getDurationEnv("RETRY_CAP", c.RetryCap)
	c.RetryMaxAttempts = getIntEnv("RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts)
	c.MaxQueryLength = getIntEnv("MAX_QUERY_LENGTH", c.MaxQueryLength)

	c.MaxMessages = getIntEnv("MAX_MESSAGES", c.MaxMessages)
	c.MaxSessions = getIntEnv("MAX_SESSIONS", c.MaxSessions)
	c.StorageBackend = strings.ToLower(getEnv("STORAGE_BACKEND", c.StorageBackend))
	c.StoragePath = getEnv("STORAGE_PATH", c.StoragePath)
	c.StorageKey = getEnv("STORAGE_KEY", c.StorageKey)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.NATSBucket = getEnv("NATS_BUCKET", c.NATSBucket)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)

	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.TracingEndpoint = getEnv("TRACING_ENDPOINT", c.TracingEndpoint)
	c.TracingEnabled = getBoolEnv("TRACING_ENABLED", c.TracingEnabled)

	c.ServerPort = getEnv("PORT", c.ServerPort)
	c.ServerReadTimeout = getDurationEnv("SERVER_READ_TIMEOUT", c.ServerReadTimeout)
	c.ServerWriteTimeout = getDurationEnv("SERVER_WRITE_TIMEOUT", c.ServerWriteTimeout)
	c.StepDelay = getDurationEnv("STEP_DELAY", c.StepDelay)
	c.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.DefaultLLM = strings.ToLower(getEnv("DEFAULT_LLM", c.DefaultLLM))
	c.RateLimitRequests = getIntEnv("RATE_LIMIT_REQUESTS", c.RateLimitRequests)
	c.RateLimitWindow = getDurationEnv("RATE_LIMIT_WINDOW", c.RateLimitWindow)
	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		c.AllowedOrigins = strings.Split(origins, ",")
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case "socket":
		errs = append(errs, checkURL("SOCKET_URL", c.SocketURL, "ws", "wss"))
	case "stream":
		errs = append(errs, checkURL("STREAM_URL", c.StreamURL, "http", "https"))
	default:
		errs = append(errs, fmt.Errorf("TRANSPORT must be socket or stream, got %q", c.Transport))
	}

	switch c.StorageBackend {
	case "memory":
	case "file", "sqlite":
		if c.StoragePath == "" {
			errs = append(errs, fmt.Errorf("STORAGE_PATH is required for the %s backend", c.StorageBackend))
		}
	case "nats":
		errs = append(errs, checkURL("NATS_URL", c.NATSURL, "nats", "tls"))
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be memory, file, sqlite or nats, got %q", c.StorageBackend))
	}

	for name, d := range map[string]time.Duration{
		"CONNECT_TIMEOUT": c.ConnectTimeout,
		"REQUEST_TIMEOUT": c.RequestTimeout,
		"RETRY_BASE":      c.RetryBase,
		"RETRY_CAP":       c.RetryCap,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.RetryCap < c.RetryBase {
		errs = append(errs, errors.New("RETRY_CAP must not be below RETRY_BASE"))
	}
	if c.RetryMaxAttempts < 0 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must not be negative"))
	}
	if c.MaxMessages < 1 {
		errs = append(errs, errors.New("MAX_MESSAGES must be at least 1"))
	}
	if c.MaxSessions < 1 {
		errs = append(errs, errors.New("MAX_SESSIONS must be at least 1"))
	}
	if c.MaxQueryLength < 1 {
		errs = append(errs, errors.New("MAX_QUERY_LENGTH must be at least 1"))
	}

	return errors.Join(errs...)
}

// RetryPolicy returns the backoff policy for reconnects and query retries.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Base:        c.RetryBase,
		Cap:         c.RetryCap,
		MaxAttempts: c.RetryMaxAttempts,
	}
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL, got %q", name, strings.Join(schemes, "/"), raw)
}

func defaultStoragePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".querysession"
	}
	return filepath.Join(dir, "querysession")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
