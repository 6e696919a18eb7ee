// Package server provides configuration helpers that define runtime defaults,
// validation, and the token table for the relay service.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the parameters for per-connection packet rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay server configuration. Everything is read-only after
// startup; changing the token table requires a restart.
type Config struct {
	Host string
	Port int

	// Clients maps connection tokens to client names.
	Clients map[string]string

	// RequestTimeout bounds both the auth handshake and how long a forwarded
	// request may await its response.
	RequestTimeout time.Duration

	// IdleTimeout closes sessions with no inbound traffic for the given
	// period. Zero disables the idle check.
	IdleTimeout time.Duration

	EnableLogging bool
	LogToStdout   bool
	LogFile       string
	LogLevel      string

	// CertFile and KeyFile enable TLS on the listener when both are set.
	// The relay core never touches them; only the HTTP server does.
	CertFile string
	KeyFile  string

	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate reports configuration that cannot serve: an empty token table, or
// TLS with only one half of the key material.
func (c *Config) Validate() error {
	if len(c.Clients) == 0 {
		return errors.New("config: no clients configured")
	}
	for token, name := range c.Clients {
		if token == "" || name == "" {
			return errors.New("config: client entries require both token and name")
		}
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("config: TLS requires both cert_file and key_file")
	}
	return nil
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8765,
		Clients:        map[string]string{},
		RequestTimeout: 30 * time.Second,
		EnableLogging:  true,
		LogToStdout:    true,
		LogFile:        "server.log",
		LogLevel:       "info",
		MaxMessageSize: 64 * 1024,
		RateLimit: RateLimitConfig{
			Burst:          50,
			RefillInterval: time.Second,
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port <= 0 {
		cfg.Port = 8765
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 50
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if cfg.LogFile == "" {
		cfg.LogFile = "server.log"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Clients == nil {
		cfg.Clients = map[string]string{}
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := *cfg
	sanitized.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitized.Clients = make(map[string]string, len(cfg.Clients))
	for token, name := range cfg.Clients {
		sanitized.Clients[token] = name
	}
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// fileConfig mirrors the on-disk config.json schema.
type fileConfig struct {
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Clients        map[string]string `json:"clients"`
	RequestTimeout int               `json:"request_timeout"`
	IdleTimeout    int               `json:"idle_timeout"`
	EnableLogging  *bool             `json:"enable_logging"`
	LogToStdout    bool              `json:"log_to_stdout"`
	LogFile        string            `json:"log_file"`
	LogLevel       string            `json:"log_level"`
	UseTLS         bool              `json:"use_tls"`
	CertFile       string            `json:"cert_file"`
	KeyFile        string            `json:"key_file"`
	AllowedOrigins []string          `json:"allowed_origins"`
	MaxMessageSize int64             `json:"max_message_size"`
	RateLimitBurst int               `json:"rate_limit_burst"`
}

// NewConfigFromFile loads configuration from a JSON file.
func NewConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if fc.Host != "" {
		cfg.Host = fc.Host
	}
	if fc.Port > 0 {
		cfg.Port = fc.Port
	}
	if fc.Clients != nil {
		cfg.Clients = fc.Clients
	}
	if fc.RequestTimeout > 0 {
		cfg.RequestTimeout = time.Duration(fc.RequestTimeout) * time.Second
	}
	if fc.IdleTimeout > 0 {
		cfg.IdleTimeout = time.Duration(fc.IdleTimeout) * time.Second
	}
	if fc.EnableLogging != nil {
		cfg.EnableLogging = *fc.EnableLogging
	}
	cfg.LogToStdout = fc.LogToStdout
	if fc.LogFile != "" {
		cfg.LogFile = fc.LogFile
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.UseTLS {
		cfg.CertFile = fc.CertFile
		cfg.KeyFile = fc.KeyFile
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.MaxMessageSize > 0 {
		cfg.MaxMessageSize = fc.MaxMessageSize
	}
	if fc.RateLimitBurst > 0 {
		cfg.RateLimit.Burst = fc.RateLimitBurst
	}

	return &cfg, nil
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() (*Config, error) {
	cfg := defaultConfig()

	clientsJSON := os.Getenv("CLIENTS_JSON")
	if clientsJSON == "" {
		return nil, errors.New("CLIENTS_JSON environment variable not set")
	}
	if err := json.Unmarshal([]byte(clientsJSON), &cfg.Clients); err != nil {
		return nil, fmt.Errorf("CLIENTS_JSON is not valid JSON: %w", err)
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = parseIntValue(port, cfg.Port)
	}
	if timeout := os.Getenv("REQUEST_TIMEOUT"); timeout != "" {
		cfg.RequestTimeout = parseSeconds(timeout, cfg.RequestTimeout)
	}
	if idle := os.Getenv("IDLE_TIMEOUT"); idle != "" {
		cfg.IdleTimeout = parseSeconds(idle, cfg.IdleTimeout)
	}
	cfg.LogToStdout = parseBoolValue(os.Getenv("LOG_TO_STDOUT"), cfg.LogToStdout)
	cfg.EnableLogging = parseBoolValue(os.Getenv("ENABLE_LOGGING"), cfg.EnableLogging)
	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		cfg.LogFile = logFile
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	cfg.CertFile = os.Getenv("CERT_FILE")
	cfg.KeyFile = os.Getenv("KEY_FILE")
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	return &cfg, nil
}

// LoadConfig reads configuration from path if the file exists, falling back
// to environment variables otherwise.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); err == nil {
		return NewConfigFromFile(path)
	}
	return NewConfigFromEnv()
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

func parseBoolValue(value string, defaultValue bool) bool {
	if value == "" {
		return defaultValue
	}
	return strings.EqualFold(value, "true")
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
