// Package config loads the relay configuration from TOML or YAML files.
package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	gotoml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/busybox42/mxforward/internal/domainfilter"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Relay     RelayConfig     `toml:"relay" yaml:"relay"`
	DNS       DNSConfig       `toml:"dns" yaml:"dns"`
	RateLimit RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	Filters   FiltersConfig   `toml:"filters" yaml:"filters"`
	Antispam  AntispamConfig  `toml:"antispam" yaml:"antispam"`
	Delivery  DeliveryConfig  `toml:"delivery" yaml:"delivery"`
	DKIM      DKIMConfig      `toml:"dkim" yaml:"dkim"`
	TLS       TLSConfig       `toml:"tls" yaml:"tls"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
}

// ServerConfig is the inbound SMTP listener.
type ServerConfig struct {
	Hostname      string   `toml:"hostname" yaml:"hostname"`
	Listen        string   `toml:"listen" yaml:"listen"`
	MaxSize       int64    `toml:"max_size" yaml:"max_size"`
	MaxRecipients int      `toml:"max_recipients" yaml:"max_recipients"`
	ReadTimeout   Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  Duration `toml:"write_timeout" yaml:"write_timeout"`
}

// RelayConfig drives admission control and the message pipeline.
type RelayConfig struct {
	NoReply        string   `toml:"no_reply" yaml:"no_reply"`
	Exchanges      []string `toml:"exchanges" yaml:"exchanges"`
	DNSBLZone      string   `toml:"dnsbl_zone" yaml:"dnsbl_zone"`
	PublicIP       string   `toml:"public_ip" yaml:"public_ip"`
	SpamThreshold  float64  `toml:"spam_threshold" yaml:"spam_threshold"`
	SupportFooter  string   `toml:"support_footer" yaml:"support_footer"`
	ProcessTimeout Duration `toml:"process_timeout" yaml:"process_timeout"`
}

// DNSConfig selects the recursive resolvers and the answer cache.
type DNSConfig struct {
	Servers   []string `toml:"servers" yaml:"servers"`
	Timeout   Duration `toml:"timeout" yaml:"timeout"`
	Retries   int      `toml:"retries" yaml:"retries"`
	CacheTTL  Duration `toml:"cache_ttl" yaml:"cache_ttl"`
	CacheSize int      `toml:"cache_size" yaml:"cache_size"`
}

// RateLimitConfig bounds admissions per sender within a window. Backend is
// memory, redis, memcached or valkey.
type RateLimitConfig struct {
	Max       int64    `toml:"max" yaml:"max"`
	Duration  Duration `toml:"duration" yaml:"duration"`
	Exempt    []string `toml:"exempt" yaml:"exempt"`
	Backend   string   `toml:"backend" yaml:"backend"`
	Address   string   `toml:"address" yaml:"address"`
	Password  string   `toml:"password" yaml:"password"`
	Database  int      `toml:"database" yaml:"database"`
	KeyPrefix string   `toml:"key_prefix" yaml:"key_prefix"`
}

// FiltersConfig adds entries to the built-in deny lists.
type FiltersConfig struct {
	BlacklistFile  string `toml:"blacklist_file" yaml:"blacklist_file"`
	DisposableFile string `toml:"disposable_file" yaml:"disposable_file"`
	DisposableURL  string `toml:"disposable_url" yaml:"disposable_url"`
	WildcardFile   string `toml:"wildcard_file" yaml:"wildcard_file"`
	SQLDriver      string `toml:"sql_driver" yaml:"sql_driver"`
	SQLDSN         string `toml:"sql_dsn" yaml:"sql_dsn"`
	SQLQuery       string `toml:"sql_query" yaml:"sql_query"`
}

// AntispamConfig selects the spam classifier.
type AntispamConfig struct {
	Type            string   `toml:"type" yaml:"type"`
	Address         string   `toml:"address" yaml:"address"`
	Password        string   `toml:"password" yaml:"password"`
	Timeout         Duration `toml:"timeout" yaml:"timeout"`
	ScanLimit       int64    `toml:"scan_limit" yaml:"scan_limit"`
	BreakerFailures uint32   `toml:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout  Duration `toml:"breaker_timeout" yaml:"breaker_timeout"`
}

// DeliveryConfig selects the outbound transport: "mx" delivers directly to
// recipient exchanges, "ses" hands messages to Amazon SES.
type DeliveryConfig struct {
	Mode                  string   `toml:"mode" yaml:"mode"`
	Port                  int      `toml:"port" yaml:"port"`
	Timeout               Duration `toml:"timeout" yaml:"timeout"`
	HeloName              string   `toml:"helo_name" yaml:"helo_name"`
	TLSInsecureSkipVerify bool     `toml:"tls_insecure_skip_verify" yaml:"tls_insecure_skip_verify"`
	TLSMinVersion         string   `toml:"tls_min_version" yaml:"tls_min_version"`
	SESRegion             string   `toml:"ses_region" yaml:"ses_region"`
	SESAccessKeyID        string   `toml:"ses_access_key_id" yaml:"ses_access_key_id"`
	SESSecretAccessKey    string   `toml:"ses_secret_access_key" yaml:"ses_secret_access_key"`
}

// DKIMConfig enables outbound signing when all fields are set.
type DKIMConfig struct {
	Domain         string `toml:"domain" yaml:"domain"`
	Selector       string `toml:"selector" yaml:"selector"`
	PrivateKeyFile string `toml:"private_key_file" yaml:"private_key_file"`
}

// Enabled reports whether signing is configured.
func (d DKIMConfig) Enabled() bool {
	return d.Domain != "" && d.Selector != "" && d.PrivateKeyFile != ""
}

// TLSConfig is the STARTTLS material for the inbound listener: either a
// certificate pair or an ACME cache directory.
type TLSConfig struct {
	CertFile     string `toml:"cert_file" yaml:"cert_file"`
	KeyFile      string `toml:"key_file" yaml:"key_file"`
	ACMEDir      string `toml:"acme_dir" yaml:"acme_dir"`
	ACMEEmail    string `toml:"acme_email" yaml:"acme_email"`
	ACMEStaging  bool   `toml:"acme_staging" yaml:"acme_staging"`
	ACMEHTTPAddr string `toml:"acme_http_addr" yaml:"acme_http_addr"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig is the admin HTTP server that exposes /metrics.
type MetricsConfig struct {
	Enabled           bool     `toml:"enabled" yaml:"enabled"`
	Listen            string   `toml:"listen" yaml:"listen"`
	RequestsPerSecond float64  `toml:"requests_per_second" yaml:"requests_per_second"`
	Burst             int      `toml:"burst" yaml:"burst"`
	TrustedProxies    []string `toml:"trusted_proxies" yaml:"trusted_proxies"`
}

// Duration is a time.Duration written as a string such as "10s" or "1h".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	cfg.Server.Hostname = hostname
	cfg.Server.Listen = ":25"
	cfg.Server.MaxSize = 25 * 1024 * 1024
	cfg.Server.MaxRecipients = 50
	cfg.Server.ReadTimeout = Duration(5 * time.Minute)
	cfg.Server.WriteTimeout = Duration(time.Minute)

	cfg.Relay.NoReply = "no-reply@forwardemail.net"
	cfg.Relay.Exchanges = []string{"mx1.forwardemail.net", "mx2.forwardemail.net"}
	cfg.Relay.DNSBLZone = "zen.spamhaus.org"
	cfg.Relay.SpamThreshold = 5
	cfg.Relay.SupportFooter = "If you need help please forward this email to support@forwardemail.net or visit https://forwardemail.net"
	cfg.Relay.ProcessTimeout = Duration(5 * time.Minute)

	cfg.DNS.Servers = []string{"208.67.222.222", "208.67.220.220"}
	cfg.DNS.Timeout = Duration(5 * time.Second)
	cfg.DNS.Retries = 2
	cfg.DNS.CacheTTL = Duration(5 * time.Minute)
	cfg.DNS.CacheSize = 10000

	cfg.RateLimit.Max = 200
	cfg.RateLimit.Duration = Duration(time.Hour)
	cfg.RateLimit.Backend = "memory"
	cfg.RateLimit.KeyPrefix = "limit:"

	cfg.Filters.DisposableURL = domainfilter.DisposableListURL

	cfg.Antispam.Type = "none"
	cfg.Antispam.Timeout = Duration(10 * time.Second)
	cfg.Antispam.BreakerFailures = 5
	cfg.Antispam.BreakerTimeout = Duration(30 * time.Second)

	cfg.Delivery.Mode = "mx"
	cfg.Delivery.Port = 25
	cfg.Delivery.Timeout = Duration(time.Minute)
	cfg.Delivery.TLSMinVersion = "1.2"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Metrics.Enabled = false
	cfg.Metrics.Listen = "127.0.0.1:8025"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./mxforward.toml",
		"./mxforward.yaml",
		"./config/mxforward.toml",
		"./config/mxforward.yaml",
		os.ExpandEnv("$HOME/.mxforward.toml"),
		"/etc/mxforward/mxforward.toml",
		"/etc/mxforward/mxforward.yaml",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// LoadConfig reads the configuration file at configPath, or the first one
// found in the standard locations when configPath is empty, then applies
// environment overrides and validation. Without any file the defaults are
// used.
func LoadConfig(configPath string) (*Config, error) {
	logger := slog.Default().With("component", "config")
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	switch {
	case err != nil && configPath != "":
		return nil, err
	case err != nil:
		logger.Info("no config file found, using defaults")
	default:
		if err := cfg.decodeFile(configFile); err != nil {
			return nil, err
		}
		logger.Info("configuration loaded", "file", configFile)
	}

	cfg.ApplyEnv(os.Getenv)

	result := cfg.Validate()
	if !result.Valid {
		var messages []string
		for _, e := range result.Errors {
			messages = append(messages, e.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(messages, "; "))
	}
	for _, w := range result.Warnings {
		logger.Warn("configuration warning", "field", w.Field, "message", w.Message)
	}

	return cfg, nil
}

// DecodeFile reads path over the defaults without applying the environment
// or validating.
func DecodeFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.decodeFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	if err := checkFileSize(path, maxConfigFileSize); err != nil {
		return fmt.Errorf("config file rejected: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return c.Decode(data, formatOf(path))
}

// Decode parses data in the given format ("toml" or "yaml") over c.
func (c *Config) Decode(data []byte, format string) error {
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("error parsing YAML configuration: %w", err)
		}
	case "toml", "":
		if err := gotoml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("error parsing TOML configuration: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s", format)
	}
	return nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

// Environment variables that override file settings.
const (
	EnvListen    = "MXFORWARD_LISTEN"
	EnvHostname  = "MXFORWARD_HOSTNAME"
	EnvLogLevel  = "MXFORWARD_LOG_LEVEL"
	EnvRedisAddr = "MXFORWARD_REDIS_ADDR"
)

// ApplyEnv applies MXFORWARD_* overrides read through getenv. Setting a
// Redis address switches a memory rate-limit backend to redis.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvListen); v != "" {
		c.Server.Listen = v
	}
	if v := getenv(EnvHostname); v != "" {
		c.Server.Hostname = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := getenv(EnvRedisAddr); v != "" {
		c.RateLimit.Address = v
		if c.RateLimit.Backend == "" || c.RateLimit.Backend == "memory" {
			c.RateLimit.Backend = "redis"
		}
	}
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	if _, err := io.WriteString(w, "# mxforward configuration\n\n"); err != nil {
		return err
	}
	enc := toml.NewEncoder(w)
	enc.Indent = ""
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return nil
}

// SaveConfig saves the configuration to a file in TOML format
func (c *Config) SaveConfig(configPath string) error {
	var buf bytes.Buffer
	if err := c.Encode(&buf); err != nil {
		return err
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Files may hold SES keys and backend passwords.
	if err := os.WriteFile(configPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file
func CreateDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}
	return DefaultConfig().SaveConfig(configPath)
}
