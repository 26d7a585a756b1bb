package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mxforward/internal/domainfilter"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.Hostname = "mx1.forwardemail.net"
	cfg.Relay.PublicIP = "203.0.113.10"
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":25", cfg.Server.Listen)
	assert.Equal(t, int64(25*1024*1024), cfg.Server.MaxSize)
	assert.Equal(t, "no-reply@forwardemail.net", cfg.Relay.NoReply)
	assert.Equal(t, []string{"mx1.forwardemail.net", "mx2.forwardemail.net"}, cfg.Relay.Exchanges)
	assert.Equal(t, "zen.spamhaus.org", cfg.Relay.DNSBLZone)
	assert.Equal(t, 5.0, cfg.Relay.SpamThreshold)
	assert.Equal(t, []string{"208.67.222.222", "208.67.220.220"}, cfg.DNS.Servers)
	assert.Equal(t, int64(200), cfg.RateLimit.Max)
	assert.Equal(t, time.Hour, cfg.RateLimit.Duration.Std())
	assert.Equal(t, 25, cfg.Delivery.Port)
	assert.Equal(t, domainfilter.DisposableListURL, cfg.Filters.DisposableURL)
	assert.False(t, cfg.DKIM.Enabled())

	result := testConfig().Validate()
	assert.True(t, result.Valid, "errors: %v", result.Errors)
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeFile(t, "mxforward.toml", `
[server]
hostname = "relay.example.com"
listen = "127.0.0.1:2525"
max_size = 1048576
read_timeout = "30s"

[relay]
exchanges = ["mx.example.com"]
public_ip = "198.51.100.1"
spam_threshold = 7.5

[rate_limit]
max = 10
duration = "10m"

[logging]
level = "debug"
format = "text"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "relay.example.com", cfg.Server.Hostname)
	assert.Equal(t, "127.0.0.1:2525", cfg.Server.Listen)
	assert.Equal(t, int64(1048576), cfg.Server.MaxSize)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout.Std())
	assert.Equal(t, []string{"mx.example.com"}, cfg.Relay.Exchanges)
	assert.Equal(t, 7.5, cfg.Relay.SpamThreshold)
	assert.Equal(t, int64(10), cfg.RateLimit.Max)
	assert.Equal(t, 10*time.Minute, cfg.RateLimit.Duration.Std())
	assert.Equal(t, "debug", cfg.Logging.Level)

	// untouched sections keep their defaults
	assert.Equal(t, "no-reply@forwardemail.net", cfg.Relay.NoReply)
	assert.Equal(t, time.Minute, cfg.Delivery.Timeout.Std())
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeFile(t, "mxforward.yaml", `
server:
  hostname: relay.example.com
  listen: ":2525"
relay:
  public_ip: 198.51.100.1
dns:
  servers: ["1.1.1.1", "9.9.9.9:53"]
  timeout: 2s
rate_limit:
  backend: redis
  address: localhost:6379
  duration: 1h
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "relay.example.com", cfg.Server.Hostname)
	assert.Equal(t, []string{"1.1.1.1", "9.9.9.9:53"}, cfg.DNS.Servers)
	assert.Equal(t, 2*time.Second, cfg.DNS.Timeout.Std())
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
	assert.Equal(t, time.Hour, cfg.RateLimit.Duration.Std())
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("bad duration", func(t *testing.T) {
		path := writeFile(t, "bad.toml", "[dns]\ntimeout = \"soon\"\n")
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TOML")
	})

	t.Run("validation failure", func(t *testing.T) {
		path := writeFile(t, "invalid.toml", `
[server]
hostname = "relay.example.com"

[rate_limit]
backend = "etcd"
`)
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate_limit.backend")
	})

	t.Run("oversized file", func(t *testing.T) {
		path := writeFile(t, "huge.toml", "# "+strings.Repeat("x", 2*1024*1024))
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})
}

func TestApplyEnv(t *testing.T) {
	cfg := testConfig()
	env := map[string]string{
		EnvListen:    "0.0.0.0:2525",
		EnvHostname:  "relay.example.org",
		EnvLogLevel:  "warn",
		EnvRedisAddr: "redis:6379",
	}
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "0.0.0.0:2525", cfg.Server.Listen)
	assert.Equal(t, "relay.example.org", cfg.Server.Hostname)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
	assert.Equal(t, "redis:6379", cfg.RateLimit.Address)

	cfg.RateLimit.Backend = "valkey"
	cfg.ApplyEnv(func(k string) string { return env[k] })
	assert.Equal(t, "valkey", cfg.RateLimit.Backend, "explicit non-memory backend is kept")
}

func TestEncodeRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Relay.ProcessTimeout = Duration(90 * time.Second)

	var buf bytes.Buffer
	require.NoError(t, cfg.Encode(&buf))
	assert.Contains(t, buf.String(), "[relay]")
	assert.Contains(t, buf.String(), `process_timeout = "1m30s"`)

	decoded := &Config{}
	require.NoError(t, decoded.Decode(buf.Bytes(), "toml"))
	assert.Equal(t, cfg.Relay, decoded.Relay)
	assert.Equal(t, cfg.RateLimit.Duration, decoded.RateLimit.Duration)
}

func TestCreateDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "mxforward.toml")
	require.NoError(t, CreateDefaultConfig(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	err = CreateDefaultConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestValidate(t *testing.T) {
	keyFile := writeFile(t, "dkim.pem", "key")

	tests := []struct {
		name    string
		mutate  func(c *Config)
		field   string
		warning bool
	}{
		{"bad hostname", func(c *Config) { c.Server.Hostname = "bad;host" }, "server.hostname", false},
		{"bad listen", func(c *Config) { c.Server.Listen = "nowhere" }, "server.listen", false},
		{"tiny max size", func(c *Config) { c.Server.MaxSize = 10 }, "server.max_size", false},
		{"bad no-reply", func(c *Config) { c.Relay.NoReply = "nobody" }, "relay.no_reply", false},
		{"no exchanges", func(c *Config) { c.Relay.Exchanges = nil }, "relay.exchanges", false},
		{"bad public ip", func(c *Config) { c.Relay.PublicIP = "not-an-ip" }, "relay.public_ip", false},
		{"detected public ip", func(c *Config) { c.Relay.PublicIP = "" }, "relay.public_ip", true},
		{"no dns servers", func(c *Config) { c.DNS.Servers = nil }, "dns.servers", false},
		{"too many retries", func(c *Config) { c.DNS.Retries = 50 }, "dns.retries", false},
		{"zero rate", func(c *Config) { c.RateLimit.Max = 0 }, "rate_limit.max", false},
		{"redis without address", func(c *Config) { c.RateLimit.Backend = "redis" }, "rate_limit.address", false},
		{"missing list file", func(c *Config) { c.Filters.BlacklistFile = "/nonexistent/list.txt" }, "filters.blacklist_file", false},
		{"traversal", func(c *Config) { c.Filters.WildcardFile = "../../secret" }, "filters.wildcard_file", false},
		{"bad disposable url", func(c *Config) { c.Filters.DisposableURL = "ftp://lists.example.com/disposable" }, "filters.disposable_url", false},
		{"sql without dsn", func(c *Config) { c.Filters.SQLDriver = "postgres" }, "filters.sql_dsn", false},
		{"unknown classifier", func(c *Config) { c.Antispam.Type = "bogofilter" }, "antispam.type", false},
		{"unknown delivery mode", func(c *Config) { c.Delivery.Mode = "uucp" }, "delivery.mode", false},
		{"bad tls version", func(c *Config) { c.Delivery.TLSMinVersion = "2.0" }, "delivery.tls_min_version", false},
		{"half dkim", func(c *Config) { c.DKIM.Domain = "example.com" }, "dkim", false},
		{"half tls", func(c *Config) { c.TLS.CertFile = keyFile }, "tls.cert_file", false},
		{"no tls", func(c *Config) {}, "tls", true},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level", false},
		{"metrics listen", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "" }, "metrics.listen", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			result := cfg.Validate()

			list := result.Errors
			if tt.warning {
				list = result.Warnings
			}
			var fields []string
			for _, e := range list {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
			if !tt.warning {
				assert.False(t, result.Valid)
			}
		})
	}

	t.Run("complete dkim", func(t *testing.T) {
		cfg := testConfig()
		cfg.DKIM = DKIMConfig{Domain: "forwardemail.net", Selector: "default", PrivateKeyFile: keyFile}
		result := cfg.Validate()
		assert.True(t, result.Valid, "errors: %v", result.Errors)
		assert.True(t, cfg.DKIM.Enabled())
	})
}

func TestFindConfigFile(t *testing.T) {
	path := writeFile(t, "custom.toml", "")
	found, err := FindConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, found)

	_, err = FindConfigFile(path + ".missing")
	assert.Error(t, err)
}
