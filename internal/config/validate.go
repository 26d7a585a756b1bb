package config

import (
	"fmt"
	"net"
	"net/url"
	"os"

	"github.com/busybox42/mxforward/internal/domainfilter"
	"github.com/busybox42/mxforward/internal/logging"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	c.validateServer(result)
	c.validateRelay(result)
	c.validateDNS(result)
	c.validateRateLimit(result)
	c.validateFilters(result)
	c.validateAntispam(result)
	c.validateDelivery(result)
	c.validateDKIM(result)
	c.validateTLS(result)
	c.validateLogging(result)
	c.validateMetrics(result)

	return result
}

func (c *Config) validateServer(result *ValidationResult) {
	if c.Server.Hostname == "" {
		result.AddError("server.hostname", c.Server.Hostname, "hostname is required")
	} else if err := checkHostname(c.Server.Hostname); err != nil {
		result.AddError("server.hostname", c.Server.Hostname, err.Error())
	}

	if c.Server.Listen == "" {
		result.AddError("server.listen", c.Server.Listen, "listen address is required")
	} else if err := checkListenAddr(c.Server.Listen); err != nil {
		result.AddError("server.listen", c.Server.Listen, err.Error())
	}

	if c.Server.MaxSize < 1024 || c.Server.MaxSize > maxMessageSize {
		result.AddError("server.max_size", c.Server.MaxSize,
			fmt.Sprintf("max_size must be between 1024 and %d bytes", maxMessageSize))
	}

	if c.Server.MaxRecipients < 0 {
		result.AddError("server.max_recipients", c.Server.MaxRecipients, "max_recipients cannot be negative")
	} else if c.Server.MaxRecipients == 0 {
		result.AddWarning("server.max_recipients", c.Server.MaxRecipients, "no recipient limit per message")
	}

	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		result.AddError("server.read_timeout", c.Server.ReadTimeout, "timeouts cannot be negative")
	}
}

func (c *Config) validateRelay(result *ValidationResult) {
	if !domainfilter.IsEmail(c.Relay.NoReply) {
		result.AddError("relay.no_reply", c.Relay.NoReply, "no_reply must be an email address")
	}

	if len(c.Relay.Exchanges) == 0 {
		result.AddError("relay.exchanges", c.Relay.Exchanges, "at least one exchange is required")
	}
	for i, exchange := range c.Relay.Exchanges {
		field := fmt.Sprintf("relay.exchanges[%d]", i)
		if err := checkHostname(exchange); err != nil {
			result.AddError(field, exchange, err.Error())
		}
	}

	if c.Relay.DNSBLZone != "" {
		if err := checkHostname(c.Relay.DNSBLZone); err != nil {
			result.AddError("relay.dnsbl_zone", c.Relay.DNSBLZone, err.Error())
		}
	}

	if c.Relay.PublicIP == "" {
		result.AddWarning("relay.public_ip", c.Relay.PublicIP, "public IP will be detected from local interfaces")
	} else if net.ParseIP(c.Relay.PublicIP) == nil {
		result.AddError("relay.public_ip", c.Relay.PublicIP, "public_ip must be an IP address")
	}

	if c.Relay.SpamThreshold <= 0 {
		result.AddError("relay.spam_threshold", c.Relay.SpamThreshold, "spam_threshold must be positive")
	}

	if c.Relay.ProcessTimeout < 0 {
		result.AddError("relay.process_timeout", c.Relay.ProcessTimeout, "process_timeout cannot be negative")
	}
}

func (c *Config) validateDNS(result *ValidationResult) {
	if len(c.DNS.Servers) == 0 {
		result.AddError("dns.servers", c.DNS.Servers, "at least one DNS server is required")
	}
	for i, server := range c.DNS.Servers {
		field := fmt.Sprintf("dns.servers[%d]", i)
		if err := checkDNSServer(server); err != nil {
			result.AddError(field, server, err.Error())
		}
	}

	if c.DNS.Timeout <= 0 {
		result.AddError("dns.timeout", c.DNS.Timeout, "timeout must be positive")
	}
	if c.DNS.Retries < 0 || c.DNS.Retries > maxDNSRetries {
		result.AddError("dns.retries", c.DNS.Retries, fmt.Sprintf("retries must be between 0 and %d", maxDNSRetries))
	}
	if c.DNS.CacheSize < 0 {
		result.AddError("dns.cache_size", c.DNS.CacheSize, "cache_size cannot be negative")
	}
	if c.DNS.CacheTTL == 0 {
		result.AddWarning("dns.cache_ttl", c.DNS.CacheTTL, "DNS answers will not be cached")
	}
}

func (c *Config) validateRateLimit(result *ValidationResult) {
	if c.RateLimit.Max <= 0 {
		result.AddError("rate_limit.max", c.RateLimit.Max, "max must be positive")
	}
	if c.RateLimit.Duration <= 0 {
		result.AddError("rate_limit.duration", c.RateLimit.Duration, "duration must be positive")
	}

	switch c.RateLimit.Backend {
	case "", "memory":
	case "redis", "memcached", "valkey":
		if c.RateLimit.Address == "" {
			result.AddError("rate_limit.address", c.RateLimit.Address,
				fmt.Sprintf("address is required for the %s backend", c.RateLimit.Backend))
		}
	default:
		result.AddError("rate_limit.backend", c.RateLimit.Backend, "backend must be memory, redis, memcached or valkey")
	}
}

func (c *Config) validateFilters(result *ValidationResult) {
	for field, path := range map[string]string{
		"filters.blacklist_file":  c.Filters.BlacklistFile,
		"filters.disposable_file": c.Filters.DisposableFile,
		"filters.wildcard_file":   c.Filters.WildcardFile,
	} {
		validateFile(result, field, path)
	}

	if c.Filters.DisposableURL != "" {
		if u, err := url.Parse(c.Filters.DisposableURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			result.AddError("filters.disposable_url", c.Filters.DisposableURL, "disposable_url must be an http or https URL")
		}
	}

	switch c.Filters.SQLDriver {
	case "":
	case "postgres", "mysql", "sqlite3":
		if c.Filters.SQLDSN == "" {
			result.AddError("filters.sql_dsn", "", "sql_dsn is required when sql_driver is set")
		}
	default:
		result.AddError("filters.sql_driver", c.Filters.SQLDriver, "sql_driver must be postgres, mysql or sqlite3")
	}
}

func (c *Config) validateAntispam(result *ValidationResult) {
	switch c.Antispam.Type {
	case "", "none", "noop":
	case "spamassassin", "spamd", "rspamd":
		if c.Antispam.Timeout <= 0 {
			result.AddError("antispam.timeout", c.Antispam.Timeout, "timeout must be positive")
		}
	default:
		result.AddError("antispam.type", c.Antispam.Type, "type must be none, spamassassin or rspamd")
	}
}

func (c *Config) validateDelivery(result *ValidationResult) {
	switch c.Delivery.Mode {
	case "", "mx":
		if err := checkPort(c.Delivery.Port); err != nil {
			result.AddError("delivery.port", c.Delivery.Port, err.Error())
		}
	case "ses":
		if c.Delivery.SESRegion == "" {
			result.AddWarning("delivery.ses_region", "", "region will be taken from the AWS environment")
		}
		if (c.Delivery.SESAccessKeyID == "") != (c.Delivery.SESSecretAccessKey == "") {
			result.AddError("delivery.ses_access_key_id", "[redacted]", "access key id and secret must be set together")
		}
	default:
		result.AddError("delivery.mode", c.Delivery.Mode, "mode must be mx or ses")
	}

	if c.Delivery.Timeout <= 0 {
		result.AddError("delivery.timeout", c.Delivery.Timeout, "timeout must be positive")
	}

	switch c.Delivery.TLSMinVersion {
	case "", "1.0", "1.1", "1.2", "1.3":
	default:
		result.AddError("delivery.tls_min_version", c.Delivery.TLSMinVersion, "tls_min_version must be 1.0, 1.1, 1.2 or 1.3")
	}

	if c.Delivery.TLSInsecureSkipVerify {
		result.AddWarning("delivery.tls_insecure_skip_verify", true, "outbound certificates will not be verified")
	}
}

func (c *Config) validateDKIM(result *ValidationResult) {
	set := 0
	for _, v := range []string{c.DKIM.Domain, c.DKIM.Selector, c.DKIM.PrivateKeyFile} {
		if v != "" {
			set++
		}
	}
	if set == 0 {
		return
	}
	if set != 3 {
		result.AddError("dkim", c.DKIM.Domain, "domain, selector and private_key_file must be set together")
		return
	}

	if err := checkHostname(c.DKIM.Domain); err != nil {
		result.AddError("dkim.domain", c.DKIM.Domain, err.Error())
	}
	validateFile(result, "dkim.private_key_file", c.DKIM.PrivateKeyFile)
}

func (c *Config) validateTLS(result *ValidationResult) {
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		result.AddError("tls.cert_file", c.TLS.CertFile, "cert_file and key_file must be set together")
		return
	}

	if c.TLS.CertFile != "" {
		validateFile(result, "tls.cert_file", c.TLS.CertFile)
		validateFile(result, "tls.key_file", c.TLS.KeyFile)
		if c.TLS.ACMEDir != "" {
			result.AddWarning("tls.acme_dir", c.TLS.ACMEDir, "certificate files take precedence over ACME")
		}
		return
	}

	if c.TLS.ACMEDir != "" {
		if err := checkPath(c.TLS.ACMEDir); err != nil {
			result.AddError("tls.acme_dir", c.TLS.ACMEDir, err.Error())
		}
		if c.TLS.ACMEEmail != "" && !domainfilter.IsEmail(c.TLS.ACMEEmail) {
			result.AddError("tls.acme_email", c.TLS.ACMEEmail, "acme_email must be an email address")
		}
		return
	}

	result.AddWarning("tls", "", "STARTTLS is disabled")
}

func (c *Config) validateLogging(result *ValidationResult) {
	if _, err := logging.StringToLevel(c.Logging.Level); err != nil {
		result.AddError("logging.level", c.Logging.Level, "level must be debug, info, warn or error")
	}

	switch c.Logging.Format {
	case "", "json", "text", "console":
	default:
		result.AddError("logging.format", c.Logging.Format, "format must be json or text")
	}
}

func (c *Config) validateMetrics(result *ValidationResult) {
	if !c.Metrics.Enabled {
		return
	}
	if err := checkListenAddr(c.Metrics.Listen); err != nil {
		result.AddError("metrics.listen", c.Metrics.Listen, err.Error())
	}
	if c.Metrics.RequestsPerSecond < 0 || c.Metrics.Burst < 0 {
		result.AddError("metrics.requests_per_second", c.Metrics.RequestsPerSecond, "rate limits cannot be negative")
	}
}

// validateFile checks that a referenced file is safe, present and not huge.
func validateFile(result *ValidationResult, field, path string) {
	if path == "" {
		return
	}
	if err := checkPath(path); err != nil {
		result.AddError(field, path, err.Error())
		return
	}
	if err := checkFileSize(path, maxReferencedFileSize); err != nil {
		if os.IsNotExist(err) {
			result.AddError(field, path, "file does not exist")
			return
		}
		result.AddError(field, path, err.Error())
	}
}
