package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/mxforward/internal/antispam"
	"github.com/busybox42/mxforward/internal/api"
	"github.com/busybox42/mxforward/internal/cache"
	"github.com/busybox42/mxforward/internal/config"
	"github.com/busybox42/mxforward/internal/delivery"
	"github.com/busybox42/mxforward/internal/dnsbl"
	"github.com/busybox42/mxforward/internal/domainfilter"
	"github.com/busybox42/mxforward/internal/forward"
	"github.com/busybox42/mxforward/internal/logging"
	"github.com/busybox42/mxforward/internal/mailauth"
	"github.com/busybox42/mxforward/internal/metrics"
	"github.com/busybox42/mxforward/internal/ratelimit"
	"github.com/busybox42/mxforward/internal/relay"
	"github.com/busybox42/mxforward/internal/resolver"
	"github.com/busybox42/mxforward/internal/smtp"
	"github.com/busybox42/mxforward/internal/tlsconfig"
)

const shutdownTimeout = 30 * time.Second

func newServerCmd() *cobra.Command {
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the SMTP relay",
		Long:  "Start the mxforward SMTP relay with the optional admin API",
		RunE:  runServer,
	}
	serverCmd.Flags().String("listen", "", "SMTP listen address (overrides config)")
	serverCmd.Flags().String("hostname", "", "server hostname (overrides config)")
	serverCmd.Flags().Bool("api", false, "enable the admin API (overrides config)")
	return serverCmd
}

// loadConfig loads the configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.InitializeLogging(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	return cfg, nil
}

func newResolver(cfg *config.Config) resolver.Resolver {
	client := resolver.NewClient(resolver.ClientOptions{
		Servers: cfg.DNS.Servers,
		Timeout: cfg.DNS.Timeout.Std(),
		Retries: cfg.DNS.Retries,
	})
	if cfg.DNS.CacheTTL <= 0 {
		return client
	}
	return resolver.NewCache(client, cfg.DNS.CacheTTL.Std(), cfg.DNS.CacheSize)
}

func loadFilters(ctx context.Context, cfg *config.Config) (*domainfilter.Filters, error) {
	filters, err := domainfilter.Load(ctx, domainfilter.Source{
		BlacklistFile:  cfg.Filters.BlacklistFile,
		DisposableFile: cfg.Filters.DisposableFile,
		DisposableURL:  cfg.Filters.DisposableURL,
		WildcardFile:   cfg.Filters.WildcardFile,
		SQLDriver:      cfg.Filters.SQLDriver,
		SQLDSN:         cfg.Filters.SQLDSN,
		SQLQuery:       cfg.Filters.SQLQuery,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load domain filters: %w", err)
	}
	return filters, nil
}

func newTransport(ctx context.Context, cfg *config.Config, dns resolver.Resolver) (delivery.Transport, error) {
	switch cfg.Delivery.Mode {
	case "ses":
		return delivery.NewSESTransport(ctx, delivery.SESConfig{
			Region:          cfg.Delivery.SESRegion,
			AccessKeyID:     cfg.Delivery.SESAccessKeyID,
			SecretAccessKey: cfg.Delivery.SESSecretAccessKey,
		})
	case "mx", "":
		heloName := cfg.Delivery.HeloName
		if heloName == "" {
			heloName = cfg.Server.Hostname
		}
		return delivery.NewMXTransport(dns, &delivery.Config{
			Port:                  cfg.Delivery.Port,
			Timeout:               cfg.Delivery.Timeout.Std(),
			HeloName:              heloName,
			TLSInsecureSkipVerify: cfg.Delivery.TLSInsecureSkipVerify,
			TLSMinVersion:         cfg.Delivery.TLSMinVersion,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported delivery mode: %s", cfg.Delivery.Mode)
	}
}

// newLimiter builds the sender rate limiter. The relay's no-reply address
// is always exempt.
func newLimiter(cfg *config.Config, store cache.Counter) *ratelimit.Limiter {
	exempt := append([]string{cfg.Relay.NoReply}, cfg.RateLimit.Exempt...)
	return ratelimit.New(store, ratelimit.Options{
		Max:      cfg.RateLimit.Max,
		Duration: cfg.RateLimit.Duration.Std(),
		Exempt:   exempt,
	})
}

// components are the long-lived pieces built from configuration.
type components struct {
	relay     *relay.Relay
	forwarder *forward.Resolver
	store     cache.Counter
}

func (c *components) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

// buildRelay constructs the relay and its collaborators. The caller closes
// the returned components.
func buildRelay(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*components, error) {
	dns := newResolver(cfg)

	filters, err := loadFilters(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := cache.New(cache.Config{
		Type:      cfg.RateLimit.Backend,
		Address:   cfg.RateLimit.Address,
		Password:  cfg.RateLimit.Password,
		Database:  cfg.RateLimit.Database,
		KeyPrefix: cfg.RateLimit.KeyPrefix,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s rate limit store: %w", store.Type(), err)
	}
	comp := &components{store: store}

	classifier, err := antispam.New(antispam.Config{
		Type:            cfg.Antispam.Type,
		Address:         cfg.Antispam.Address,
		Password:        cfg.Antispam.Password,
		Timeout:         cfg.Antispam.Timeout.Std(),
		ScanLimit:       cfg.Antispam.ScanLimit,
		BreakerFailures: cfg.Antispam.BreakerFailures,
		BreakerTimeout:  cfg.Antispam.BreakerTimeout.Std(),
	})
	if err != nil {
		comp.Close()
		return nil, err
	}

	transport, err := newTransport(ctx, cfg, dns)
	if err != nil {
		comp.Close()
		return nil, err
	}

	deps := relay.Dependencies{
		DNS:        dns,
		Auth:       mailauth.NewValidator(dns),
		Blocklist:  dnsbl.NewChecker(dns),
		Limiter:    newLimiter(cfg, store),
		Classifier: classifier,
		Transport:  transport,
		Metrics:    m,
	}
	comp.forwarder = forward.New(dns, filters)
	deps.Forwarder = comp.forwarder

	if cfg.DKIM.Enabled() {
		signer, err := delivery.LoadSigner(cfg.DKIM.Domain, cfg.DKIM.Selector, cfg.DKIM.PrivateKeyFile)
		if err != nil {
			comp.Close()
			return nil, err
		}
		deps.Signer = signer
	}

	comp.relay, err = relay.New(relay.Config{
		NoReply:        cfg.Relay.NoReply,
		Exchanges:      cfg.Relay.Exchanges,
		DNSBLZone:      cfg.Relay.DNSBLZone,
		PublicIP:       cfg.Relay.PublicIP,
		SpamThreshold:  cfg.Relay.SpamThreshold,
		MaxSize:        cfg.Server.MaxSize,
		ProcessTimeout: cfg.Relay.ProcessTimeout.Std(),
	}, deps)
	if err != nil {
		comp.Close()
		return nil, err
	}

	return comp, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	if hostname, _ := cmd.Flags().GetString("hostname"); hostname != "" {
		os.Setenv(config.EnvHostname, hostname)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		os.Setenv(config.EnvListen, listen)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if apiEnabled, _ := cmd.Flags().GetBool("api"); apiEnabled {
		cfg.Metrics.Enabled = true
	}

	logger := slog.Default().With("component", "main")
	ctx := context.Background()
	m := metrics.GetMetrics()

	comp, err := buildRelay(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer comp.Close()

	smtpConfig := &smtp.Config{
		ListenAddr:      cfg.Server.Listen,
		Hostname:        cfg.Server.Hostname,
		MaxMessageBytes: cfg.Server.MaxSize,
		MaxRecipients:   cfg.Server.MaxRecipients,
		ReadTimeout:     cfg.Server.ReadTimeout.Std(),
		WriteTimeout:    cfg.Server.WriteTimeout.Std(),
		SupportFooter:   cfg.Relay.SupportFooter,
	}

	tlsManager, err := tlsconfig.New(tlsconfig.Options{
		CertFile:  cfg.TLS.CertFile,
		KeyFile:   cfg.TLS.KeyFile,
		ACMEDir:   cfg.TLS.ACMEDir,
		ACMEEmail: cfg.TLS.ACMEEmail,
		Hosts:     []string{cfg.Server.Hostname},
		Staging:   cfg.TLS.ACMEStaging,
		HTTPAddr:  cfg.TLS.ACMEHTTPAddr,
	})
	switch {
	case errors.Is(err, tlsconfig.ErrDisabled):
		tlsManager = nil
	case err != nil:
		return err
	default:
		smtpConfig.TLSConfig = tlsManager.TLSConfig()
		tlsManager.Start()
	}

	smtpServer, err := smtp.NewServer(smtpConfig, comp.relay, m)
	if err != nil {
		return fmt.Errorf("failed to create SMTP server: %w", err)
	}
	if err := smtpServer.Start(); err != nil {
		return fmt.Errorf("failed to start SMTP server: %w", err)
	}
	logger.Info("SMTP server listening", "addr", smtpServer.Addr().String(), "hostname", cfg.Server.Hostname)

	var apiServer *api.Server
	if cfg.Metrics.Enabled {
		apiServer, err = api.NewServer(&api.Config{
			Enabled:    true,
			ListenAddr: cfg.Metrics.Listen,
			RateLimit: api.RateLimitConfig{
				Enabled:           cfg.Metrics.RequestsPerSecond > 0,
				RequestsPerSecond: cfg.Metrics.RequestsPerSecond,
				Burst:             cfg.Metrics.Burst,
				TrustedProxies:    cfg.Metrics.TrustedProxies,
			},
		}, comp.forwarder, nil)
		if err != nil {
			logger.Warn("failed to create API server", "error", err)
		} else {
			apiServer.SetSMTPAddr(smtpServer.Addr().String())
			if err := apiServer.Start(); err != nil {
				logger.Warn("failed to start API server", "error", err)
				apiServer = nil
			}
		}
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalChan
	logger.Info("received signal, shutting down gracefully", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := smtpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error stopping SMTP server", "error", err)
	}
	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Error("error stopping API server", "error", err)
		}
	}
	if tlsManager != nil {
		if err := tlsManager.Stop(shutdownCtx); err != nil {
			logger.Error("error stopping ACME listener", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}
