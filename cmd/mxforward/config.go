package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/busybox42/mxforward/internal/config"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
		Long:  "Commands for generating and validating mxforward configuration",
	}

	generateCmd := &cobra.Command{
		Use:   "generate [path]",
		Short: "Generate a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  generateConfig,
	}
	generateCmd.Flags().Bool("stdout", false, "print the configuration instead of writing a file")
	configCmd.AddCommand(generateCmd)

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  validateConfig,
	})

	return configCmd
}

func generateConfig(cmd *cobra.Command, args []string) error {
	if toStdout, _ := cmd.Flags().GetBool("stdout"); toStdout {
		return config.DefaultConfig().Encode(cmd.OutOrStdout())
	}

	outputPath := "mxforward.toml"
	if len(args) > 0 {
		outputPath = args[0]
	}

	if err := config.CreateDefaultConfig(outputPath); err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration generated at: %s\n", outputPath)
	return nil
}

// validateConfig decodes the file without failing fast so that every
// problem is reported at once.
func validateConfig(cmd *cobra.Command, args []string) error {
	configFile := configPath
	if len(args) > 0 {
		configFile = args[0]
	}

	path, err := config.FindConfigFile(configFile)
	if err != nil {
		return err
	}
	cfg, err := config.DecodeFile(path)
	if err != nil {
		return err
	}

	result := cfg.Validate()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "=== Configuration Validation Report: %s ===\n\n", path)
	if result.Valid {
		fmt.Fprintf(out, "Configuration is VALID\n\n")
	} else {
		fmt.Fprintf(out, "Configuration has ERRORS\n\n")
	}

	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "ERRORS (%d):\n", len(result.Errors))
		for i, e := range result.Errors {
			fmt.Fprintf(out, "  %d. %s\n", i+1, e.Error())
		}
		fmt.Fprintln(out)
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "WARNINGS (%d):\n", len(result.Warnings))
		for i, w := range result.Warnings {
			fmt.Fprintf(out, "  %d. %s\n", i+1, w.Error())
		}
		fmt.Fprintln(out)
	}

	if result.Valid {
		fmt.Fprintf(out, "Configuration Summary:\n")
		fmt.Fprintf(out, "  Server: %s on %s\n", cfg.Server.Hostname, cfg.Server.Listen)
		fmt.Fprintf(out, "  Exchanges: %v\n", cfg.Relay.Exchanges)
		fmt.Fprintf(out, "  Rate limit: %d per %s (%s)\n", cfg.RateLimit.Max, cfg.RateLimit.Duration, cfg.RateLimit.Backend)
		fmt.Fprintf(out, "  Antispam: %s\n", cfg.Antispam.Type)
		fmt.Fprintf(out, "  Delivery: %s\n", cfg.Delivery.Mode)
		if cfg.DKIM.Enabled() {
			fmt.Fprintf(out, "  DKIM: %s._domainkey.%s\n", cfg.DKIM.Selector, cfg.DKIM.Domain)
		} else {
			fmt.Fprintf(out, "  DKIM: Disabled\n")
		}
		switch {
		case cfg.TLS.CertFile != "":
			fmt.Fprintf(out, "  TLS: Enabled\n")
		case cfg.TLS.ACMEDir != "":
			fmt.Fprintf(out, "  TLS: Enabled (ACME)\n")
		default:
			fmt.Fprintf(out, "  TLS: Disabled\n")
		}
		return nil
	}

	return fmt.Errorf("configuration validation failed with %d errors", len(result.Errors))
}
