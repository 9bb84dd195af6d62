package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/livepreview/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect livepreview configuration",
	Long: `Inspect the configuration livepreview resolves from its config file,
environment variables and flags.

Examples:
  livepreview config show                 # Effective configuration as YAML
  livepreview config show --format json   # ... as JSON
  livepreview config validate             # Check the configuration`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE:  runConfigValidate,
}

var configFormat string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)

	configShowCmd.Flags().StringVar(&configFormat, "format", "yaml", "Output format (yaml, json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	switch configFormat {
	case "yaml":
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	default:
		return fmt.Errorf("unsupported format: %s (supported: yaml, json)", configFormat)
	}
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(); err != nil {
		return err
	}

	source := viper.ConfigFileUsed()
	if source == "" {
		source = "defaults and environment"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%s)\n", source)
	return nil
}
