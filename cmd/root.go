// Package cmd is the livepreview command-line interface.
//
//   - serve: preview a project directory, holding its HTML and CSS files
//     as live documents and pushing changes to connected pages
//   - tokenize: print the node payloads of an HTML document
//   - config show / config validate: inspect the resolved configuration
//   - version: print build information
//
// Configuration is read with clear precedence:
//  1. Command-line flags (--port, --open, ...)
//  2. LIVEPREVIEW_CONFIG_FILE naming a config file when --config is absent
//  3. Individual environment variables (LIVEPREVIEW_SERVER_PORT, ...),
//     including those loaded from .env and .env.local
//  4. The .livepreview.yml file in the working directory
//  5. Built-in defaults
package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/livepreview/internal/config"
	"github.com/conneroisu/livepreview/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "livepreview",
	Short: "Live browser preview of HTML and CSS projects",
	Long: `livepreview serves a project directory to the browser and keeps every open
page in sync with the files being edited, pushing stylesheet changes and
document patches over a websocket instead of waiting for a manual reload.

Quick Start:
  livepreview serve               Preview the current directory
  livepreview serve ./site --open Preview ./site and open a browser
  livepreview config show         Print the effective configuration
  livepreview tokenize page.html  Dump the node payloads of a document`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is .livepreview.yml, can also use LIVEPREVIEW_CONFIG_FILE)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	addFlagValidation(rootCmd, "config", validateFileExists)
	addFlagValidation(rootCmd, "log-level", validateLogLevel)
	addFlagValidation(rootCmd, "log-format", validateLogFormat)

	cobra.CheckErr(bindFlags(viper.GetViper(), rootCmd.PersistentFlags(), map[string]string{
		"log-level":  "log.level",
		"log-format": "log.format",
	}))
}

// initConfig points Viper at the config file, the environment and .env
// files before any command runs.
func initConfig(cmd *cobra.Command, args []string) error {
	file := cfgFile
	if file == "" {
		file = os.Getenv("LIVEPREVIEW_CONFIG_FILE")
	}
	return config.Init(viper.GetViper(), file)
}

// newLogger builds the process logger from the log section.
func newLogger(cfg *config.Config) logging.Logger {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
}
