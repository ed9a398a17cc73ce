// rmwatch follows a service's read models over its event stream.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marcus-qen/rmsync/internal/config"
)

var (
	version string
	commit  string
	date    string
)

func init() {
	if version == "" {
		version = "dev"
	}
	if commit == "" {
		commit = "unknown"
	}
	if date == "" {
		date = buildTimestamp()
	}
}

func buildTimestamp() string {
	exePath, err := os.Executable()
	if err == nil {
		if info, statErr := os.Stat(exePath); statErr == nil {
			return info.ModTime().UTC().Format(time.RFC3339)
		}
	}
	return time.Now().UTC().Format(time.RFC3339)
}

var (
	cfgPath  string
	baseURL  string
	token    string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "rmwatch",
	Short:         "Follow read models and events from a service's event stream",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base", "", "service base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "admin token")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rmwatch %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

// loadConfig reads the config file and environment, then applies flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, err
	}
	cfg = applyFlags(cfg)
	return cfg, cfg.Validate()
}

// applyFlags overlays the persistent flags that were set.
func applyFlags(cfg config.Config) config.Config {
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if token != "" {
		cfg.AdminToken = token
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg
}

// newLogger builds a production logger, or a development one at debug level.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
