// Package cmd implements the moetrack command line.
package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/llm-recipes/moetrack/internal/config"
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "moetrack",
	Short: "moetrack - resume and telemetry companion for MoE training runs",
	Long: `moetrack derives the resume point of a training rank from its checkpoint
directory and turns per-iteration measurements into throughput, TFLOPS and
optimizer-state telemetry.

Example:
  moetrack resume --config run.yaml
  moetrack estimate --model-config config.json --batch-size 1 --seq-length 4096 --elapsed 12.5
  moetrack serve --config run.yaml`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides log_level from the config")
}

// loadConfig resolves the configuration and applies its log level.
func loadConfig() (*config.Config, error) {
	v := viper.New()
	if err := v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}
