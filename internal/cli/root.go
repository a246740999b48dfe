// Package cli holds the templatehumidifier command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultConfigPath = "config.yaml"

type rootOptions struct {
	configPath string
	envFiles   []string
	debug      bool
}

// Execute runs the command line and exits non-zero on failure
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "templatehumidifier",
		Short:        "Humidifier entities driven by Home Assistant templates and scripts",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runE(opts),
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to the YAML configuration")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, ".env files to load (default .env)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(runCmd(opts), validateCmd(opts), renderCmd(opts))
	return cmd
}

// newLogger builds a production logger at level, or a development logger
// when debug is set
func newLogger(level string, debug bool) (*zap.Logger, error) {
	if debug || level == "debug" {
		return zap.NewDevelopment()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// bootstrapLogger is used until the configured level is known
func bootstrapLogger(debug bool) *zap.Logger {
	logger, err := newLogger("info", debug)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
