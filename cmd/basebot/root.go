package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"basebot/internal/app"
	"basebot/internal/domain"
	"basebot/internal/infra/config"
)

const envPrefix = "BASEBOT_"

type cliOptions struct {
	configPath string
	envFile    string
	logLevel   string
	jsonOutput bool
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := cliOptions{
		configPath: "basebot.yaml",
		logger:     zap.NewNop(),
	}

	root := &cobra.Command{
		Use:           "basebot",
		Short:         "Tool-invocation core for the Base trading assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyEnvDefaults(cmd.Flags()); err != nil {
				return err
			}
			return config.LoadEnvFile(opts.envFile)
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = opts.logger.Sync()
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", opts.configPath, "path to config file (.yaml, .yml or .toml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file loaded before the config is expanded (default .env when present)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level from the config")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output JSON")

	root.AddCommand(
		newServeCmd(&opts),
		newRunCmd(&opts),
		newCatalogCmd(&opts),
		newValidateCmd(&opts),
		newHistoryCmd(&opts),
	)
	return root
}

// applyEnvDefaults fills flags the user did not pass from BASEBOT_* variables,
// e.g. BASEBOT_CONFIG or BASEBOT_LOG_LEVEL.
func applyEnvDefaults(flags *pflag.FlagSet) error {
	var firstErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed || firstErr != nil {
			return
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		value, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if err := flags.Set(f.Name, value); err != nil {
			firstErr = fmt.Errorf("%s: %w", key, err)
		}
	})
	return firstErr
}

// bootstrap returns an App logging at the flag level, used before the
// config has said how to log.
func (o *cliOptions) bootstrap() (*app.App, error) {
	logger, err := app.NewLogger(domain.LoggingConfig{}, o.logLevel)
	if err != nil {
		return nil, err
	}
	o.logger = logger
	return app.New(app.Options{Logger: logger}), nil
}

// open loads the config and returns an App logging the way it asks for.
func (o *cliOptions) open(ctx context.Context) (*app.App, domain.Config, error) {
	boot, err := o.bootstrap()
	if err != nil {
		return nil, domain.Config{}, err
	}
	cfg, err := boot.LoadConfig(ctx, o.configPath)
	if err != nil {
		return nil, domain.Config{}, err
	}
	_ = o.logger.Sync()

	logger, err := app.NewLogger(cfg.Logging, o.logLevel)
	if err != nil {
		return nil, domain.Config{}, err
	}
	o.logger = logger
	return app.New(app.Options{Logger: logger}), cfg, nil
}
