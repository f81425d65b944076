// Command shopagent runs the seller center automation worker and manages its
// task queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/shopagent/internal/config"
	"github.com/seantiz/shopagent/internal/store"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "shopagent",
		Short:         "Browser automation worker for marketplace seller centers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("env-file", ".env", "optional dotenv file loaded before reading configuration")

	root.AddCommand(newRunCommand())
	root.AddCommand(newEnqueueCommand())
	root.AddCommand(newRequeueCommand())
	root.AddCommand(newActionsCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the dotenv file named by --env-file and then the
// environment.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		return config.Config{}, nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config: %w", err)
	}
	return cfg, config.NewLogger(os.Stdout, cfg.LogLevel), nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DBDriver == config.DriverPostgres {
		s, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return s, nil
}
