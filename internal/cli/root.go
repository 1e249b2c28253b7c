// Package cli defines the command-line interface of the provisioner.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bcnelson/stack-provisioner/internal/config"
	"github.com/bcnelson/stack-provisioner/internal/logging"
)

// Execute builds the root command, runs it with args and returns any error.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := newRootCommand(stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
}

type runtimeKey struct{}

func newRootCommand(stderr io.Writer) *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:           "stack-provisioner",
		Short:         "Provision and manage per-tenant application stacks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			logger := logging.New(stderr, cfg.Log.Level)
			slog.SetDefault(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")

	cmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newRenderCommand(),
		newTokenCommand(),
	)

	return cmd
}

// fromContext returns the configuration and logger set up by the root command.
func fromContext(ctx context.Context) (*config.Config, *slog.Logger) {
	if rt, ok := ctx.Value(runtimeKey{}).(*runtime); ok {
		return rt.cfg, rt.logger
	}
	return &config.Config{}, logging.New(os.Stderr, "info")
}
