// Package cli implements leadctl, the operator command line of the lead
// engine. Every mutating command runs inside one ledger run so its effects
// can be audited afterwards.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/ignite/leadengine/internal/app"
	"github.com/ignite/leadengine/internal/config"
	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/repository/sqlstore"
	"github.com/spf13/cobra"
)

// version can be overridden at build time via:
// go build -ldflags "-X github.com/ignite/leadengine/internal/cli.version=1.2.3"
var version = "0.4.0"

const defaultConfigPath = "config/config.yaml"

// Exit codes.
const (
	ExitOK        = 0
	ExitViolation = 1
	ExitFailure   = 2
)

type rootOptions struct {
	configPath string
}

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "leadctl",
		Short:         "Lead lifecycle engine",
		Long:          color.CyanString("leadctl") + " drives discovery, outreach and booking against the lead store.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "YAML config file")

	root.AddCommand(
		newDiscoverCmd(opts),
		newReplyCmd(opts),
		newBookCmd(opts),
		newSweepCmd(opts),
		newSuppressCmd(opts),
		newTouchCmd(opts),
		newTransitionCmd(opts),
		newMigrateCmd(opts),
	)
	return root
}

// Execute runs leadctl and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), color.RedString("Error: %v", err))
		return ExitCode(err)
	}
	return ExitOK
}

// ExitCode maps a command error to the process exit code. Core invariant
// violations exit 1; anything else that stopped the command exits 2.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case domain.IsInvariantViolation(err):
		return ExitViolation
	default:
		return ExitFailure
	}
}

// loadConfig reads the config file when there is one. The default path is
// optional; an explicit --config must exist.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := o.configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return config.LoadFromEnv(path)
}

// withApp opens the runtime for one command. SQLite stores are migrated
// on open so a fresh operator database works without a separate step.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Store.Dialect() == sqlstore.SQLite {
		if _, err := a.Store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return fn(ctx, a)
}
