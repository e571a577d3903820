// Package cmd defines and implements the CLI commands for the rewrite-core
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/rewrite-core/internal/config"
	"github.com/JakeFAU/rewrite-core/internal/server"
)

// App is what the serve command drives. It is an interface so tests can
// inject a fake.
type App interface {
	Run(ctx context.Context) error
}

// newApp is the application factory. It's a variable so we can replace it
// in tests.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "rewrite-core",
		Short: "Caching resource rewriter",
		Long: `rewrite-core rewrites web resources (combining and cache-extending
stylesheets) behind an HTTP API. Rewrites are coordinated across processes
through a shared metadata cache and named locks.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return &cfg, nil
	}
	cmd.AddCommand(newServeCmd(loadConfig), newConfigCmd(loadConfig))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
