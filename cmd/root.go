// Package cmd defines the CLI commands for the askpage executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/askpage/askpage/internal/app"
	"github.com/askpage/askpage/internal/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "askpage",
		Short: "Question-generation backend for the AskPage blog widget",
		Long: `askpage runs the backend behind the AskPage widget: the HTTP API that
admits blog posts for question generation, and the worker pool that crawls
admitted posts and generates their question sets.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkCmd())

	return cmd
}

func buildApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.New(ctx, cfg)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
