package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Start the background worker pool",
		Long: `Starts the worker pool that claims queued jobs, crawls the blog
posts, generates summaries, questions, and embeddings, and persists the
results. Runs until SIGINT or SIGTERM.`,
		RunE: runWork,
	}
}

func runWork(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	pool, err := a.Pool()
	if err != nil {
		return err
	}

	a.Logger.Info("worker pool starting", zap.Int("workers", a.Config.Worker.Count))
	pool.Run(ctx)
	a.Logger.Info("worker pool stopped")
	return nil
}
