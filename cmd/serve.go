package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and worker pool",
		Long: `Starts the widget-facing HTTP API (check-and-load, job status,
health probes, Prometheus metrics) together with the background worker pool.
Shuts down gracefully on SIGINT or SIGTERM. Use "work" to run workers
without the API.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	poolCtx, cancelPool := context.WithCancel(ctx)
	defer cancelPool()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Logger.Info("worker pool starting", zap.Int("workers", a.Config.Worker.Count))
		pool.Run(poolCtx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		cancelPool()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.Logger.Warn("http shutdown failed", zap.Error(err))
	}
	cancelPool()
	wg.Wait()
	return nil
}
