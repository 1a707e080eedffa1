package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ahrav/go-llmrouter/internal/worker"
	"github.com/ahrav/go-llmrouter/pkg/events"
)

var taskQueue string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve durable inference workflows on a Temporal task queue",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&taskQueue, "task-queue", "", "task queue (default from config)")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			logger.Warn("close client", "error", cerr)
		}
	}()

	if registry != nil {
		srv := &http.Server{
			Addr:              cfg.Observability.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	tc, err := worker.Dial(cfg.Temporal, logger)
	if err != nil {
		return err
	}
	defer tc.Close()

	queue := taskQueue
	if queue == "" {
		queue = cfg.Temporal.TaskQueue
	}
	logger.Info("worker started", "task_queue", queue, "protocol", cfg.Protocol)

	return worker.Run(ctx, tc, queue, c, cfg, events.NewLogEventSink(logger))
}
