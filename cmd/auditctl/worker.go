package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/GoPolymarket/polyaudit/internal/app"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
	"github.com/GoPolymarket/polyaudit/internal/repository"
	"github.com/GoPolymarket/polyaudit/internal/service"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume the audit stream and write records to the backends",
	Long: `Join the Redis stream consumer group and persist records with the
configured backends and retry policy. Run several workers to scale out;
pending entries of a dead worker are reclaimed by the others.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.Component(logger.Get(), "worker")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := app.BuildStores(ctx, cfg, logger.Get())
	if err != nil {
		return err
	}

	rdb, err := repository.NewRedisClient(cfg.Redis)
	if err != nil {
		stores.Close(context.Background())
		return err
	}
	defer rdb.Close()

	writer := service.NewRecordWriter(stores.Store, app.WriterOptions(cfg.Audit), logger.Get())
	queue := repository.NewRedisStreamQueue(rdb, cfg.Redis, cfg.Audit.Workers, logger.Get())
	queue.Start(writer.Handle)
	log.Info("audit worker started", "stream", cfg.Redis.Stream, "group", cfg.Redis.Group, "store", stores.Store.Name())

	<-ctx.Done()
	log.Info("audit worker stopping")

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := queue.Close(closeCtx); err != nil {
		log.Warn("audit worker did not stop cleanly", "error", err)
	}
	stores.Close(closeCtx)
	return nil
}
