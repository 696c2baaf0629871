package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/cmd/stockd/cli"
	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/audit"
	"github.com/odyssey-erp/stockledger/internal/corrections"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/procurement"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/transfers"
	"github.com/odyssey-erp/stockledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = migrate(ctx, cfg, logger)
	case "jobs":
		err = cli.RunJobs(ctx, cfg.RedisAddr, args, os.Stdout)
	default:
		err = fmt.Errorf("unknown command %q (want serve, migrate or jobs)", command)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(command+" failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return db.Migrate(ctx, pool, logger)
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()
	deps := app.ServiceDeps{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.Stock(),
		Audit:   jobs.LogSink{Logger: logger},
	}

	var (
		pool       *pgxpool.Pool
		jobHandler *jobs.Handler
	)
	if cfg.StoreDriver == app.StorePostgres {
		var err error
		pool, err = db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		deps.Pool = pool

		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		jobClient := jobs.NewClient(redisOpts, logger)
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		deps.Audit = shared.AuditChain{jobClient}

		inspector := asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	} else {
		logger.Warn("memory store driver selected, stock is not persisted")
	}

	services, err := app.BuildServices(deps)
	if err != nil {
		return err
	}

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Metrics:           metrics,
		InventoryHandler:  inventory.NewHandler(logger, services.Ledger),
		ReceiptHandler:    procurement.NewHandler(logger, services.Receipts),
		TransferHandler:   transfers.NewHandler(logger, services.Transfers),
		CorrectionHandler: corrections.NewHandler(logger, services.Corrections),
		AuditHandler:      audit.NewHandler(logger, services.Audit),
		JobHandler:        jobHandler,
		Ready:             db.Ping(pool),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
