// The worker claims queued workflow runs and executes them.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mortiscope/caseflow/engine"
	"github.com/mortiscope/caseflow/internal/blob"
	"github.com/mortiscope/caseflow/internal/config"
	"github.com/mortiscope/caseflow/internal/labsvc"
	"github.com/mortiscope/caseflow/internal/mailer"
	pgstore "github.com/mortiscope/caseflow/internal/casedata/postgres"
	"github.com/mortiscope/caseflow/internal/workflows"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return err
	}

	// DDL is idempotent; applying at startup keeps dev and test databases
	// in sync without a migration tool.
	if _, err := pool.Exec(ctx, engine.SchemaSQL); err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, pgstore.SchemaSQL()); err != nil {
		return err
	}

	store := pgstore.New(pool)
	lab := labsvc.New(cfg.AnalysisServiceURL, cfg.AnalysisServiceSecret)

	var mail mailer.Mailer = &mailer.LogMailer{Logger: logger}
	if cfg.SMTPAddr != "" {
		mail = &mailer.SMTPMailer{Addr: cfg.SMTPAddr, From: cfg.SMTPFrom}
	}

	var blobs workflows.BlobStore
	if cfg.MinioEndpoint != "" {
		b, err := blob.New(ctx, blob.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Region:    cfg.MinioRegion,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return err
		}
		blobs = b
	}

	reg := engine.NewRegistry()
	workflows.RegisterAll(reg, workflows.Deps{
		Store:         store,
		Lab:           lab,
		Mailer:        mail,
		Blobs:         blobs,
		Logger:        logger,
		UploadGrace:   cfg.UploadGracePeriod,
		DeletionGrace: cfg.DeletionGracePeriod(),
	})

	worker := engine.NewWorker(pool, reg, engine.WorkerConfig{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		LeaseTimeout: cfg.WorkerLeaseTimeout,
		Logger:       logger,
	})

	logger.Info("worker starting",
		"concurrency", cfg.WorkerConcurrency,
		"triggers", reg.Triggers())
	return worker.Run(ctx)
}
