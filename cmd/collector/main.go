package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/tankwatch/internal/app"
	"github.com/septivank/tankwatch/internal/config"
	"github.com/septivank/tankwatch/internal/db"
	"github.com/septivank/tankwatch/internal/ingest"
)

const startTimeout = 30 * time.Second

func main() {
	backfill := flag.Duration("backfill", 0, "re-fetch this far back from now instead of resuming after the last stored event (e.g. 48h)")
	flag.Parse()

	config.LoadDotEnv()

	var (
		svc    *ingest.Service
		logger *zap.Logger
	)
	application := fx.New(
		app.Collector,
		app.EventLogger,
		fx.Populate(&svc, &logger),
	)

	startCtx, startCancel := context.WithTimeout(context.Background(), startTimeout)
	defer startCancel()

	if err := application.Start(startCtx); err != nil {
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) {
			fmt.Fprintln(os.Stderr, "APPLICATION START TIMEOUT: failed to start within 30 seconds. A dependency (Database) is probably not reachable.")
		}
		fmt.Fprintln(os.Stderr, "collector failed to start:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	var attempt *db.SyncAttempt
	if *backfill > 0 {
		now := time.Now()
		logger.Info("running backfill", zap.Duration("backfill", *backfill))
		attempt = svc.RunSyncWindow(ctx, now.Add(-*backfill).UnixMilli(), now.UnixMilli())
	} else {
		attempt = svc.RunSync(ctx)
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), startTimeout)
	defer stopCancel()
	if err := application.Stop(stopCtx); err != nil {
		logger.Error("error stopping app", zap.Error(err))
	}

	if attempt.Status != db.SyncStatusSuccess {
		os.Exit(1)
	}
}
