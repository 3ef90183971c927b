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
	"github.com/septivank/tankwatch/internal/daily"
	"github.com/septivank/tankwatch/internal/lock"
	"github.com/septivank/tankwatch/tools/timeparser"
)

const startTimeout = 30 * time.Second

func main() {
	dateFlag := flag.String("date", "", "report date as YYYY-MM-DD or DD/MM/YYYY (default: yesterday in TIMEZONE)")
	flag.Parse()

	config.LoadDotEnv()

	var (
		svc    *daily.Service
		loc    *time.Location
		logger *zap.Logger
	)
	application := fx.New(
		app.Reporter,
		app.EventLogger,
		fx.Populate(&svc, &loc, &logger),
	)

	startCtx, startCancel := context.WithTimeout(context.Background(), startTimeout)
	defer startCancel()

	if err := application.Start(startCtx); err != nil {
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) {
			fmt.Fprintln(os.Stderr, "APPLICATION START TIMEOUT: failed to start within 30 seconds. A dependency (Database, Redis or RabbitMQ) is probably not reachable.")
		}
		fmt.Fprintln(os.Stderr, "reporter failed to start:", err)
		os.Exit(1)
	}

	exitCode := run(logger, svc, loc, *dateFlag)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), startTimeout)
	defer stopCancel()
	if err := application.Stop(stopCtx); err != nil {
		logger.Error("error stopping app", zap.Error(err))
	}

	os.Exit(exitCode)
}

func run(logger *zap.Logger, svc *daily.Service, loc *time.Location, dateFlag string) int {
	date := timeparser.Yesterday(time.Now(), loc)
	if dateFlag != "" {
		parsed, err := timeparser.ParseReportDate(dateFlag, loc)
		if err != nil {
			logger.Error("invalid -date flag", zap.Error(err))
			return 2
		}
		date = parsed
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if _, err := svc.Run(ctx, date); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return 0
		}
		logger.Error("daily report failed", zap.Error(err))
		return 1
	}
	return 0
}
