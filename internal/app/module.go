package app

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/septivank/tankwatch/internal/config"
)

// Core provides what both jobs need: config, logging, storage, the vendor
// client and metrics.
var Core = fx.Options(
	fx.Provide(
		config.Load,
		ProvideLogger,
		ProvideDBPool,
		ProvideRepository,
		ProvideTuyaClient,
		ProvideRecorder,
	),
)

// EventLogger routes fx lifecycle events through the service logger.
var EventLogger = fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
})

// Collector wires the ingestion job.
var Collector = fx.Options(
	Core,
	fx.Supply(JobName("collector")),
	fx.Provide(
		ProvideValidator,
		ProvideIngestService,
	),
)

// Reporter wires the daily report job.
var Reporter = fx.Options(
	Core,
	fx.Supply(JobName("reporter")),
	fx.Provide(
		ProvideLocation,
		ProvideAnomalyDetector,
		ProvideRedisClient,
		ProvideLocker,
		ProvideMQConnection,
		ProvideSinks,
		ProvideDailyService,
	),
)
