package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/tankwatch/internal/analysis"
	"github.com/septivank/tankwatch/internal/anomaly"
	"github.com/septivank/tankwatch/internal/config"
	"github.com/septivank/tankwatch/internal/daily"
	"github.com/septivank/tankwatch/internal/db"
	"github.com/septivank/tankwatch/internal/ingest"
	"github.com/septivank/tankwatch/internal/lock"
	"github.com/septivank/tankwatch/internal/logging"
	"github.com/septivank/tankwatch/internal/mailer"
	"github.com/septivank/tankwatch/internal/metrics"
	"github.com/septivank/tankwatch/internal/mq"
	"github.com/septivank/tankwatch/internal/report"
	"github.com/septivank/tankwatch/internal/repository"
	"github.com/septivank/tankwatch/internal/tuya"
	"github.com/septivank/tankwatch/internal/validator"
	"github.com/septivank/tankwatch/tools/timeparser"
)

// JobName identifies the binary in logs and pushed metrics.
type JobName string

// ProvideLogger creates the service logger
func ProvideLogger(cfg *config.Config, job JobName) (*zap.Logger, error) {
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("job", string(job))), nil
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool, cfg *config.Config) *repository.Repository {
	return repository.NewRepository(pool, cfg.Database.Timeout)
}

// ProvideTuyaClient creates the vendor API client
func ProvideTuyaClient(cfg *config.Config, logger *zap.Logger) *tuya.Client {
	return tuya.NewClient(tuya.Config{
		BaseURL:      cfg.Tuya.BaseURL,
		ClientID:     cfg.Tuya.ClientID,
		ClientSecret: cfg.Tuya.ClientSecret,
		PageSize:     cfg.Tuya.PageSize,
		PageDelay:    cfg.Tuya.PageDelay,
		Timeout:      cfg.Tuya.HTTPTimeout,
		RetryCount:   cfg.Tuya.RetryCount,
	}, logger)
}

// ProvideRecorder creates the metrics recorder for this job
func ProvideRecorder(cfg *config.Config, job JobName, logger *zap.Logger) *metrics.Recorder {
	return metrics.NewRecorder(cfg.Metrics.PushgatewayURL, string(job), cfg.Tuya.DeviceID, logger)
}

// ProvideLocation resolves the configured timezone
func ProvideLocation(cfg *config.Config) (*time.Location, error) {
	loc, err := timeparser.ParseLocation(cfg.Tank.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	return loc, nil
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.FutureToleranceMinutes)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(
		cfg.Anomaly.RateSpikeThreshold,
		cfg.Anomaly.MinDataPointsForDetection,
		cfg.Anomaly.LowRSquaredThreshold,
	)
}

// ProvideIngestService creates the ingestion pipeline
func ProvideIngestService(
	repo *repository.Repository,
	client *tuya.Client,
	validator *validator.Validator,
	recorder *metrics.Recorder,
	cfg *config.Config,
	logger *zap.Logger,
) *ingest.Service {
	return ingest.NewService(repo, client, validator, recorder, ingest.Options{
		DeviceID:         cfg.Tuya.DeviceID,
		InitialSyncHours: cfg.Sync.InitialSyncHours,
		OverlapMinutes:   cfg.Sync.OverlapMinutes,
	}, logger)
}

// ProvideRedisClient connects to Redis when REDIS_ADDR is set. It returns
// nil otherwise.
func ProvideRedisClient(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) *redis.Client {
	if cfg.Redis.Addr == "" {
		logger.Info("REDIS_ADDR not set, report runs are not locked")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

const redisPingTimeout = 5 * time.Second

// ProvideLocker returns a Redis lock, or a no-op lock without Redis. An
// unreachable Redis degrades to the no-op lock.
func ProvideLocker(client *redis.Client, cfg *config.Config, logger *zap.Logger) lock.Locker {
	if client == nil {
		return lock.NopLocker{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, report runs are not locked",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err))
		return lock.NopLocker{}
	}

	logger.Info("redis connection established successfully")
	return lock.NewRedisLocker(client, cfg.Redis.LockTTL, logger)
}

// ProvideMQConnection connects to RabbitMQ when RABBITMQ_URL is set. It
// returns nil otherwise.
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if cfg.RabbitMQ.URL == "" {
		logger.Info("RABBITMQ_URL not set, reports are not published")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvideSinks builds every configured report sink
func ProvideSinks(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) ([]report.Sink, error) {
	var sinks []report.Sink

	if cfg.Email.Enabled() {
		m, err := mailer.NewMailer(cfg.Email, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, m)
	} else {
		logger.Warn("email configuration incomplete, reports will not be emailed")
	}

	if conn != nil {
		publisher, err := mq.NewReportPublisher(conn, cfg.RabbitMQ.ReportExchange, cfg.RabbitMQ.ReportRoutingKey, logger)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return publisher.Close()
			},
		})
		sinks = append(sinks, publisher)
	}

	return sinks, nil
}

// ProvideDailyService creates the daily report service
func ProvideDailyService(
	repo *repository.Repository,
	client *tuya.Client,
	detector *anomaly.Detector,
	locker lock.Locker,
	sinks []report.Sink,
	recorder *metrics.Recorder,
	loc *time.Location,
	cfg *config.Config,
	logger *zap.Logger,
) *daily.Service {
	return daily.NewService(repo, client, detector, locker, sinks, recorder, daily.Options{
		DeviceID: cfg.Tuya.DeviceID,
		Location: loc,
		Window: analysis.NightWindow{
			StartHour: cfg.Tank.NightStartHour,
			EndHour:   cfg.Tank.NightEndHour,
		},
		Calibration: analysis.Calibration{
			TotalCapacityLiters: cfg.Tank.TotalCapacityLiters(),
			SensorMaxDepth:      cfg.Tank.SensorMaxDepth,
		},
		RateHistoryDays: cfg.Anomaly.RateHistoryDays,
	}, logger)
}
