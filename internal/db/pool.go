package db

import (
	"context"
	"fmt"
	"net/url"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Pool is an alias for pgxpool.Pool
type Pool = pgxpool.Pool

const (
	applicationName = "tankwatch"

	// Both binaries are short batch jobs with at most one query in flight
	// per stage.
	maxConns = 4
)

// NewPool opens the tank database. The schema is migrated once the
// database answers a ping.
func NewPool(lc fx.Lifecycle, logger *zap.Logger, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] invalid DATABASE_URL %s: %w", redactDSN(databaseURL), err)
	}
	config.MaxConns = maxConns
	if _, ok := config.ConnConfig.RuntimeParams["application_name"]; !ok {
		config.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	dbLogger := logger.With(
		zap.String("host", config.ConnConfig.Host),
		zap.String("database", config.ConnConfig.Database),
	)

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to create connection pool: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				dbLogger.Error("tank database unreachable", zap.Error(err), zap.String("dsn", redactDSN(databaseURL)))
				return fmt.Errorf("[DATABASE] cannot reach tank database at %s: %w", config.ConnConfig.Host, err)
			}

			applied, err := Migrate(ctx, pool)
			if err != nil {
				return fmt.Errorf("[DATABASE] migration failed: %w", err)
			}
			dbLogger.Info("tank database ready", zap.Strings("migrations_applied", applied))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pool.Close()
			dbLogger.Info("tank database pool closed")
			return nil
		},
	})

	return pool, nil
}

var keywordPassword = regexp.MustCompile(`(password\s*=\s*)('[^']*'|\S+)`)

// redactDSN hides the password of a URL or keyword/value connection string.
func redactDSN(dsn string) string {
	if dsn == "" {
		return "<empty>"
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return keywordPassword.ReplaceAllString(dsn, "${1}***")
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	if q := u.Query(); q.Has("password") {
		q.Set("password", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
