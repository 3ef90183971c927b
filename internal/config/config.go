package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	LogLevel    string
	Tuya        TuyaConfig
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Redis       RedisConfig
	Metrics     MetricsConfig
	Email       EmailConfig
	Tank        TankConfig
	Sync        SyncConfig
	Validation  ValidationConfig
	Anomaly     AnomalyConfig
}

// TuyaConfig holds vendor API credentials and paging settings
type TuyaConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	DeviceID     string
	PageSize     int
	PageDelay    time.Duration
	HTTPTimeout  time.Duration
	RetryCount   int
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL     string
	Timeout time.Duration
}

// RabbitMQConfig holds settings for publishing finished reports.
// An empty URL disables publishing.
type RabbitMQConfig struct {
	URL              string
	ReportExchange   string
	ReportRoutingKey string
}

// RedisConfig holds settings for the run lock. An empty Addr disables locking.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// MetricsConfig holds Pushgateway settings. An empty URL disables pushing.
type MetricsConfig struct {
	PushgatewayURL string
}

// EmailConfig holds SMTP delivery settings
type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	From         string
	To           []string
}

// Enabled reports whether enough settings are present to send mail.
func (e EmailConfig) Enabled() bool {
	return e.SMTPHost != "" && e.From != "" && len(e.To) > 0
}

// TankConfig holds tank geometry, sensor calibration and the analysis policy
type TankConfig struct {
	Timezone           string
	TankCount          int
	TankCapacityLiters float64
	SensorMinDepth     float64
	SensorMaxDepth     float64
	NightStartHour     int
	NightEndHour       int
}

// TotalCapacityLiters is the combined capacity of all tanks.
func (t TankConfig) TotalCapacityLiters() float64 {
	return float64(t.TankCount) * t.TankCapacityLiters
}

// SyncConfig holds ingestion window settings
type SyncConfig struct {
	InitialSyncHours int
	OverlapMinutes   int
}

// ValidationConfig holds validation settings
type ValidationConfig struct {
	FutureToleranceMinutes int
}

// AnomalyConfig holds fill rate plausibility settings
type AnomalyConfig struct {
	LowRSquaredThreshold      float64
	RateSpikeThreshold        float64
	MinDataPointsForDetection int
	RateHistoryDays           int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "tankwatch"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Tuya: TuyaConfig{
			ClientID:     getEnv("TUYA_CLIENT_ID", ""),
			ClientSecret: getEnv("TUYA_CLIENT_SECRET", ""),
			BaseURL:      getEnv("TUYA_BASE_URL", "https://openapi.tuyaus.com"),
			DeviceID:     getEnv("TUYA_DEVICE_ID", ""),
			PageSize:     getEnvAsInt("TUYA_PAGE_SIZE", 100),
			PageDelay:    getEnvAsDuration("TUYA_PAGE_DELAY", 500*time.Millisecond),
			HTTPTimeout:  getEnvAsDuration("TUYA_HTTP_TIMEOUT", 30*time.Second),
			RetryCount:   getEnvAsInt("TUYA_RETRY_COUNT", 3),
		},
		Database: DatabaseConfig{
			URL:     getEnv("DATABASE_URL", ""),
			Timeout: getEnvAsDuration("DATABASE_TIMEOUT", 15*time.Second),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			ReportExchange:   getEnv("RABBITMQ_REPORT_EXCHANGE", "tankwatch.reports.exchange"),
			ReportRoutingKey: getEnv("RABBITMQ_REPORT_ROUTING_KEY", "tank.report.daily"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			LockTTL:  getEnvAsDuration("LOCK_TTL", 15*time.Minute),
		},
		Metrics: MetricsConfig{
			PushgatewayURL: getEnv("PUSHGATEWAY_URL", ""),
		},
		Email: EmailConfig{
			SMTPHost:     getEnv("SMTP_HOST", ""),
			SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
			SMTPUser:     getEnv("SMTP_USER", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			From:         getEnv("EMAIL_FROM", ""),
			To:           getEnvAsList("EMAIL_TO"),
		},
		Tank: TankConfig{
			Timezone:           getEnv("TIMEZONE", "America/Costa_Rica"),
			TankCount:          getEnvAsInt("TANK_COUNT", 2),
			TankCapacityLiters: getEnvAsFloat("TANK_CAPACITY_LITERS", 500),
			SensorMinDepth:     getEnvAsFloat("SENSOR_MIN_DEPTH", 0),
			SensorMaxDepth:     getEnvAsFloat("SENSOR_MAX_DEPTH", 120),
			NightStartHour:     getEnvAsInt("NIGHT_START_HOUR", 0),
			NightEndHour:       getEnvAsInt("NIGHT_END_HOUR", 6),
		},
		Sync: SyncConfig{
			InitialSyncHours: getEnvAsInt("INITIAL_SYNC_HOURS", 168),
			OverlapMinutes:   getEnvAsInt("SYNC_OVERLAP_MINUTES", 0),
		},
		Validation: ValidationConfig{
			FutureToleranceMinutes: getEnvAsInt("VALIDATION_FUTURE_TOLERANCE_MINUTES", 10),
		},
		Anomaly: AnomalyConfig{
			LowRSquaredThreshold:      getEnvAsFloat("LOW_R_SQUARED_THRESHOLD", 0.5),
			RateSpikeThreshold:        getEnvAsFloat("RATE_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("RATE_MIN_DATA_POINTS", 3),
			RateHistoryDays:           getEnvAsInt("RATE_HISTORY_DAYS", 7),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"TUYA_CLIENT_ID", c.Tuya.ClientID},
		{"TUYA_CLIENT_SECRET", c.Tuya.ClientSecret},
		{"TUYA_DEVICE_ID", c.Tuya.DeviceID},
		{"DATABASE_URL", c.Database.URL},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required but not set in environment variables", r.key)
		}
	}

	if c.Tank.SensorMaxDepth <= c.Tank.SensorMinDepth {
		return fmt.Errorf("SENSOR_MAX_DEPTH (%.1f) must be greater than SENSOR_MIN_DEPTH (%.1f)",
			c.Tank.SensorMaxDepth, c.Tank.SensorMinDepth)
	}
	if c.Tank.NightStartHour < 0 || c.Tank.NightEndHour > 24 || c.Tank.NightStartHour >= c.Tank.NightEndHour {
		return fmt.Errorf("night window [%d, %d) is invalid", c.Tank.NightStartHour, c.Tank.NightEndHour)
	}
	if c.Tuya.PageSize < 1 || c.Tuya.PageSize > 100 {
		return fmt.Errorf("TUYA_PAGE_SIZE must be between 1 and 100, got %d", c.Tuya.PageSize)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
