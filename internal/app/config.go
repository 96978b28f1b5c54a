package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// StorageDriver выбирает хранилище заказов, outbox, баллов и ваучеров.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

// StockBackend выбирает хранилище остатков. Пустое значение означает StorageDriver.
type StockBackend string

const (
	StockBackendMemory   StockBackend = "memory"
	StockBackendPostgres StockBackend = "postgres"
	StockBackendRedis    StockBackend = "redis"
)

// Переменные окружения.
const (
	envPrefix = "STOREFRONT_"

	EnvHTTPAddr                     = envPrefix + "HTTP_ADDR"
	EnvMetricsAddr                  = envPrefix + "METRICS_ADDR"
	EnvLogLevel                     = envPrefix + "LOG_LEVEL"
	EnvStorageDriver                = envPrefix + "STORAGE_DRIVER"
	EnvPostgresDSN                  = envPrefix + "POSTGRES_DSN"
	EnvPostgresAutoMigrate          = envPrefix + "POSTGRES_AUTO_MIGRATE"
	EnvStockBackend                 = envPrefix + "STOCK_BACKEND"
	EnvRedisAddr                    = envPrefix + "REDIS_ADDR"
	EnvKafkaBrokers                 = envPrefix + "KAFKA_BROKERS"
	EnvKafkaClientID                = envPrefix + "KAFKA_CLIENT_ID"
	EnvKafkaConsumerGroup           = envPrefix + "KAFKA_CONSUMER_GROUP"
	EnvKafkaMaxRetries              = envPrefix + "KAFKA_MAX_RETRIES"
	EnvGatewayURL                   = envPrefix + "GATEWAY_URL"
	EnvGatewayAPIKey                = envPrefix + "GATEWAY_API_KEY"
	EnvGatewayReturnURL             = envPrefix + "GATEWAY_RETURN_URL"
	EnvGatewayTimeout               = envPrefix + "GATEWAY_TIMEOUT"
	EnvPollerInterval               = envPrefix + "PAYMENT_POLL_INTERVAL"
	EnvPollerMinAge                 = envPrefix + "PAYMENT_POLL_MIN_AGE"
	EnvPointConversionRate          = envPrefix + "POINT_CONVERSION_RATE"
	EnvPointRedeemValue             = envPrefix + "POINT_REDEEM_VALUE_MINOR"
	EnvShippingFee                  = envPrefix + "SHIPPING_FEE_MINOR"
	EnvFreeShippingThreshold        = envPrefix + "FREE_SHIPPING_THRESHOLD_MINOR"
	EnvRequestTimeout               = envPrefix + "REQUEST_TIMEOUT"
	EnvBatchParallelism             = envPrefix + "BATCH_PARALLELISM"
	EnvSeedFile                     = envPrefix + "SEED_FILE"
	EnvOutboxPollInterval           = envPrefix + "OUTBOX_POLL_INTERVAL"
	EnvOutboxBatchSize              = envPrefix + "OUTBOX_BATCH_SIZE"
	EnvOutboxMaxAttempts            = envPrefix + "OUTBOX_MAX_ATTEMPTS"
	EnvOutboxRetryDelay             = envPrefix + "OUTBOX_RETRY_DELAY"
	EnvOutboxMaxPending             = envPrefix + "OUTBOX_MAX_PENDING"
	EnvIdempotencyCleanupInterval   = envPrefix + "IDEMPOTENCY_CLEANUP_INTERVAL"
	EnvIdempotencyCleanupBatchSize  = envPrefix + "IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	EnvIdempotencyCleanupMaxBatches = envPrefix + "IDEMPOTENCY_CLEANUP_MAX_BATCHES"
)

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr    string
	MetricsAddr string
	LogLevel    string

	StorageDriver       StorageDriver
	PostgresDSN         string
	PostgresAutoMigrate bool
	StockBackend        StockBackend
	RedisAddr           string

	KafkaBrokers       []string
	KafkaClientID      string
	KafkaConsumerGroup string
	KafkaMaxRetries    int

	GatewayURL       string
	GatewayAPIKey    string
	GatewayReturnURL string
	GatewayTimeout   time.Duration
	PollerInterval   time.Duration
	PollerMinAge     time.Duration

	PointPolicy                domain.PointPolicy
	ShippingFeeMinor           int64
	FreeShippingThresholdMinor int64

	RequestTimeout   time.Duration
	BatchParallelism int
	SeedFile         string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxMaxPending — порог backlog, выше которого health check отдаёт degraded.
	OutboxMaxPending int

	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int
	// IdempotencyCleanupMaxBatches ограничивает число удалений за один прогон.
	IdempotencyCleanupMaxBatches int
}

// DefaultConfig возвращает настройки для локального запуска на памяти.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                     ":8080",
		MetricsAddr:                  ":9090",
		LogLevel:                     "info",
		StorageDriver:                StorageDriverMemory,
		PostgresAutoMigrate:          true,
		KafkaClientID:                "storefront",
		KafkaConsumerGroup:           "storefront-payments",
		KafkaMaxRetries:              3,
		GatewayTimeout:               5 * time.Second,
		PollerInterval:               30 * time.Second,
		PollerMinAge:                 2 * time.Minute,
		PointPolicy:                  domain.DefaultPointPolicy(),
		ShippingFeeMinor:             30000,
		FreeShippingThresholdMinor:   500000,
		RequestTimeout:               15 * time.Second,
		BatchParallelism:             8,
		OutboxPollInterval:           time.Second,
		OutboxBatchSize:              100,
		OutboxMaxAttempts:            3,
		OutboxRetryDelay:             50 * time.Millisecond,
		OutboxMaxPending:             1000,
		IdempotencyCleanupInterval:   10 * time.Minute,
		IdempotencyCleanupBatchSize:  500,
		IdempotencyCleanupMaxBatches: 20,
	}
}

// EffectiveStockBackend возвращает хранилище остатков с учётом умолчания.
func (c Config) EffectiveStockBackend() StockBackend {
	if c.StockBackend != "" {
		return c.StockBackend
	}
	if c.StorageDriver == StorageDriverPostgres {
		return StockBackendPostgres
	}
	return StockBackendMemory
}

// Validate проверяет согласованность настроек, которые нельзя заменить умолчанием.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%s is required for postgres storage", EnvPostgresDSN)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}

	switch c.EffectiveStockBackend() {
	case StockBackendMemory:
		if c.StorageDriver == StorageDriverPostgres {
			return fmt.Errorf("memory stock backend cannot be combined with postgres storage")
		}
	case StockBackendPostgres:
		if c.StorageDriver != StorageDriverPostgres {
			return fmt.Errorf("postgres stock backend requires postgres storage")
		}
	case StockBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%s is required for redis stock backend", EnvRedisAddr)
		}
	default:
		return fmt.Errorf("unsupported stock backend %q", c.StockBackend)
	}
	return nil
}

// EnvLookup — сигнатура os.LookupEnv; в тестах подставляется map.
type EnvLookup func(key string) (string, bool)

// LoadConfig накладывает переменные окружения на DefaultConfig.
// Некорректные значения не прерывают запуск: остаётся умолчание,
// а описание ошибки возвращается в warnings.
func LoadConfig(lookup EnvLookup) (Config, []error) {
	cfg := DefaultConfig()
	var warnings []error
	warn := func(key string, err error) {
		warnings = append(warnings, fmt.Errorf("%s: %w", key, err))
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			parsed, err := parseBool(v)
			if err != nil {
				warn(key, err)
				return
			}
			*dst = parsed
		}
	}
	integer := func(key string, dst *int, valid func(int) bool, rule string) {
		if v, ok := lookup(key); ok {
			parsed, err := parseInt(v, valid, rule)
			if err != nil {
				warn(key, err)
				return
			}
			*dst = parsed
		}
	}
	money := func(key string, dst *int64, valid func(int) bool, rule string) {
		value := int(*dst)
		integer(key, &value, valid, rule)
		*dst = int64(value)
	}
	duration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		if v, ok := lookup(key); ok {
			parsed, err := parseDuration(v, valid, rule)
			if err != nil {
				warn(key, err)
				return
			}
			*dst = parsed
		}
	}
	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }

	str(EnvHTTPAddr, &cfg.HTTPAddr)
	str(EnvMetricsAddr, &cfg.MetricsAddr)
	str(EnvLogLevel, &cfg.LogLevel)
	if v, ok := lookup(EnvStorageDriver); ok && strings.TrimSpace(v) != "" {
		cfg.StorageDriver = StorageDriver(strings.ToLower(strings.TrimSpace(v)))
	}
	str(EnvPostgresDSN, &cfg.PostgresDSN)
	boolean(EnvPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	if v, ok := lookup(EnvStockBackend); ok && strings.TrimSpace(v) != "" {
		cfg.StockBackend = StockBackend(strings.ToLower(strings.TrimSpace(v)))
	}
	str(EnvRedisAddr, &cfg.RedisAddr)

	if v, ok := lookup(EnvKafkaBrokers); ok {
		cfg.KafkaBrokers = splitList(v)
	}
	str(EnvKafkaClientID, &cfg.KafkaClientID)
	str(EnvKafkaConsumerGroup, &cfg.KafkaConsumerGroup)
	integer(EnvKafkaMaxRetries, &cfg.KafkaMaxRetries, positive, "must be > 0")

	str(EnvGatewayURL, &cfg.GatewayURL)
	str(EnvGatewayAPIKey, &cfg.GatewayAPIKey)
	str(EnvGatewayReturnURL, &cfg.GatewayReturnURL)
	duration(EnvGatewayTimeout, &cfg.GatewayTimeout, positiveDuration, "must be > 0")
	duration(EnvPollerInterval, &cfg.PollerInterval, positiveDuration, "must be > 0")
	duration(EnvPollerMinAge, &cfg.PollerMinAge, func(v time.Duration) bool { return v >= 0 }, "must be >= 0")

	money(EnvPointConversionRate, &cfg.PointPolicy.ConversionRate, positive, "must be > 0")
	money(EnvPointRedeemValue, &cfg.PointPolicy.RedeemValueMinor, positive, "must be > 0")
	money(EnvShippingFee, &cfg.ShippingFeeMinor, nonNegative, "must be >= 0")
	money(EnvFreeShippingThreshold, &cfg.FreeShippingThresholdMinor, nonNegative, "must be >= 0")

	duration(EnvRequestTimeout, &cfg.RequestTimeout, positiveDuration, "must be > 0")
	integer(EnvBatchParallelism, &cfg.BatchParallelism, positive, "must be > 0")
	str(EnvSeedFile, &cfg.SeedFile)

	duration(EnvOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	integer(EnvOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	integer(EnvOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")
	duration(EnvOutboxRetryDelay, &cfg.OutboxRetryDelay, func(v time.Duration) bool { return v >= 0 }, "must be >= 0")
	integer(EnvOutboxMaxPending, &cfg.OutboxMaxPending, nonNegative, "must be >= 0")
	duration(EnvIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	integer(EnvIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positive, "must be > 0")
	integer(EnvIdempotencyCleanupMaxBatches, &cfg.IdempotencyCleanupMaxBatches, positive, "must be > 0")

	return cfg, warnings
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("invalid value %d: %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("invalid duration %s: %s", value, rule)
	}
	return value, nil
}
