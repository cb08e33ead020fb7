package config

import (
	"strings"
	"time"

	"github.com/franzego/pushcadence/internal/models"
	"github.com/spf13/viper"
	"github.com/wb-go/wbf/retry"
)

type Config struct {
	Server       ServerConfig    `mapstructure:"server"`
	RabbitMQ     RabbitMQConfig  `mapstructure:"rabbitmq"`
	Redis        RedisConfig     `mapstructure:"redis"`
	Services     ServicesConfig  `mapstructure:"services"`
	Auth         AuthConfig      `mapstructure:"auth"`
	Store        StoreConfig     `mapstructure:"store"`
	Engine       EngineConfig    `mapstructure:"engine"`
	Sequence     SequenceConfig  `mapstructure:"sequence"`
	Cadence      CadenceConfig   `mapstructure:"cadence"`
	Safeguards   SafeguardConfig `mapstructure:"safeguards"`
	Delivery     DeliveryConfig  `mapstructure:"delivery"`
	Log          LogConfig       `mapstructure:"log"`
	LockFile     string          `mapstructure:"lock_file"`
	MockServices bool            `mapstructure:"mock_services"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	PushQueue  string `mapstructure:"push_queue"`
	AlertQueue string `mapstructure:"alert_queue"`
	Exchange   string `mapstructure:"exchange"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ServicesConfig struct {
	AudienceServiceURL string        `mapstructure:"audience_service_url"`
	AudienceTimeout    time.Duration `mapstructure:"audience_timeout"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type StoreConfig struct {
	// Driver is "file" or "sqlite".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type EngineConfig struct {
	MaxConcurrentExecutions int           `mapstructure:"max_concurrent_executions"`
	PollInterval            time.Duration `mapstructure:"poll_interval"`
	RemainingLogInterval    time.Duration `mapstructure:"remaining_log_interval"`
	CleanupDelay            time.Duration `mapstructure:"cleanup_delay"`
	HistorySize             int           `mapstructure:"history_size"`
}

type SequenceConfig struct {
	PrepareConcurrency int `mapstructure:"prepare_concurrency"`
	SendConcurrency    int `mapstructure:"send_concurrency"`
	FailureThreshold   int `mapstructure:"failure_threshold"`
}

type CadenceConfig struct {
	BypassLayer   int                  `mapstructure:"bypass_layer"`
	RetentionDays int                  `mapstructure:"retention_days"`
	BatchSize     int                  `mapstructure:"batch_size"`
	Rules         []models.CadenceRule `mapstructure:"rules"`
	RecordRetry   retry.Strategy       `mapstructure:"record_retry"`
}

type SafeguardConfig struct {
	DefaultMaxAudienceSize int `mapstructure:"default_max_audience_size"`
	ViolationHistory       int `mapstructure:"violation_history"`
}

type DeliveryConfig struct {
	DryRun         bool          `mapstructure:"dry_run"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads config.yaml from path (or . and ./config when empty),
// overlays PUSHCADENCE_* environment variables and applies defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Set defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "notifications.direct")
	v.SetDefault("rabbitmq.push_queue", "push.queue")
	v.SetDefault("rabbitmq.alert_queue", "alert.queue")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("services.audience_service_url", "")
	v.SetDefault("services.audience_timeout", "2m")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("store.driver", "file")
	v.SetDefault("store.path", "./data/automations")
	v.SetDefault("engine.max_concurrent_executions", 10)
	v.SetDefault("engine.poll_interval", "30s")
	v.SetDefault("engine.remaining_log_interval", "5m")
	v.SetDefault("engine.cleanup_delay", "1m")
	v.SetDefault("engine.history_size", 50)
	v.SetDefault("sequence.prepare_concurrency", 3)
	v.SetDefault("sequence.send_concurrency", 8)
	v.SetDefault("sequence.failure_threshold", 2)
	v.SetDefault("cadence.bypass_layer", 1)
	v.SetDefault("cadence.retention_days", 90)
	v.SetDefault("cadence.batch_size", 500)
	v.SetDefault("cadence.record_retry.attempts", 3)
	v.SetDefault("cadence.record_retry.delay", "500ms")
	v.SetDefault("cadence.record_retry.backoff", 2)
	v.SetDefault("safeguards.default_max_audience_size", 50000)
	v.SetDefault("safeguards.violation_history", 100)
	v.SetDefault("delivery.dry_run", false)
	v.SetDefault("delivery.idempotency_ttl", "168h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("lock_file", "./data/pushcadence.lock")
	v.SetDefault("mock_services", false)

	// Read from environment
	v.SetEnvPrefix("PUSHCADENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
