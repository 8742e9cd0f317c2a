package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete configuration for the compliance engine
// service.
type Config struct {
	Environment string           `mapstructure:"environment"`
	Debug       bool             `mapstructure:"debug"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	Evaluation  EvaluationConfig `mapstructure:"evaluation"`
	Cache       CacheConfig      `mapstructure:"cache"`
	Scheduler   SchedulerConfig  `mapstructure:"scheduler"`
	Logging     LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains database configuration.
type DatabaseConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Name             string        `mapstructure:"name"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	SSLMode          string        `mapstructure:"ssl_mode"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	MigrationsPath   string        `mapstructure:"migrations_path"`
}

// RedisConfig contains Redis configuration for the distributed cache tier.
// When Enabled is false the service runs on the in-process cache alone.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// KafkaConfig contains Kafka configuration for post-commit event emission.
type KafkaConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Brokers []string     `mapstructure:"brokers"`
	Topics  TopicsConfig `mapstructure:"topics"`
}

// TopicsConfig contains Kafka topic configuration.
type TopicsConfig struct {
	EvaluationCompleted string `mapstructure:"evaluation_completed"`
	AlertRaised         string `mapstructure:"alert_raised"`
}

// EvaluationConfig contains the tunables of the evaluation pipeline.
type EvaluationConfig struct {
	BehavioralLookbackDays int           `mapstructure:"behavioral_lookback_days"`
	ColdStartThreshold     int           `mapstructure:"cold_start_threshold"`
	MaxInheritanceDepth    int           `mapstructure:"max_inheritance_depth"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout"`
}

// CacheConfig contains the read-through cache TTLs.
type CacheConfig struct {
	ActiveRulesTTL time.Duration `mapstructure:"active_rules_ttl"`
	ListFactsTTL   time.Duration `mapstructure:"list_facts_ttl"`
}

// SchedulerConfig contains periodic maintenance configuration.
type SchedulerConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	RetentionSchedule  string `mapstructure:"retention_schedule"`
	AlertRetentionDays int    `mapstructure:"alert_retention_days"`
	StatsSchedule      string `mapstructure:"stats_schedule"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// ConnectionString renders the libpq DSN.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from config files and environment variables.
func Load() (Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/compliance-engine")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("COMPLIANCE_ENGINE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("debug", false)

	// Server
	viper.SetDefault("server.http_port", 8086)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.shutdown_timeout", "20s")

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "compliance_engine")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.statement_timeout", "10s")
	viper.SetDefault("database.migrations_path", "file://migrations")

	// Redis
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	// Kafka
	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topics.evaluation_completed", "evaluation-completed")
	viper.SetDefault("kafka.topics.alert_raised", "alert-raised")

	// Evaluation
	viper.SetDefault("evaluation.behavioral_lookback_days", 30)
	viper.SetDefault("evaluation.cold_start_threshold", 5)
	viper.SetDefault("evaluation.max_inheritance_depth", 10)
	viper.SetDefault("evaluation.request_timeout", "10s")

	// Cache
	viper.SetDefault("cache.active_rules_ttl", "1m")
	viper.SetDefault("cache.list_facts_ttl", "30s")

	// Scheduler
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.retention_schedule", "0 3 * * *")
	viper.SetDefault("scheduler.alert_retention_days", 90)
	viper.SetDefault("scheduler.stats_schedule", "*/5 * * * *")

	// Logging
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}
