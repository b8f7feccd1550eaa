package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database      DatabaseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Recalculation RecalculationConfig
	HTTP          HTTPConfig
	Log           LogConfig
	SMTP          SMTPConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	// MigrationsDir holds the schema migrations applied at startup; empty skips them.
	MigrationsDir string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers       []string
	TopicRecords  string
	TopicAlerts   string
	NumPartitions int
	GroupID       string
	BatchSize     int
	FlushInterval time.Duration
}

// RecalculationConfig controls the derived-metrics engine.
type RecalculationConfig struct {
	IncidenceFactor float64
	RSkipDays       int
	Interval        time.Duration
	Workers         int
	Force           bool
	Autocommit      bool
	DumpDir         string
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level       string
	Development bool
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			Host:          getEnv("DB_HOST", "localhost"),
			Port:          getEnvAsInt("DB_PORT", 5432),
			User:          getEnv("DB_USER", "epidemic_user"),
			Password:      getEnv("DB_PASSWORD", "epidemic_pass"),
			DBName:        getEnv("DB_NAME", "epidemic_db"),
			SSLMode:       getEnv("DB_SSLMODE", "disable"),
			MigrationsDir: getEnv("DB_MIGRATIONS_DIR", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:       splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			TopicRecords:  getEnv("KAFKA_TOPIC_RECORDS", "epidemic.records.canonical"),
			TopicAlerts:   getEnv("KAFKA_TOPIC_ALERTS", "epidemic.alerts"),
			NumPartitions: getEnvAsInt("KAFKA_NUM_PARTITIONS", 10),
			GroupID:       getEnv("KAFKA_GROUP_ID", "epidemic-record-writer"),
			BatchSize:     getEnvAsInt("KAFKA_BATCH_SIZE", 100),
			FlushInterval: getEnvAsDuration("KAFKA_FLUSH_INTERVAL", 5*time.Second),
		},
		Recalculation: RecalculationConfig{
			IncidenceFactor: getEnvAsFloat("RECALC_INCIDENCE_FACTOR", 100000),
			RSkipDays:       getEnvAsInt("RECALC_R_SKIP_DAYS", 3),
			Interval:        getEnvAsDuration("RECALC_INTERVAL", 15*time.Minute),
			Workers:         getEnvAsInt("RECALC_WORKERS", 4),
			Force:           getEnvAsBool("RECALC_FORCE", false),
			Autocommit:      getEnvAsBool("RECALC_AUTOCOMMIT", true),
			DumpDir:         getEnv("RECALC_DUMP_DIR", os.TempDir()),
		},
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "epidemic-metrics@example.com"),
			To:       getEnv("SMTP_TO", "admin@example.com"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks values that would make the engine misbehave silently.
func (c *Config) Validate() error {
	r := c.Recalculation
	switch {
	case r.IncidenceFactor <= 0:
		return errors.New("RECALC_INCIDENCE_FACTOR must be positive")
	case r.RSkipDays < 0:
		return errors.New("RECALC_R_SKIP_DAYS must not be negative")
	case r.Workers < 1:
		return errors.New("RECALC_WORKERS must be at least 1")
	case r.Interval <= 0:
		return errors.New("RECALC_INTERVAL must be positive")
	case len(c.Kafka.Brokers) == 0:
		return errors.New("KAFKA_BROKERS must not be empty")
	case c.Kafka.BatchSize < 1:
		return errors.New("KAFKA_BATCH_SIZE must be at least 1")
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
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
