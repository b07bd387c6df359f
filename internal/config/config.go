package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Broker   BrokerConfig
	Pipeline PipelineConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
}

type BrokerConfig struct {
	// Driver selects the destination implementation: memory, kafka, nats.
	Driver                string
	Brokers               []string
	LiveDestination       string
	QuarantineDestination string
}

type PipelineConfig struct {
	MaxConcurrent int
	Prefetch      int
	ReceiveWait   time.Duration
	// MaxDeliveries is the broker-side delivery budget before automatic
	// dead-lettering. The classifier never dead-letters a retry itself.
	MaxDeliveries int
	// DefaultAmount substitutes for a missing or non-positive amount
	// field during repair.
	DefaultAmount float64
	LeaseDuration time.Duration
}

type LoggingConfig struct {
	Level string
}

type MetricsConfig struct {
	// Addr exposes Prometheus metrics on <addr>/metrics when non-empty.
	Addr string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}
	return &Config{
		Broker: BrokerConfig{
			Driver:                getEnv("REDRIVE_BROKER_DRIVER", "memory"),
			Brokers:               parseBrokers(getEnv("REDRIVE_BROKERS", "localhost:9092")),
			LiveDestination:       getEnv("REDRIVE_LIVE_DESTINATION", "orders"),
			QuarantineDestination: getEnv("REDRIVE_QUARANTINE_DESTINATION", "orders-quarantine"),
		},
		Pipeline: PipelineConfig{
			MaxConcurrent: getEnvInt("REDRIVE_MAX_CONCURRENT", 5),
			Prefetch:      getEnvInt("REDRIVE_PREFETCH", 10),
			ReceiveWait:   getEnvDuration("REDRIVE_RECEIVE_WAIT", 5*time.Second),
			MaxDeliveries: getEnvInt("REDRIVE_MAX_DELIVERIES", 3),
			DefaultAmount: getEnvFloat("REDRIVE_DEFAULT_AMOUNT", 9.99),
			LeaseDuration: getEnvDuration("REDRIVE_LEASE_DURATION", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("REDRIVE_METRICS_ADDR", ""),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	result := make([]string, 0, len(parts))
	for _, broker := range parts {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
