// Package config loads the pool configuration from environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Auth modes.
const (
	AuthModeOpen     = "open"
	AuthModePostgres = "postgres"
)

// Config holds the pool configuration
type Config struct {
	// Service identification
	ServiceName string
	Version     string

	// Stratum listener
	ListenAddr     string
	ListenPort     int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
	MaxLineSize    int

	// Scash node
	RPCHost     string
	RPCPort     int
	RPCUser     string
	RPCPassword string
	RPCTimeout  time.Duration
	ZMQAddr     string

	// Pool
	PoolName             string
	PoolDifficulty       float64
	Extranonce2Size      int
	PayoutScript         string
	PayoutAddress        string
	AddressHRP           string
	PoolTag              string
	Network              string
	JobRefreshInterval   time.Duration
	StatsInterval        time.Duration
	DefaultEpochDuration uint32
	MaxTimeDrift         time.Duration
	DuplicateWindow      time.Duration
	SubmitTimeout        time.Duration
	AuthMode             string

	// Event sinks; empty disables the sink
	KafkaBrokers []string
	PostgresURL  string
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "scashpool"),
		Version:     getEnv("VERSION", "dev"),

		ListenAddr:     getEnv("LISTEN_ADDR", "0.0.0.0"),
		ListenPort:     getEnvInt("LISTEN_PORT", 3334),
		MaxConnections: getEnvInt("MAX_CONNECTIONS", 10000),
		ReadTimeout:    getEnvDuration("READ_TIMEOUT", 10*time.Minute),
		WriteTimeout:   getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		SendBufferSize: getEnvInt("SEND_BUFFER_SIZE", 100),
		MaxLineSize:    getEnvInt("MAX_LINE_SIZE", 16*1024),

		RPCHost:     getEnv("SCASH_RPC_HOST", "127.0.0.1"),
		RPCPort:     getEnvInt("SCASH_RPC_PORT", 18443),
		RPCUser:     getEnv("SCASH_RPC_USER", ""),
		RPCPassword: getEnv("SCASH_RPC_PASSWORD", ""),
		RPCTimeout:  getEnvDuration("SCASH_RPC_TIMEOUT", 30*time.Second),
		ZMQAddr:     getEnv("SCASH_ZMQ_ADDR", ""),

		PoolName:             getEnv("POOL_NAME", "Scash Demo Pool"),
		PoolDifficulty:       getEnvFloat("POOL_DIFFICULTY", 1.0),
		Extranonce2Size:      getEnvInt("EXTRANONCE2_SIZE", 4),
		PayoutScript:         getEnv("POOL_PAYOUT_SCRIPT", ""),
		PayoutAddress:        getEnv("POOL_ADDRESS", ""),
		AddressHRP:           getEnv("ADDRESS_HRP", "scash"),
		PoolTag:              getEnv("POOL_TAG", "/scashpool/"),
		Network:              getEnv("NETWORK", "regtest"),
		JobRefreshInterval:   getEnvDuration("JOB_REFRESH_INTERVAL", 30*time.Second),
		StatsInterval:        getEnvDuration("STATS_INTERVAL", 60*time.Second),
		DefaultEpochDuration: uint32(getEnvInt("DEFAULT_EPOCH_DURATION", 604800)),
		MaxTimeDrift:         getEnvDuration("MAX_TIME_DRIFT", 2*time.Hour),
		DuplicateWindow:      getEnvDuration("DUPLICATE_WINDOW", 10*time.Minute),
		SubmitTimeout:        getEnvDuration("SUBMIT_TIMEOUT", 30*time.Second),
		AuthMode:             strings.ToLower(getEnv("AUTH_MODE", AuthModeOpen)),

		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", nil),
		PostgresURL:  getEnv("POSTGRES_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "scashpool"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "mining"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be between 1 and 65535")
	}

	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("SCASH_RPC_PORT must be between 1 and 65535")
	}

	if c.PoolDifficulty < 1 {
		return fmt.Errorf("POOL_DIFFICULTY must be at least 1")
	}

	if c.Extranonce2Size < 1 || c.Extranonce2Size > 8 {
		return fmt.Errorf("EXTRANONCE2_SIZE must be between 1 and 8")
	}

	if c.PayoutScript == "" && c.PayoutAddress == "" {
		return fmt.Errorf("POOL_PAYOUT_SCRIPT or POOL_ADDRESS must be set")
	}

	if c.PayoutScript != "" {
		if _, err := hex.DecodeString(c.PayoutScript); err != nil {
			return fmt.Errorf("POOL_PAYOUT_SCRIPT must be hex: %w", err)
		}
	}

	if len(c.PoolTag) > 32 {
		return fmt.Errorf("POOL_TAG must be at most 32 bytes")
	}

	if c.JobRefreshInterval <= 0 || c.StatsInterval <= 0 {
		return fmt.Errorf("JOB_REFRESH_INTERVAL and STATS_INTERVAL must be positive")
	}

	if c.DefaultEpochDuration == 0 {
		return fmt.Errorf("DEFAULT_EPOCH_DURATION must be positive")
	}

	if c.SendBufferSize <= 0 {
		return fmt.Errorf("SEND_BUFFER_SIZE must be positive")
	}

	switch c.AuthMode {
	case AuthModeOpen:
	case AuthModePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("AUTH_MODE=postgres requires POSTGRES_URL")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q", AuthModeOpen, AuthModePostgres)
	}

	return nil
}

// ListenAddress returns host:port for the Stratum listener.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.ListenAddr, strconv.Itoa(c.ListenPort))
}

// RPCURL returns the node's JSON-RPC endpoint.
func (c *Config) RPCURL() string {
	return "http://" + net.JoinHostPort(c.RPCHost, strconv.Itoa(c.RPCPort))
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
