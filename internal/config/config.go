package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	ShutdownDrainSeconds   int      `mapstructure:"shutdown_drain_seconds"`
	ShutdownTimeoutSeconds int      `mapstructure:"shutdown_timeout_seconds"`
	ServerPort             int      `mapstructure:"server_port"`
	AllowedOrigins         []string `mapstructure:"allowed_origins"`    // CORS allowed origins
	MaxRequestSizeMB       int      `mapstructure:"max_request_size_mb"` // Request body size limit in MB

	// TPC request manager tunables (spec.md §3). Zero values fall back to
	// tpc.Default* at Manager construction time.
	WorkerIdleTimeoutSeconds int `mapstructure:"worker_idle_timeout_seconds"`
	MaxPendingOpsPerLabel    int `mapstructure:"max_pending_ops_per_label"`
	MaxWorkersPerLabel       int `mapstructure:"max_workers_per_label"`
	MaxGlobalWorkers         int `mapstructure:"max_global_workers"` // 0 = unlimited
}

// WorkerIdleTimeout returns the configured worker idle timeout as a
// time.Duration.
func (c *Config) WorkerIdleTimeout() time.Duration {
	return time.Duration(c.WorkerIdleTimeoutSeconds) * time.Second
}

// Load reads configuration from config.toml file.
// Returns error if the configuration file is missing or cannot be decoded.
// Non-positive TPC tunables are replaced by their defaults with a warning.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("shutdown_drain_seconds", 2)
	viper.SetDefault("shutdown_timeout_seconds", 10)
	viper.SetDefault("server_port", 8080)
	viper.SetDefault("allowed_origins", []string{"*"}) // Default wildcard for development
	viper.SetDefault("max_request_size_mb", 1)          // Default 1MB request size limit

	viper.SetDefault("worker_idle_timeout_seconds", 60)
	viper.SetDefault("max_pending_ops_per_label", 20)
	viper.SetDefault("max_workers_per_label", 20)
	viper.SetDefault("max_global_workers", 0) // 0 = unlimited

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.WorkerIdleTimeoutSeconds <= 0 {
		log.Printf("WARN:  worker_idle_timeout_seconds <= 0 (%d), defaulting to 60", config.WorkerIdleTimeoutSeconds)
		config.WorkerIdleTimeoutSeconds = 60
	}
	if config.MaxPendingOpsPerLabel <= 0 {
		log.Printf("WARN:  max_pending_ops_per_label <= 0 (%d), defaulting to 20", config.MaxPendingOpsPerLabel)
		config.MaxPendingOpsPerLabel = 20
	}
	if config.MaxWorkersPerLabel <= 0 {
		log.Printf("WARN:  max_workers_per_label <= 0 (%d), defaulting to 20", config.MaxWorkersPerLabel)
		config.MaxWorkersPerLabel = 20
	}
	if config.MaxGlobalWorkers < 0 {
		log.Printf("WARN:  max_global_workers < 0 (%d), defaulting to 0 (unlimited)", config.MaxGlobalWorkers)
		config.MaxGlobalWorkers = 0
	}

	log.Printf("INFO:  Configuration loaded successfully from %s", viper.ConfigFileUsed())
	log.Printf("INFO:    shutdown_drain_seconds: %d", config.ShutdownDrainSeconds)
	log.Printf("INFO:    shutdown_timeout_seconds: %d", config.ShutdownTimeoutSeconds)
	log.Printf("INFO:    server_port: %d", config.ServerPort)
	log.Printf("INFO:    allowed_origins: %v", config.AllowedOrigins)
	log.Printf("INFO:    max_request_size_mb: %d", config.MaxRequestSizeMB)
	log.Printf("INFO:    worker_idle_timeout_seconds: %d", config.WorkerIdleTimeoutSeconds)
	log.Printf("INFO:    max_pending_ops_per_label: %d", config.MaxPendingOpsPerLabel)
	log.Printf("INFO:    max_workers_per_label: %d", config.MaxWorkersPerLabel)
	log.Printf("INFO:    max_global_workers: %d (0 = unlimited)", config.MaxGlobalWorkers)

	return &config, nil
}
