// Package config provides configuration management for the application.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig
	Registry RegistryConfig
	Cache    CacheConfig
	Storage  StorageConfig
	Updates  UpdatesConfig
	Metrics  MetricsConfig
	Log      LogConfig
}

// ServerConfig holds HTTP status server configuration
type ServerConfig struct {
	Port string
}

// RegistryConfig holds remote registry configuration
type RegistryConfig struct {
	// BaseURL is the registry root, e.g. https://registry.example.com
	BaseURL string
	// RequestTimeout bounds general registry requests
	RequestTimeout time.Duration
	// HealthTimeout bounds the availability probe
	HealthTimeout time.Duration
}

// CacheConfig holds template cache configuration
type CacheConfig struct {
	// Dir is the cache root directory
	Dir string
}

// StorageConfig holds project database configuration
type StorageConfig struct {
	// SQLitePath is the project database file path
	SQLitePath string
}

// UpdatesConfig controls the startup update scan
type UpdatesConfig struct {
	// CheckOnStartup enables the background update scan at process start
	CheckOnStartup bool
}

// MetricsConfig controls Prometheus metrics exposure
type MetricsConfig struct {
	Enabled  bool
	Endpoint string
}

// LogConfig controls log output format
type LogConfig struct {
	// Pretty switches from JSON to colorized console output
	Pretty bool
}

// Load reads configuration from .env file and environment
func Load() (*Config, error) {
	// Load .env file using Viper (optional, won't fail if not found)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if .env file doesn't exist

	// Set defaults
	viper.SetDefault("PORT", "7317")
	viper.SetDefault("REGISTRY_URL", "https://registry.templar.dev")
	viper.SetDefault("REGISTRY_TIMEOUT_SECONDS", 30)
	viper.SetDefault("REGISTRY_HEALTH_TIMEOUT_SECONDS", 5)
	viper.SetDefault("CACHE_DIR", ".cache/templates")
	viper.SetDefault("SQLITE_PATH", ".cache/templar.db")
	viper.SetDefault("CHECK_UPDATES_ON_STARTUP", true)
	viper.SetDefault("METRICS_ENABLED", true)
	viper.SetDefault("METRICS_ENDPOINT", "/metrics")
	viper.SetDefault("LOG_PRETTY", false)

	// Enable automatic environment variable reading
	viper.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetString("PORT"),
		},
		Registry: RegistryConfig{
			BaseURL:        viper.GetString("REGISTRY_URL"),
			RequestTimeout: time.Duration(viper.GetInt("REGISTRY_TIMEOUT_SECONDS")) * time.Second,
			HealthTimeout:  time.Duration(viper.GetInt("REGISTRY_HEALTH_TIMEOUT_SECONDS")) * time.Second,
		},
		Cache: CacheConfig{
			Dir: viper.GetString("CACHE_DIR"),
		},
		Storage: StorageConfig{
			SQLitePath: viper.GetString("SQLITE_PATH"),
		},
		Updates: UpdatesConfig{
			CheckOnStartup: viper.GetBool("CHECK_UPDATES_ON_STARTUP"),
		},
		Metrics: MetricsConfig{
			Enabled:  viper.GetBool("METRICS_ENABLED"),
			Endpoint: viper.GetString("METRICS_ENDPOINT"),
		},
		Log: LogConfig{
			Pretty: viper.GetBool("LOG_PRETTY"),
		},
	}

	return cfg, nil
}
