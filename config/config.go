package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the weave services.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address           string `mapstructure:"address"`
	StreamEnabled     bool   `mapstructure:"stream_enabled"`
	SchedulerEnabled  bool   `mapstructure:"scheduler_enabled"`
	StreamIntervalSec int    `mapstructure:"stream_interval_seconds"`
}

// StorageConfig groups the durable store connections.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig describes the Postgres connection.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a Postgres connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig describes the Redis connection used for streams and pub/sub.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr returns the host:port address for the Redis client.
func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", host, port)
}

// DiscoveryConfig tunes the discovery engine.
type DiscoveryConfig struct {
	Workers           int           `mapstructure:"workers"`
	ScoreThreshold    float64       `mapstructure:"score_threshold"`
	PairTimeout       time.Duration `mapstructure:"pair_timeout"`
	MaxPairRetries    int           `mapstructure:"max_pair_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	PublishEvery      int           `mapstructure:"publish_every"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval"`
}

// Validate ensures the discovery settings are usable, applying floors where safe.
func (d DiscoveryConfig) Validate() error {
	if d.Workers <= 0 {
		return fmt.Errorf("discovery.workers must be > 0")
	}
	if d.ScoreThreshold < 0 || d.ScoreThreshold > 1 {
		return fmt.Errorf("discovery.score_threshold must be within [0,1]")
	}
	if d.PairTimeout <= 0 {
		return fmt.Errorf("discovery.pair_timeout must be > 0")
	}
	if d.MaxPairRetries < 0 {
		return fmt.Errorf("discovery.max_pair_retries must be >= 0")
	}
	return nil
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

// LoadConfig reads configuration from the given path (or the default search
// locations) and environment variables prefixed with WEAVE_.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":10080")
	viper.SetDefault("server.stream_enabled", true)
	viper.SetDefault("server.scheduler_enabled", true)
	viper.SetDefault("server.stream_interval_seconds", 2)
	viper.SetDefault("storage.redis.timeout", 5*time.Second)
	viper.SetDefault("discovery.workers", 4)
	viper.SetDefault("discovery.score_threshold", 0.5)
	viper.SetDefault("discovery.pair_timeout", 30*time.Second)
	viper.SetDefault("discovery.max_pair_retries", 3)
	viper.SetDefault("discovery.retry_backoff", 500*time.Millisecond)
	viper.SetDefault("discovery.publish_every", 1)
	viper.SetDefault("discovery.drain_timeout", 30*time.Second)
	viper.SetDefault("discovery.scheduler_interval", time.Hour)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			viper.AddConfigPath(exeDir)
			viper.AddConfigPath(filepath.Join(exeDir, ".."))
		}
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("WEAVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("config: read failed: %v", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("config: unmarshal failed: %v", err)
	}
	return &cfg
}
