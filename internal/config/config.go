// Package config loads runtime configuration: environment first (with an
// optional .env file for local runs), then an optional YAML overlay for
// settings operators prefer to keep in a file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the multisig layer.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Logging  LoggingConfig  `yaml:"logging"`
	Audit    AuditConfig    `yaml:"audit"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr" env:"MULTISIG_HTTP_ADDR,default=:8080"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"MULTISIG_HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"MULTISIG_HTTP_WRITE_TIMEOUT,default=30s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"MULTISIG_HTTP_SHUTDOWN_TIMEOUT,default=10s"`
	JWTSecret         string        `yaml:"jwt_secret" env:"MULTISIG_JWT_SECRET"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"MULTISIG_HTTP_RPS,default=0"`
	Burst             int           `yaml:"burst" env:"MULTISIG_HTTP_BURST,default=0"`
}

type DatabaseConfig struct {
	// URL is a postgres DSN; empty runs on the in-memory store.
	URL             string        `yaml:"url" env:"MULTISIG_DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MULTISIG_DATABASE_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MULTISIG_DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"MULTISIG_DATABASE_CONN_MAX_LIFETIME,default=30m"`
	Migrate         bool          `yaml:"migrate" env:"MULTISIG_DATABASE_MIGRATE,default=true"`
}

type RedisConfig struct {
	// Addr enables the Redis event mirror; empty disables it.
	Addr     string `yaml:"addr" env:"MULTISIG_REDIS_ADDR"`
	Password string `yaml:"password" env:"MULTISIG_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"MULTISIG_REDIS_DB,default=0"`
	Channel  string `yaml:"channel" env:"MULTISIG_REDIS_CHANNEL,default=multisig.events"`
}

type SweeperConfig struct {
	Interval time.Duration `yaml:"interval" env:"MULTISIG_SWEEP_INTERVAL,default=1m"`
	// Schedule is a cron expression; set, it takes precedence over Interval.
	Schedule string `yaml:"schedule" env:"MULTISIG_SWEEP_SCHEDULE"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"MULTISIG_LOG_LEVEL,default=info"`
	Format string `yaml:"format" env:"MULTISIG_LOG_FORMAT,default=text"`
}

type AuditConfig struct {
	Max  int    `yaml:"max" env:"MULTISIG_AUDIT_MAX,default=200"`
	File string `yaml:"file" env:"MULTISIG_AUDIT_FILE"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored for local runs. yamlPath, when non-empty, overlays
// the environment values.
func Load(yamlPath string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	return &cfg, nil
}
