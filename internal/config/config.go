package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the agent.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	NewRelic     NewRelicConfig     `mapstructure:"newrelic"`
	RabbitMQ     RabbitMQConfig     `mapstructure:"rabbitmq"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Duty         DutyConfig         `mapstructure:"duty"`
	Log          LogConfig          `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// StoreConfig selects where durable state lives.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NewRelicConfig holds New Relic configuration.
type NewRelicConfig struct {
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
	Enabled    bool   `mapstructure:"enabled"`
}

// RabbitMQConfig holds the trip event broker configuration. An empty URL
// keeps events in the log.
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// ConnectivityConfig configures the connectivity observer. With no probe
// URL the agent relies on the UI shell reporting reachability.
type ConnectivityConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	StartOnline   bool          `mapstructure:"start_online"`
}

// DutyConfig configures the hours-of-service day boundary.
type DutyConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// LogConfig configures logging.
type LogConfig struct {
	Env   string `mapstructure:"env"`
	Level string `mapstructure:"level"`
}

type setting struct {
	key string
	env string
	def interface{}
}

var settings = []setting{
	{"server.port", "SERVER_PORT", "8080"},
	{"server.read_timeout", "SERVER_READ_TIMEOUT", 10 * time.Second},
	{"server.write_timeout", "SERVER_WRITE_TIMEOUT", 10 * time.Second},

	{"store.backend", "STORE_BACKEND", BackendMemory},

	{"database.host", "DB_HOST", "localhost"},
	{"database.port", "DB_PORT", "5432"},
	{"database.user", "DB_USER", "postgres"},
	{"database.password", "DB_PASSWORD", "postgres"},
	{"database.name", "DB_NAME", "tripsync"},
	{"database.sslmode", "DB_SSLMODE", "disable"},

	{"redis.addr", "REDIS_ADDR", "localhost:6379"},
	{"redis.password", "REDIS_PASSWORD", ""},
	{"redis.db", "REDIS_DB", 0},

	{"newrelic.app_name", "NEW_RELIC_APP_NAME", "tripsync-agent"},
	{"newrelic.license_key", "NEW_RELIC_LICENSE_KEY", ""},
	{"newrelic.enabled", "NEW_RELIC_ENABLED", false},

	{"rabbitmq.url", "RABBITMQ_URL", ""},
	{"rabbitmq.exchange", "RABBITMQ_EXCHANGE", "trip_events"},

	{"connectivity.probe_url", "CONNECTIVITY_PROBE_URL", ""},
	{"connectivity.probe_interval", "CONNECTIVITY_PROBE_INTERVAL", 5 * time.Second},
	{"connectivity.start_online", "CONNECTIVITY_START_ONLINE", true},

	{"duty.timezone", "DUTY_TIMEZONE", "Local"},

	{"log.env", "LOG_ENV", "production"},
	{"log.level", "LOG_LEVEL", ""},
}

// Load reads configuration from the environment, over an optional YAML file.
// When path is empty a config.yaml in the working directory is used if
// present.
func Load(path string) (*Config, error) {
	v := viper.New()

	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if err := v.BindEnv(s.key, s.env); err != nil {
			return nil, err
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if _, err := c.Duty.Location(); err != nil {
		return fmt.Errorf("duty timezone: %w", err)
	}
	return nil
}

// Location resolves the configured duty time zone.
func (d DutyConfig) Location() (*time.Location, error) {
	if d.Timezone == "" || d.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(d.Timezone)
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
