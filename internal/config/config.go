// Package config loads server configuration.
//
// LOAD ORDER:
//  1. .env in the working directory, if present (godotenv; never overrides
//     variables already set in the process environment)
//  2. the YAML file named by CONFIG_PATH, if any
//  3. environment variable overrides (PORT, STORE_DRIVER, ...)
//  4. defaults for anything still unset
//  5. Validate
//
// A deployment can therefore run from env vars alone, from a file alone, or
// from a checked-in file with secrets (STORE_DSN, MONGO_URI) in the
// environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers accepted by StoreConfig.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Recorder RecorderConfig `yaml:"recorder"`
	Log      LogConfig      `yaml:"log"`
	CORS     CORSConfig     `yaml:"cors"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// WriteTimeout is the http.Server write deadline. It must leave room
	// for the recorder timeout plus WriteMargin, or a slow store would make
	// the pixel response miss its deadline.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// WriteMargin is the time reserved for writing the pixel after the
// recorder has given up.
const WriteMargin = time.Second

// StoreConfig selects and configures the record store.
//
// DSN means a file path for sqlite, a connection string for postgres and a
// mongodb:// URI for mongo. Redis uses the Redis block instead.
type StoreConfig struct {
	Driver   string         `yaml:"driver"`
	DSN      string         `yaml:"dsn"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Mongo    MongoConfig    `yaml:"mongo"`
}

type PostgresConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type MongoConfig struct {
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type RecorderConfig struct {
	// Timeout bounds one pixel fetch's store work.
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads the YAML file at path and fills in defaults. It does not look
// at the environment.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// path may be empty, in which case CONFIG_PATH is consulted, and if that is
// empty too the configuration comes from the environment and defaults only.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func read(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("STORE_DSN"); v != "" {
		c.Store.DSN = v
	}

	// MONGO_URI selects mongo unless another driver was chosen explicitly.
	if v := os.Getenv("MONGO_URI"); v != "" {
		if c.Store.Driver == "" {
			c.Store.Driver = DriverMongo
		}
		if c.Store.Driver == DriverMongo && c.Store.DSN == "" {
			c.Store.DSN = v
		}
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORS.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("RECORD_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid RECORD_TIMEOUT %q: %w", v, err)
		}
		c.Recorder.Timeout = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.DSN == "" {
		switch c.Store.Driver {
		case DriverSQLite:
			c.Store.DSN = "data/opentrack.db"
		case DriverMongo:
			c.Store.DSN = "mongodb://localhost:27017"
		}
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "localhost:6379"
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "opentrack:"
	}
	if c.Store.Mongo.Database == "" {
		c.Store.Mongo.Database = "opentrack"
	}
	if c.Store.Mongo.Collection == "" {
		c.Store.Mongo.Collection = "emails"
	}
	if c.Store.Postgres.MaxOpenConns == 0 {
		c.Store.Postgres.MaxOpenConns = 20
	}

	if c.Recorder.Timeout == 0 {
		c.Recorder.Timeout = 5 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Server.Port)
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverMongo:
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for %s", c.Store.Driver)
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn (or STORE_DSN) is required for postgres")
		}
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("config: store.redis.addr is required for redis")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q (want sqlite, postgres, redis or mongo)", c.Store.Driver)
	}

	if c.Recorder.Timeout <= 0 {
		return fmt.Errorf("config: recorder.timeout must be positive, got %s", c.Recorder.Timeout)
	}
	if limit := c.Server.WriteTimeout - WriteMargin; c.Recorder.Timeout > limit {
		return fmt.Errorf("config: recorder.timeout %s leaves no time to write the pixel within server.write_timeout %s (max %s)",
			c.Recorder.Timeout, c.Server.WriteTimeout, limit)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// SlogLevel parses Level ("debug", "info", "warn", "error").
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: invalid log level %q: %w", l.Level, err)
	}
	return level, nil
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
