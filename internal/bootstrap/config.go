package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the settings read from the optional YAML file and the
// environment. Environment variables win over the file.
type Config struct {
	ServerPort string `yaml:"server_port"`
	LogLevel   string `yaml:"log_level"`
	AppEnv     string `yaml:"app_env"`
	JWTSecret  string `yaml:"jwt_secret"`

	// PersistenceEnabled turns on MySQL snapshots, the Redis cache and the
	// asynq worker. Without it rooms live in memory only.
	PersistenceEnabled bool `yaml:"persistence_enabled"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"redis_key_prefix"`

	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBName     string `yaml:"db_name"`

	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	RoomQueueSize    int `yaml:"room_queue_size"`
	ClientSendBuffer int `yaml:"client_send_buffer"`

	SnapshotCacheTTL      time.Duration `yaml:"snapshot_cache_ttl"`
	SnapshotKeep          int           `yaml:"snapshot_keep"`
	SnapshotCheckSchedule string        `yaml:"snapshot_check_schedule"`

	CORSAllowedOrigin string `yaml:"cors_allowed_origin"`
}

func defaultConfig() *Config {
	return &Config{
		ServerPort:            "8080",
		LogLevel:              "info",
		AppEnv:                "development",
		PersistenceEnabled:    true,
		RedisAddr:             "localhost:6379",
		KeyPrefix:             "mm:",
		DBPort:                "3306",
		RateLimitMax:          100,
		RateLimitWindow:       time.Second,
		RoomQueueSize:         256,
		ClientSendBuffer:      256,
		SnapshotCacheTTL:      24 * time.Hour,
		SnapshotKeep:          5,
		SnapshotCheckSchedule: "@every 5m",
		CORSAllowedOrigin:     "http://localhost:3000",
	}
}

// LoadConfig reads .env, then the YAML file named by CONFIG_FILE, then the
// environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) loadEnv(lookup lookupFunc) error {
	env := envReader{lookup: lookup}

	env.str("SERVER_PORT", &c.ServerPort)
	env.str("LOG_LEVEL", &c.LogLevel)
	env.str("APP_ENV", &c.AppEnv)
	env.str("JWT_SECRET", &c.JWTSecret)
	env.boolean("PERSISTENCE_ENABLED", &c.PersistenceEnabled)

	env.str("REDIS_ADDR", &c.RedisAddr)
	env.str("REDIS_PASSWORD", &c.RedisPassword)
	env.integer("REDIS_DB", &c.RedisDB)
	env.str("REDIS_KEY_PREFIX", &c.KeyPrefix)

	env.str("DB_USER", &c.DBUser)
	env.str("DB_PASSWORD", &c.DBPassword)
	env.str("DB_HOST", &c.DBHost)
	env.str("DB_PORT", &c.DBPort)
	env.str("DB_NAME", &c.DBName)

	env.integer("RATE_LIMIT_MAX", &c.RateLimitMax)
	env.duration("RATE_LIMIT_WINDOW", &c.RateLimitWindow)
	env.integer("ROOM_QUEUE_SIZE", &c.RoomQueueSize)
	env.integer("CLIENT_SEND_BUFFER", &c.ClientSendBuffer)
	env.duration("SNAPSHOT_CACHE_TTL", &c.SnapshotCacheTTL)
	env.integer("SNAPSHOT_KEEP", &c.SnapshotKeep)
	env.str("SNAPSHOT_CHECK_SCHEDULE", &c.SnapshotCheckSchedule)
	env.str("CORS_ALLOWED_ORIGIN", &c.CORSAllowedOrigin)

	return env.err
}

func (c *Config) validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", c.LogLevel)
		c.LogLevel = "info"
	}
	if c.PersistenceEnabled {
		if c.DBUser == "" || c.DBHost == "" || c.DBName == "" {
			return fmt.Errorf("DB_USER, DB_HOST and DB_NAME must be set when persistence is enabled")
		}
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR must be set when persistence is enabled")
		}
	}
	if c.RateLimitMax <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive")
	}
	if c.JWTSecret == "" {
		if c.AppEnv == "production" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		logrus.Warn("JWT_SECRET is empty, participant ids are taken from the request")
	}
	return nil
}

// envReader applies set variables and keeps the first parse error.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid value %q for %s: %w", value, key, err)
	}
}
