package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration assembled by FromEnv.
type Config struct {
	Server   Server
	Log      LogConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Profiles map[string]Profile
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// LogConfig selects the logger's level, format and optional sinks.
type LogConfig struct {
	Level  string
	Format string // json | pretty
	Color  bool

	DBEnabled       bool
	DatabaseURL     string
	DBBatchSize     int
	DBFlushInterval time.Duration

	FileEnabled  bool
	FilePath     string
	FileMaxBytes int64

	KafkaBrokers []string
	KafkaTopic   string

	OpenSearchURLs []string
}

// RedisConfig holds connection settings for the shared cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// CacheConfig picks the cache backend.
type CacheConfig struct {
	Backend    string // memory | redis
	DefaultTTL time.Duration
	KeyPrefix  string
}

// FromEnv builds the config from environment variables so main stays lean.
// Resilience profiles start from DefaultProfiles and are overlaid with
// RESILIENCE_CONFIG_FILE when it is set.
func FromEnv() (Config, error) {
	cfg := Config{
		Server: Server{
			Addr:            getEnv("RADIOGUARD_ADDR", ":8080"),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
			Color:  getBool("LOG_COLOR", false),

			DBEnabled:       getBool("LOG_DB_ENABLED", false),
			DatabaseURL:     os.Getenv("DATABASE_URL"),
			DBBatchSize:     getInt("LOG_DB_BATCH_SIZE", 50),
			DBFlushInterval: getDuration("LOG_DB_FLUSH_INTERVAL", 5*time.Second),

			FileEnabled:  getBool("LOG_FILE_ENABLED", false),
			FilePath:     getEnv("LOG_FILE_PATH", "logs/radioguard.log"),
			FileMaxBytes: int64(getInt("LOG_FILE_MAX_BYTES", 10<<20)),

			KafkaBrokers: getList("LOG_KAFKA_BROKERS"),
			KafkaTopic:   getEnv("LOG_KAFKA_TOPIC", "radioguard-logs"),

			OpenSearchURLs: getList("LOG_OPENSEARCH_URLS"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Cache: CacheConfig{
			Backend:    strings.ToLower(getEnv("CACHE_BACKEND", "memory")),
			DefaultTTL: getDuration("CACHE_DEFAULT_TTL", 5*time.Minute),
			KeyPrefix:  getEnv("CACHE_KEY_PREFIX", "radioguard:cache:"),
		},
		Profiles: DefaultProfiles(),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	if path := os.Getenv("RESILIENCE_CONFIG_FILE"); path != "" {
		profiles, err := LoadProfiles(path, cfg.Profiles)
		if err != nil {
			return Config{}, err
		}
		cfg.Profiles = profiles
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Log.Format {
	case "json", "pretty":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or pretty, got %q", c.Log.Format)
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("CACHE_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Log.DBEnabled && c.Log.DatabaseURL == "" {
		return fmt.Errorf("LOG_DB_ENABLED requires DATABASE_URL")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// getDuration accepts Go durations ("5s") or a bare number of milliseconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for part := range strings.SplitSeq(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
