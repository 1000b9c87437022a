// Package config loads the server configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then an
// optional .env file and the process environment. The result is validated
// before use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	HTTPAddr string `yaml:"httpAddr" validate:"required"`
	GRPCAddr string `yaml:"grpcAddr"` // empty disables the gRPC stream

	// BarInterval is the persisted bar granularity.
	BarInterval            string        `yaml:"barInterval" validate:"oneof=1m 5m 15m 1h 1d"`
	FutureTolerance        time.Duration `yaml:"futureTolerance" validate:"gt=0"`
	ApplyTimeout           time.Duration `yaml:"applyTimeout" validate:"gt=0"`
	LockTimeout            time.Duration `yaml:"lockTimeout" validate:"gt=0"`
	MaxApplyRetries        int           `yaml:"maxApplyRetries" validate:"gte=1,lte=10"`
	RequireKnownInstrument bool          `yaml:"requireKnownInstrument"`
	ShutdownTimeout        time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`

	Cache  CacheConfig  `yaml:"cache"`
	Store  StoreConfig  `yaml:"store"`
	Redis  RedisConfig  `yaml:"redis"`
	Kafka  KafkaConfig  `yaml:"kafka"`
	Fanout FanoutConfig `yaml:"fanout"`

	LogLevel string `yaml:"logLevel" validate:"oneof=debug info warn error"`
}

type CacheConfig struct {
	Backend string        `yaml:"backend" validate:"oneof=memory redis none"`
	TTL     time.Duration `yaml:"ttl" validate:"gt=0"`
}

type StoreConfig struct {
	Backend      string `yaml:"backend" validate:"oneof=memory postgres"`
	PostgresDSN  string `yaml:"postgresDSN" validate:"required_if=Backend postgres"`
	MaxOpenConns int    `yaml:"maxOpenConns" validate:"gte=0"`
	MaxIdleConns int    `yaml:"maxIdleConns" validate:"gte=0"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `yaml:"topic" validate:"required_if=Enabled true"`
	GroupID string   `yaml:"groupID" validate:"required_if=Enabled true"`
}

type FanoutConfig struct {
	MaxInstrumentsPerSubscriber int `yaml:"maxInstrumentsPerSubscriber" validate:"gte=1"`
	SubscriberBuffer            int `yaml:"subscriberBuffer" validate:"gte=1"`
	PublishBuffer               int `yaml:"publishBuffer" validate:"gte=1"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":50051",
		BarInterval:     "5m",
		FutureTolerance: 60 * time.Second,
		ApplyTimeout:    5 * time.Second,
		LockTimeout:     3 * time.Second,
		MaxApplyRetries: 3,
		ShutdownTimeout: 10 * time.Second,
		Cache:           CacheConfig{Backend: "memory", TTL: 60 * time.Second},
		Store:           StoreConfig{Backend: "memory", MaxOpenConns: 20, MaxIdleConns: 5},
		Redis:           RedisConfig{Addr: "localhost:6379"},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "presale-trades",
			GroupID: "fundchart",
		},
		Fanout: FanoutConfig{
			MaxInstrumentsPerSubscriber: 16,
			SubscriberBuffer:            100,
			PublishBuffer:               1024,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration. path and envFile are optional; when envFile
// is empty a .env in the working directory is read if it exists.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return cfg, fmt.Errorf("load env file: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

var validate = validator.New()

// Validate checks field constraints and the combinations tags cannot express.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Cache.Backend == "redis" && cfg.Redis.Addr == "" {
		return errors.New("invalid config: redis.addr is required for the redis cache")
	}
	return nil
}

// applyEnv overrides cfg with the environment variables that are set.
func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			parts := strings.Split(v, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			*dst = parts
		}
	}

	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("GRPC_ADDR", &cfg.GRPCAddr)
	str("BAR_INTERVAL", &cfg.BarInterval)
	duration("FUTURE_TOLERANCE", &cfg.FutureTolerance)
	duration("APPLY_TIMEOUT", &cfg.ApplyTimeout)
	duration("LOCK_TIMEOUT", &cfg.LockTimeout)
	integer("MAX_APPLY_RETRIES", &cfg.MaxApplyRetries)
	boolean("REQUIRE_KNOWN_INSTRUMENT", &cfg.RequireKnownInstrument)
	duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	str("CACHE_BACKEND", &cfg.Cache.Backend)
	duration("CACHE_TTL", &cfg.Cache.TTL)

	str("STORE_BACKEND", &cfg.Store.Backend)
	str("POSTGRES_DSN", &cfg.Store.PostgresDSN)

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	integer("REDIS_DB", &cfg.Redis.DB)

	boolean("KAFKA_ENABLED", &cfg.Kafka.Enabled)
	list("KAFKA_BROKERS", &cfg.Kafka.Brokers)
	str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	str("KAFKA_GROUP_ID", &cfg.Kafka.GroupID)

	integer("FANOUT_MAX_INSTRUMENTS", &cfg.Fanout.MaxInstrumentsPerSubscriber)
	integer("FANOUT_SUBSCRIBER_BUFFER", &cfg.Fanout.SubscriberBuffer)
	integer("FANOUT_PUBLISH_BUFFER", &cfg.Fanout.PublishBuffer)

	str("LOG_LEVEL", &cfg.LogLevel)

	return errors.Join(errs...)
}
