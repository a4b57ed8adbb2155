package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Processor ProcessorConfig `mapstructure:"processor"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // e.g., "local", "prod"
}

type LoggerConfig struct {
	Level    string `mapstructure:"level"`    // debug, info, warn, error
	Encoding string `mapstructure:"encoding"` // json or console
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// ChannelsConfig selects the channel layer backend: "redis" or "inmemory".
// The publisher additionally accepts "kafka" and leaves the fan-out to the processor.
type ChannelsConfig struct {
	Backend string `mapstructure:"backend"`
}

type GatewayConfig struct {
	SendBuffer     int           `mapstructure:"send_buffer"`
	OverflowPolicy string        `mapstructure:"overflow_policy"` // drop_oldest, drop_newest, disconnect; applies to ticks only
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	EmbedPublisher bool          `mapstructure:"embed_publisher"`
}

type PublisherConfig struct {
	Symbol    string        `mapstructure:"symbol"`
	Group     string        `mapstructure:"group"`
	BasePrice float64       `mapstructure:"base_price"`
	Band      float64       `mapstructure:"band"`
	Spread    float64       `mapstructure:"spread"`
	Interval  time.Duration `mapstructure:"interval"`
}

type ProcessorConfig struct {
	NumWorkers  int           `mapstructure:"num_workers"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

const (
	BackendRedis    = "redis"
	BackendInMemory = "inmemory"
	BackendKafka    = "kafka"

	PolicyDropNewest = "drop_newest"
	PolicyDropOldest = "drop_oldest"
	PolicyDisconnect = "disconnect"
)

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// .env values become real env vars so viper picks them up below
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	setDefaults(v)

	// "app.port" -> "APP_PORT"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flat env vars only reach nested structs when bound explicitly
	bindEnv(v, "app.port", "app.env")
	bindEnv(v, "logger.level", "logger.encoding")
	bindEnv(v, "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "kafka.brokers", "kafka.topic", "kafka.group_id")
	bindEnv(v, "channels.backend")
	bindEnv(v, "gateway.send_buffer", "gateway.overflow_policy", "gateway.max_message_size",
		"gateway.write_wait", "gateway.pong_wait", "gateway.ping_period", "gateway.embed_publisher")
	bindEnv(v, "publisher.symbol", "publisher.group", "publisher.base_price", "publisher.band",
		"publisher.spread", "publisher.interval")
	bindEnv(v, "processor.num_workers", "processor.snapshot_ttl")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", ":8000")
	v.SetDefault("app.env", "local")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "market_ticks")
	v.SetDefault("kafka.group_id", "market-processor-group")

	v.SetDefault("channels.backend", BackendRedis)

	v.SetDefault("gateway.send_buffer", 256)
	v.SetDefault("gateway.overflow_policy", PolicyDropOldest)
	v.SetDefault("gateway.max_message_size", 512*1024)
	v.SetDefault("gateway.write_wait", 5*time.Second)
	v.SetDefault("gateway.pong_wait", 60*time.Second)
	v.SetDefault("gateway.ping_period", 50*time.Second)
	v.SetDefault("gateway.embed_publisher", false)

	v.SetDefault("publisher.symbol", "EURUSD")
	v.SetDefault("publisher.group", "market_broadcast")
	v.SetDefault("publisher.base_price", 1.05)
	v.SetDefault("publisher.band", 0.01)
	v.SetDefault("publisher.spread", 0.0001)
	v.SetDefault("publisher.interval", 500*time.Millisecond)

	v.SetDefault("processor.num_workers", 4)
	v.SetDefault("processor.snapshot_ttl", time.Hour)
}

// Validate checks the values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Channels.Backend {
	case BackendRedis, BackendInMemory, BackendKafka:
	default:
		return fmt.Errorf("unknown channels backend %q", c.Channels.Backend)
	}
	if c.Channels.Backend == BackendKafka && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty")
	}
	switch c.Gateway.OverflowPolicy {
	case PolicyDropNewest, PolicyDropOldest, PolicyDisconnect:
	default:
		return fmt.Errorf("unknown overflow policy %q", c.Gateway.OverflowPolicy)
	}
	if c.Gateway.SendBuffer <= 0 {
		return fmt.Errorf("gateway send buffer must be positive, got %d", c.Gateway.SendBuffer)
	}
	if c.Publisher.Interval <= 0 {
		return fmt.Errorf("publisher interval must be positive, got %s", c.Publisher.Interval)
	}
	if c.Publisher.Spread <= 0 {
		return fmt.Errorf("publisher spread must be positive, got %v", c.Publisher.Spread)
	}
	if c.Processor.NumWorkers <= 0 {
		return fmt.Errorf("processor workers must be positive, got %d", c.Processor.NumWorkers)
	}
	return nil
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
