package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppConfig holds the complete configuration for the application
type AppConfig struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	ServiceName string         `mapstructure:"service_name"`
	Discord     DiscordConfig  `mapstructure:"discord"`
	Kafka       KafkaConfig    `mapstructure:"kafka"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Watcher     WatcherConfig  `mapstructure:"watcher"`
	Syncer      SyncerConfig   `mapstructure:"syncer"`
	HTTP        HTTPConfig     `mapstructure:"http"`
}

type DiscordConfig struct {
	Token               string        `mapstructure:"token"`
	ChannelIDs          []string      `mapstructure:"channel_ids"`
	AuthorizedAuthorIDs []string      `mapstructure:"authorized_author_ids"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	Topic           string        `mapstructure:"topic"`
	GroupID         string        `mapstructure:"group_id"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

type PostgresConfig struct {
	URI      string `mapstructure:"uri"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

const (
	CheckpointFile  = "file"
	CheckpointRedis = "redis"
)

type WatcherConfig struct {
	CheckpointBackend string        `mapstructure:"checkpoint_backend"`
	CheckpointPath    string        `mapstructure:"checkpoint_path"`
	CheckpointKey     string        `mapstructure:"checkpoint_key"`
	LaneBuffer        int           `mapstructure:"lane_buffer"`
	BackfillPageSize  int           `mapstructure:"backfill_page_size"`
	ProgressInterval  time.Duration `mapstructure:"progress_interval"`
	CatchUp           bool          `mapstructure:"catch_up"`
	CatchUpWindow     time.Duration `mapstructure:"catch_up_window"`
}

type SyncerConfig struct {
	FanoutWorkers   int           `mapstructure:"fanout_workers"`
	ProcessTimeout  time.Duration `mapstructure:"process_timeout"`
	PartitionBuffer int           `mapstructure:"partition_buffer"`
	RestartBackoff  time.Duration `mapstructure:"restart_backoff"`
}

// HTTPConfig holds listen addresses. An empty MetricsAddr lets each binary
// pick its own default.
type HTTPConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
	APIAddr     string `mapstructure:"api_addr"`
}

// Load loads configuration from .env, file and environment variables
func Load(path string) (*AppConfig, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()

	// Default values
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("discord.request_timeout", 10*time.Second)
	v.SetDefault("kafka.topic", "game.updates")
	v.SetDefault("kafka.group_id", "patchwatch-syncer")
	v.SetDefault("kafka.write_timeout", 10*time.Second)
	v.SetDefault("postgres.max_conns", 20)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("watcher.checkpoint_backend", CheckpointFile)
	v.SetDefault("watcher.checkpoint_path", "checkpoints.json")
	v.SetDefault("watcher.checkpoint_key", "patchwatch:checkpoints")
	v.SetDefault("watcher.lane_buffer", 64)
	v.SetDefault("watcher.backfill_page_size", 100)
	v.SetDefault("watcher.progress_interval", 2*time.Second)
	v.SetDefault("watcher.catch_up", true)
	v.SetDefault("watcher.catch_up_window", 24*time.Hour)
	v.SetDefault("syncer.fanout_workers", 8)
	v.SetDefault("syncer.process_timeout", 30*time.Second)
	v.SetDefault("syncer.partition_buffer", 16)
	v.SetDefault("syncer.restart_backoff", 2*time.Second)
	v.SetDefault("http.api_addr", ":8090")

	// Environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Config file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	// Bind environment variables explicitly for nested structs to ensure Unmarshal picks them up
	v.BindEnv("service_name", "SERVICE_NAME")
	v.BindEnv("environment", "ENVIRONMENT")
	v.BindEnv("log_level", "LOG_LEVEL")
	v.BindEnv("discord.token", "DISCORD_TOKEN")
	v.BindEnv("discord.channel_ids", "DISCORD_CHANNEL_IDS")
	v.BindEnv("discord.authorized_author_ids", "DISCORD_AUTHORIZED_AUTHOR_IDS")
	v.BindEnv("discord.request_timeout", "DISCORD_REQUEST_TIMEOUT")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_TOPIC")
	v.BindEnv("kafka.group_id", "KAFKA_GROUP_ID")
	v.BindEnv("kafka.dead_letter_topic", "KAFKA_DEAD_LETTER_TOPIC")
	v.BindEnv("kafka.write_timeout", "KAFKA_WRITE_TIMEOUT")
	v.BindEnv("postgres.uri", "POSTGRES_URI")
	v.BindEnv("postgres.max_conns", "POSTGRES_MAX_CONNS")
	v.BindEnv("postgres.min_conns", "POSTGRES_MIN_CONNS")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("watcher.checkpoint_backend", "WATCHER_CHECKPOINT_BACKEND")
	v.BindEnv("watcher.checkpoint_path", "WATCHER_CHECKPOINT_PATH")
	v.BindEnv("watcher.checkpoint_key", "WATCHER_CHECKPOINT_KEY")
	v.BindEnv("watcher.lane_buffer", "WATCHER_LANE_BUFFER")
	v.BindEnv("watcher.backfill_page_size", "WATCHER_BACKFILL_PAGE_SIZE")
	v.BindEnv("watcher.progress_interval", "WATCHER_PROGRESS_INTERVAL")
	v.BindEnv("watcher.catch_up", "WATCHER_CATCH_UP")
	v.BindEnv("watcher.catch_up_window", "WATCHER_CATCH_UP_WINDOW")
	v.BindEnv("syncer.fanout_workers", "SYNCER_FANOUT_WORKERS")
	v.BindEnv("syncer.process_timeout", "SYNCER_PROCESS_TIMEOUT")
	v.BindEnv("syncer.partition_buffer", "SYNCER_PARTITION_BUFFER")
	v.BindEnv("syncer.restart_backoff", "SYNCER_RESTART_BACKOFF")
	v.BindEnv("http.metrics_addr", "HTTP_METRICS_ADDR")
	v.BindEnv("http.api_addr", "HTTP_API_ADDR")

	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Lists arrive from env as one comma separated string
	config.Kafka.Brokers = splitList(config.Kafka.Brokers, v.GetString("kafka.brokers"))
	config.Discord.ChannelIDs = splitList(config.Discord.ChannelIDs, v.GetString("discord.channel_ids"))
	config.Discord.AuthorizedAuthorIDs = splitList(config.Discord.AuthorizedAuthorIDs, v.GetString("discord.authorized_author_ids"))

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func splitList(parsed []string, raw string) []string {
	if len(parsed) == 1 && strings.Contains(parsed[0], ",") {
		raw, parsed = parsed[0], nil
	}
	if len(parsed) == 0 && raw != "" {
		parsed = strings.Split(raw, ",")
	}

	out := parsed[:0:0]
	for _, item := range parsed {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks the keys every binary needs
func (c *AppConfig) Validate() error {
	if c.ServiceName == "" {
		return errors.New("service_name is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	return nil
}

// ValidateWatcher checks the keys the Discord watcher needs
func (c *AppConfig) ValidateWatcher() error {
	if err := c.ValidateBackfill(); err != nil {
		return err
	}
	if len(c.Discord.ChannelIDs) == 0 {
		return errors.New("discord.channel_ids is required")
	}
	return nil
}

// ValidateBackfill checks the keys a one-shot backfill needs. The channel
// comes from the command line, so discord.channel_ids is optional.
func (c *AppConfig) ValidateBackfill() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Discord.Token == "" {
		return errors.New("discord.token is required")
	}
	if len(c.Discord.AuthorizedAuthorIDs) == 0 {
		return errors.New("discord.authorized_author_ids is required")
	}
	if c.Watcher.BackfillPageSize < 1 || c.Watcher.BackfillPageSize > 100 {
		return errors.New("watcher.backfill_page_size must be between 1 and 100")
	}
	switch c.Watcher.CheckpointBackend {
	case CheckpointFile:
		if c.Watcher.CheckpointPath == "" {
			return errors.New("watcher.checkpoint_path is required")
		}
	case CheckpointRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required")
		}
	default:
		return fmt.Errorf("unknown watcher.checkpoint_backend %q", c.Watcher.CheckpointBackend)
	}
	return nil
}

// ValidateSyncer checks the keys the syncer needs
func (c *AppConfig) ValidateSyncer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Postgres.URI == "" {
		return errors.New("postgres.uri is required")
	}
	if c.Kafka.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.Syncer.FanoutWorkers < 1 {
		return errors.New("syncer.fanout_workers must be at least 1")
	}
	return nil
}
