package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"invalidator/internal/domain"
	"invalidator/internal/ingest/kafka"
	"invalidator/internal/ingest/rabbitmq"
	"invalidator/internal/ingest/socket"
	"invalidator/internal/recovery"
)

const envPrefix = "invalidator"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	History  HistoryConfig  `mapstructure:"history"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Watch    WatchConfig    `mapstructure:"watch"`
	Feature  FeatureConfig  `mapstructure:"feature"`
}

type ServerConfig struct {
	NodeID string `mapstructure:"node_id"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig tunes every recovering channel.
type EngineConfig struct {
	ReorderTimeout  time.Duration `mapstructure:"reorder_timeout"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
	RetryJitter     time.Duration `mapstructure:"retry_jitter"`
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`
	MaxPendingItems int           `mapstructure:"max_pending_items"`
	MaxVersion      int64         `mapstructure:"max_version"`
}

type IngestConfig struct {
	Socket   SocketConfig   `mapstructure:"socket"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type SocketConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Network          string `mapstructure:"network"`
	Address          string `mapstructure:"address"`
	UnixSocketPath   string `mapstructure:"unix_socket_path"`
	AuthToken        string `mapstructure:"auth_token"`
	MaxInflight      int    `mapstructure:"max_inflight"`
	GlobalQueueLimit int    `mapstructure:"global_queue_limit"`
}

type KafkaConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Brokers        []string `mapstructure:"brokers"`
	Topics         []string `mapstructure:"topics"`
	GroupID        string   `mapstructure:"group_id"`
	ClientID       string   `mapstructure:"client_id"`
	WorkerCount    int      `mapstructure:"worker_count"`
	QueueCapacity  int      `mapstructure:"queue_capacity"`
	MaxPollRecords int      `mapstructure:"max_poll_records"`
	TLS            bool     `mapstructure:"tls"`
}

type RabbitMQConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	URL           string   `mapstructure:"url"`
	Exchange      string   `mapstructure:"exchange"`
	Queue         string   `mapstructure:"queue"`
	RoutingKeys   []string `mapstructure:"routing_keys"`
	PrefetchCount int      `mapstructure:"prefetch_count"`
	ManualAck     bool     `mapstructure:"manual_ack"`
	Workers       int      `mapstructure:"workers"`
	DeliveryQueue int      `mapstructure:"delivery_queue"`
	RawBody       bool     `mapstructure:"raw_body"`
}

type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Dir holds the sqlite partition files. Empty keeps history in memory.
	Dir        string `mapstructure:"dir"`
	BatchLimit int    `mapstructure:"batch_limit"`
	CacheSize  int    `mapstructure:"cache_size"`
}

// RecoveryConfig points a watching engine at the history server.
type RecoveryConfig struct {
	Network   string        `mapstructure:"network"`
	Address   string        `mapstructure:"address"`
	AuthToken string        `mapstructure:"auth_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type WatchConfig struct {
	Objects []WatchedObject `mapstructure:"objects"`
}

type WatchedObject struct {
	Name       string `mapstructure:"name"`
	Versioning string `mapstructure:"versioning"`
}

type FeatureConfig struct {
	AllowMultipleAdapters bool `mapstructure:"allow_multiple_adapters"`
}

// Load reads path, then a .env file beside it, then INVALIDATOR_* environment
// variables. Later sources win.
func Load(path string) (Config, error) {
	_ = godotenv.Overload(filepath.Join(filepath.Dir(path), ".env"))

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("engine.reorder_timeout", recovery.DefaultReorderTimeout)
	v.SetDefault("engine.retry_base_delay", recovery.DefaultRetryBaseDelay)
	v.SetDefault("engine.retry_max_delay", recovery.DefaultRetryMaxDelay)
	v.SetDefault("engine.retry_jitter", recovery.DefaultRetryJitter)
	v.SetDefault("engine.recovery_timeout", recovery.DefaultRecoveryTimeout)
	v.SetDefault("engine.max_version", recovery.DefaultMaxVersion)

	v.SetDefault("ingest.socket.network", "tcp")
	v.SetDefault("ingest.socket.address", "127.0.0.1:7400")
	v.SetDefault("ingest.kafka.enabled", false)
	v.SetDefault("ingest.kafka.client_id", "invalidator")
	v.SetDefault("ingest.rabbitmq.enabled", false)
	v.SetDefault("ingest.rabbitmq.manual_ack", true)
	v.SetDefault("ingest.rabbitmq.prefetch_count", 64)
	v.SetDefault("ingest.rabbitmq.workers", 4)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 256)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.batch_limit", 1000)

	v.SetDefault("recovery.network", "tcp")
	v.SetDefault("recovery.address", "127.0.0.1:7400")
	v.SetDefault("recovery.timeout", 10*time.Second)

	v.SetDefault("metrics.address", "127.0.0.1:9400")

	v.SetDefault("feature.allow_multiple_adapters", true)
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if !c.Feature.AllowMultipleAdapters {
		enabled := 0
		if c.Ingest.Socket.Enabled {
			enabled++
		}
		if c.Ingest.Kafka.Enabled {
			enabled++
		}
		if c.Ingest.RabbitMQ.Enabled {
			enabled++
		}
		if enabled > 1 {
			return fmt.Errorf("multiple adapters enabled while feature.allow_multiple_adapters=false")
		}
	}
	if c.Ingest.Socket.Enabled && c.Ingest.Socket.Network == "unix" && c.Ingest.Socket.UnixSocketPath == "" {
		return fmt.Errorf("ingest.socket.unix_socket_path is required for unix sockets")
	}
	if err := c.KafkaAdapter().Validate(); err != nil {
		return err
	}
	if err := c.RabbitMQAdapter().Validate(); err != nil {
		return err
	}
	if c.Engine.MaxPendingItems < 0 {
		return fmt.Errorf("engine.max_pending_items must be >= 0")
	}
	if c.Engine.RetryMaxDelay > 0 && c.Engine.RetryMaxDelay < c.Engine.RetryBaseDelay {
		return fmt.Errorf("engine.retry_max_delay must be >= engine.retry_base_delay")
	}
	seen := make(map[string]bool, len(c.Watch.Objects))
	for _, obj := range c.Watch.Objects {
		if obj.Name == "" {
			return fmt.Errorf("watch.objects: name is required")
		}
		if seen[obj.Name] {
			return fmt.Errorf("watch.objects: %q listed twice", obj.Name)
		}
		seen[obj.Name] = true
		if _, ok := domain.ParseVersioning(obj.Versioning); !ok {
			return fmt.Errorf("watch.objects: %q has unknown versioning %q", obj.Name, obj.Versioning)
		}
	}
	return nil
}

// RecoveryConfig returns the per-channel engine settings.
func (c Config) RecoveryConfig() recovery.Config {
	cfg := recovery.DefaultConfig()
	cfg.ReorderTimeout = c.Engine.ReorderTimeout
	cfg.RetryBaseDelay = c.Engine.RetryBaseDelay
	cfg.RetryMaxDelay = c.Engine.RetryMaxDelay
	cfg.RetryJitter = c.Engine.RetryJitter
	cfg.RecoveryTimeout = c.Engine.RecoveryTimeout
	cfg.MaxPendingItems = c.Engine.MaxPendingItems
	cfg.MaxVersion = c.Engine.MaxVersion
	return cfg
}

func (c Config) SocketServer() socket.Config {
	s := c.Ingest.Socket
	return socket.Config{
		Network:          s.Network,
		Address:          s.Address,
		UnixSocketPath:   s.UnixSocketPath,
		AuthToken:        s.AuthToken,
		MaxInflight:      s.MaxInflight,
		GlobalQueueLimit: s.GlobalQueueLimit,
	}
}

// SocketClient dials this node's own socket server, as the publish command does.
func (c Config) SocketClient() socket.ClientConfig {
	s := c.Ingest.Socket
	addr := s.Address
	if s.Network == "unix" {
		addr = s.UnixSocketPath
	}
	return socket.ClientConfig{Network: s.Network, Address: addr, AuthToken: s.AuthToken, Timeout: c.Recovery.Timeout}
}

func (c Config) RecoveryClient() socket.ClientConfig {
	return socket.ClientConfig{
		Network:   c.Recovery.Network,
		Address:   c.Recovery.Address,
		AuthToken: c.Recovery.AuthToken,
		Timeout:   c.Recovery.Timeout,
	}
}

func (c Config) KafkaAdapter() kafka.Config {
	k := c.Ingest.Kafka
	return kafka.Config{
		Enabled:        k.Enabled,
		Brokers:        k.Brokers,
		Topics:         k.Topics,
		GroupID:        k.GroupID,
		ClientID:       k.ClientID,
		WorkerCount:    k.WorkerCount,
		QueueCapacity:  k.QueueCapacity,
		MaxPollRecords: k.MaxPollRecords,
		ParseMode:      kafka.ParseModeJSON,
		Auth:           kafka.AuthConfig{TLS: kafka.TLSConfig{Enabled: k.TLS}},
	}
}

func (c Config) RabbitMQAdapter() rabbitmq.Config {
	r := c.Ingest.RabbitMQ
	return rabbitmq.Config{
		Enabled:       r.Enabled,
		URL:           r.URL,
		Exchange:      r.Exchange,
		Queue:         r.Queue,
		RoutingKeys:   r.RoutingKeys,
		PrefetchCount: r.PrefetchCount,
		ManualAck:     r.ManualAck,
		Workers:       r.Workers,
		DeliveryQueue: r.DeliveryQueue,
		Parser:        rabbitmq.ParserConfig{RawBody: r.RawBody},
	}
}

// WatchedObjects resolves watch.objects. Validate has already rejected bad entries.
func (c Config) WatchedObjects() []domain.ObjectID {
	out := make([]domain.ObjectID, 0, len(c.Watch.Objects))
	for _, obj := range c.Watch.Objects {
		versioning, _ := domain.ParseVersioning(obj.Versioning)
		out = append(out, domain.ObjectID{Name: obj.Name, Versioning: versioning})
	}
	return out
}
