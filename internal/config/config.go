// Package config loads runtime settings from the environment and an optional
// config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServiceName string
	LogLevel    string

	HTTPAddr string
	GRPCAddr string

	OrderStoreDriver string // mysql or postgres
	OrderStoreDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	KafkaBrokers        []string
	KafkaGroupID        string
	TopicOrders         string
	TopicPayments       string
	TopicInventory      string
	PublishTimeout      time.Duration
	ConsumerMaxBackoff  time.Duration
	ConsumerDedupeItems int

	Queue QueueConfig

	HandshakeTimeout time.Duration
	PushBuffer       int
	ClientMsgRate    float64
	ClientMsgBurst   int

	Shutdown ShutdownConfig
}

type QueueConfig struct {
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxAttempts  int
	ReapInterval time.Duration
}

// ShutdownConfig holds one bound per teardown step.
type ShutdownConfig struct {
	Inbound     time.Duration
	Consumer    time.Duration
	Workers     time.Duration
	Connections time.Duration
	Producer    time.Duration
	Stores      time.Duration
}

// Total is the worst-case shutdown latency.
func (s ShutdownConfig) Total() time.Duration {
	return s.Inbound + s.Consumer + s.Workers + s.Connections + s.Producer + s.Stores
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "orderflow")
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":50051")
	v.SetDefault("order_store_driver", "mysql")
	v.SetDefault("order_store_dsn", "root:root@tcp(localhost:3306)/orderflow?parseTime=true")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_pool_size", 100)
	v.SetDefault("kafka_brokers", "localhost:9092")
	v.SetDefault("kafka_group_id", "orderflow")
	v.SetDefault("kafka_topic_orders", "order-events")
	v.SetDefault("kafka_topic_payments", "payment-events")
	v.SetDefault("kafka_topic_inventory", "inventory-events")
	v.SetDefault("publish_timeout", 5*time.Second)
	v.SetDefault("consumer_max_backoff", 10*time.Second)
	v.SetDefault("consumer_dedupe_items", 10000)
	v.SetDefault("queue_workers", 10)
	v.SetDefault("queue_poll_interval", 200*time.Millisecond)
	v.SetDefault("queue_lease", 30*time.Second)
	v.SetDefault("queue_backoff_base", time.Second)
	v.SetDefault("queue_backoff_max", 5*time.Minute)
	v.SetDefault("queue_max_attempts", 3)
	v.SetDefault("queue_reap_interval", 5*time.Second)
	v.SetDefault("ws_handshake_timeout", 10*time.Second)
	v.SetDefault("ws_push_buffer", 64)
	v.SetDefault("ws_client_msg_rate", 5.0)
	v.SetDefault("ws_client_msg_burst", 10)
	v.SetDefault("shutdown_inbound_timeout", 5*time.Second)
	v.SetDefault("shutdown_consumer_timeout", 10*time.Second)
	v.SetDefault("shutdown_workers_timeout", 15*time.Second)
	v.SetDefault("shutdown_connections_timeout", 5*time.Second)
	v.SetDefault("shutdown_producer_timeout", 5*time.Second)
	v.SetDefault("shutdown_stores_timeout", 5*time.Second)
}

// Load reads configuration from v. Environment variables override file values,
// e.g. KAFKA_BROKERS=a:9092,b:9092 or QUEUE_WORKERS=4.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := Config{
		ServiceName:         v.GetString("service_name"),
		LogLevel:            v.GetString("log_level"),
		HTTPAddr:            v.GetString("http_addr"),
		GRPCAddr:            v.GetString("grpc_addr"),
		OrderStoreDriver:    strings.ToLower(v.GetString("order_store_driver")),
		OrderStoreDSN:       v.GetString("order_store_dsn"),
		RedisAddr:           v.GetString("redis_addr"),
		RedisPassword:       v.GetString("redis_password"),
		RedisDB:             v.GetInt("redis_db"),
		RedisPoolSize:       v.GetInt("redis_pool_size"),
		KafkaBrokers:        parseCSV(v.GetString("kafka_brokers")),
		KafkaGroupID:        v.GetString("kafka_group_id"),
		TopicOrders:         v.GetString("kafka_topic_orders"),
		TopicPayments:       v.GetString("kafka_topic_payments"),
		TopicInventory:      v.GetString("kafka_topic_inventory"),
		PublishTimeout:      v.GetDuration("publish_timeout"),
		ConsumerMaxBackoff:  v.GetDuration("consumer_max_backoff"),
		ConsumerDedupeItems: v.GetInt("consumer_dedupe_items"),
		Queue: QueueConfig{
			Workers:      v.GetInt("queue_workers"),
			PollInterval: v.GetDuration("queue_poll_interval"),
			Lease:        v.GetDuration("queue_lease"),
			BackoffBase:  v.GetDuration("queue_backoff_base"),
			BackoffMax:   v.GetDuration("queue_backoff_max"),
			MaxAttempts:  v.GetInt("queue_max_attempts"),
			ReapInterval: v.GetDuration("queue_reap_interval"),
		},
		HandshakeTimeout: v.GetDuration("ws_handshake_timeout"),
		PushBuffer:       v.GetInt("ws_push_buffer"),
		ClientMsgRate:    v.GetFloat64("ws_client_msg_rate"),
		ClientMsgBurst:   v.GetInt("ws_client_msg_burst"),
		Shutdown: ShutdownConfig{
			Inbound:     v.GetDuration("shutdown_inbound_timeout"),
			Consumer:    v.GetDuration("shutdown_consumer_timeout"),
			Workers:     v.GetDuration("shutdown_workers_timeout"),
			Connections: v.GetDuration("shutdown_connections_timeout"),
			Producer:    v.GetDuration("shutdown_producer_timeout"),
			Stores:      v.GetDuration("shutdown_stores_timeout"),
		},
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.OrderStoreDriver {
	case "mysql", "postgres":
	default:
		errs = append(errs, fmt.Errorf("order_store_driver %q: want mysql or postgres", c.OrderStoreDriver))
	}
	if c.OrderStoreDSN == "" {
		errs = append(errs, errors.New("order_store_dsn is required"))
	}
	if c.RedisAddr == "" {
		errs = append(errs, errors.New("redis_addr is required"))
	}
	if len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("kafka_brokers is required"))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, errors.New("queue_workers must be positive"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("queue_max_attempts must be positive"))
	}
	if c.Queue.Lease <= 0 || c.Queue.PollInterval <= 0 {
		errs = append(errs, errors.New("queue_lease and queue_poll_interval must be positive"))
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax < c.Queue.BackoffBase {
		errs = append(errs, errors.New("queue_backoff_base must be positive and not exceed queue_backoff_max"))
	}
	if c.HandshakeTimeout <= 0 || c.PublishTimeout <= 0 {
		errs = append(errs, errors.New("ws_handshake_timeout and publish_timeout must be positive"))
	}
	if c.PushBuffer <= 0 {
		errs = append(errs, errors.New("ws_push_buffer must be positive"))
	}
	for _, st := range []struct {
		key string
		d   time.Duration
	}{
		{"shutdown_inbound_timeout", c.Shutdown.Inbound},
		{"shutdown_consumer_timeout", c.Shutdown.Consumer},
		{"shutdown_workers_timeout", c.Shutdown.Workers},
		{"shutdown_connections_timeout", c.Shutdown.Connections},
		{"shutdown_producer_timeout", c.Shutdown.Producer},
		{"shutdown_stores_timeout", c.Shutdown.Stores},
	} {
		// a zero step timeout would skip that step's drain entirely
		if st.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", st.key))
		}
	}
	return errors.Join(errs...)
}

func parseCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
