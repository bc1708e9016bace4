package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.OrderStoreDriver)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Queue.Lease)
	assert.Equal(t, 45*time.Second, cfg.Shutdown.Total())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092 ,")
	t.Setenv("QUEUE_WORKERS", "4")
	t.Setenv("ORDER_STORE_DRIVER", "Postgres")
	t.Setenv("QUEUE_BACKOFF_BASE", "250ms")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, "postgres", cfg.OrderStoreDriver)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.BackoffBase)
}

func TestValidate_Rejects(t *testing.T) {
	t.Setenv("ORDER_STORE_DRIVER", "sqlite")
	t.Setenv("QUEUE_WORKERS", "0")

	_, err := Load(viper.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order_store_driver")
	assert.Contains(t, err.Error(), "queue_workers")
}

func TestValidate_RejectsNonPositiveShutdownTimeouts(t *testing.T) {
	t.Setenv("SHUTDOWN_WORKERS_TIMEOUT", "0s")
	t.Setenv("SHUTDOWN_STORES_TIMEOUT", "-1s")

	_, err := Load(viper.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutdown_workers_timeout must be positive")
	assert.Contains(t, err.Error(), "shutdown_stores_timeout must be positive")
	assert.NotContains(t, err.Error(), "shutdown_inbound_timeout")
}
