package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 5, cfg.Occupancy.Threshold)
	assert.Equal(t, 10, cfg.Sync.MaxRetries)
	assert.Equal(t, 2*time.Hour, cfg.Validation.ExpiryGrace)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DISCREPANCY_THRESHOLD", "8")
	t.Setenv("SYNC_MAX_RETRIES", "3")
	t.Setenv("SYNC_INTERVAL", "750ms")
	t.Setenv("DEVICE_EVENT_IDS", "evt-1, evt-2,,")
	t.Setenv("KAFKA_ENABLED", "false")

	cfg := Load()

	assert.Equal(t, 8, cfg.Occupancy.Threshold)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 750*time.Millisecond, cfg.Sync.Interval)
	assert.Equal(t, []string{"evt-1", "evt-2"}, cfg.Device.EventIDs)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("DISCREPANCY_THRESHOLD", "five")
	t.Setenv("SYNC_INTERVAL", "soon")

	cfg := Load()

	assert.Equal(t, 5, cfg.Occupancy.Threshold)
	assert.Equal(t, 5*time.Second, cfg.Sync.Interval)
}
