package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("TX_MAX_ATTEMPTS", "")
	t.Setenv("CALENDAR_CACHE_TTL", "")
	cfg := Load()
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.TxAttempts)
	assert.Equal(t, 30*time.Second, cfg.CalendarTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("TX_MAX_ATTEMPTS", "5")
	t.Setenv("NOTIFIER_WORKERS", "-2")
	t.Setenv("CALENDAR_CACHE_TTL", "2m")
	t.Setenv("STORE", "Memory")
	cfg := Load()
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5, cfg.TxAttempts)
	assert.Equal(t, 4, cfg.NotifierWorkers)
	assert.Equal(t, 2*time.Minute, cfg.CalendarTTL)
	assert.Equal(t, "memory", cfg.Store)
}
