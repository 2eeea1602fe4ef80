package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, "oneshot.fifo", cfg.OneshotQueueName)
	assert.Equal(t, 35*24*time.Hour, cfg.MaxPastEventDelta)
	assert.Equal(t, 5*time.Minute, cfg.MaxFutureEventDelta)
	assert.Equal(t, time.Hour, cfg.LongrunExpirationInterval)
	assert.Equal(t, time.Minute, cfg.ChargeLongrun.MinChargingInterval)
	assert.True(t, cfg.ChargeLongrun.MinChargingAmount.IsPositive())

	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CHARGE_LONGRUN_EXPIRATION_INTERVAL", "7200")
	t.Setenv("CHARGE_LONGRUN_MIN_CHARGING_AMOUNT", "0.5")
	t.Setenv("DB_MAX_OPEN_CONNS", "5")

	cfg := Load()
	assert.Equal(t, "9000", cfg.HTTPPort)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 2*time.Hour, cfg.LongrunExpirationInterval)
	assert.Equal(t, "0.5", cfg.ChargeLongrun.MinChargingAmount.String())
	assert.Equal(t, 5, cfg.DBMaxOpenConns)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("DB_MAX_OPEN_CONNS", "lots")
	t.Setenv("CHARGE_ONESHOT_LOOP_SLEEP", "soon")

	cfg := Load()
	assert.Equal(t, 30, cfg.DBMaxOpenConns)
	assert.Equal(t, 600*time.Second, cfg.ChargeOneshot.LoopSleep)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.DatabaseURL = ""
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.LongrunExpirationInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.MaxFutureEventDelta = -time.Second
	assert.Error(t, cfg.Validate())
}
