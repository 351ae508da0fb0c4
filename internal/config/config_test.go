package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustLoadByPath(t *testing.T) {
	yaml := `
env: local
http_server:
  address: ":9090"
  timeout: 5s
database:
  host: db.internal
  port: 5433
  user: market
  name: market
jwt:
  token_ttl: 24h
orders:
  commission_rate: 0.15
  hold_timeout: 12h
outbox:
  poll_interval: 1s
  batch_size: 10
  workers: 2
`
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("JWT_SECRET", "secret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg := MustLoadByPath(path)

	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, ":9090", cfg.HTTPServer.Address)
	assert.Equal(t, 5*time.Second, cfg.HTTPServer.Timeout)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "pw", cfg.Database.Password)
	assert.Equal(t, "secret", cfg.JWT.Secret)
	assert.Equal(t, 24*time.Hour, cfg.JWT.TokenTTL)
	assert.Equal(t, 0.15, cfg.Orders.CommissionRate)
	assert.Equal(t, 12*time.Hour, cfg.Orders.HoldTimeout)
	assert.Equal(t, time.Second, cfg.Outbox.PollInterval)
	assert.Equal(t, 10, cfg.Outbox.BatchSize)
	assert.Equal(t, 2, cfg.Outbox.Workers)
}

func TestMustLoadByPath_Defaults(t *testing.T) {
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("JWT_SECRET", "secret")

	yaml := `
database:
  user: market
  name: market
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg := MustLoadByPath(path)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, ":8080", cfg.HTTPServer.Address)
	assert.Equal(t, 0.20, cfg.Orders.CommissionRate)
	assert.Equal(t, 24*time.Hour, cfg.Orders.HoldTimeout)
	assert.Equal(t, 72*time.Hour, cfg.JWT.TokenTTL)
	assert.Equal(t, 3, cfg.Payments.MaxRetries)
}

func TestMustLoadByPath_MissingFilePanics(t *testing.T) {
	assert.Panics(t, func() {
		MustLoadByPath(filepath.Join(t.TempDir(), "nope.yaml"))
	})
}
