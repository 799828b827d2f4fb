package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Pipeline.ApprovalTTL)
	assert.Equal(t, time.Minute, cfg.Pipeline.SweepInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("STAGECOACH_STORAGE_DRIVER", "redis")
	t.Setenv("STAGECOACH_SERVER_HTTP_PORT", "9999")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Storage.Driver)
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
}

func TestDatabaseDSN(t *testing.T) {
	db := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "stagecoach",
		Password: "secret",
		Database: "stagecoach",
		SSLMode:  "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=stagecoach password=secret dbname=stagecoach sslmode=disable",
		db.DSN())
}
