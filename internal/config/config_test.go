package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.ServerAddr())
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("SCHEDULER_ENABLED", "false")
	t.Setenv("CACHE_TTL", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:9090", cfg.ServerAddr())
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Cache.TTL)
}

func TestGetEnvInt_IgnoresUnparseable(t *testing.T) {
	os.Setenv("BOGUS_INT", "not-a-number")
	defer os.Unsetenv("BOGUS_INT")
	assert.Equal(t, 42, getEnvInt("BOGUS_INT", 42))
}
