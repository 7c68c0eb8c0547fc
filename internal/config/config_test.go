package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	assert.Equal(t, ":8091", d.StatusAddr)
	assert.Equal(t, "dynamo.db", d.EmbeddedPath)
	assert.Equal(t, 500*time.Millisecond, d.IdleBackoff)
	assert.Equal(t, 30*time.Second, d.DrainTimeout)
	assert.Equal(t, 5*time.Second, d.KillGrace)
	assert.Equal(t, 100, d.FileCacheSize)
	assert.Equal(t, "info", d.LogLevel)
	assert.False(t, d.LogJSON)
}

func TestLoadWithNoOverridesReturnsDefaults(t *testing.T) {
	v := viper.New()
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadAppliesExplicitViperValue(t *testing.T) {
	v := viper.New()
	v.Set("registry_dsn", "postgres://localhost/registry")
	v.Set("file_cache_size", 50)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/registry", cfg.RegistryDSN)
	assert.Equal(t, 50, cfg.FileCacheSize)
	// Unset fields keep their default.
	assert.Equal(t, ":8091", cfg.StatusAddr)
}

func TestLoadAppliesDynamoPrefixedEnv(t *testing.T) {
	require.NoError(t, os.Setenv("DYNAMO_STATUS_ADDR", ":9999"))
	defer os.Unsetenv("DYNAMO_STATUS_ADDR")

	v := viper.New()
	v.SetEnvPrefix("DYNAMO")
	v.AutomaticEnv()
	require.NoError(t, v.BindEnv("status_addr"))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.StatusAddr)
}
