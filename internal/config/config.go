// Package config loads dynamod's runtime configuration from flags, an
// optional YAML file, and DYNAMO_-prefixed environment variables, mirroring
// the viper/cobra wiring the rest of the daemon's ancestry uses for its
// services.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	RegistryDSN   string        `mapstructure:"registry_dsn"`
	InventoryDSN  string        `mapstructure:"inventory_dsn"`
	AuthDSN       string        `mapstructure:"auth_dsn"`
	Embedded      bool          `mapstructure:"embedded"`
	EmbeddedPath  string        `mapstructure:"embedded_path"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	AMQPURL       string        `mapstructure:"amqp_url"`
	StatusAddr    string        `mapstructure:"status_addr"`
	StatusJWTKey  string        `mapstructure:"status_jwt_key"`
	IdleBackoff   time.Duration `mapstructure:"idle_backoff"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
	KillGrace     time.Duration `mapstructure:"kill_grace"`
	FileCacheSize int           `mapstructure:"file_cache_size"`
	LogLevel      string        `mapstructure:"log_level"`
	LogJSON       bool          `mapstructure:"log_json"`
}

// Defaults returns the configuration used when no flag, file, or
// environment variable overrides a key.
func Defaults() Config {
	return Config{
		RegistryDSN:   "",
		InventoryDSN:  "",
		AuthDSN:       "",
		Embedded:      false,
		EmbeddedPath:  "dynamo.db",
		RedisAddr:     "",
		AMQPURL:       "",
		StatusAddr:    ":8091",
		StatusJWTKey:  "",
		IdleBackoff:   500 * time.Millisecond,
		DrainTimeout:  30 * time.Second,
		KillGrace:     5 * time.Second,
		FileCacheSize: 100,
		LogLevel:      "info",
		LogJSON:       false,
	}
}

// Load binds v (already populated by cobra persistent flags and any config
// file viper has read) into a Config, applying DYNAMO_ environment
// overrides and falling back to Defaults for anything unset.
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()
	v.SetEnvPrefix("DYNAMO")
	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing configuration: %w", err)
	}
	return cfg, nil
}
