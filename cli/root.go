// Package cli implements the dynamod command-line interface: configuration
// loading, the long-running serve command, and the one-shot migrate
// command, following the cobra/viper wiring and graceful-shutdown pattern
// used across this codebase's services.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"dynamo.dev/auth"
	"dynamo.dev/internal/alert"
	"dynamo.dev/internal/config"
	"dynamo.dev/internal/dlog"
	"dynamo.dev/internal/statusapi"
	"dynamo.dev/inventory"
	"dynamo.dev/registry"
	"dynamo.dev/scheduler"
	"dynamo.dev/store"
)

var (
	cfgFile string
	v       = viper.New()
)

// RootCmd is the dynamod command tree's root.
var RootCmd = &cobra.Command{
	Use:   "dynamod",
	Short: "Federated storage inventory and action-scheduling daemon",
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.dynamod.yaml)")
	RootCmd.PersistentFlags().String("registry-dsn", "", "Postgres DSN for the action registry")
	RootCmd.PersistentFlags().String("inventory-dsn", "", "Postgres DSN for the inventory store")
	RootCmd.PersistentFlags().String("auth-dsn", "", "Postgres DSN for the authorization table")
	RootCmd.PersistentFlags().Bool("embedded", false, "use an embedded bbolt store instead of Postgres")
	RootCmd.PersistentFlags().String("embedded-path", "dynamo.db", "path to the embedded bbolt database file")
	RootCmd.PersistentFlags().String("redis-addr", "", "optional Redis address for the authorization cache")
	RootCmd.PersistentFlags().String("amqp-url", "", "optional RabbitMQ URL for operator alerts")
	RootCmd.PersistentFlags().String("status-addr", ":8091", "listen address for the read-only status API")
	RootCmd.PersistentFlags().String("status-jwt-key", "", "HMAC key for status API JWTs")
	RootCmd.PersistentFlags().Duration("idle-backoff", 500*time.Millisecond, "poll backoff when the queue is empty")
	RootCmd.PersistentFlags().Duration("drain-timeout", 30*time.Second, "per-message mutation-channel drain timeout")
	RootCmd.PersistentFlags().Duration("kill-grace", 5*time.Second, "grace period before a terminated worker is considered stuck")
	RootCmd.PersistentFlags().Int("file-cache-size", 100, "bounded file-set cache capacity")
	RootCmd.PersistentFlags().String("log-level", "info", "log level")
	RootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")

	for _, name := range []string{
		"registry-dsn", "inventory-dsn", "auth-dsn", "embedded", "embedded-path",
		"redis-addr", "amqp-url", "status-addr", "status-jwt-key",
		"idle-backoff", "drain-timeout", "kill-grace", "file-cache-size",
		"log-level", "log-json",
	} {
		_ = v.BindPFlag(mapstructureKey(name), RootCmd.PersistentFlags().Lookup(name))
	}

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(migrateCmd)
}

// mapstructureKey converts a kebab-case flag name to the snake_case key
// config.Config's mapstructure tags expect.
func mapstructureKey(flag string) string {
	out := make([]byte, 0, len(flag))
	for _, r := range flag {
		if r == '-' {
			out = append(out, '_')
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}

func initConfig() {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName(".dynamod")
	}
	_ = v.ReadInConfig()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the registry, inventory, and authorization schema",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	dlog.SetLevel(cfg.LogLevel)
	dlog.SetJSON(cfg.LogJSON)

	if cfg.Embedded {
		boltStore, err := store.OpenBoltStore(cfg.EmbeddedPath)
		if err != nil {
			return err
		}
		defer boltStore.Close()
		return boltStore.Migrate()
	}

	regDB, authDB, invDB, err := openDatabases(cfg)
	if err != nil {
		return err
	}
	if err := registry.NewPostgresRegistry(regDB).Migrate(); err != nil {
		return err
	}
	if err := auth.NewPostgresTable(authDB).Migrate(); err != nil {
		return err
	}
	invStore, err := store.NewPostgresStore(invDB)
	if err != nil {
		return err
	}
	return invStore.Migrate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	dlog.SetLevel(cfg.LogLevel)
	dlog.SetJSON(cfg.LogJSON)
	log := dlog.WithComponent("cli")

	var (
		reg     registry.ActionRegistry
		authTbl auth.Table
		invStore store.InventoryStore
	)

	if cfg.Embedded {
		return fmt.Errorf("embedded mode does not yet support the scheduler's table-lock claim protocol; use migrate --embedded for local schema setup and Postgres for serve")
	}

	regDB, authDB, invDB, err := openDatabases(cfg)
	if err != nil {
		return err
	}
	pgReg := registry.NewPostgresRegistry(regDB)
	reg = pgReg

	pgAuth := auth.NewPostgresTable(authDB)
	authTbl = pgAuth
	if cfg.RedisAddr != "" {
		authTbl = wireRedisCache(pgAuth, cfg)
	}

	pgStore, err := store.NewPostgresStore(invDB)
	if err != nil {
		return err
	}
	invStore = pgStore
	defer invStore.Close() //nolint:errcheck

	inv := inventory.New(invStore, invStore, cfg.FileCacheSize)
	if err := inv.Load(invStore); err != nil {
		return err
	}

	var alerter alertAlerter
	if cfg.AMQPURL != "" {
		pub, err := alert.NewPublisher(cfg.AMQPURL, "dynamo.alerts")
		if err != nil {
			log.WithError(err).Warn("could not connect to alert broker, falling back to log-only alerts")
			alerter = alert.NoopPublisher{}
		} else {
			alerter = pub
			defer pub.Close() //nolint:errcheck
		}
	} else {
		alerter = alert.NoopPublisher{}
	}

	schedCfg := scheduler.Config{
		IdleBackoff:           cfg.IdleBackoff,
		DrainPerMessageBudget: cfg.DrainTimeout,
		KillGrace:             cfg.KillGrace,
		ReadOnlyRegistryDSN:   cfg.RegistryDSN,
		ReadOnlyInventoryDSN:  cfg.InventoryDSN,
	}
	sched := scheduler.New(schedCfg, reg, authTbl, inv, alerter)

	status := statusapi.New(statusapi.Deps{JWTKey: cfg.StatusJWTKey})
	status.Attach(sched)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	go func() {
		if err := status.Start(cfg.StatusAddr); err != nil {
			log.WithError(err).Warn("status API stopped")
		}
	}()

	return sched.Run(ctx)
}

type alertAlerter = alert.Alerter

// wireRedisCache wraps pgAuth with a read-through Redis cache when a
// redis-addr was configured.
func wireRedisCache(pgAuth *auth.PostgresTable, cfg config.Config) auth.Table {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return auth.NewCachedTable(pgAuth, rdb, 5*time.Minute)
}

func openDatabases(cfg config.Config) (regDB, authDB, invDB *gorm.DB, err error) {
	regDB, err = gorm.Open(postgres.Open(cfg.RegistryDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connecting to registry database: %w", err)
	}
	authDB, err = gorm.Open(postgres.Open(cfg.AuthDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connecting to authorization database: %w", err)
	}
	invDB, err = gorm.Open(postgres.Open(cfg.InventoryDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connecting to inventory database: %w", err)
	}
	return regDB, authDB, invDB, nil
}
