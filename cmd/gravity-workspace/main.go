package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/docs"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/storage"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/transport"
)

const (
	tokenIssuer   = "gravity-workspace"
	tokenAudience = "gravity-replicas"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "gravity-workspace",
		Short:        "Gravity workspace sync authority and replica tools",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newSyncCommand(), newViewCommand(), newTokenCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")
	cmd.PersistentFlags().Uint64("client-id", defaults.GetUint64("client.id"), "Replica client id (0 draws one per document)")
	cmd.PersistentFlags().Int("compact-threshold", defaults.GetInt("storage.compact_threshold"), "Update log length that triggers compaction")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "client.id", "client-id")
	bindFlag(cmd, "storage.compact_threshold", "compact-threshold")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// runtime is the shared local state every command starts from.
type runtime struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	store    *storage.Store
	registry *docs.Registry
}

func openRuntime(console bool) (*runtime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	newLogger := logging.NewLogger
	if console {
		newLogger = logging.NewConsoleLogger
	}
	logger, err := newLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	store, err := storage.NewStore(storage.ServiceConfig{
		Database:         db,
		Logger:           logger,
		CompactThreshold: appConfig.CompactThreshold,
	})
	if err != nil {
		return nil, err
	}
	registry := docs.NewRegistry(docs.RegistryConfig{
		Store:    store,
		ClientID: appConfig.ClientID,
		Logger:   logger,
	})
	return &runtime{config: appConfig, logger: logger, db: db, store: store, registry: registry}, nil
}

func (rt *runtime) close() {
	if sqlDB, err := rt.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = rt.logger.Sync()
}

func (rt *runtime) heartbeat() transport.HeartbeatConfig {
	return transport.HeartbeatConfig{Interval: rt.config.HeartbeatInterval, Timeout: rt.config.HeartbeatTimeout}
}

func (rt *runtime) backoff() transport.Backoff {
	backoff := transport.DefaultBackoff()
	backoff.InitialMin = rt.config.ReconnectBaseDelay
	backoff.InitialMax = 2 * rt.config.ReconnectBaseDelay
	backoff.Base = rt.config.ReconnectBaseDelay
	backoff.Cap = rt.config.ReconnectMaxDelay
	backoff.MaxAttempts = rt.config.ReconnectMaxAttempts
	return backoff
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
