package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	appconfig "github.com/AnthonyGillesRudolfo/bip70-server/internal/config"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/secrets"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/storage/postgres"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := appconfig.New()
	cmd := &cobra.Command{
		Use:           "bip70-server",
		Short:         "Payment protocol server: issues invoices, verifies and relays payments",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			app := newApp(cfg, logger)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	if err := appconfig.BindFlags(cmd.PersistentFlags(), v); err != nil {
		panic(err)
	}
	cmd.AddCommand(migrateCmd(v))
	return cmd
}

func migrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the invoice and token tables in the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := postgres.OpenDatabase(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := postgres.Migrate(ctx, db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

// loadConfig pulls secrets from OpenBao into the environment, then reads
// the layered configuration.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (appconfig.Config, error) {
	if err := secrets.BootstrapFromOpenBao(cmd.Context()); err != nil {
		return appconfig.Config{}, fmt.Errorf("failed to load secrets: %w", err)
	}
	configFile, _ := cmd.Flags().GetString("config")
	return appconfig.Load(v, configFile)
}

func newLogger(cfg appconfig.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.With(zap.String("service", cfg.ServiceName), zap.String("network", cfg.Network)), nil
}

func newApp(cfg appconfig.Config, logger *zap.Logger) *fx.App {
	return fx.New(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
		fx.Provide(
			newSQLDB,
			newRedisClient,
			newInvoiceStore,
			newTokenVault,
			newNode,
			newEventPublisher,
			newEmitter,
			newMetrics,
			newNotifier,
			newDispatcher,
			newCallbackQueue,
			newInvoiceIssuer,
			newVerifier,
			newCredentialIssuer,
			newHealth,
		),
		fx.Invoke(
			func(log *zap.Logger) {
				log.Info("starting", zap.String("version", Version), zap.String("storage", cfg.Storage.Backend),
					zap.String("vault", cfg.Storage.Vault), zap.String("callbacks", cfg.Callback.Backend))
			},
			setupTelemetry,
			registerJanitor,
			registerCallbackWorkers,
			registerRestateServer,
			registerPrivateServer,
			registerPublicServer,
		),
	)
}
