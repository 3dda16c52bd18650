package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/restatedev/sdk-go/server"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/ack"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/api"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/callback"
	appconfig "github.com/AnthonyGillesRudolfo/bip70-server/internal/config"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/events"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/invoice"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/metrics"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/payment"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/telemetry"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/vault"
)

func setupTelemetry(lc fx.Lifecycle, cfg appconfig.Config, log *zap.Logger) {
	if !cfg.Tracing {
		return
	}
	var shutdown func(context.Context) error
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			shutdown, err = telemetry.InitTracer(ctx, cfg.ServiceName, Version, log)
			return err
		},
		OnStop: func(ctx context.Context) error {
			if shutdown == nil {
				return nil
			}
			return shutdown(ctx)
		},
	})
}

func registerJanitor(lc fx.Lifecycle, cfg appconfig.Config, log *zap.Logger, store invoice.Store, locker invoice.Locker, tokens *vault.Vault, emitter *events.Emitter, rec metrics.Recorder) {
	janitor := invoice.NewJanitor(store, locker, tokens, emitter, rec, log, cfg.Invoice.SweepInterval)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				janitor.Run(ctx)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

// registerCallbackWorkers consumes the callback topic when callbacks travel
// over Kafka. Each message is delivered by the dispatcher's retry loop.
func registerCallbackWorkers(lc fx.Lifecycle, cfg appconfig.Config, log *zap.Logger, shutdowner fx.Shutdowner, d *callback.Dispatcher) {
	if cfg.Callback.Backend != "kafka" {
		return
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.CallbackTopic,
		GroupID:  cfg.Kafka.CallbackGroup,
		MinBytes: 1, MaxBytes: 10e6,
	})
	consumer := callback.NewConsumer(reader, d, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("callback consumer started", zap.String("topic", cfg.Kafka.CallbackTopic), zap.String("group", cfg.Kafka.CallbackGroup))
			go func() {
				defer close(done)
				if err := consumer.Run(ctx); err != nil {
					log.Error("callback consumer stopped", zap.Error(err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			_ = reader.Close()
			<-done
			return nil
		},
	})
}

// registerRestateServer serves the durable callback service when callbacks
// are delivered through Restate.
func registerRestateServer(lc fx.Lifecycle, cfg appconfig.Config, log *zap.Logger, shutdowner fx.Shutdowner, d *callback.Dispatcher) {
	if cfg.Callback.Backend != "restate" {
		return
	}
	srv := server.NewRestate().Bind(callback.NewDurable(d).Definition())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			addr := cfg.Restate.ListenAddr
			if strings.HasPrefix(addr, ":") {
				addr = "localhost" + addr
			}
			log.Info("restate service listening",
				zap.String("addr", cfg.Restate.ListenAddr),
				zap.String("service", callback.ServiceName),
				zap.String("register", "restate deployments register http://"+addr))
			go func() {
				defer close(done)
				if err := srv.Start(ctx, cfg.Restate.ListenAddr); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("restate server error", zap.Error(err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

type privateParams struct {
	fx.In

	Config  appconfig.Config
	Log     *zap.Logger
	Issuer  *invoice.Issuer
	Metrics http.Handler `name:"metrics"`
	Health  api.Health
}

func registerPrivateServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, p privateParams) {
	handler := api.NewPrivateHandler(p.Issuer, p.Metrics, p.Health, p.Log)
	serve(lc, shutdowner, p.Log, "private", p.Config.HTTP.BindPrivate, handler)
}

type publicParams struct {
	fx.In

	Config      appconfig.Config
	Log         *zap.Logger
	Verifier    *payment.Verifier
	Credentials *ack.Issuer
	Store       invoice.Store
	Recorder    metrics.Recorder
	Health      api.Health
}

func registerPublicServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, p publicParams) {
	routes := api.PaymentRoutes{
		Verifier:    p.Verifier,
		Credentials: p.Credentials,
		Records:     p.Store,
		Metrics:     p.Recorder,
		Log:         p.Log,
	}
	handler := api.NewPublicHandler(routes, p.Config.HTTP.CORSOrigins, p.Health)
	serve(lc, shutdowner, p.Log, "public", p.Config.HTTP.BindPublic, handler)
}

func serve(lc fx.Lifecycle, shutdowner fx.Shutdowner, log *zap.Logger, name, addr string, handler http.Handler) {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("listening", zap.String("listener", name), zap.String("addr", addr))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server error", zap.String("listener", name), zap.Error(err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	})
}
