package main

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/ack"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/alert"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/api"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/callback"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/chain"
	appconfig "github.com/AnthonyGillesRudolfo/bip70-server/internal/config"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/events"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/invoice"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/metrics"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/payment"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/storage/postgres"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/vault"
)

func usesPostgres(cfg appconfig.Config) bool {
	return cfg.Storage.Backend == "postgres" || cfg.Storage.Vault == "postgres"
}

// newSQLDB opens the shared pool and applies the schema. It provides nil when
// no component is backed by postgres.
func newSQLDB(lc fx.Lifecycle, cfg appconfig.Config, log *zap.Logger) (*sql.DB, error) {
	if !usesPostgres(cfg) {
		return nil, nil
	}
	ctx := context.Background()
	log.Info("connecting to postgres", zap.String("database", cfg.Database.Database), zap.String("host", cfg.Database.Host))
	db, err := postgres.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

func newRedisClient(lc fx.Lifecycle, cfg appconfig.Config) redis.UniversalClient {
	if cfg.Storage.Vault != "redis" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

// newInvoiceStore pairs the record store with the lock that guards it:
// postgres records are locked across instances, memory records in process.
func newInvoiceStore(cfg appconfig.Config, db *sql.DB, log *zap.Logger) (invoice.Store, invoice.Locker) {
	if cfg.Storage.Backend == "postgres" {
		return postgres.NewInvoiceStore(db, log), postgres.NewAdvisoryLocker(db, log)
	}
	return invoice.NewMemoryStore(), invoice.NewKeyedMutex()
}

func newTokenVault(cfg appconfig.Config, db *sql.DB, client redis.UniversalClient, log *zap.Logger) *vault.Vault {
	var store vault.Store
	switch cfg.Storage.Vault {
	case "redis":
		store = vault.NewRedisStore(client)
	case "postgres":
		store = postgres.NewTokenStore(db)
	default:
		store = vault.NewMemoryStore()
	}
	return vault.New(store, log)
}

// newNode connects the node RPC client. A configured static payee replaces
// the node wallet as the source of payee scripts.
func newNode(lc fx.Lifecycle, cfg appconfig.Config, log *zap.Logger) (chain.Node, error) {
	rpc, err := chain.NewRPCNode(chain.RPCConfig{
		Host:     cfg.Node.Host,
		Port:     cfg.Node.Port,
		User:     cfg.Node.User,
		Password: cfg.Node.Password,
	}, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			rpc.Close()
			return nil
		},
	})
	if !cfg.Payee.Static() {
		return rpc, nil
	}
	payee, err := chain.NewStaticPayee(cfg.Payee.Script, cfg.Payee.Address, cfg.Network)
	if err != nil {
		return nil, err
	}
	return chain.Compose(rpc, payee), nil
}

// newEventPublisher provides a Kafka producer, or nil when no brokers are
// configured and events are only logged.
func newEventPublisher(lc fx.Lifecycle, cfg appconfig.Config) events.Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil
	}
	prod := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return prod.Close()
		},
	})
	return prod
}

func newEmitter(pub events.Publisher, log *zap.Logger) *events.Emitter {
	return events.NewEmitter(pub, log)
}

type metricsOut struct {
	fx.Out

	Recorder metrics.Recorder
	Handler  http.Handler `name:"metrics"`
}

func newMetrics() metricsOut {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metricsOut{
		Recorder: metrics.NewPrometheusRecorder(reg),
		Handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

func newNotifier(cfg appconfig.Config, emitter *events.Emitter, log *zap.Logger) *alert.Notifier {
	var sinks []alert.Sink
	if cfg.Alert.SlackWebhook != "" {
		sinks = append(sinks, alert.NewSlackSink(cfg.Alert.SlackWebhook, nil))
	}
	if cfg.Alert.EmailTo != "" {
		sender := alert.NewSMTPSender(alert.SMTPConfig{
			Host:     cfg.Alert.SMTP.Host,
			Port:     cfg.Alert.SMTP.Port,
			From:     cfg.Alert.SMTP.From,
			Username: cfg.Alert.SMTP.Username,
			Password: cfg.Alert.SMTP.Password,
		})
		sinks = append(sinks, alert.NewEmailSink(sender, cfg.Alert.EmailTo))
	}
	return alert.New(emitter, log, sinks...)
}

func newDispatcher(cfg appconfig.Config, notifier *alert.Notifier, rec metrics.Recorder, log *zap.Logger) *callback.Dispatcher {
	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	return callback.NewDispatcher(callback.Config{
		Workers:        cfg.Callback.Workers,
		QueueSize:      cfg.Callback.QueueSize,
		MaxAttempts:    cfg.Callback.MaxAttempts,
		BaseDelay:      cfg.Callback.BaseDelay,
		MaxDelay:       cfg.Callback.MaxDelay,
		RequestTimeout: cfg.Callback.RequestTimeout,
	}, client, notifier, rec, log)
}

// newCallbackQueue picks where accepted payments hand their callbacks:
// the in-process pool, a Kafka topic, or the Restate ingress. Delivery for
// the latter two is set up by registerCallbackWorkers and
// registerRestateServer.
func newCallbackQueue(lc fx.Lifecycle, cfg appconfig.Config, d *callback.Dispatcher, notifier *alert.Notifier, rec metrics.Recorder, log *zap.Logger) payment.CallbackQueue {
	switch cfg.Callback.Backend {
	case "kafka":
		q := callback.NewKafkaQueue(cfg.Kafka.Brokers, cfg.Kafka.CallbackTopic)
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return q.Close()
			},
		})
		return callback.NewReportingQueue(q, notifier, rec, log)
	case "restate":
		return callback.NewReportingQueue(callback.NewRestateEnqueuer(cfg.Restate.IngressURL, nil, log), notifier, rec, log)
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return d.Stop(ctx)
		},
	})
	return d
}

func newInvoiceIssuer(cfg appconfig.Config, store invoice.Store, tokens *vault.Vault, node chain.Node, emitter *events.Emitter, rec metrics.Recorder, log *zap.Logger) *invoice.Issuer {
	return invoice.NewIssuer(invoice.Config{
		Network:     cfg.Network,
		PaymentURL:  cfg.HTTP.PaymentURL,
		ClockSkew:   cfg.Invoice.ClockSkew,
		EmbedTxData: cfg.Invoice.EmbedTxData,
	}, store, tokens, node, emitter, rec, log)
}

func newVerifier(cfg appconfig.Config, store invoice.Store, locker invoice.Locker, tokens *vault.Vault, node chain.Node, queue payment.CallbackQueue, emitter *events.Emitter, rec metrics.Recorder, log *zap.Logger) *payment.Verifier {
	return payment.NewVerifier(payment.Options{BroadcastTimeout: cfg.Node.BroadcastTimeout},
		store, locker, tokens, node, queue, emitter, rec, log)
}

func newCredentialIssuer(cfg appconfig.Config) *ack.Issuer {
	return ack.NewIssuer(ack.Config{
		Secret:      []byte(cfg.Credential.Secret),
		TTL:         cfg.Credential.TTL,
		ReceiptBase: cfg.HTTP.ReceiptURL,
		Issuer:      cfg.ServiceName,
	})
}

func newHealth(db *sql.DB, client redis.UniversalClient) api.Health {
	checks := api.Health{}
	if db != nil {
		checks["postgres"] = db.PingContext
	}
	if client != nil {
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return checks
}
