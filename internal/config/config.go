// Package config loads the server settings. Sources, lowest precedence
// first: built-in defaults, an optional config file, BIP70_* environment
// variables (a .env file is loaded into the environment first), then
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/storage/postgres"
)

const EnvPrefix = "BIP70"

// Config aggregates runtime configuration grouped by concern.
type Config struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Network     string `mapstructure:"network" validate:"oneof=mainnet testnet regnet"`
	// Tracing exports spans over OTLP/HTTP (OTEL_EXPORTER_OTLP_TRACES_ENDPOINT).
	Tracing bool `mapstructure:"tracing"`

	HTTP       HTTPConfig              `mapstructure:"http"`
	Node       NodeConfig              `mapstructure:"node"`
	Payee      PayeeConfig             `mapstructure:"payee"`
	Invoice    InvoiceConfig           `mapstructure:"invoice"`
	Storage    StorageConfig           `mapstructure:"storage"`
	Database   postgres.DatabaseConfig `mapstructure:"database"`
	Redis      RedisConfig             `mapstructure:"redis"`
	Kafka      KafkaConfig             `mapstructure:"kafka"`
	Callback   CallbackConfig          `mapstructure:"callback"`
	Restate    RestateConfig           `mapstructure:"restate"`
	Credential CredentialConfig        `mapstructure:"credential"`
	Alert      AlertConfig             `mapstructure:"alert"`
}

type HTTPConfig struct {
	BindPublic  string `mapstructure:"bind_public" validate:"required,hostname_port"`
	BindPrivate string `mapstructure:"bind_private" validate:"required,hostname_port"`
	// PaymentURL is the public base the payment id is appended to.
	PaymentURL string `mapstructure:"payment_url" validate:"required,url"`
	// ReceiptURL defaults to PaymentURL.
	ReceiptURL  string   `mapstructure:"receipt_url" validate:"omitempty,url"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type NodeConfig struct {
	Host             string        `mapstructure:"host" validate:"required"`
	Port             int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	BroadcastTimeout time.Duration `mapstructure:"broadcast_timeout" validate:"gt=0"`
}

// PayeeConfig selects a static payee. When both are empty every invoice gets
// a fresh address from the node wallet.
type PayeeConfig struct {
	Script  string `mapstructure:"script" validate:"omitempty,hexadecimal"`
	Address string `mapstructure:"address"`
}

func (p PayeeConfig) Static() bool { return p.Script != "" || p.Address != "" }

type InvoiceConfig struct {
	ClockSkew     time.Duration `mapstructure:"clock_skew" validate:"gte=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	EmbedTxData   bool          `mapstructure:"embed_tx_data"`
}

type StorageConfig struct {
	// Backend holds invoice records and per-invoice locks.
	Backend string `mapstructure:"backend" validate:"oneof=memory postgres"`
	// Vault holds merchant data tokens.
	Vault string `mapstructure:"vault" validate:"oneof=memory redis postgres"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type KafkaConfig struct {
	// Brokers empty disables event publishing.
	Brokers       []string `mapstructure:"brokers"`
	EventsTopic   string   `mapstructure:"events_topic" validate:"required"`
	CallbackTopic string   `mapstructure:"callback_topic" validate:"required"`
	CallbackGroup string   `mapstructure:"callback_group" validate:"required"`
}

type CallbackConfig struct {
	Backend        string        `mapstructure:"backend" validate:"oneof=memory kafka restate"`
	Workers        int           `mapstructure:"workers" validate:"gt=0"`
	QueueSize      int           `mapstructure:"queue_size" validate:"gt=0"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gt=0"`
	BaseDelay      time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay       time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}

type RestateConfig struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
	IngressURL string `mapstructure:"ingress_url" validate:"required,url"`
}

type CredentialConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type AlertConfig struct {
	SlackWebhook string     `mapstructure:"slack_webhook" validate:"omitempty,url"`
	EmailTo      string     `mapstructure:"email_to" validate:"omitempty,email"`
	SMTP         SMTPConfig `mapstructure:"smtp"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	From     string `mapstructure:"from" validate:"omitempty,email"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// SetDefaults registers every key with its default. Keys unknown to viper
// are not read from the environment, so each one needs a default here.
func SetDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"service_name": "bip70-server",
		"log_level":    "info",
		"network":      "regnet",
		"tracing":      false,

		"http.bind_public":  "127.0.0.1:8081",
		"http.bind_private": "127.0.0.1:8900",
		"http.payment_url":  "http://127.0.0.1:8081/payments/",
		"http.receipt_url":  "",
		"http.cors_origins": []string{"*"},

		"node.host":              "127.0.0.1",
		"node.port":              18443,
		"node.user":              "username",
		"node.password":          "password",
		"node.broadcast_timeout": 10 * time.Second,

		"payee.script":  "",
		"payee.address": "",

		"invoice.clock_skew":     2 * time.Minute,
		"invoice.sweep_interval": 30 * time.Second,
		"invoice.embed_tx_data":  false,

		"storage.backend": "memory",
		"storage.vault":   "memory",

		"database.url":      "",
		"database.host":     "localhost",
		"database.port":     5432,
		"database.name":     "bip70",
		"database.user":     "bip70",
		"database.password": "",
		"database.sslmode":  "disable",

		"redis.addr":     "",
		"redis.password": "",
		"redis.db":       0,

		"kafka.brokers":        []string{},
		"kafka.events_topic":   "bip70.invoices.v1",
		"kafka.callback_topic": "bip70.callbacks.v1",
		"kafka.callback_group": "bip70-callbacks",

		"callback.backend":         "memory",
		"callback.workers":         4,
		"callback.queue_size":      1024,
		"callback.max_attempts":    8,
		"callback.base_delay":      time.Second,
		"callback.max_delay":       5 * time.Minute,
		"callback.request_timeout": 10 * time.Second,

		"restate.listen_addr": ":9081",
		"restate.ingress_url": "http://127.0.0.1:8080",

		"credential.secret": "secret",
		"credential.ttl":    5 * time.Minute,

		"alert.slack_webhook": "",
		"alert.email_to":      "",
		"alert.smtp.host":     "localhost",
		"alert.smtp.port":     1025,
		"alert.smtp.from":     "bip70@example.local",
		"alert.smtp.username": "",
		"alert.smtp.password": "",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"config":            "",
	"network":           "network",
	"log-level":         "log_level",
	"bind-public":       "http.bind_public",
	"bind-private":      "http.bind_private",
	"payment-url":       "http.payment_url",
	"rpc-host":          "node.host",
	"rpc-port":          "node.port",
	"rpc-user":          "node.user",
	"rpc-password":      "node.password",
	"storage":           "storage.backend",
	"vault":             "storage.vault",
	"callback-backend":  "callback.backend",
	"credential-secret": "credential.secret",
}

// BindFlags declares the server flags on fs and binds them to v.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("config", "", "path to a config file (yaml, toml or json)")
	fs.String("network", "", "network invoices are issued on (mainnet, testnet, regnet)")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("bind-public", "", "payer facing listen address")
	fs.String("bind-private", "", "merchant facing listen address")
	fs.String("payment-url", "", "public payment URL base")
	fs.String("rpc-host", "", "node RPC host")
	fs.Int("rpc-port", 0, "node RPC port")
	fs.String("rpc-user", "", "node RPC user")
	fs.String("rpc-password", "", "node RPC password")
	fs.String("storage", "", "invoice storage backend (memory, postgres)")
	fs.String("vault", "", "token vault backend (memory, redis, postgres)")
	fs.String("callback-backend", "", "callback delivery backend (memory, kafka, restate)")
	fs.String("credential-secret", "", "HMAC secret for redirect credentials")

	for name, key := range flagKeys {
		if key == "" {
			continue
		}
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load assembles and validates the configuration. configFile may be empty.
// A missing .env file is not an error.
func Load(v *viper.Viper, configFile string) (Config, error) {
	_ = godotenv.Load()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kafka.Brokers = splitAndTrim(cfg.Kafka.Brokers)
	cfg.HTTP.CORSOrigins = splitAndTrim(cfg.HTTP.CORSOrigins)
	if cfg.HTTP.ReceiptURL == "" {
		cfg.HTTP.ReceiptURL = cfg.HTTP.PaymentURL
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the dependencies between backends.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.Storage.Vault == "redis" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("storage.vault=redis needs redis.addr"))
	}
	if (c.Storage.Backend == "postgres" || c.Storage.Vault == "postgres") && c.Database.URL == "" && c.Database.Host == "" {
		errs = append(errs, errors.New("postgres storage needs database.url or database.host"))
	}
	if c.Callback.Backend == "kafka" && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("callback.backend=kafka needs kafka.brokers"))
	}
	if c.Alert.EmailTo != "" && c.Alert.SMTP.Host == "" {
		errs = append(errs, errors.New("alert.email_to needs alert.smtp.host"))
	}
	return errors.Join(errs...)
}

// splitAndTrim accepts both list values and a single comma separated entry,
// as environment variables deliver.
func splitAndTrim(raw []string) []string {
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
