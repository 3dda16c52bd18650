// Command emailworker mails the merchant about settled invoices, reading
// the invoice events the server publishes to Kafka.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/alert"
	appconfig "github.com/AnthonyGillesRudolfo/bip70-server/internal/config"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/secrets"
)

const consumerGroup = "bip70-email-workers"

func main() {
	_ = godotenv.Load()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := secrets.BootstrapFromOpenBao(ctx); err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}
	cfg, err := appconfig.Load(appconfig.New(), os.Getenv("BIP70_CONFIG"))
	if err != nil {
		return err
	}
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if cfg.Alert.EmailTo == "" {
		return fmt.Errorf("alert.email_to is required")
	}

	// SMTP when a host is configured, the log otherwise.
	var sender alert.Sender = alert.LogSender{Log: log}
	if cfg.Alert.SMTP.Host != "" {
		sender = alert.NewSMTPSender(alert.SMTPConfig{
			Host:     cfg.Alert.SMTP.Host,
			Port:     cfg.Alert.SMTP.Port,
			From:     cfg.Alert.SMTP.From,
			Username: cfg.Alert.SMTP.Username,
			Password: cfg.Alert.SMTP.Password,
		})
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.EventsTopic,
		GroupID:  consumerGroup,
		MinBytes: 1e3, MaxBytes: 10e6,
	})
	defer reader.Close()

	log.Info("email worker consuming",
		zap.String("topic", cfg.Kafka.EventsTopic),
		zap.String("group", consumerGroup),
		zap.String("to", cfg.Alert.EmailTo))
	return alert.NewEventMailer(sender, cfg.Alert.EmailTo, log).Run(ctx, reader)
}
