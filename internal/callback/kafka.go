package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

// KafkaQueue persists callbacks on a Kafka topic; a Consumer in any server
// instance delivers them. Messages are keyed by payment id.
type KafkaQueue struct {
	w *kafka.Writer
}

func NewKafkaQueue(brokers []string, topic string) *KafkaQueue {
	return &KafkaQueue{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
	}}
}

func (q *KafkaQueue) Close() error { return q.w.Close() }

func (q *KafkaQueue) Enqueue(ctx context.Context, callbackURL string, payload protocol.CallbackPayload) error {
	val, err := json.Marshal(DeliveryRequest{PaymentID: payload.PaymentID, URL: callbackURL, Payload: payload.Marshal()})
	if err != nil {
		return err
	}
	if err := q.w.WriteMessages(ctx, kafka.Message{Key: []byte(payload.PaymentID), Value: val}); err != nil {
		return fmt.Errorf("failed to queue callback: %w", err)
	}
	return nil
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consumer delivers callbacks read from the queue topic. A message is
// committed once delivery finished, successfully or not: exhausted
// deliveries are reported through the Dispatcher's Notifier.
type Consumer struct {
	reader MessageReader
	d      *Dispatcher
	log    *zap.Logger
}

func NewConsumer(reader MessageReader, d *Dispatcher, log *zap.Logger) *Consumer {
	return &Consumer{reader: reader, d: d, log: log.Named("callback-consumer")}
}

func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("callback queue read error: %w", err)
		}

		var req DeliveryRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			c.log.Warn("bad callback message", zap.ByteString("key", msg.Key), zap.Error(err))
			c.commit(ctx, msg)
			continue
		}
		payload, err := protocol.DecodeCallbackPayload(req.Payload)
		if err != nil {
			c.log.Warn("bad callback payload", zap.String("payment_id", req.PaymentID), zap.Error(err))
			c.commit(ctx, msg)
			continue
		}

		if _, err := c.d.Deliver(ctx, Job{URL: req.URL, Payload: payload}); err != nil && ctx.Err() != nil {
			// Shutting down mid delivery: leave the message for the next consumer.
			return nil
		}
		c.commit(ctx, msg)
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.log.Warn("commit error", zap.Int64("offset", msg.Offset), zap.Error(err))
	}
}
