package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	restate "github.com/restatedev/sdk-go"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/metrics"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

// ServiceName is the Restate service hosting durable delivery.
const ServiceName = "CallbackService"

// DeliveryRequest is the Restate handler input.
type DeliveryRequest struct {
	PaymentID string `json:"paymentId"`
	URL       string `json:"url"`
	Payload   []byte `json:"payload"` // encoded CallbackPayload
}

// Durable delivers callbacks as a Restate service: every attempt is a
// journaled side effect and the waits between attempts are durable timers,
// so a delivery survives restarts of this process.
type Durable struct {
	d *Dispatcher
}

func NewDurable(d *Dispatcher) *Durable {
	return &Durable{d: d}
}

// Deliver is the Restate handler.
func (s *Durable) Deliver(ctx restate.Context, req DeliveryRequest) error {
	log := s.d.log.With(zap.String("payment_id", req.PaymentID), zap.String("url", req.URL))
	delay := s.d.cfg.BaseDelay
	for attempt := 1; ; attempt++ {
		delivered, err := restate.Run(ctx, func(rc restate.RunContext) (bool, error) {
			s.d.metrics.IncCounter(metrics.CallbackAttempts, nil)
			if err := s.d.post(rc, req.URL, req.Payload); err != nil {
				log.Debug("callback attempt failed", zap.Int("attempt", attempt), zap.Error(err))
				return false, nil
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		if delivered {
			s.d.metrics.IncCounter(metrics.CallbacksDelivered, nil)
			log.Info("callback delivered", zap.Int("attempts", attempt))
			return nil
		}
		if attempt >= s.d.cfg.MaxAttempts {
			cause := fmt.Errorf("no 2xx answer after %d attempts", attempt)
			if _, err := restate.Run(ctx, func(rc restate.RunContext) (restate.Void, error) {
				s.d.fail(rc, Failure{PaymentID: req.PaymentID, URL: req.URL, Attempts: attempt, Err: cause})
				return restate.Void{}, nil
			}); err != nil {
				return err
			}
			return restate.TerminalError(protocol.Wrap(protocol.CodeCallbackDeliveryFailed, cause, "callback"))
		}
		if err := restate.Sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > s.d.cfg.MaxDelay {
			delay = s.d.cfg.MaxDelay
		}
	}
}

// Definition returns the service to bind on a Restate server.
func (s *Durable) Definition() restate.ServiceDefinition {
	return restate.NewService(ServiceName).
		Handler("Deliver", restate.NewServiceHandler(func(ctx restate.Context, req DeliveryRequest) (restate.Void, error) {
			return restate.Void{}, s.Deliver(ctx, req)
		}))
}

// RestateEnqueuer submits deliveries to the Restate ingress as one-way
// calls, keyed by payment id so a repeated enqueue is deduplicated.
type RestateEnqueuer struct {
	ingress string
	client  *http.Client
	log     *zap.Logger
}

func NewRestateEnqueuer(ingressURL string, client *http.Client, log *zap.Logger) *RestateEnqueuer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &RestateEnqueuer{ingress: strings.TrimRight(ingressURL, "/"), client: client, log: log.Named("callback")}
}

func (e *RestateEnqueuer) Enqueue(ctx context.Context, callbackURL string, payload protocol.CallbackPayload) error {
	body, err := json.Marshal(DeliveryRequest{PaymentID: payload.PaymentID, URL: callbackURL, Payload: payload.Marshal()})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s/Deliver/send", e.ingress, ServiceName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build ingress request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("idempotency-key", "callback-"+payload.PaymentID)
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach restate ingress: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("restate ingress answered %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	e.log.Debug("callback submitted to restate", zap.String("payment_id", payload.PaymentID))
	return nil
}
