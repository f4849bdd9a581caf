package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/0xarbor/mars-core/internal/types"
)

// OutboundPublisher publishes applied commands and their transfer messages to
// NATS for downstream consumers (the host's bank module executes the
// transfers; indexers consume the applied stream). Publishing happens only
// after the core has fully committed the command's state changes.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableResult
}

// PublishableResult is one applied command ready for outbound publishing.
type PublishableResult struct {
	Sequence       int64                   `json:"sequence"`
	CommandType    string                  `json:"command_type"`
	IdempotencyKey string                  `json:"idempotency_key"`
	Asset          *string                 `json:"asset,omitempty"`
	Attributes     []types.Attribute       `json:"attributes"`
	Transfers      []types.TransferMessage `json:"transfers,omitempty"`
	StateHash      []byte                  `json:"state_hash"`
	Timestamp      time.Time               `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableResult) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop. Applied commands go to
// redbank.out.applied.{command_type}; each transfer additionally goes to
// redbank.out.transfer.{kind} so the bank executor subscribes narrowly.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case result, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, result); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", result.Sequence, err)
				// Non-fatal: consumers can read the command log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, result PublishableResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	subject := fmt.Sprintf("redbank.out.applied.%s", result.CommandType)
	if result.Asset != nil {
		subject = fmt.Sprintf("%s.%s", subject, *result.Asset)
	}
	if _, err := op.js.Publish(ctx, subject, data); err != nil {
		return err
	}

	for _, transfer := range result.Transfers {
		payload, err := json.Marshal(transferEnvelope{
			Sequence:  result.Sequence,
			Transfer:  transfer,
			Timestamp: result.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("marshal transfer: %w", err)
		}
		subject := fmt.Sprintf("redbank.out.transfer.%s.%s", transfer.Kind, transfer.Denom)
		if _, err := op.js.Publish(ctx, subject, payload); err != nil {
			return err
		}
	}

	return nil
}

type transferEnvelope struct {
	Sequence  int64                 `json:"sequence"`
	Transfer  types.TransferMessage `json:"transfer"`
	Timestamp time.Time             `json:"timestamp"`
}

// EnsureOutboundStream creates the outbound stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "REDBANK_OUT",
		Subjects:  []string{"redbank.out.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream REDBANK_OUT")
	return nil
}
