package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to the JetStream command and price subjects and
// feeds raw messages into the ingestion loop, which parses and forwards them
// to the single-threaded core.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
}

// RawCommand is an unparsed message from NATS. The ingestion shell validates
// and converts it into a typed command before the core sees it.
type RawCommand struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// SubjectConfig maps a NATS subject to a command type.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject layout. Each command type has
// its own subject so consumers scale independently; admin commands share one
// stream, prices another.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "redbank.cmd.deposit.>", CommandType: "Deposit", ConsumerName: "redbank-deposit", StreamName: "REDBANK_COMMANDS"},
		{Subject: "redbank.cmd.withdraw.>", CommandType: "Withdraw", ConsumerName: "redbank-withdraw", StreamName: "REDBANK_COMMANDS"},
		{Subject: "redbank.cmd.borrow.>", CommandType: "Borrow", ConsumerName: "redbank-borrow", StreamName: "REDBANK_COMMANDS"},
		{Subject: "redbank.cmd.repay.>", CommandType: "Repay", ConsumerName: "redbank-repay", StreamName: "REDBANK_COMMANDS"},
		{Subject: "redbank.cmd.liquidate.>", CommandType: "Liquidate", ConsumerName: "redbank-liquidate", StreamName: "REDBANK_COMMANDS"},
		{Subject: "redbank.admin.init_asset.>", CommandType: "InitAsset", ConsumerName: "redbank-init-asset", StreamName: "REDBANK_ADMIN"},
		{Subject: "redbank.admin.update_asset.>", CommandType: "UpdateAsset", ConsumerName: "redbank-update-asset", StreamName: "REDBANK_ADMIN"},
		{Subject: "redbank.admin.update_config.>", CommandType: "UpdateConfig", ConsumerName: "redbank-update-config", StreamName: "REDBANK_ADMIN"},
		{Subject: "redbank.admin.loan_limit.>", CommandType: "UpdateLoanLimit", ConsumerName: "redbank-loan-limit", StreamName: "REDBANK_ADMIN"},
		{Subject: "redbank.admin.distribute.>", CommandType: "DistributeIncome", ConsumerName: "redbank-distribute", StreamName: "REDBANK_ADMIN"},
		{Subject: "redbank.prices.>", CommandType: "PriceUpdate", ConsumerName: "redbank-prices", StreamName: "REDBANK_PRICES"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.commandChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "REDBANK_COMMANDS",
			Subjects:  []string{"redbank.cmd.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "REDBANK_ADMIN",
			Subjects:  []string{"redbank.admin.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "REDBANK_PRICES",
			Subjects:  []string{"redbank.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
