package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to command subjects on JetStream and feeds raw
// commands into the command worker. Each operation has its own subject so
// producers can be scaled and permissioned independently.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
}

// RawCommand is an unparsed command from NATS, ready for the worker to
// validate, convert and apply to the engine.
type RawCommand struct {
	Subject   string
	Operation string
	Data      []byte
	AckFunc   func() // ACK after terminal handling (applied or permanently rejected)
	NakFunc   func() // NAK for redelivery on transient failure
}

// SubjectConfig maps a NATS subject to an engine operation.
type SubjectConfig struct {
	Subject      string
	Operation    string
	ConsumerName string
}

// DefaultSubjects returns the standard command subject layout under prefix
// (e.g. "margin.cmd").
func DefaultSubjects(prefix string) []SubjectConfig {
	return []SubjectConfig{
		{Subject: prefix + ".order.create", Operation: "CreateOrder", ConsumerName: "ledger-order-create"},
		{Subject: prefix + ".order.cancel", Operation: "CancelOrder", ConsumerName: "ledger-order-cancel"},
		{Subject: prefix + ".order.execute", Operation: "ExecuteOrder", ConsumerName: "ledger-order-execute"},
		{Subject: prefix + ".trigger.stop_loss", Operation: "SetStopLoss", ConsumerName: "ledger-stop-loss"},
		{Subject: prefix + ".trigger.take_profit", Operation: "SetTakeProfit", ConsumerName: "ledger-take-profit"},
		{Subject: prefix + ".position.close", Operation: "ClosePosition", ConsumerName: "ledger-position-close"},
		{Subject: prefix + ".commission.withdraw", Operation: "WithdrawCommission", ConsumerName: "ledger-commission-withdraw"},
		{Subject: prefix + ".pool.fund", Operation: "FundPool", ConsumerName: "ledger-pool-fund"},
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
func (ns *NATSSubscriber) Subscribe(ctx context.Context, streamName string, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
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
				Operation: cfg.Operation,
				Data:      msg.Data(),
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

// EnsureCommandStream creates the command stream if it doesn't exist.
func EnsureCommandStream(ctx context.Context, js jetstream.JetStream, streamName, prefix string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", streamName, err)
	}
	log.Printf("INFO: ensured stream %s", streamName)
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
