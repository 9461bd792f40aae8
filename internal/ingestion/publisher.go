package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"PeerLend/internal/core"
	"PeerLend/internal/event"
)

// OutboundPublisher publishes committed operation records to NATS for
// downstream consumers. Publishing is best-effort: the durable copy is
// the operation log, and a failed publish is logged and skipped.
// Subjects follow the pattern peer.lend.events.{event_type}.{market}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.Output
}

// publishedEvent is the outbound wire format.
type publishedEvent struct {
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	Market    *string         `json:"market,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	StateHash []byte          `json:"state_hash,omitempty"`
	PrevHash  []byte          `json:"prev_hash,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.Output) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out.Envelope); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", out.Envelope.Sequence, err)
				// Non-fatal: consumers can replay from the operation log.
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.Envelope) error {
	msg := publishedEvent{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Market:    env.Market,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
	}
	// The zero hash means unchained (price updates).
	if env.StateHash != ([32]byte{}) {
		msg.StateHash = env.StateHash[:]
		msg.PrevHash = env.PrevHash[:]
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("peer.lend.events.%s", env.EventType)
	if env.Market != nil {
		subject = fmt.Sprintf("%s.%s", subject, *env.Market)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PEER_LEND_EVENTS",
		Subjects:  []string{"peer.lend.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream PEER_LEND_EVENTS")
	return nil
}
