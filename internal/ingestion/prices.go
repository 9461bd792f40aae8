package ingestion

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"PeerLend/internal/core"
	"PeerLend/internal/event"
	"PeerLend/internal/observability"
	"PeerLend/internal/oracle"
)

// PriceWorker drains the subscriber channel, validates price updates,
// and applies them to the in-memory oracle. Applied updates are
// republished in normalized form for downstream consumers.
//
// Prices never enter the hash-chained operation log: they are external
// observations, not ledger state transitions.
type PriceWorker struct {
	eventChan <-chan RawEvent
	oracle    *oracle.MemoryOracle
	tracker   *PriceSequenceTracker
	metrics   *observability.Metrics

	// Optional; nil disables republishing.
	publishChan chan<- core.Output
}

func NewPriceWorker(eventChan <-chan RawEvent, orc *oracle.MemoryOracle, metrics *observability.Metrics, publishChan chan<- core.Output) *PriceWorker {
	return &PriceWorker{
		eventChan:   eventChan,
		oracle:      orc,
		tracker:     NewPriceSequenceTracker(),
		metrics:     metrics,
		publishChan: publishChan,
	}
}

// Run processes price messages until the context is canceled or the
// channel closes.
func (w *PriceWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-w.eventChan:
			if !ok {
				return nil
			}
			w.handle(raw)
		}
	}
}

func (w *PriceWorker) handle(raw RawEvent) {
	update, err := ParsePriceUpdate(raw.Data)
	if err != nil {
		// Malformed payloads are terminal; redelivery cannot fix them.
		log.Printf("WARN: dropping bad price message on %s: %v", raw.Subject, err)
		raw.AckFunc()
		return
	}

	switch w.tracker.Observe(update.Market, update.Sequence) {
	case PriceStale:
		if w.metrics != nil {
			w.metrics.PriceStaleDropped.WithLabelValues(update.Market).Inc()
		}
		raw.AckFunc()
		return

	case PriceGap:
		if w.metrics != nil {
			w.metrics.PriceSequenceGaps.WithLabelValues(update.Market).Inc()
		}
		log.Printf("WARN: price sequence gap for %s: jumped to %d", update.Market, update.Sequence)
	}

	w.oracle.SetPrice(update.Market, update.Price)
	if w.metrics != nil {
		w.metrics.PriceUpdates.WithLabelValues(update.Market).Inc()
	}
	w.republish(update)
	raw.AckFunc()
}

// republish forwards the normalized update on the publish channel with
// a non-blocking send; a slow publisher drops price records.
func (w *PriceWorker) republish(update *PriceUpdate) {
	if w.publishChan == nil {
		return
	}

	payload, err := json.Marshal(event.PriceUpdatePayload{
		Market:      update.Market,
		Price:       update.Price.String(),
		Sequence:    update.Sequence,
		TimestampUs: update.TimestampUs,
	})
	if err != nil {
		return
	}

	symbol := update.Market
	env := &event.Envelope{
		Sequence:  update.Sequence,
		EventType: event.EventTypePriceUpdated,
		Market:    &symbol,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	select {
	case w.publishChan <- core.Output{Envelope: env}:
	default:
		if w.metrics != nil {
			w.metrics.PublishDrops.Inc()
		}
	}
}
