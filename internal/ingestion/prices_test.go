package ingestion_test

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"PeerLend/internal/core"
	"PeerLend/internal/event"
	"PeerLend/internal/ingestion"
	"PeerLend/internal/oracle"
)

func priceRaw(t *testing.T, market, price string, seq int64, acked *int) ingestion.RawEvent {
	t.Helper()
	raw := rawFromJSON(t, map[string]interface{}{
		"market":         market,
		"price":          price,
		"price_sequence": seq,
		"timestamp_us":   int64(1700000000000000),
	})
	raw.AckFunc = func() { *acked++ }
	return raw
}

func TestPriceWorkerAppliesUpdates(t *testing.T) {
	orc := oracle.NewMemoryOracle()
	ch := make(chan ingestion.RawEvent, 8)
	publish := make(chan core.Output, 8)
	w := ingestion.NewPriceWorker(ch, orc, nil, publish)

	var acked int
	ch <- priceRaw(t, "WETH", "2000000000000000000000", 1, &acked)
	// Stale replay of the same sequence must not clobber anything.
	ch <- priceRaw(t, "WETH", "1000000000000000000000", 1, &acked)
	close(ch)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if acked != 2 {
		t.Errorf("acked = %d, want 2", acked)
	}

	got, err := orc.Price("WETH")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	want, _ := new(big.Int).SetString("2000000000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Errorf("price = %s, want %s", got, want)
	}

	// Only the applied update was republished.
	close(publish)
	var outs []core.Output
	for out := range publish {
		outs = append(outs, out)
	}
	if len(outs) != 1 {
		t.Fatalf("republished %d updates, want 1", len(outs))
	}
	if outs[0].Envelope.EventType != event.EventTypePriceUpdated {
		t.Errorf("event type = %v, want PriceUpdated", outs[0].Envelope.EventType)
	}
	var payload event.PriceUpdatePayload
	if err := json.Unmarshal(outs[0].Envelope.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Market != "WETH" || payload.Sequence != 1 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestPriceWorkerDropsMalformed(t *testing.T) {
	orc := oracle.NewMemoryOracle()
	ch := make(chan ingestion.RawEvent, 1)

	var acked int
	raw := ingestion.RawEvent{
		Subject: "peer.prices.WETH",
		Data:    []byte(`{not json`),
		AckFunc: func() { acked++ },
		NakFunc: func() { t.Error("malformed message must not be NAKed") },
	}
	ch <- raw
	close(ch)

	w := ingestion.NewPriceWorker(ch, orc, nil, nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if acked != 1 {
		t.Errorf("acked = %d, want 1", acked)
	}
	if _, err := orc.Price("WETH"); err == nil {
		t.Error("no price should have been applied")
	}
}
