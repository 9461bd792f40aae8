package ingestion_test

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"PeerLend/internal/ingestion"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParsePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"market":         "WETH",
		"price":          "2000000000000000000000",
		"price_sequence": int64(42),
		"timestamp_us":   int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	update, err := ingestion.ParsePriceUpdate(raw.Data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if update.Market != "WETH" {
		t.Errorf("market: got %s, want WETH", update.Market)
	}
	want, _ := new(big.Int).SetString("2000000000000000000000", 10)
	if update.Price.Cmp(want) != 0 {
		t.Errorf("price: got %s, want %s", update.Price, want)
	}
	if update.Sequence != 42 {
		t.Errorf("sequence: got %d, want 42", update.Sequence)
	}
}

func TestParsePriceUpdate_MissingMarket_Fails(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{
		"price":          "1000000000000000000",
		"price_sequence": int64(1),
	})
	if _, err := ingestion.ParsePriceUpdate(raw.Data); err == nil {
		t.Fatal("expected error for missing market")
	}
}

func TestParsePriceUpdate_BadPrice_Fails(t *testing.T) {
	for _, price := range []string{"", "abc", "-5", "0"} {
		raw := rawFromJSON(t, map[string]interface{}{
			"market":         "USDC",
			"price":          price,
			"price_sequence": int64(1),
		})
		if _, err := ingestion.ParsePriceUpdate(raw.Data); err == nil {
			t.Errorf("price %q: expected error", price)
		}
	}
}

func TestParsePriceUpdate_InvalidJSON_Fails(t *testing.T) {
	if _, err := ingestion.ParsePriceUpdate([]byte(`{invalid json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestPriceSequenceTracker(t *testing.T) {
	tr := ingestion.NewPriceSequenceTracker()

	if got := tr.Observe("WETH", 10); got != ingestion.PriceOK {
		t.Errorf("first observation: got %v, want PriceOK", got)
	}
	if got := tr.Observe("WETH", 11); got != ingestion.PriceOK {
		t.Errorf("next in order: got %v, want PriceOK", got)
	}
	if got := tr.Observe("WETH", 11); got != ingestion.PriceStale {
		t.Errorf("replay: got %v, want PriceStale", got)
	}
	if got := tr.Observe("WETH", 5); got != ingestion.PriceStale {
		t.Errorf("old update: got %v, want PriceStale", got)
	}
	if got := tr.Observe("WETH", 20); got != ingestion.PriceGap {
		t.Errorf("gap: got %v, want PriceGap", got)
	}
	if got := tr.Last("WETH"); got != 20 {
		t.Errorf("last: got %d, want 20", got)
	}

	// Markets track independently.
	if got := tr.Observe("USDC", 1); got != ingestion.PriceOK {
		t.Errorf("other market: got %v, want PriceOK", got)
	}
	if got := tr.Last("DOGE"); got != -1 {
		t.Errorf("unseen market: got %d, want -1", got)
	}
}
