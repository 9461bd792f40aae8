package ingestion

// PriceOutcome classifies one observed price sequence number.
type PriceOutcome int

const (
	// PriceOK: the next expected update, or the first one seen.
	PriceOK PriceOutcome = iota
	// PriceGap: newer than expected; accepted, but updates were missed.
	PriceGap
	// PriceStale: at or behind the last applied update; dropped.
	PriceStale
)

// PriceSequenceTracker validates per-market price sequences. Prices are
// last-writer-wins, so gaps are tolerated and stale updates silently
// dropped; only strictly newer sequences are applied.
// Not thread-safe — owned by the single price worker goroutine.
type PriceSequenceTracker struct {
	lastSeq map[string]int64
}

func NewPriceSequenceTracker() *PriceSequenceTracker {
	return &PriceSequenceTracker{lastSeq: make(map[string]int64)}
}

// Observe classifies seq for market and advances the tracker when the
// update is applicable.
func (t *PriceSequenceTracker) Observe(market string, seq int64) PriceOutcome {
	last, seen := t.lastSeq[market]
	if seen && seq <= last {
		return PriceStale
	}

	out := PriceOK
	if seen && seq > last+1 {
		out = PriceGap
	}
	t.lastSeq[market] = seq
	return out
}

// Last returns the last applied sequence for market, or -1 when none
// has been seen.
func (t *PriceSequenceTracker) Last(market string) int64 {
	if last, ok := t.lastSeq[market]; ok {
		return last
	}
	return -1
}

// Seed initializes the tracker from recovered state.
func (t *PriceSequenceTracker) Seed(market string, seq int64) {
	t.lastSeq[market] = seq
}
