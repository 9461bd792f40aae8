package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// PriceUpdate is one validated oracle quote from the price feed.
// Price is WAD-scaled in the feed's common reference unit.
type PriceUpdate struct {
	Market      string
	Price       *big.Int
	Sequence    int64
	TimestampUs int64
}

// Wire format from upstream price producers. Prices travel as decimal
// strings: WAD values overflow int64 and JSON numbers lose precision.
type priceUpdateJSON struct {
	Market      string `json:"market"`
	Price       string `json:"price"`
	Sequence    int64  `json:"price_sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParsePriceUpdate validates and decodes one raw price message.
func ParsePriceUpdate(data []byte) (*PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse PriceUpdate: missing market")
	}

	price, ok := new(big.Int).SetString(j.Price, 10)
	if !ok {
		return nil, fmt.Errorf("parse PriceUpdate: bad price %q", j.Price)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("parse PriceUpdate: non-positive price %s for %s", price, j.Market)
	}

	return &PriceUpdate{
		Market:      j.Market,
		Price:       price,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}
