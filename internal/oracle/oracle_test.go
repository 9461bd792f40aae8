package oracle_test

import (
	"errors"
	"math/big"
	"testing"

	"PeerLend/internal/oracle"
)

func TestPriceRoundTrip(t *testing.T) {
	o := oracle.NewMemoryOracle()
	o.SetPrice("WETH", big.NewInt(2000))

	p, err := o.Price("WETH")
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	if p.Cmp(big.NewInt(2000)) != 0 {
		t.Errorf("price = %s, want 2000", p)
	}
}

func TestMissingPriceUnavailable(t *testing.T) {
	o := oracle.NewMemoryOracle()

	if _, err := o.Price("DOGE"); !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Errorf("err = %v, want ErrPriceUnavailable", err)
	}
}

func TestNonPositivePriceClearsEntry(t *testing.T) {
	o := oracle.NewMemoryOracle()
	o.SetPrice("WETH", big.NewInt(2000))
	o.SetPrice("WETH", big.NewInt(0))

	if _, err := o.Price("WETH"); !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Errorf("err = %v, want ErrPriceUnavailable after clearing", err)
	}
}

func TestReturnedPriceIsACopy(t *testing.T) {
	o := oracle.NewMemoryOracle()
	o.SetPrice("USDC", big.NewInt(1))

	p, err := o.Price("USDC")
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	p.SetInt64(999)

	again, err := o.Price("USDC")
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	if again.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("stored price mutated through returned value: got %s", again)
	}
}
