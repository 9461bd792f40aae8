package math

import (
	"math/big"
)

// All interest and index arithmetic runs on 18-decimal fixed-point
// unsigned integers ("WAD"). Rounding is always truncation, which biases
// index growth downward so the protocol never overstates a claim.

var (
	// Wad is the fixed-point unit: 1e18.
	Wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// MaxBps is the basis-point denominator for reserve factors and
	// the P2P index cursor.
	MaxBps = big.NewInt(10_000)
)

// WadMul returns a*b/WAD, truncated.
func WadMul(a, b *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Quo(r, Wad)
}

// WadDiv returns a*WAD/b, truncated.
// A zero divisor is an accounting defect upstream, not a recoverable
// condition, so it panics rather than returning an error.
func WadDiv(a, b *big.Int) *big.Int {
	if b.Sign() == 0 {
		panic("math: wad division by zero")
	}
	r := new(big.Int).Mul(a, Wad)
	return r.Quo(r, b)
}

// BpsMul returns a*bps/10000, truncated.
func BpsMul(a *big.Int, bps uint32) *big.Int {
	r := new(big.Int).Mul(a, big.NewInt(int64(bps)))
	return r.Quo(r, MaxBps)
}

// BpsBlend returns (a*(10000-bps) + b*bps) / 10000 — a linear blend of
// a and b positioned at bps within [a, b].
func BpsBlend(a, b *big.Int, bps uint32) *big.Int {
	left := new(big.Int).Mul(a, big.NewInt(int64(10_000-bps)))
	right := new(big.Int).Mul(b, big.NewInt(int64(bps)))
	left.Add(left, right)
	return left.Quo(left, MaxBps)
}

// Min returns the smallest of its arguments as an independent copy, so
// callers may mutate the result or the arguments without aliasing. At
// least one argument is required.
func Min(first *big.Int, rest ...*big.Int) *big.Int {
	m := first
	for _, v := range rest {
		if v.Cmp(m) < 0 {
			m = v
		}
	}
	return new(big.Int).Set(m)
}

// SafeSub returns a-b, clamped to zero when b > a. Used only for the
// repay fee computation, whose underflow is clamped by design; every
// other subtraction in the ledger treats underflow as fatal.
func SafeSub(a, b *big.Int) *big.Int {
	if b.Cmp(a) >= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(a, b)
}

// FromUnits returns n whole token units as a WAD value. Test and
// bootstrap helper.
func FromUnits(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Wad)
}

// Clone returns an independent copy of v.
func Clone(v *big.Int) *big.Int {
	return new(big.Int).Set(v)
}
