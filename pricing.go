package main

import (
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// Pricing is the in-memory snapshot of raw-unit pricing shared between the
// ledger maintainer (writer) and the server proxy's data path (reader), per
// spec.md §9: "the reimplementation should carry these as an explicit
// context passed into each session". Each field is stored behind
// atomic.Value so readers observe a stale-but-internally-consistent decimal
// without a lock, and the maintainer can update all three together without
// blocking an in-flight request.
type Pricing struct {
	rawPerRequest atomic.Value // decimal.Decimal
	rawPerByte    atomic.Value // decimal.Decimal
	warnThreshold atomic.Value // decimal.Decimal
}

// NewPricing creates a Pricing snapshot with all rates at zero, meaning
// "free" until the maintainer's first refresh lands.
func NewPricing() *Pricing {
	p := &Pricing{}
	p.Set(decimal.Zero, decimal.Zero)
	return p
}

// Set stores a new (rawPerRequest, rawPerByte) pair and recomputes the warn
// threshold per spec.md's GLOSSARY formula: raw_per_request*100 +
// raw_per_byte*10^4.
func (p *Pricing) Set(rawPerRequest, rawPerByte decimal.Decimal) {
	p.rawPerRequest.Store(rawPerRequest)
	p.rawPerByte.Store(rawPerByte)
	threshold := rawPerRequest.Mul(decimal.NewFromInt(100)).
		Add(rawPerByte.Mul(decimal.NewFromInt(10000)))
	p.warnThreshold.Store(threshold)
}

// RawPerRequest returns the current per-request raw charge.
func (p *Pricing) RawPerRequest() decimal.Decimal {
	return p.rawPerRequest.Load().(decimal.Decimal)
}

// RawPerByte returns the current per-byte raw charge.
func (p *Pricing) RawPerByte() decimal.Decimal {
	return p.rawPerByte.Load().(decimal.Decimal)
}

// WarnThreshold returns the current balance-warn threshold.
func (p *Pricing) WarnThreshold() decimal.Decimal {
	return p.warnThreshold.Load().(decimal.Decimal)
}

// RawPerRequestFromPrice converts a fiat price-per-kilo-requests rate and a
// coin's current fiat price into a per-request raw charge: (priceKiloRequests
// / 1000) * coinPriceUSD, converted to raw units.
func RawPerRequestFromPrice(priceKiloRequests, coinPrice decimal.Decimal) decimal.Decimal {
	costPerRequest := priceKiloRequests.Div(decimal.NewFromInt(1000)).Mul(coinPrice)
	return ToRaw(costPerRequest)
}

// RawPerByteFromPrice converts a fiat price-per-gigabyte rate and a coin's
// current fiat price into a per-byte raw charge: (priceGigabytes / 10^9) *
// coinPriceUSD, converted to raw units.
func RawPerByteFromPrice(priceGigabytes, coinPrice decimal.Decimal) decimal.Decimal {
	costPerByte := priceGigabytes.Div(decimal.NewFromInt(1_000_000_000)).Mul(coinPrice)
	return ToRaw(costPerByte)
}

// rawPerCoin is 10^30, this coin family's smallest-unit scale (mirroring
// Nano's raw/NANO ratio), used to convert a fiat-equivalent coin amount
// into raw units.
var rawPerCoin = decimal.New(1, 30)

// ToRaw converts a coin-denominated amount to its integral raw-unit
// representation, truncating any fractional raw (sub-raw amounts are not
// representable on-chain).
func ToRaw(coinAmount decimal.Decimal) decimal.Decimal {
	return coinAmount.Mul(rawPerCoin).Truncate(0)
}
