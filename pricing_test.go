package main

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPricingSetAndRead(t *testing.T) {
	t.Parallel()

	p := NewPricing()
	p.Set(decimal.NewFromInt(2), decimal.NewFromInt(3))

	assert.True(t, decimal.NewFromInt(2).Equal(p.RawPerRequest()))
	assert.True(t, decimal.NewFromInt(3).Equal(p.RawPerByte()))
}

func TestPricingWarnThresholdFormula(t *testing.T) {
	t.Parallel()

	p := NewPricing()
	p.Set(decimal.NewFromInt(2), decimal.NewFromInt(3))

	// raw_per_request*100 + raw_per_byte*10^4 = 200 + 30000 = 30200
	assert.True(t, decimal.NewFromInt(30200).Equal(p.WarnThreshold()))
}

func TestNewPricingStartsAtZero(t *testing.T) {
	t.Parallel()

	p := NewPricing()
	assert.True(t, p.RawPerRequest().IsZero())
	assert.True(t, p.RawPerByte().IsZero())
	assert.True(t, p.WarnThreshold().IsZero())
}

func TestToRawTruncatesSubRawAmounts(t *testing.T) {
	t.Parallel()

	// 1.23e-29 coin is 12.3 raw (raw = 1e-30 coin); the sub-raw 0.3 must
	// truncate away, leaving 12.
	amount := decimal.New(123, -29)
	assert.True(t, decimal.NewFromInt(12).Equal(ToRaw(amount)))
}

func TestRawPerRequestFromPrice(t *testing.T) {
	t.Parallel()

	// priceKiloRequests=10 (fiat per 1000 requests), coinPrice=2 (fiat per coin)
	// -> cost per request = (10/1000)*2 = 0.02 fiat -> 0.02 * 1e30 raw.
	got := RawPerRequestFromPrice(decimal.NewFromInt(10), decimal.NewFromInt(2))
	want := decimal.New(2, -2).Mul(decimal.New(1, 30)).Truncate(0)
	assert.True(t, want.Equal(got))
}
