package main

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/AlpacaTunnel/alpaca-proxy/pkg/ledger"
)

func newServerTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ledger.Bill{}, &ledger.ChainAccount{}, &ledger.Block{}))
	return ledger.NewStore(db)
}

func newTestServerSession(t *testing.T, store *ledger.Store, rawPerByte decimal.Decimal) *serverSession {
	t.Helper()
	pricing := NewPricing()
	pricing.Set(decimal.Zero, rawPerByte)

	proxy := &ServerProxy{
		store:         store,
		pricing:       pricing,
		serverAccount: "nano_server",
		logger:        NewLoggerIPFS("test"),
	}
	return &serverSession{
		proxy:         proxy,
		clientAccount: "nano_client",
		logger:        NewLoggerIPFS("test"),
	}
}

func TestDebitBytesPreservesPayloadWhenBalancePositive(t *testing.T) {
	t.Parallel()

	store := newServerTestStore(t)
	require.NoError(t, store.SetTotalPay("nano_client", decimal.NewFromInt(1000)))

	s := newTestServerSession(t, store, decimal.NewFromInt(1))
	payload := []byte("hello")

	got := s.debitBytes(len(payload), payload)
	assert.Equal(t, payload, got)

	balance, err := store.GetBillBalance("nano_client")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(995).Equal(balance))
}

func TestDebitBytesForcesEmptyWhenBalanceGoesNegative(t *testing.T) {
	t.Parallel()

	store := newServerTestStore(t)
	require.NoError(t, store.SetTotalPay("nano_client", decimal.NewFromInt(3)))

	s := newTestServerSession(t, store, decimal.NewFromInt(1))
	payload := []byte("hello") // 5 bytes * 1 raw/byte = 5 > balance of 3

	got := s.debitBytes(len(payload), payload)
	assert.Empty(t, got)

	balance, err := store.GetBillBalance("nano_client")
	require.NoError(t, err)
	assert.True(t, balance.IsNegative())
}

func TestDebitBytesNoOpWhenUnmetered(t *testing.T) {
	t.Parallel()

	store := newServerTestStore(t)
	s := newTestServerSession(t, store, decimal.NewFromInt(1))
	s.clientAccount = ""

	payload := []byte("hello")
	got := s.debitBytes(len(payload), payload)
	assert.Equal(t, payload, got)
}

func TestMaybePushBalanceSkippedWhenNoClientAccount(t *testing.T) {
	t.Parallel()

	store := newServerTestStore(t)
	s := newTestServerSession(t, store, decimal.Zero)
	s.clientAccount = ""

	// Should not panic or touch a nil ws.Send since nothing to push.
	s.maybePushBalance()
}
