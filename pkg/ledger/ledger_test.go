package ledger_test

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

// newTestStore opens a fresh in-memory sqlite database, named uniquely per
// test so that parallel tests sharing the "cache=shared" URI scheme (needed
// so gorm's connection pool sees one consistent database) never collide.
func newTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ledger.Bill{}, &ledger.ChainAccount{}, &ledger.Block{}))
	return ledger.NewStore(db)
}

func TestGetBillCreatesZeroRow(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	bill, err := store.GetBill("nano_client")
	require.NoError(t, err)
	assert.True(t, bill.TotalPay.IsZero())
	assert.True(t, bill.Balance.IsZero())
}

func TestIncreaseTotalSpendMaintainsBalanceInvariant(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	require.NoError(t, store.SetTotalPay("nano_client", decimal.NewFromInt(100)))
	require.NoError(t, store.IncreaseTotalSpend("nano_client", decimal.NewFromInt(30)))

	balance, err := store.GetBillBalance("nano_client")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(70).Equal(balance))
}

func TestIncreaseTotalSpendCanGoNegative(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	require.NoError(t, store.IncreaseTotalSpend("nano_client", decimal.NewFromInt(5)))

	balance, err := store.GetBillBalance("nano_client")
	require.NoError(t, err)
	assert.True(t, balance.IsNegative())
}

func TestRecomputeTotalPaySumsReceiveBlocksFromClient(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	require.NoError(t, store.UpdateBlock(ledger.Block{
		Hash: "b1", OwnerAccount: "nano_server", Type: "state", Subtype: ledger.SubtypeReceive,
		Amount: decimal.NewFromInt(10), Balance: decimal.NewFromInt(10), SourceAccount: "nano_client",
	}))
	require.NoError(t, store.UpdateBlock(ledger.Block{
		Hash: "b2", OwnerAccount: "nano_server", Type: "state", Subtype: ledger.SubtypeReceive,
		Amount: decimal.NewFromInt(15), Balance: decimal.NewFromInt(25), SourceAccount: "nano_client",
	}))
	// A receive block from a different client must not be counted.
	require.NoError(t, store.UpdateBlock(ledger.Block{
		Hash: "b3", OwnerAccount: "nano_server", Type: "state", Subtype: ledger.SubtypeReceive,
		Amount: decimal.NewFromInt(99), Balance: decimal.NewFromInt(124), SourceAccount: "nano_other",
	}))

	total, err := store.RecomputeTotalPay([]string{"nano_server"}, "nano_client")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(25).Equal(total))
}

func TestRecomputeTotalPayIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	require.NoError(t, store.UpdateBlock(ledger.Block{
		Hash: "b1", OwnerAccount: "nano_server", Type: "state", Subtype: ledger.SubtypeReceive,
		Amount: decimal.NewFromInt(10), SourceAccount: "nano_client",
	}))

	first, err := store.RecomputeTotalPay([]string{"nano_server"}, "nano_client")
	require.NoError(t, err)
	second, err := store.RecomputeTotalPay([]string{"nano_server"}, "nano_client")
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
}

func TestHasBlock(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	known, err := store.HasBlock("missing")
	require.NoError(t, err)
	assert.False(t, known)

	require.NoError(t, store.UpdateBlock(ledger.Block{
		Hash: "present", OwnerAccount: "nano_server", Type: "state", Subtype: ledger.SubtypeSend,
		Amount: decimal.Zero,
	}))

	known, err = store.HasBlock("present")
	require.NoError(t, err)
	assert.True(t, known)
}

func TestGetClientAccountsDeduplicates(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	require.NoError(t, store.UpdateBlock(ledger.Block{
		Hash: "b1", OwnerAccount: "nano_server", Type: "state", Subtype: ledger.SubtypeReceive,
		Amount: decimal.NewFromInt(1), SourceAccount: "nano_client",
	}))
	require.NoError(t, store.UpdateBlock(ledger.Block{
		Hash: "b2", OwnerAccount: "nano_server", Type: "state", Subtype: ledger.SubtypeReceive,
		Amount: decimal.NewFromInt(1), SourceAccount: "nano_client",
	}))

	clients, err := store.GetClientAccounts("nano_server")
	require.NoError(t, err)
	assert.Equal(t, []string{"nano_client"}, clients)

	all, err := store.GetAllClientAccounts([]string{"nano_server"})
	require.NoError(t, err)
	assert.Equal(t, []string{"nano_client"}, all)
}

func TestUpdateAccountUpserts(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	require.NoError(t, store.UpdateAccount("nano_client", ledger.RoleClient, "frontier1"))
	require.NoError(t, store.UpdateAccount("nano_client", ledger.RoleClient, "frontier2"))
}
