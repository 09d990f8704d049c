// Package lightwallet defines the narrow interface the ledger maintainer
// (C9) uses to talk to the external blockchain light-wallet client. Per
// spec.md §1, that service's wire protocol and proof-of-work are out of
// scope; only the operations the maintainer calls are specified here.
// Callers inject a concrete implementation; the only one in this module is
// the in-memory fixture in pkg/lightwallet/faketest.
package lightwallet

import (
	"context"

	"github.com/shopspring/decimal"
)

// Block is one normalized on-chain state block, shaped to match
// pkg/ledger.Block's fields one-for-one except OwnerAccount (which the
// caller supplies), so History results can be upserted directly.
type Block struct {
	Hash           string
	Type           string
	Subtype        string
	Amount         decimal.Decimal
	Balance        decimal.Decimal
	Link           string
	Representative string
	Signature      string
	Work           string
	Previous       string
	// SourceAccount is the account whose send block funded this block, when
	// known (populated for receive blocks resolved via Link).
	SourceAccount string
}

// EmptyPrevious is the sentinel "previous" hash marking a chain's first
// (open) block.
const EmptyPrevious = "0000000000000000000000000000000000000000000000000000000000000000"

// Client is the light-wallet surface the maintainer depends on.
type Client interface {
	// Price returns the current fiat price of one coin.
	Price(ctx context.Context) (decimal.Decimal, error)

	// History returns up to count blocks for account, walking backward from
	// head (or the chain tip if head is empty).
	History(ctx context.Context, account string, head string, count int) ([]Block, error)

	// Pending returns block hashes pending receipt by account.
	Pending(ctx context.Context, account string) ([]string, error)

	// Open submits an open block crediting sourceBlock's amount to account.
	Open(ctx context.Context, account string, sourceBlock string) (Block, error)

	// Receive submits a receive block crediting sourceBlock's amount to
	// account's existing chain.
	Receive(ctx context.Context, account string, sourceBlock string) (Block, error)

	// Send submits a send block moving amount raw from account to dest.
	Send(ctx context.Context, account string, dest string, amount decimal.Decimal) (Block, error)

	// ReceiveAll drains every pending block for account, receiving each in
	// turn, and returns the number processed.
	ReceiveAll(ctx context.Context, account string) (int, error)
}
