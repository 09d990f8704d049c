package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AlpacaTunnel/alpaca-proxy/pkg/ledger"
	"github.com/AlpacaTunnel/alpaca-proxy/pkg/lightwallet"
)

// Maintainer is the ledger maintainer (C9): a periodic background task that
// pulls new blocks from the light-wallet interface and merges them into the
// ledger, and refreshes the in-memory pricing snapshot every iteration.
// Grounded on blockchain_worker.go's ticker/select-on-ctx.Done() loop shape.
type Maintainer struct {
	store         *ledger.Store
	wallet        lightwallet.Client
	pricing       *Pricing
	serverAccount string

	priceKiloRequests decimal.Decimal
	priceGigabytes    decimal.Decimal

	interval time.Duration
	metrics  *Metrics
	logger   Logger
}

// NewMaintainer wires a Maintainer. priceKiloRequests and priceGigabytes are
// the configured fiat rates (spec.md §6); interval is the implementer-
// tunable sleep between iterations (§4.8, 60-600s, default 60s).
func NewMaintainer(store *ledger.Store, wallet lightwallet.Client, pricing *Pricing, serverAccount string, priceKiloRequests, priceGigabytes decimal.Decimal, interval time.Duration, metrics *Metrics, logger Logger) *Maintainer {
	return &Maintainer{
		store:             store,
		wallet:            wallet,
		pricing:           pricing,
		serverAccount:     serverAccount,
		priceKiloRequests: priceKiloRequests,
		priceGigabytes:    priceGigabytes,
		interval:          interval,
		metrics:           metrics,
		logger:            logger.NewSystem("maintainer"),
	}
}

// Run blocks, running one iteration immediately and then every interval,
// until ctx is cancelled. Failures at any step are logged and do not abort
// the loop (spec.md §7 "the maintainer catches and logs at iteration
// granularity").
func (m *Maintainer) Run(ctx context.Context) {
	m.runIteration(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("maintainer stopping")
			return
		case <-ticker.C:
			m.runIteration(ctx)
		}
	}
}

func (m *Maintainer) runIteration(ctx context.Context) {
	if err := m.update(ctx); err != nil {
		m.logger.Error("maintainer iteration failed", "error", err)
		if m.metrics != nil {
			m.metrics.MaintainerRuns.WithLabelValues("error").Inc()
		}
	} else if m.metrics != nil {
		m.metrics.MaintainerRuns.WithLabelValues("ok").Inc()
	}

	if err := m.store.Commit(); err != nil {
		m.logger.Error("failed to commit ledger", "error", err)
	}
	m.logger.Debug("sleeping until next iteration", "interval", m.interval)
}

// update runs the five-step refresh named in spec.md §4.8: upsert the
// server account, refresh pricing, drain pending blocks, walk history, and
// recompute every client account's total_pay.
func (m *Maintainer) update(ctx context.Context) error {
	if err := m.store.UpdateAccount(m.serverAccount, ledger.RoleServer, ""); err != nil {
		return fmt.Errorf("upsert server account: %w", err)
	}

	if err := m.refreshPricing(ctx); err != nil {
		m.logger.Warn("failed to refresh pricing, keeping stale snapshot", "error", err)
	}

	if n, err := m.wallet.ReceiveAll(ctx, m.serverAccount); err != nil {
		m.logger.Warn("failed to receive pending blocks", "error", err)
	} else if n > 0 {
		m.logger.Info("received pending blocks", "count", n)
	}

	if err := m.updateHistory(ctx); err != nil {
		return fmt.Errorf("update history: %w", err)
	}

	clients, err := m.store.GetClientAccounts(m.serverAccount)
	if err != nil {
		return fmt.Errorf("list client accounts: %w", err)
	}
	for _, client := range clients {
		if err := m.store.UpdateAccount(client, ledger.RoleClient, ""); err != nil {
			m.logger.Warn("failed to upsert client account", "account", client, "error", err)
		}
	}

	return m.updateBills()
}

// refreshPricing fetches the current coin price and recomputes
// raw_per_request/raw_per_byte/balance_warn_threshold, matching
// update_db_history's constant-refresh side effect in the original.
func (m *Maintainer) refreshPricing(ctx context.Context) error {
	coinPrice, err := m.wallet.Price(ctx)
	if err != nil {
		return fmt.Errorf("fetch coin price: %w", err)
	}

	rawPerRequest := RawPerRequestFromPrice(m.priceKiloRequests, coinPrice)
	rawPerByte := RawPerByteFromPrice(m.priceGigabytes, coinPrice)
	m.pricing.Set(rawPerRequest, rawPerByte)

	m.logger.Info("refreshed pricing",
		"coin_price", coinPrice.String(),
		"raw_per_request", rawPerRequest.String(),
		"raw_per_byte", rawPerByte.String())
	return nil
}

// updateHistory walks the server account's chain backward in growing
// windows (count=2, then 20) until it reaches a block already known to the
// ledger or the chain's open block, then upserts every newly-seen block in
// chain order (oldest first).
func (m *Maintainer) updateHistory(ctx context.Context) error {
	var collected []lightwallet.Block
	head := ""
	count := 2

	for {
		blocks, err := m.wallet.History(ctx, m.serverAccount, head, count)
		if err != nil {
			return fmt.Errorf("fetch history: %w", err)
		}
		if len(blocks) == 0 {
			break
		}

		collected = append(collected, blocks...)
		tail := blocks[len(blocks)-1]
		head = tail.Hash
		count = 20

		known, err := m.store.HasBlock(tail.Hash)
		if err != nil {
			return fmt.Errorf("check known block: %w", err)
		}
		if known {
			break
		}
		if tail.Type == "open" || tail.Previous == lightwallet.EmptyPrevious {
			break
		}
	}

	// collected is newest-first (History walks backward); reverse to
	// chain order before upserting, per spec.md §4.8 step 4.
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}

	for _, b := range collected {
		block := ledger.Block{
			Hash:           b.Hash,
			OwnerAccount:   m.serverAccount,
			Type:           b.Type,
			Subtype:        b.Subtype,
			Amount:         b.Amount,
			Balance:        b.Balance,
			Link:           b.Link,
			Representative: b.Representative,
			Signature:      b.Signature,
			Work:           b.Work,
			Previous:       b.Previous,
			SourceAccount:  b.SourceAccount,
		}
		if err := m.store.UpdateBlock(block); err != nil {
			return fmt.Errorf("upsert block %s: %w", b.Hash, err)
		}
	}
	return nil
}

// updateBills recomputes total_pay for every known client account as the
// sum of receive-block amounts credited to this server account from that
// client, per spec.md §3's idempotence invariant.
func (m *Maintainer) updateBills() error {
	clients, err := m.store.GetClientAccounts(m.serverAccount)
	if err != nil {
		return fmt.Errorf("list client accounts: %w", err)
	}

	for _, client := range clients {
		totalPay, err := m.store.RecomputeTotalPay([]string{m.serverAccount}, client)
		if err != nil {
			m.logger.Warn("failed to recompute total_pay", "account", client, "error", err)
			continue
		}
		if err := m.store.SetTotalPay(client, totalPay); err != nil {
			m.logger.Warn("failed to persist total_pay", "account", client, "error", err)
		}
	}
	return nil
}
