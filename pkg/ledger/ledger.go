// Package ledger is the durable per-account billing store: the {total_pay,
// total_spend, total_requests, total_bytes, balance} bill row, the account
// and block tables used to recompute total_pay from on-chain history, and
// the atomic increment operations the server data path and the maintainer
// both depend on.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Role values for ChainAccount.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// Block subtypes, mirroring Nano's state-block subtype vocabulary.
const (
	SubtypeSend    = "send"
	SubtypeReceive = "receive"
	SubtypeChange  = "change"
	SubtypeEpoch   = "epoch"
)

// Bill is the per-account billing row. balance = total_pay - total_spend is
// maintained as an invariant by every mutating method below; callers never
// update balance directly.
type Bill struct {
	Account       string          `gorm:"column:account;primaryKey"`
	TotalPay      decimal.Decimal `gorm:"column:total_pay;type:varchar(64);not null"`
	TotalSpend    decimal.Decimal `gorm:"column:total_spend;type:varchar(64);not null"`
	TotalRequests uint64          `gorm:"column:total_requests;not null"`
	TotalBytes    uint64          `gorm:"column:total_bytes;not null"`
	Balance       decimal.Decimal `gorm:"column:balance;type:varchar(64);not null"`
}

func (Bill) TableName() string { return "bills" }

// ChainAccount records the role (client/server) and chain frontier known
// for a tracked account.
type ChainAccount struct {
	Account  string `gorm:"column:account;primaryKey"`
	Role     string `gorm:"column:role;not null"`
	Frontier string `gorm:"column:frontier;not null"`
}

func (ChainAccount) TableName() string { return "chain_accounts" }

// Block is a normalized on-chain state block for a tracked account.
// SourceAccount is populated only for receive blocks, recording which
// account's send block funded it — the maintainer resolves this while
// walking history so the ledger never needs to chase "link" hashes itself.
type Block struct {
	Hash           string          `gorm:"column:hash;primaryKey"`
	OwnerAccount   string          `gorm:"column:owner_account;not null;index:idx_blocks_owner"`
	Type           string          `gorm:"column:type;not null"`
	Subtype        string          `gorm:"column:subtype;not null;index:idx_blocks_owner"`
	Amount         decimal.Decimal `gorm:"column:amount;type:varchar(64);not null"`
	Balance        decimal.Decimal `gorm:"column:balance;type:varchar(64);not null"`
	Link           string          `gorm:"column:link"`
	Representative string          `gorm:"column:representative"`
	Signature      string          `gorm:"column:signature"`
	Work           string          `gorm:"column:work"`
	Previous       string          `gorm:"column:previous"`
	SourceAccount  string          `gorm:"column:source_account;index:idx_blocks_source"`
}

func (Block) TableName() string { return "blocks" }

// Store implements every ledger operation named by the dataplane (§4.5)
// and the maintainer (§4.5 "Maintenance operations").
type Store struct {
	db *gorm.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore wraps an already-migrated *gorm.DB.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, locks: make(map[string]*sync.Mutex)}
}

// lockFor returns a per-account mutex, serializing concurrent mutations to
// one account's bill row exactly as the ordering guarantees in §5 require.
func (s *Store) lockFor(account string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[account]
	if !ok {
		l = &sync.Mutex{}
		s.locks[account] = l
	}
	return l
}

// GetBill returns the bill row for account, creating a zero row if absent.
func (s *Store) GetBill(account string) (*Bill, error) {
	lock := s.lockFor(account)
	lock.Lock()
	defer lock.Unlock()
	return s.getBillLocked(account)
}

func (s *Store) getBillLocked(account string) (*Bill, error) {
	var bill Bill
	err := s.db.Where("account = ?", account).First(&bill).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		bill = Bill{
			Account:    account,
			TotalPay:   decimal.Zero,
			TotalSpend: decimal.Zero,
			Balance:    decimal.Zero,
		}
		if err := s.db.Create(&bill).Error; err != nil {
			return nil, fmt.Errorf("ledger: failed to create bill for %s: %w", account, err)
		}
		return &bill, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to load bill for %s: %w", account, err)
	}
	return &bill, nil
}

// IncreaseTotalRequests atomically adds n to total_requests.
func (s *Store) IncreaseTotalRequests(account string, n uint64) error {
	lock := s.lockFor(account)
	lock.Lock()
	defer lock.Unlock()

	bill, err := s.getBillLocked(account)
	if err != nil {
		return err
	}
	bill.TotalRequests += n
	return s.saveLocked(bill)
}

// IncreaseTotalBytes atomically adds n to total_bytes.
func (s *Store) IncreaseTotalBytes(account string, n uint64) error {
	lock := s.lockFor(account)
	lock.Lock()
	defer lock.Unlock()

	bill, err := s.getBillLocked(account)
	if err != nil {
		return err
	}
	bill.TotalBytes += n
	return s.saveLocked(bill)
}

// IncreaseTotalSpend atomically adds raw to total_spend and recomputes
// balance so the invariant balance = total_pay - total_spend holds
// immediately, as required by §3.
func (s *Store) IncreaseTotalSpend(account string, raw decimal.Decimal) error {
	lock := s.lockFor(account)
	lock.Lock()
	defer lock.Unlock()

	bill, err := s.getBillLocked(account)
	if err != nil {
		return err
	}
	bill.TotalSpend = bill.TotalSpend.Add(raw)
	bill.Balance = bill.TotalPay.Sub(bill.TotalSpend)
	return s.saveLocked(bill)
}

// SetTotalPay overwrites total_pay (used by the maintainer after
// recomputing it from on-chain history) and recomputes balance.
func (s *Store) SetTotalPay(account string, totalPay decimal.Decimal) error {
	lock := s.lockFor(account)
	lock.Lock()
	defer lock.Unlock()

	bill, err := s.getBillLocked(account)
	if err != nil {
		return err
	}
	bill.TotalPay = totalPay
	bill.Balance = bill.TotalPay.Sub(bill.TotalSpend)
	return s.saveLocked(bill)
}

// UpdateBillBalance recomputes balance from the currently stored total_pay
// and total_spend and persists it.
func (s *Store) UpdateBillBalance(account string) error {
	lock := s.lockFor(account)
	lock.Lock()
	defer lock.Unlock()

	bill, err := s.getBillLocked(account)
	if err != nil {
		return err
	}
	bill.Balance = bill.TotalPay.Sub(bill.TotalSpend)
	return s.saveLocked(bill)
}

// GetBillBalance returns the current balance for account.
func (s *Store) GetBillBalance(account string) (decimal.Decimal, error) {
	bill, err := s.GetBill(account)
	if err != nil {
		return decimal.Zero, err
	}
	return bill.Balance, nil
}

func (s *Store) saveLocked(bill *Bill) error {
	if err := s.db.Save(bill).Error; err != nil {
		return fmt.Errorf("ledger: failed to save bill for %s: %w", bill.Account, err)
	}
	return nil
}

// Commit flushes pending writes durably. For sqlite this checkpoints the
// WAL; postgres commits are already durable per-statement, so there is
// nothing extra to do there.
func (s *Store) Commit() error {
	if s.db.Dialector.Name() != "sqlite" {
		return nil
	}
	if err := s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)").Error; err != nil {
		return fmt.Errorf("ledger: checkpoint failed: %w", err)
	}
	return nil
}

// UpdateAccount upserts a tracked account's role and chain frontier.
func (s *Store) UpdateAccount(account, role, frontier string) error {
	rec := ChainAccount{Account: account, Role: role, Frontier: frontier}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "frontier"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("ledger: failed to upsert account %s: %w", account, err)
	}
	return nil
}

// UpdateBlock upserts a block row keyed by hash.
func (s *Store) UpdateBlock(block Block) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "hash"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"owner_account", "type", "subtype", "amount", "balance",
			"link", "representative", "signature", "work", "previous", "source_account",
		}),
	}).Create(&block).Error
	if err != nil {
		return fmt.Errorf("ledger: failed to upsert block %s: %w", block.Hash, err)
	}
	return nil
}

// HasBlock reports whether hash is already recorded, used by the
// maintainer to stop walking history once it reaches known territory.
func (s *Store) HasBlock(hash string) (bool, error) {
	var count int64
	if err := s.db.Model(&Block{}).Where("hash = ?", hash).Count(&count).Error; err != nil {
		return false, fmt.Errorf("ledger: failed to check block %s: %w", hash, err)
	}
	return count > 0, nil
}

// GetReceiveBlocks returns every receive block credited to serverAccount
// whose funding send came from clientAccount — the set summed to
// recompute clientAccount's total_pay.
func (s *Store) GetReceiveBlocks(serverAccount, clientAccount string) ([]Block, error) {
	var blocks []Block
	err := s.db.
		Where("owner_account = ? AND subtype = ? AND source_account = ?", serverAccount, SubtypeReceive, clientAccount).
		Find(&blocks).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to query receive blocks: %w", err)
	}
	return blocks, nil
}

// GetClientAccounts returns every account that has ever sent to
// serverAccount, derived from that account's receive blocks.
func (s *Store) GetClientAccounts(serverAccount string) ([]string, error) {
	var accounts []string
	err := s.db.Model(&Block{}).
		Where("owner_account = ? AND subtype = ? AND source_account != ''", serverAccount, SubtypeReceive).
		Distinct("source_account").
		Pluck("source_account", &accounts).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to list client accounts: %w", err)
	}
	return accounts, nil
}

// GetAllClientAccounts is GetClientAccounts unioned over every account in
// serverAccounts, deduplicated.
func (s *Store) GetAllClientAccounts(serverAccounts []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, serverAccount := range serverAccounts {
		clients, err := s.GetClientAccounts(serverAccount)
		if err != nil {
			return nil, err
		}
		for _, c := range clients {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// RecomputeTotalPay sums every receive-block amount credited to any of
// serverAccounts from clientAccount, idempotently: running it twice with
// the same block table yields the same total_pay.
func (s *Store) RecomputeTotalPay(serverAccounts []string, clientAccount string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, serverAccount := range serverAccounts {
		blocks, err := s.GetReceiveBlocks(serverAccount, clientAccount)
		if err != nil {
			return decimal.Zero, err
		}
		for _, b := range blocks {
			total = total.Add(b.Amount)
		}
	}
	return total, nil
}
