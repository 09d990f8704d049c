// Package faketest provides an in-memory lightwallet.Client fixture for
// tests that exercise the ledger maintainer without a real light-wallet
// service.
package faketest

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/AlpacaTunnel/alpaca-proxy/pkg/lightwallet"
)

// Client is a fully in-memory lightwallet.Client. Its chains and pending
// blocks are unexported; tests seed them through SeedChain/SeedPending,
// which take mu like every other method.
type Client struct {
	mu      sync.Mutex
	price   decimal.Decimal
	chains  map[string][]lightwallet.Block // account -> blocks, oldest first
	pending map[string][]string            // account -> pending block hashes
}

// New creates an empty fake client reporting the given coin price.
func New(price decimal.Decimal) *Client {
	return &Client{
		price:   price,
		chains:  make(map[string][]lightwallet.Block),
		pending: make(map[string][]string),
	}
}

// SeedChain appends blocks to account's chain, oldest first.
func (c *Client) SeedChain(account string, blocks ...lightwallet.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chains[account] = append(c.chains[account], blocks...)
}

// SeedPending marks hashes as pending receipt for account.
func (c *Client) SeedPending(account string, hashes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[account] = append(c.pending[account], hashes...)
}

func (c *Client) Price(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.price, nil
}

func (c *Client) History(ctx context.Context, account string, head string, count int) ([]lightwallet.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chain := c.chains[account]
	end := len(chain)
	if head != "" {
		for i, b := range chain {
			if b.Hash == head {
				end = i + 1
				break
			}
		}
	}
	start := end - count
	if start < 0 {
		start = 0
	}
	out := make([]lightwallet.Block, end-start)
	copy(out, chain[start:end])
	// History walks backward from head, so the reference convention is
	// newest-first; reverse the stored oldest-first slice to match.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (c *Client) Pending(ctx context.Context, account string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.pending[account]))
	copy(out, c.pending[account])
	return out, nil
}

func (c *Client) Open(ctx context.Context, account string, sourceBlock string) (lightwallet.Block, error) {
	return c.receiveLocked(account, sourceBlock, lightwallet.EmptyPrevious)
}

func (c *Client) Receive(ctx context.Context, account string, sourceBlock string) (lightwallet.Block, error) {
	c.mu.Lock()
	prev := ""
	if chain := c.chains[account]; len(chain) > 0 {
		prev = chain[len(chain)-1].Hash
	}
	c.mu.Unlock()
	return c.receiveLocked(account, sourceBlock, prev)
}

func (c *Client) receiveLocked(account, sourceBlock, previous string) (lightwallet.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	block := lightwallet.Block{
		Hash:     sourceBlock + "-recv",
		Type:     "state",
		Subtype:  "receive",
		Amount:   decimal.Zero,
		Previous: previous,
	}
	c.chains[account] = append(c.chains[account], block)

	pending := c.pending[account][:0]
	for _, h := range c.pending[account] {
		if h != sourceBlock {
			pending = append(pending, h)
		}
	}
	c.pending[account] = pending

	return block, nil
}

func (c *Client) Send(ctx context.Context, account string, dest string, amount decimal.Decimal) (lightwallet.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := ""
	if chain := c.chains[account]; len(chain) > 0 {
		prev = chain[len(chain)-1].Hash
	}
	block := lightwallet.Block{
		Hash:     account + "-send-" + dest,
		Type:     "state",
		Subtype:  "send",
		Amount:   amount,
		Link:     dest,
		Previous: prev,
	}
	c.chains[account] = append(c.chains[account], block)
	c.pending[dest] = append(c.pending[dest], block.Hash)
	return block, nil
}

func (c *Client) ReceiveAll(ctx context.Context, account string) (int, error) {
	c.mu.Lock()
	pending := append([]string(nil), c.pending[account]...)
	c.mu.Unlock()

	for _, hash := range pending {
		if _, err := c.Receive(ctx, account, hash); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}
