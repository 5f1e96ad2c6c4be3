// Package custody moves raw tokens between users' external wallets and the
// market's custody account.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"opinions.market/internal/ids"
	"opinions.market/internal/ledger"
)

// Account is a token holder outside the engine's books.
type Account struct {
	Owner ids.Pubkey
}

// Program is the market's custody account.
var Program = Account{Owner: ids.Derive("custody")}

// Wallet is a user's external wallet.
func Wallet(owner ids.Pubkey) Account { return Account{Owner: owner} }

var ErrInsufficientFunds = errors.New("custody: insufficient funds")

// Transferer moves amount raw tokens of mint, all or nothing.
type Transferer interface {
	Transfer(ctx context.Context, from, to Account, mint ids.Pubkey, amount uint64) error
}

// Wallets is an in-memory Transferer for development and tests.
type Wallets struct {
	mu       sync.Mutex
	balances map[Account]map[ids.Pubkey]uint64
}

func NewWallets() *Wallets {
	return &Wallets{balances: make(map[Account]map[ids.Pubkey]uint64)}
}

var _ Transferer = (*Wallets)(nil)

// Fund mints tokens into an account.
func (w *Wallets) Fund(a Account, mint ids.Pubkey, amount uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	next, err := ledger.Add(w.balancesOf(a)[mint], amount)
	if err != nil {
		return err
	}
	w.balancesOf(a)[mint] = next
	return nil
}

// Balance returns the raw token balance of an account.
func (w *Wallets) Balance(a Account, mint ids.Pubkey) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[a][mint]
}

func (w *Wallets) Transfer(ctx context.Context, from, to Account, mint ids.Pubkey, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == 0 {
		return ledger.ErrInvalidAmount
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	src := w.balancesOf(from)
	if src[mint] < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, src[mint], amount)
	}
	dst := w.balancesOf(to)
	next, err := ledger.Add(dst[mint], amount)
	if err != nil {
		return err
	}
	src[mint] -= amount
	dst[mint] = next
	return nil
}

func (w *Wallets) balancesOf(a Account) map[ids.Pubkey]uint64 {
	m, ok := w.balances[a]
	if !ok {
		m = make(map[ids.Pubkey]uint64)
		w.balances[a] = m
	}
	return m
}
