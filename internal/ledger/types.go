package ledger

import (
	"errors"
	"time"

	"opinions.market/internal/ids"
)

// Kind classifies a balance-carrying account.
type Kind string

const (
	// KindVault is a user's custody balance for one mint, in internal units.
	KindVault Kind = "vault"
	// KindPot is a post's escrow balance for one mint.
	KindPot Kind = "pot"
	// KindTreasury collects protocol fees and withdrawal penalties.
	KindTreasury Kind = "treasury"
	// KindExternal marks value entering or leaving custody. It carries no balance.
	KindExternal Kind = "external"
)

func (k Kind) Valid() bool {
	switch k {
	case KindVault, KindPot, KindTreasury, KindExternal:
		return true
	}
	return false
}

// Account addresses one balance. Owner is a user identity for vaults, a post id
// hash for pots and zero for the treasury.
type Account struct {
	Kind  Kind       `json:"kind"`
	Owner ids.Pubkey `json:"owner"`
	Mint  ids.Pubkey `json:"mint"`
}

func Vault(owner, mint ids.Pubkey) Account { return Account{Kind: KindVault, Owner: owner, Mint: mint} }
func Pot(post, mint ids.Pubkey) Account    { return Account{Kind: KindPot, Owner: post, Mint: mint} }
func Treasury(mint ids.Pubkey) Account     { return Account{Kind: KindTreasury, Mint: mint} }
func External(owner, mint ids.Pubkey) Account {
	return Account{Kind: KindExternal, Owner: owner, Mint: mint}
}

// Key is the content-addressed storage key of the account.
func (a Account) Key() ids.Pubkey {
	return ids.Derive(string(a.Kind), a.Owner[:], a.Mint[:])
}

func (a Account) String() string {
	return string(a.Kind) + ":" + a.Owner.String() + ":" + a.Mint.String()
}

// Entry is one journal line: amount moved from one account to another, in internal units.
type Entry struct {
	ID        string    `json:"id"`
	Sequence  uint64    `json:"sequence"` // monotonic sequence number
	CreatedAt time.Time `json:"created_at"`
	From      Account   `json:"from"`
	To        Account   `json:"to"`
	Amount    uint64    `json:"amount"`
	Memo      string    `json:"memo,omitempty"`
}

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount (must be > 0)")
	ErrInvalidAccount    = errors.New("invalid account")
	ErrOverflow          = errors.New("arithmetic overflow")
)

func newID(at time.Time) string {
	return ids.NewAt(at)
}
