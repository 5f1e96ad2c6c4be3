package ledger

import (
	"context"
	"time"
)

// Book is the balance view a storage transaction exposes. Balances of unknown
// accounts read as zero. Append assigns the entry's Sequence.
type Book interface {
	Balance(ctx context.Context, a Account) (uint64, error)
	SetBalance(ctx context.Context, a Account, amount uint64) error
	Append(ctx context.Context, e *Entry) error
}

// Transfer moves amount from one account to another inside the caller's
// transaction and journals it. External accounts are not balance-checked: value
// enters custody from them and leaves custody to them.
func Transfer(ctx context.Context, b Book, from, to Account, amount uint64, memo string, at time.Time) (Entry, error) {
	if amount == 0 {
		return Entry{}, ErrInvalidAmount
	}
	if !from.Kind.Valid() || !to.Kind.Valid() || from == to {
		return Entry{}, ErrInvalidAccount
	}
	if from.Kind == KindExternal && to.Kind == KindExternal {
		return Entry{}, ErrInvalidAccount
	}
	if from.Mint != to.Mint {
		return Entry{}, ErrInvalidAccount
	}

	if from.Kind != KindExternal {
		bal, err := b.Balance(ctx, from)
		if err != nil {
			return Entry{}, err
		}
		next, err := Sub(bal, amount)
		if err != nil {
			return Entry{}, err
		}
		if err := b.SetBalance(ctx, from, next); err != nil {
			return Entry{}, err
		}
	}
	if to.Kind != KindExternal {
		bal, err := b.Balance(ctx, to)
		if err != nil {
			return Entry{}, err
		}
		next, err := Add(bal, amount)
		if err != nil {
			return Entry{}, err
		}
		if err := b.SetBalance(ctx, to, next); err != nil {
			return Entry{}, err
		}
	}

	e := Entry{
		ID:        newID(at),
		CreatedAt: at.UTC(),
		From:      from,
		To:        to,
		Amount:    amount,
		Memo:      memo,
	}
	if err := b.Append(ctx, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}
