package market

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"opinions.market/internal/custody"
	"opinions.market/internal/events"
	"opinions.market/internal/ids"
	"opinions.market/internal/ledger"
)

// Withdrawal describes a completed withdraw.
type Withdrawal struct {
	Debited uint64 `json:"debited"` // internal units taken from the vault
	Penalty uint64 `json:"penalty"` // internal units sent to the treasury
	Tokens  uint64 `json:"tokens"`  // raw tokens returned to the wallet
	Balance uint64 `json:"balance"` // vault balance afterwards
}

// Deposit moves amount raw tokens from the user's wallet into custody and credits
// the vault with their internal-unit value. It returns the new vault balance.
// Only the user may sign a deposit or withdraw; session keys are not accepted.
func (e *Engine) Deposit(ctx context.Context, auth Auth, mint ids.Pubkey, amount uint64) (uint64, error) {
	if err := requireOwner(auth); err != nil {
		return 0, err
	}
	user := auth.User
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	var (
		balance uint64
		moved   bool
	)
	err := e.update(ctx, "deposit", func(ctx context.Context, t *txn) error {
		if _, err := loadConfig(ctx, t); err != nil {
			return err
		}
		pay, err := enabledPayment(ctx, t, mint)
		if err != nil {
			return err
		}
		value, err := ledger.Mul(amount, pay.Price)
		if err != nil {
			return err
		}
		if _, err := ensureUser(ctx, t, user); err != nil {
			return err
		}
		vault := ledger.Vault(user, mint)
		if _, err := t.transfer(ctx, ledger.External(user, mint), vault, value, "deposit"); err != nil {
			return err
		}
		if balance, err = t.Balance(ctx, vault); err != nil {
			return err
		}
		// The external transfer runs last so every check above has passed.
		if err := e.custody.Transfer(ctx, custody.Wallet(user), custody.Program, mint, amount); err != nil {
			if errors.Is(err, custody.ErrInsufficientFunds) {
				return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
			}
			return err
		}
		moved = true
		t.emit(events.Event{Type: events.VaultDeposited, Actor: user, Mint: mint, Amount: value,
			Fields: map[string]any{"tokens": amount}})
		return nil
	})
	if err != nil && moved {
		e.compensate(ctx, custody.Program, custody.Wallet(user), mint, amount)
	}
	return balance, err
}

// Withdraw debits amount internal units from the vault, keeps the policy penalty in
// the treasury and returns the rest to the user's wallet as raw tokens.
func (e *Engine) Withdraw(ctx context.Context, auth Auth, mint ids.Pubkey, amount uint64) (Withdrawal, error) {
	if err := requireOwner(auth); err != nil {
		return Withdrawal{}, err
	}
	user := auth.User
	if amount == 0 {
		return Withdrawal{}, ErrInvalidAmount
	}
	var (
		out   Withdrawal
		moved bool
	)
	err := e.update(ctx, "withdraw", func(ctx context.Context, t *txn) error {
		if _, err := loadConfig(ctx, t); err != nil {
			return err
		}
		pay, err := enabledPayment(ctx, t, mint)
		if err != nil {
			return err
		}
		if !pay.Withdrawable {
			return ErrTokenNotWithdrawable
		}
		vault := ledger.Vault(user, mint)
		bal, err := t.Balance(ctx, vault)
		if err != nil {
			return err
		}
		if bal < amount {
			return fmt.Errorf("%w: vault holds %d, need %d", ErrInsufficientFunds, bal, amount)
		}

		account, err := t.User(ctx, user)
		if errors.Is(err, ErrNotFound) {
			account = UserAccount{Owner: user, SocialScore: InitialSocialScore}
		} else if err != nil {
			return err
		}
		bps := e.penalty(account)
		if bps > ledger.BPSDenominator {
			bps = ledger.BPSDenominator
		}
		penalty, err := ledger.BPS(amount, bps)
		if err != nil {
			return err
		}
		tokens := (amount - penalty) / pay.Price
		if tokens == 0 {
			return fmt.Errorf("%w: amount below one token after penalty", ErrInvalidAmount)
		}
		value := tokens * pay.Price // <= amount-penalty, cannot overflow

		if penalty > 0 {
			if _, err := t.transfer(ctx, vault, ledger.Treasury(mint), penalty, "withdraw penalty"); err != nil {
				return err
			}
		}
		if _, err := t.transfer(ctx, vault, ledger.External(user, mint), value, "withdraw"); err != nil {
			return err
		}
		if out.Balance, err = t.Balance(ctx, vault); err != nil {
			return err
		}
		if err := e.custody.Transfer(ctx, custody.Program, custody.Wallet(user), mint, tokens); err != nil {
			return err
		}
		moved = true
		out.Debited, out.Penalty, out.Tokens = penalty+value, penalty, tokens
		t.emit(events.Event{Type: events.VaultWithdrawn, Actor: user, Mint: mint, Amount: out.Debited,
			Fields: map[string]any{"penalty": penalty, "tokens": tokens}})
		return nil
	})
	if err != nil && moved {
		e.compensate(ctx, custody.Wallet(user), custody.Program, mint, out.Tokens)
	}
	if err != nil {
		return Withdrawal{}, err
	}
	return out, nil
}

// compensate reverses an external transfer whose ledger transaction failed to commit.
func (e *Engine) compensate(ctx context.Context, from, to custody.Account, mint ids.Pubkey, amount uint64) {
	if amount == 0 {
		return
	}
	if err := e.custody.Transfer(context.WithoutCancel(ctx), from, to, mint, amount); err != nil {
		e.log.Error("custody compensation failed",
			zap.String("from", from.Owner.String()),
			zap.String("to", to.Owner.String()),
			zap.String("mint", mint.String()),
			zap.Uint64("amount", amount),
			zap.Error(err))
	}
}

// VaultBalance returns a user's internal-unit balance for mint.
func (e *Engine) VaultBalance(ctx context.Context, user, mint ids.Pubkey) (uint64, error) {
	var out uint64
	err := e.view(ctx, "vault_balance", func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.Balance(ctx, ledger.Vault(user, mint))
		return err
	})
	return out, err
}

// TreasuryBalance returns the protocol treasury balance for mint.
func (e *Engine) TreasuryBalance(ctx context.Context, mint ids.Pubkey) (uint64, error) {
	var out uint64
	err := e.view(ctx, "treasury_balance", func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.Balance(ctx, ledger.Treasury(mint))
		return err
	})
	return out, err
}

// PotBalance returns a post's escrow balance for mint.
func (e *Engine) PotBalance(ctx context.Context, post, mint ids.Pubkey) (uint64, error) {
	var out uint64
	err := e.view(ctx, "pot_balance", func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.Balance(ctx, ledger.Pot(post, mint))
		return err
	})
	return out, err
}

// Journal pages through ledger entries.
func (e *Engine) Journal(ctx context.Context, limit int, afterSeq uint64) ([]ledger.Entry, uint64, error) {
	return e.store.Journal(ctx, limit, afterSeq)
}
