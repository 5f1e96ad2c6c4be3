package market

import (
	"context"
	"errors"
	"fmt"

	"opinions.market/internal/events"
	"opinions.market/internal/ids"
)

// Initialize stores the global configuration once. The signer must be the
// configured admin. The base token is registered as a payment at price 1.
func (e *Engine) Initialize(ctx context.Context, signer ids.Pubkey, cfg GlobalConfig) (GlobalConfig, error) {
	if err := cfg.Validate(); err != nil {
		return GlobalConfig{}, err
	}
	if signer != cfg.Admin {
		return GlobalConfig{}, ErrUnauthorized
	}
	err := e.update(ctx, "initialize", func(ctx context.Context, t *txn) error {
		if _, err := t.Config(ctx); err == nil {
			return ErrAlreadyInitialized
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		cfg.InitializedAt = t.unix()
		if err := t.PutConfig(ctx, cfg); err != nil {
			return err
		}
		base := PaymentEntry{Mint: cfg.BaseToken, Price: 1, Enabled: true, Withdrawable: cfg.BaseTokenWithdrawable}
		if err := t.PutPayment(ctx, base); err != nil {
			return err
		}
		t.emit(events.Event{Type: events.MarketInitialized, Actor: signer, Mint: cfg.BaseToken})
		return nil
	})
	if err != nil {
		return GlobalConfig{}, err
	}
	return cfg, nil
}

// Ping is a no-op liveness check that round-trips the store.
func (e *Engine) Ping(ctx context.Context) error {
	return e.view(ctx, "ping", func(context.Context, Tx) error { return nil })
}

// CreateUser creates a user account. The payer must be the user or the payer authority.
func (e *Engine) CreateUser(ctx context.Context, payer, owner ids.Pubkey) (UserAccount, error) {
	var out UserAccount
	err := e.update(ctx, "create_user", func(ctx context.Context, t *txn) error {
		cfg, err := loadConfig(ctx, t)
		if err != nil {
			return err
		}
		if payer != owner && payer != cfg.PayerAuthority {
			return ErrUnauthorized
		}
		if _, err := t.User(ctx, owner); err == nil {
			return ErrUserAlreadyExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		out, err = ensureUser(ctx, t, owner)
		return err
	})
	return out, err
}

// RegisterValidPayment lets a mint other than the base token be deposited and
// staked at price internal units per token.
func (e *Engine) RegisterValidPayment(ctx context.Context, admin, mint ids.Pubkey, price uint64) (PaymentEntry, error) {
	var out PaymentEntry
	err := e.update(ctx, "register_valid_payment", func(ctx context.Context, t *txn) error {
		cfg, err := loadConfig(ctx, t)
		if err != nil {
			return err
		}
		if admin != cfg.Admin {
			return ErrUnauthorized
		}
		if mint == cfg.BaseToken {
			return ErrBlingCannotBeAlternativePayment
		}
		if price == 0 {
			return fmt.Errorf("%w: price must be positive", ErrInvalidAmount)
		}
		if _, err := t.Payment(ctx, mint); err == nil {
			return ErrAlternativePaymentAlreadyRegistered
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		out = PaymentEntry{Mint: mint, Price: price, Enabled: true, Withdrawable: true}
		if err := t.PutPayment(ctx, out); err != nil {
			return err
		}
		t.emit(events.Event{Type: events.PaymentRegistered, Actor: admin, Mint: mint, Fields: map[string]any{"price": price}})
		return nil
	})
	return out, err
}

// SetPaymentStatus toggles a registered mint. The base token cannot be disabled.
func (e *Engine) SetPaymentStatus(ctx context.Context, admin, mint ids.Pubkey, enabled, withdrawable bool) (PaymentEntry, error) {
	var out PaymentEntry
	err := e.update(ctx, "set_payment_status", func(ctx context.Context, t *txn) error {
		cfg, err := loadConfig(ctx, t)
		if err != nil {
			return err
		}
		if admin != cfg.Admin {
			return ErrUnauthorized
		}
		if mint == cfg.BaseToken && !enabled {
			return fmt.Errorf("%w: base token cannot be disabled", ErrInvalidConfig)
		}
		out, err = t.Payment(ctx, mint)
		if errors.Is(err, ErrNotFound) {
			return ErrMintNotEnabled
		}
		if err != nil {
			return err
		}
		out.Enabled = enabled
		out.Withdrawable = withdrawable
		if err := t.PutPayment(ctx, out); err != nil {
			return err
		}
		t.emit(events.Event{Type: events.PaymentUpdated, Actor: admin, Mint: mint, Fields: map[string]any{
			"enabled": enabled, "withdrawable": withdrawable,
		}})
		return nil
	})
	return out, err
}

// enabledPayment loads a mint's registry entry, failing unless it is enabled.
func enabledPayment(ctx context.Context, tx Tx, mint ids.Pubkey) (PaymentEntry, error) {
	p, err := tx.Payment(ctx, mint)
	if errors.Is(err, ErrNotFound) {
		return PaymentEntry{}, ErrMintNotEnabled
	}
	if err != nil {
		return PaymentEntry{}, err
	}
	if !p.Enabled {
		return PaymentEntry{}, ErrMintNotEnabled
	}
	return p, nil
}
