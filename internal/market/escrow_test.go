package market

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"opinions.market/internal/custody"
	"opinions.market/internal/ids"
)

func TestDepositAndWithdrawBaseToken(t *testing.T) {
	f := newFixture(t)
	alice := key("alice")
	require.NoError(t, f.wallets.Fund(custody.Wallet(alice), f.bling, 1_000))

	bal, err := f.eng.Deposit(f.ctx, AsUser(alice), f.bling, 600)
	require.NoError(t, err)
	require.EqualValues(t, 600, bal)
	require.EqualValues(t, 400, f.wallets.Balance(custody.Wallet(alice), f.bling))
	require.EqualValues(t, 600, f.wallets.Balance(custody.Program, f.bling))

	// Deposit created the user lazily.
	u, err := f.eng.GetUser(f.ctx, alice)
	require.NoError(t, err)
	require.Equal(t, InitialSocialScore, u.SocialScore)

	w, err := f.eng.Withdraw(f.ctx, AsUser(alice), f.bling, 250)
	require.NoError(t, err)
	require.Equal(t, Withdrawal{Debited: 250, Tokens: 250, Balance: 350}, w)
	require.EqualValues(t, 650, f.wallets.Balance(custody.Wallet(alice), f.bling))
}

func TestDepositConvertsAlternativePayment(t *testing.T) {
	f := newFixture(t)
	alice := key("alice")
	_, err := f.eng.Deposit(f.ctx, AsUser(alice), f.usdc, 10)
	require.ErrorIs(t, err, ErrMintNotEnabled)

	_, err = f.eng.RegisterValidPayment(f.ctx, f.admin, f.usdc, 1_000)
	require.NoError(t, err)
	require.NoError(t, f.wallets.Fund(custody.Wallet(alice), f.usdc, 10))

	bal, err := f.eng.Deposit(f.ctx, AsUser(alice), f.usdc, 3)
	require.NoError(t, err)
	require.EqualValues(t, 3_000, bal)

	// 2_500 internal units round down to 2 tokens; the remainder stays in the vault.
	w, err := f.eng.Withdraw(f.ctx, AsUser(alice), f.usdc, 2_500)
	require.NoError(t, err)
	require.Equal(t, Withdrawal{Debited: 2_000, Tokens: 2, Balance: 1_000}, w)

	_, err = f.eng.Withdraw(f.ctx, AsUser(alice), f.usdc, 999)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestEscrowErrors(t *testing.T) {
	f := newFixture(t)
	alice := key("alice")
	f.fund(alice, 100)

	_, err := f.eng.Deposit(f.ctx, AsUser(alice), f.bling, 0)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.eng.Withdraw(f.ctx, AsUser(alice), f.bling, 0)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.eng.Withdraw(f.ctx, AsUser(alice), f.bling, 101)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.False(t, errors.Is(err, ErrInvalidAmount))

	// Wallet is empty after funding, so the custody transfer fails and nothing is credited.
	_, err = f.eng.Deposit(f.ctx, AsUser(alice), f.bling, 5)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.EqualValues(t, 100, f.vault(alice))

	_, err = f.eng.SetPaymentStatus(f.ctx, f.admin, f.bling, true, false)
	require.NoError(t, err)
	_, err = f.eng.Withdraw(f.ctx, AsUser(alice), f.bling, 10)
	require.ErrorIs(t, err, ErrTokenNotWithdrawable)
}

func TestEscrowRequiresUserSignature(t *testing.T) {
	f := newFixture(t)
	alice, priv := signer("alice")
	sk := key("alice-session")
	now := f.clock.Now().Unix()
	f.fund(alice, 1_000)
	require.NoError(t, f.wallets.Fund(custody.Wallet(alice), f.bling, 100))

	proof, err := SignSession(priv, sk, now+600, now, AllPrivileges)
	require.NoError(t, err)
	_, err = f.eng.RegisterSession(f.ctx, f.payer, alice, sk, proof)
	require.NoError(t, err)

	for name, auth := range map[string]Auth{
		"third party": {User: alice, Signer: key("mallory")},
		"session key": AsSession(alice, sk),
		"no signer":   {User: alice},
	} {
		_, err := f.eng.Withdraw(f.ctx, auth, f.bling, 500)
		require.ErrorIs(t, err, ErrUnauthorized, name)
		_, err = f.eng.Deposit(f.ctx, auth, f.bling, 100)
		require.ErrorIs(t, err, ErrUnauthorized, name)
	}
	require.EqualValues(t, 1_000, f.vault(alice))
	require.EqualValues(t, 100, f.wallets.Balance(custody.Wallet(alice), f.bling))

	w, err := f.eng.Withdraw(f.ctx, AsUser(alice), f.bling, 500)
	require.NoError(t, err)
	require.EqualValues(t, 500, w.Tokens)
}

func TestWithdrawPenaltyPolicy(t *testing.T) {
	wallets := custody.NewWallets()
	eng, err := New(NewMemStore(),
		WithCustody(wallets),
		WithPenaltyPolicy(func(u UserAccount) uint64 {
			if u.SocialScore < 20_000 {
				return 1_000
			}
			return 0
		}),
	)
	require.NoError(t, err)
	admin, bling, alice := key("admin"), ids.Hash([]byte("bling")), key("alice")
	_, err = eng.Initialize(context.Background(), admin, testConfig(admin, key("payer"), bling))
	require.NoError(t, err)
	require.NoError(t, wallets.Fund(custody.Wallet(alice), bling, 1_000))
	_, err = eng.Deposit(context.Background(), AsUser(alice), bling, 1_000)
	require.NoError(t, err)

	w, err := eng.Withdraw(context.Background(), AsUser(alice), bling, 500)
	require.NoError(t, err)
	require.Equal(t, Withdrawal{Debited: 500, Penalty: 50, Tokens: 450, Balance: 500}, w)

	treasury, err := eng.TreasuryBalance(context.Background(), bling)
	require.NoError(t, err)
	require.EqualValues(t, 50, treasury)
	require.EqualValues(t, 450, wallets.Balance(custody.Wallet(alice), bling))
}

type failingCustody struct{}

func (failingCustody) Transfer(context.Context, custody.Account, custody.Account, ids.Pubkey, uint64) error {
	return errors.New("rpc unavailable")
}

func TestCustodyFailureRollsBack(t *testing.T) {
	eng, err := New(NewMemStore(), WithCustody(failingCustody{}))
	require.NoError(t, err)
	admin, bling, alice := key("admin"), ids.Hash([]byte("bling")), key("alice")
	_, err = eng.Initialize(context.Background(), admin, testConfig(admin, key("payer"), bling))
	require.NoError(t, err)

	_, err = eng.Deposit(context.Background(), AsUser(alice), bling, 10)
	require.Error(t, err)

	bal, err := eng.VaultBalance(context.Background(), alice, bling)
	require.NoError(t, err)
	require.Zero(t, bal)
	_, err = eng.GetUser(context.Background(), alice)
	require.ErrorIs(t, err, ErrNotFound)

	entries, _, err := eng.Journal(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}
