package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opinions.market/internal/custody"
	"opinions.market/internal/ids"
	"opinions.market/internal/ledger"
)

// replay folds the whole journal into per-account balances, skipping external
// accounts which carry none.
func (f *fixture) replay() map[ledger.Account]uint64 {
	f.t.Helper()
	out := make(map[ledger.Account]uint64)
	var after uint64
	for {
		entries, next, err := f.eng.Journal(f.ctx, 1000, after)
		require.NoError(f.t, err)
		if len(entries) == 0 {
			return out
		}
		for _, e := range entries {
			if e.From.Kind != ledger.KindExternal {
				require.GreaterOrEqual(f.t, out[e.From], e.Amount, "entry %d overdraws %s", e.Sequence, e.From)
				out[e.From] -= e.Amount
			}
			if e.To.Kind != ledger.KindExternal {
				out[e.To] += e.Amount
			}
		}
		after = next
	}
}

func (f *fixture) balance(a ledger.Account) uint64 {
	f.t.Helper()
	var (
		bal uint64
		err error
	)
	switch a.Kind {
	case ledger.KindVault:
		bal, err = f.eng.VaultBalance(f.ctx, a.Owner, a.Mint)
	case ledger.KindPot:
		bal, err = f.eng.PotBalance(f.ctx, a.Owner, a.Mint)
	case ledger.KindTreasury:
		bal, err = f.eng.TreasuryBalance(f.ctx, a.Mint)
	default:
		f.t.Fatalf("unexpected account %s", a)
	}
	require.NoError(f.t, err)
	return bal
}

func TestJournalConservesCustodyValue(t *testing.T) {
	const price = 100
	f := newFixtureWith(t, []Option{WithPenaltyPolicy(func(UserAccount) uint64 { return 750 })})
	alice, bob, carol, dave := key("alice"), key("bob"), key("carol"), key("dave")

	_, err := f.eng.RegisterValidPayment(f.ctx, f.admin, f.usdc, price)
	require.NoError(t, err)
	for _, u := range []ids.Pubkey{bob, carol, dave} {
		require.NoError(t, f.wallets.Fund(custody.Wallet(u), f.usdc, 50))
		_, err := f.eng.Deposit(f.ctx, AsUser(u), f.usdc, 50)
		require.NoError(t, err)
	}

	vote := func(voter, post ids.Pubkey, side Side, votes uint64) {
		t.Helper()
		_, err := f.eng.VoteOnPost(f.ctx, AsUser(voter), Vote{Post: post, Side: side, Votes: votes, Mint: f.usdc})
		require.NoError(t, err)
	}
	settle := func(post ids.Pubkey) {
		t.Helper()
		_, err := f.eng.SettlePost(f.ctx, f.payer, post)
		require.NoError(t, err)
		_, err = f.eng.DistributeCreatorReward(f.ctx, f.payer, post, f.usdc)
		require.NoError(t, err)
		_, err = f.eng.DistributeParentPostShare(f.ctx, f.payer, post, f.usdc)
		require.NoError(t, err)
		_, err = f.eng.DistributeProtocolFee(f.ctx, f.payer, post, f.usdc)
		require.NoError(t, err)
	}
	claim := func(user, post ids.Pubkey) {
		t.Helper()
		c, err := f.eng.ClaimPostReward(f.ctx, AsUser(user), post, f.usdc)
		require.NoError(t, err)
		require.NotZero(t, c.Amount)
	}

	parent := f.post(alice, "parent", FunctionNormal, Root())
	f.clock.Advance(10 * time.Minute)
	child := f.post(alice, "child", FunctionNormal, Reply(parent.ID))
	vote(bob, parent.ID, SidePump, 40)
	vote(carol, parent.ID, SideSmack, 3)
	vote(carol, child.ID, SidePump, 20)
	vote(dave, child.ID, SideSmack, 5)

	// The child expires first, so its mother fee lands in the open parent's pot.
	f.clock.Advance(86 * time.Minute)
	settle(child.ID)
	claim(carol, child.ID)
	p, err := f.eng.GetPayout(f.ctx, child.ID, f.usdc)
	require.NoError(t, err)
	require.NotZero(t, p.MotherFee)
	require.True(t, p.MotherDistributed)

	f.clock.Advance(10 * time.Minute)
	settle(parent.ID)
	claim(bob, parent.ID)

	w, err := f.eng.Withdraw(f.ctx, AsUser(bob), f.usdc, 2_000)
	require.NoError(t, err)
	require.EqualValues(t, 150, w.Penalty)
	require.EqualValues(t, 18, w.Tokens)

	var total uint64
	for a, bal := range f.replay() {
		require.Equal(t, bal, f.balance(a), a.String())
		if a.Mint == f.usdc {
			total += bal
		}
	}
	held := f.wallets.Balance(custody.Program, f.usdc)
	require.EqualValues(t, 150-18, held)
	require.Equal(t, held*price, total)
}
