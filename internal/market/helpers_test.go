package market

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opinions.market/internal/custody"
	"opinions.market/internal/events"
	"opinions.market/internal/ids"
)

var epoch = time.Unix(1_700_000_000, 0).UTC()

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	clock   *fakeClock
	store   *MemStore
	wallets *custody.Wallets
	bus     *events.Bus
	eng     *Engine
	cfg     GlobalConfig

	admin, payer ids.Pubkey
	bling, usdc  ids.Pubkey
}

func testConfig(admin, payer, bling ids.Pubkey) GlobalConfig {
	cfg := DefaultConfig(admin, payer, bling)
	cfg.BaseDuration = 3600
	cfg.MaxDuration = 7200
	cfg.ExtensionPerVote = 60
	cfg.CreatorFeeBps = 500
	cfg.ProtocolFeeBps = 300
	cfg.MotherFeeBps = 200
	cfg.MaxSessionDuration = 86400
	return cfg
}

func newFixture(t *testing.T, tweaks ...func(*GlobalConfig)) *fixture {
	t.Helper()
	return newFixtureWith(t, nil, tweaks...)
}

// newFixtureWith is newFixture with extra engine options.
func newFixtureWith(t *testing.T, opts []Option, tweaks ...func(*GlobalConfig)) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		clock:   &fakeClock{now: epoch},
		store:   NewMemStore(),
		wallets: custody.NewWallets(),
		bus:     events.New(),
		admin:   key("admin"),
		payer:   key("payer"),
		bling:   ids.Hash([]byte("mint:bling")),
		usdc:    ids.Hash([]byte("mint:usdc")),
	}
	eng, err := New(f.store, append([]Option{
		WithClock(f.clock.Now),
		WithCustody(f.wallets),
		WithPublisher(f.bus),
	}, opts...)...)
	require.NoError(t, err)
	f.eng = eng

	f.cfg = testConfig(f.admin, f.payer, f.bling)
	for _, tw := range tweaks {
		tw(&f.cfg)
	}
	_, err = eng.Initialize(f.ctx, f.admin, f.cfg)
	require.NoError(t, err)
	return f
}

// signer returns a deterministic ed25519 identity for name.
func signer(name string) (ids.Pubkey, ed25519.PrivateKey) {
	seed := ids.Hash([]byte("seed:" + name))
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub, _ := ids.FromPublicKey(priv.Public().(ed25519.PublicKey))
	return pub, priv
}

func key(name string) ids.Pubkey {
	pub, _ := signer(name)
	return pub
}

func postID(name string) ids.Pubkey { return ids.Hash([]byte("post:" + name)) }

// fund deposits amount base tokens into user's vault.
func (f *fixture) fund(user ids.Pubkey, amount uint64) {
	f.t.Helper()
	require.NoError(f.t, f.wallets.Fund(custody.Wallet(user), f.bling, amount))
	_, err := f.eng.Deposit(f.ctx, AsUser(user), f.bling, amount)
	require.NoError(f.t, err)
}

func (f *fixture) post(creator ids.Pubkey, name string, fn Function, rel Relation) Post {
	f.t.Helper()
	p, err := f.eng.CreatePost(f.ctx, AsUser(creator), NewPost{ID: postID(name), Function: fn, Relation: rel})
	require.NoError(f.t, err)
	return p
}

func (f *fixture) vote(voter ids.Pubkey, post ids.Pubkey, side Side, votes uint64) VoteReceipt {
	f.t.Helper()
	r, err := f.eng.VoteOnPost(f.ctx, AsUser(voter), Vote{Post: post, Side: side, Votes: votes, Mint: f.bling})
	require.NoError(f.t, err)
	return r
}

func (f *fixture) vault(user ids.Pubkey) uint64 {
	f.t.Helper()
	bal, err := f.eng.VaultBalance(f.ctx, user, f.bling)
	require.NoError(f.t, err)
	return bal
}

func (f *fixture) pot(post ids.Pubkey) uint64 {
	f.t.Helper()
	bal, err := f.eng.PotBalance(f.ctx, post, f.bling)
	require.NoError(f.t, err)
	return bal
}

func (f *fixture) treasury() uint64 {
	f.t.Helper()
	bal, err := f.eng.TreasuryBalance(f.ctx, f.bling)
	require.NoError(f.t, err)
	return bal
}
