package market

import (
	"context"
	"sort"

	"github.com/google/btree"
	"github.com/sasha-s/go-deadlock"

	"opinions.market/internal/ids"
	"opinions.market/internal/ledger"
)

// MemStore is an in-process Store. Transactions run one writer at a time; each
// stages its writes in an overlay that is applied only when fn succeeds.
type MemStore struct {
	mu       deadlock.RWMutex
	rows     map[ids.Pubkey]any
	balances map[ledger.Account]uint64
	pots     map[ids.Pubkey]map[ids.Pubkey]struct{} // post -> funded mints
	payouts  map[ids.Pubkey]map[ids.Pubkey]struct{} // post -> settled mints
	pending  map[ids.Pubkey]struct{}                // payout keys with undistributed fees
	journal  []ledger.Entry
	seq      uint64
	expiry   *btree.BTreeG[expiryItem] // open posts by end time
}

type expiryItem struct {
	end  int64
	post ids.Pubkey
}

func expiryLess(a, b expiryItem) bool {
	if a.end != b.end {
		return a.end < b.end
	}
	return a.post.Compare(b.post) < 0
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		rows:     make(map[ids.Pubkey]any),
		balances: make(map[ledger.Account]uint64),
		pots:     make(map[ids.Pubkey]map[ids.Pubkey]struct{}),
		payouts:  make(map[ids.Pubkey]map[ids.Pubkey]struct{}),
		pending:  make(map[ids.Pubkey]struct{}),
		expiry:   btree.NewG[expiryItem](16, expiryLess),
	}
}

func (s *MemStore) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.begin(true)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemStore) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(ctx, s.begin(false))
}

func (s *MemStore) ExpiredOpenPosts(ctx context.Context, now int64, limit int) ([]ids.Pubkey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ids.Pubkey
	s.expiry.Ascend(func(it expiryItem) bool {
		if it.end > now || (limit > 0 && len(out) >= limit) {
			return false
		}
		out = append(out, it.post)
		return true
	})
	return out, nil
}

func (s *MemStore) PendingPayouts(ctx context.Context, limit int) ([]Payout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Payout, 0, len(s.pending))
	for key := range s.pending {
		out = append(out, s.rows[key].(Payout))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		if c := out[i].Post.Compare(out[j].Post); c != 0 {
			return c < 0
		}
		return out[i].Mint.Compare(out[j].Mint) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) Journal(ctx context.Context, limit int, afterSeq uint64) ([]ledger.Entry, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	limit = JournalLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []ledger.Entry
	var last uint64
	// Sequences are dense and start at 1.
	for i := int(afterSeq); i >= 0 && i < len(s.journal); i++ {
		res = append(res, s.journal[i])
		last = s.journal[i].Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func (s *MemStore) begin(writable bool) *memTx {
	return &memTx{
		s:        s,
		writable: writable,
		rows:     make(map[ids.Pubkey]any),
		balances: make(map[ledger.Account]uint64),
		seq:      s.seq,
	}
}

func (s *MemStore) commit(tx *memTx) {
	for key, row := range tx.rows {
		switch r := row.(type) {
		case Post:
			if old, ok := s.rows[key].(Post); ok && old.State == PostOpen {
				s.expiry.Delete(expiryItem{end: old.EndTime, post: old.ID})
			}
			if r.State == PostOpen {
				s.expiry.ReplaceOrInsert(expiryItem{end: r.EndTime, post: r.ID})
			}
		case Payout:
			addIndex(s.payouts, r.Post, r.Mint)
			if r.CreatorDistributed && r.MotherDistributed && r.ProtocolDistributed {
				delete(s.pending, key)
			} else {
				s.pending[key] = struct{}{}
			}
		}
		s.rows[key] = row
	}
	for acct, amount := range tx.balances {
		s.balances[acct] = amount
		if acct.Kind == ledger.KindPot {
			addIndex(s.pots, acct.Owner, acct.Mint)
		}
	}
	s.journal = append(s.journal, tx.entries...)
	s.seq = tx.seq
}

func addIndex(idx map[ids.Pubkey]map[ids.Pubkey]struct{}, post, mint ids.Pubkey) {
	mints, ok := idx[post]
	if !ok {
		mints = make(map[ids.Pubkey]struct{})
		idx[post] = mints
	}
	mints[mint] = struct{}{}
}

func sortKeys(keys []ids.Pubkey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
}

type memTx struct {
	s        *MemStore
	writable bool
	rows     map[ids.Pubkey]any
	balances map[ledger.Account]uint64
	entries  []ledger.Entry
	seq      uint64
}

func getRow[T any](tx *memTx, key ids.Pubkey) (T, error) {
	if v, ok := tx.rows[key]; ok {
		return v.(T), nil
	}
	if v, ok := tx.s.rows[key]; ok {
		return v.(T), nil
	}
	var zero T
	return zero, ErrNotFound
}

func (tx *memTx) put(key ids.Pubkey, row any) error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.rows[key] = row
	return nil
}

func (tx *memTx) Balance(_ context.Context, a ledger.Account) (uint64, error) {
	if v, ok := tx.balances[a]; ok {
		return v, nil
	}
	return tx.s.balances[a], nil
}

func (tx *memTx) SetBalance(_ context.Context, a ledger.Account, amount uint64) error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.balances[a] = amount
	return nil
}

func (tx *memTx) Append(_ context.Context, e *ledger.Entry) error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.seq++
	e.Sequence = tx.seq
	tx.entries = append(tx.entries, *e)
	return nil
}

func (tx *memTx) Config(context.Context) (GlobalConfig, error) {
	return getRow[GlobalConfig](tx, ConfigKey())
}

func (tx *memTx) PutConfig(_ context.Context, cfg GlobalConfig) error {
	return tx.put(ConfigKey(), cfg)
}

func (tx *memTx) User(_ context.Context, owner ids.Pubkey) (UserAccount, error) {
	return getRow[UserAccount](tx, UserKey(owner))
}

func (tx *memTx) PutUser(_ context.Context, u UserAccount) error {
	return tx.put(UserKey(u.Owner), u)
}

func (tx *memTx) Payment(_ context.Context, mint ids.Pubkey) (PaymentEntry, error) {
	return getRow[PaymentEntry](tx, PaymentKey(mint))
}

func (tx *memTx) PutPayment(_ context.Context, p PaymentEntry) error {
	return tx.put(PaymentKey(p.Mint), p)
}

func (tx *memTx) Post(_ context.Context, id ids.Pubkey) (Post, error) {
	return getRow[Post](tx, PostKey(id))
}

func (tx *memTx) PutPost(_ context.Context, p Post) error {
	return tx.put(PostKey(p.ID), p)
}

func (tx *memTx) Position(_ context.Context, post, voter ids.Pubkey) (Position, error) {
	return getRow[Position](tx, PositionKey(post, voter))
}

func (tx *memTx) PutPosition(_ context.Context, p Position) error {
	return tx.put(PositionKey(p.Post, p.Voter), p)
}

func (tx *memTx) Payout(_ context.Context, post, mint ids.Pubkey) (Payout, error) {
	return getRow[Payout](tx, PayoutKey(post, mint))
}

func (tx *memTx) PutPayout(_ context.Context, p Payout) error {
	return tx.put(PayoutKey(p.Post, p.Mint), p)
}

func (tx *memTx) Claim(_ context.Context, user, post, mint ids.Pubkey) (Claim, error) {
	return getRow[Claim](tx, ClaimKey(user, post, mint))
}

func (tx *memTx) PutClaim(_ context.Context, c Claim) error {
	return tx.put(ClaimKey(c.User, c.Post, c.Mint), c)
}

func (tx *memTx) Session(_ context.Context, user, key ids.Pubkey) (Session, error) {
	return getRow[Session](tx, SessionKey(user, key))
}

func (tx *memTx) PutSession(_ context.Context, s Session) error {
	return tx.put(SessionKey(s.User, s.Key), s)
}

func (tx *memTx) PotMints(ctx context.Context, post ids.Pubkey) ([]ids.Pubkey, error) {
	seen := make(map[ids.Pubkey]struct{})
	for mint := range tx.s.pots[post] {
		seen[mint] = struct{}{}
	}
	for acct := range tx.balances {
		if acct.Kind == ledger.KindPot && acct.Owner == post {
			seen[acct.Mint] = struct{}{}
		}
	}
	var out []ids.Pubkey
	for mint := range seen {
		bal, err := tx.Balance(ctx, ledger.Pot(post, mint))
		if err != nil {
			return nil, err
		}
		if bal > 0 {
			out = append(out, mint)
		}
	}
	sortKeys(out)
	return out, nil
}

func (tx *memTx) Payouts(ctx context.Context, post ids.Pubkey) ([]Payout, error) {
	seen := make(map[ids.Pubkey]struct{})
	for mint := range tx.s.payouts[post] {
		seen[mint] = struct{}{}
	}
	for _, row := range tx.rows {
		if p, ok := row.(Payout); ok && p.Post == post {
			seen[p.Mint] = struct{}{}
		}
	}
	mints := make([]ids.Pubkey, 0, len(seen))
	for mint := range seen {
		mints = append(mints, mint)
	}
	sortKeys(mints)
	out := make([]Payout, 0, len(mints))
	for _, mint := range mints {
		p, err := tx.Payout(ctx, post, mint)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
