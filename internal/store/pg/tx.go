package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"opinions.market/internal/ids"
	"opinions.market/internal/ledger"
	"opinions.market/internal/market"
)

// pgTx implements market.Tx over one database transaction. Rows are stored as
// jsonb documents next to the columns queries filter on.
type pgTx struct {
	tx       *sql.Tx
	writable bool
}

var _ market.Tx = (*pgTx)(nil)

// lock returns the row locking clause for reads inside a writable transaction.
func (t *pgTx) lock() string {
	if t.writable {
		return " for update"
	}
	return ""
}

func (t *pgTx) exec(ctx context.Context, query string, args ...any) error {
	if !t.writable {
		return market.ErrReadOnly
	}
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

// getDoc reads one row, locking it in writable transactions.
func getDoc[T any](ctx context.Context, t *pgTx, query string, args ...any) (T, error) {
	return readDoc[T](ctx, t, query+t.lock(), args...)
}

// getShared reads one row without a row lock. Used for market-wide rows every
// write consults; serializable isolation still aborts a writer racing an update.
func getShared[T any](ctx context.Context, t *pgTx, query string, args ...any) (T, error) {
	return readDoc[T](ctx, t, query, args...)
}

func readDoc[T any](ctx context.Context, t *pgTx, query string, args ...any) (T, error) {
	var (
		out T
		raw []byte
	)
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return out, market.ErrNotFound
	}
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("pg: decode row: %w", err)
	}
	return out, nil
}

func scanDocs[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("pg: decode row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func doc(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pg: encode row: %w", err)
	}
	return raw, nil
}

// --- ledger.Book ---

func (t *pgTx) Balance(ctx context.Context, a ledger.Account) (uint64, error) {
	key := a.Key()
	var amount string
	err := t.tx.QueryRowContext(ctx, `select amount::text from balances where key = $1`+t.lock(), key[:]).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseAmount(amount)
}

func (t *pgTx) SetBalance(ctx context.Context, a ledger.Account, amount uint64) error {
	key := a.Key()
	return t.exec(ctx, `
		insert into balances(key, kind, owner, mint, amount)
		values ($1, $2, $3, $4, $5::numeric)
		on conflict (key) do update set amount = excluded.amount
	`, key[:], string(a.Kind), a.Owner[:], a.Mint[:], strconv.FormatUint(amount, 10))
}

func (t *pgTx) Append(ctx context.Context, e *ledger.Entry) error {
	if !t.writable {
		return market.ErrReadOnly
	}
	var seq int64
	err := t.tx.QueryRowContext(ctx, `
		insert into journal(id, created_at, from_kind, from_owner, from_mint, to_kind, to_owner, to_mint, amount, memo)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10)
		returning sequence
	`, e.ID, e.CreatedAt, string(e.From.Kind), e.From.Owner[:], e.From.Mint[:],
		string(e.To.Kind), e.To.Owner[:], e.To.Mint[:], strconv.FormatUint(e.Amount, 10), e.Memo).Scan(&seq)
	if err != nil {
		return err
	}
	e.Sequence = uint64(seq)
	return nil
}

// --- entities ---

func (t *pgTx) Config(ctx context.Context) (market.GlobalConfig, error) {
	return getShared[market.GlobalConfig](ctx, t, `select doc from market_config where id = 1`)
}

func (t *pgTx) PutConfig(ctx context.Context, cfg market.GlobalConfig) error {
	raw, err := doc(cfg)
	if err != nil {
		return err
	}
	return t.exec(ctx, `
		insert into market_config(id, doc, updated_at) values (1, $1, now())
		on conflict (id) do update set doc = excluded.doc, updated_at = now()
	`, raw)
}

func (t *pgTx) User(ctx context.Context, owner ids.Pubkey) (market.UserAccount, error) {
	return getDoc[market.UserAccount](ctx, t, `select doc from users where owner = $1`, owner[:])
}

func (t *pgTx) PutUser(ctx context.Context, u market.UserAccount) error {
	raw, err := doc(u)
	if err != nil {
		return err
	}
	return t.exec(ctx, `
		insert into users(owner, doc) values ($1, $2)
		on conflict (owner) do update set doc = excluded.doc
	`, u.Owner[:], raw)
}

func (t *pgTx) Payment(ctx context.Context, mint ids.Pubkey) (market.PaymentEntry, error) {
	return getShared[market.PaymentEntry](ctx, t, `select doc from payments where mint = $1`, mint[:])
}

func (t *pgTx) PutPayment(ctx context.Context, p market.PaymentEntry) error {
	raw, err := doc(p)
	if err != nil {
		return err
	}
	return t.exec(ctx, `
		insert into payments(mint, doc) values ($1, $2)
		on conflict (mint) do update set doc = excluded.doc
	`, p.Mint[:], raw)
}

func (t *pgTx) Post(ctx context.Context, id ids.Pubkey) (market.Post, error) {
	return getDoc[market.Post](ctx, t, `select doc from posts where id = $1`, id[:])
}

func (t *pgTx) PutPost(ctx context.Context, p market.Post) error {
	raw, err := doc(p)
	if err != nil {
		return err
	}
	return t.exec(ctx, `
		insert into posts(id, state, end_time, doc) values ($1, $2, $3, $4)
		on conflict (id) do update set state = excluded.state, end_time = excluded.end_time, doc = excluded.doc
	`, p.ID[:], int16(p.State), p.EndTime, raw)
}

func (t *pgTx) Position(ctx context.Context, post, voter ids.Pubkey) (market.Position, error) {
	return getDoc[market.Position](ctx, t, `select doc from positions where post = $1 and voter = $2`, post[:], voter[:])
}

func (t *pgTx) PutPosition(ctx context.Context, p market.Position) error {
	raw, err := doc(p)
	if err != nil {
		return err
	}
	return t.exec(ctx, `
		insert into positions(post, voter, doc) values ($1, $2, $3)
		on conflict (post, voter) do update set doc = excluded.doc
	`, p.Post[:], p.Voter[:], raw)
}

func (t *pgTx) Payout(ctx context.Context, post, mint ids.Pubkey) (market.Payout, error) {
	return getDoc[market.Payout](ctx, t, `select doc from payouts where post = $1 and mint = $2`, post[:], mint[:])
}

func (t *pgTx) PutPayout(ctx context.Context, p market.Payout) error {
	raw, err := doc(p)
	if err != nil {
		return err
	}
	pending := !(p.CreatorDistributed && p.MotherDistributed && p.ProtocolDistributed)
	return t.exec(ctx, `
		insert into payouts(post, mint, pending, created_at, doc) values ($1, $2, $3, $4, $5)
		on conflict (post, mint) do update set pending = excluded.pending, doc = excluded.doc
	`, p.Post[:], p.Mint[:], pending, p.CreatedAt, raw)
}

func (t *pgTx) Payouts(ctx context.Context, post ids.Pubkey) ([]market.Payout, error) {
	rows, err := t.tx.QueryContext(ctx, `select doc from payouts where post = $1 order by mint asc`, post[:])
	if err != nil {
		return nil, err
	}
	return scanDocs[market.Payout](rows)
}

func (t *pgTx) Claim(ctx context.Context, user, post, mint ids.Pubkey) (market.Claim, error) {
	return getDoc[market.Claim](ctx, t, `select doc from claims where user_key = $1 and post = $2 and mint = $3`,
		user[:], post[:], mint[:])
}

func (t *pgTx) PutClaim(ctx context.Context, c market.Claim) error {
	raw, err := doc(c)
	if err != nil {
		return err
	}
	return t.exec(ctx, `
		insert into claims(user_key, post, mint, doc) values ($1, $2, $3, $4)
		on conflict (user_key, post, mint) do update set doc = excluded.doc
	`, c.User[:], c.Post[:], c.Mint[:], raw)
}

func (t *pgTx) Session(ctx context.Context, user, key ids.Pubkey) (market.Session, error) {
	return getDoc[market.Session](ctx, t, `select doc from sessions where user_key = $1 and session_key = $2`,
		user[:], key[:])
}

func (t *pgTx) PutSession(ctx context.Context, s market.Session) error {
	raw, err := doc(s)
	if err != nil {
		return err
	}
	return t.exec(ctx, `
		insert into sessions(user_key, session_key, doc) values ($1, $2, $3)
		on conflict (user_key, session_key) do update set doc = excluded.doc
	`, s.User[:], s.Key[:], raw)
}

func (t *pgTx) PotMints(ctx context.Context, post ids.Pubkey) ([]ids.Pubkey, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select mint from balances
		where kind = $1 and owner = $2 and amount > 0
		order by mint asc
	`, string(ledger.KindPot), post[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ids.Pubkey
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		mint, err := ids.FromBytes(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, mint)
	}
	return out, rows.Err()
}

// --- helpers ---

func parseAmount(v string) (uint64, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pg: amount %q: %w", v, ledger.ErrOverflow)
	}
	return n, nil
}

func decodeAccount(kind string, owner, mint []byte) (ledger.Account, error) {
	o, err := ids.FromBytes(owner)
	if err != nil {
		return ledger.Account{}, err
	}
	m, err := ids.FromBytes(mint)
	if err != nil {
		return ledger.Account{}, err
	}
	a := ledger.Account{Kind: ledger.Kind(kind), Owner: o, Mint: m}
	if !a.Kind.Valid() {
		return ledger.Account{}, fmt.Errorf("pg: %w: kind %q", ledger.ErrInvalidAccount, kind)
	}
	return a, nil
}
