package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"opinions.market/internal/ids"
	"opinions.market/internal/ledger"
	"opinions.market/internal/market"
)

// Store keeps market state in Postgres. Every Update runs at SERIALIZABLE isolation
// and locks the rows it reads with select ... for update.
type Store struct {
	db *sql.DB
}

var _ market.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Check pings the database; it backs the readiness probe.
func (s *Store) Check(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, tx market.Tx) error) error {
	return s.run(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, true, fn)
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx market.Tx) error) error {
	return s.run(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, false, fn)
}

func (s *Store) run(ctx context.Context, opts *sql.TxOptions, writable bool, fn func(ctx context.Context, tx market.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx, writable: writable}); err != nil {
		return mapErr(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

func (s *Store) ExpiredOpenPosts(ctx context.Context, now int64, limit int) ([]ids.Pubkey, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id from posts
		where state = $1 and end_time <= $2
		order by end_time asc, id asc
		limit $3
	`, int16(market.PostOpen), now, nullLimit(limit))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []ids.Pubkey
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := ids.FromBytes(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) PendingPayouts(ctx context.Context, limit int) ([]market.Payout, error) {
	rows, err := s.db.QueryContext(ctx, `
		select doc from payouts
		where pending
		order by created_at asc, post asc, mint asc
		limit $1
	`, nullLimit(limit))
	if err != nil {
		return nil, mapErr(err)
	}
	return scanDocs[market.Payout](rows)
}

func (s *Store) Journal(ctx context.Context, limit int, afterSeq uint64) ([]ledger.Entry, uint64, error) {
	limit = market.JournalLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		select sequence, id, created_at, from_kind, from_owner, from_mint,
		       to_kind, to_owner, to_mint, amount::text, memo
		from journal
		where sequence > $1
		order by sequence asc
		limit $2
	`, int64(afterSeq), limit)
	if err != nil {
		return nil, 0, mapErr(err)
	}
	defer rows.Close()

	var res []ledger.Entry
	var last uint64
	for rows.Next() {
		var (
			e                   ledger.Entry
			fromKind, toKind    string
			fromOwner, fromMint []byte
			toOwner, toMint     []byte
			amount              string
		)
		if err := rows.Scan(&e.Sequence, &e.ID, &e.CreatedAt, &fromKind, &fromOwner, &fromMint,
			&toKind, &toOwner, &toMint, &amount, &e.Memo); err != nil {
			return nil, 0, err
		}
		if e.From, err = decodeAccount(fromKind, fromOwner, fromMint); err != nil {
			return nil, 0, err
		}
		if e.To, err = decodeAccount(toKind, toOwner, toMint); err != nil {
			return nil, 0, err
		}
		if e.Amount, err = parseAmount(amount); err != nil {
			return nil, 0, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		res = append(res, e)
		last = e.Sequence
	}
	return res, last, rows.Err()
}

// mapErr translates driver errors into market store errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return market.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return errors.Join(market.ErrConflict, err)
		}
	}
	return err
}

func nullLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
