package pg

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"opinions.market/internal/ids"
	"opinions.market/internal/ledger"
	"opinions.market/internal/market"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func TestUpdateLocksAndWritesPost(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	post := market.Post{ID: ids.Hash([]byte("p")), State: market.PostOpen, StartTime: 10, EndTime: 100}
	raw, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`select doc from posts where id = \$1 for update`).
		WithArgs(post.ID[:]).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(raw))
	mock.ExpectExec(`insert into posts`).
		WithArgs(post.ID[:], int16(market.PostSettled), int64(100), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = s.Update(ctx, func(ctx context.Context, tx market.Tx) error {
		got, err := tx.Post(ctx, post.ID)
		if err != nil {
			return err
		}
		if got != post {
			t.Fatalf("decoded post mismatch: %+v", got)
		}
		got.State = market.PostSettled
		return tx.PutPost(ctx, got)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestSharedRowsAreReadWithoutLock(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := New(db)

	cfg := market.DefaultConfig(ids.Hash([]byte("admin")), ids.Hash([]byte("payer")), ids.Hash([]byte("bling")))
	cfgRaw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	mint := ids.Hash([]byte("usdc"))
	payRaw, err := json.Marshal(market.PaymentEntry{Mint: mint, Price: 100, Enabled: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	post := ids.Hash([]byte("p"))

	mock.ExpectBegin()
	mock.ExpectQuery(`select doc from market_config where id = 1`).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(cfgRaw))
	mock.ExpectQuery(`select doc from payments where mint = $1`).WithArgs(mint[:]).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(payRaw))
	mock.ExpectQuery(`select doc from posts where id = $1 for update`).WithArgs(post[:]).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))
	mock.ExpectRollback()

	err = s.Update(context.Background(), func(ctx context.Context, tx market.Tx) error {
		got, err := tx.Config(ctx)
		if err != nil {
			return err
		}
		if got.BaseToken != cfg.BaseToken {
			t.Fatalf("config mismatch: %+v", got)
		}
		pay, err := tx.Payment(ctx, mint)
		if err != nil {
			return err
		}
		if pay.Price != 100 {
			t.Fatalf("payment mismatch: %+v", pay)
		}
		_, err = tx.Post(ctx, post)
		return err
	})
	if !errors.Is(err, market.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`select doc from users where owner = \$1 for update`).WillReturnRows(sqlmock.NewRows([]string{"doc"}))
	mock.ExpectRollback()

	err := s.Update(context.Background(), func(ctx context.Context, tx market.Tx) error {
		_, err := tx.User(ctx, ids.Hash([]byte("u")))
		return err
	})
	if !errors.Is(err, market.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSerializationFailureIsConflict(t *testing.T) {
	s, mock := newMock(t)
	acct := ledger.Vault(ids.Hash([]byte("u")), ids.Hash([]byte("m")))
	key := acct.Key()

	mock.ExpectBegin()
	mock.ExpectExec(`insert into balances`).
		WithArgs(key[:], "vault", acct.Owner[:], acct.Mint[:], "18446744073709551615").
		WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()

	err := s.Update(context.Background(), func(ctx context.Context, tx market.Tx) error {
		return tx.SetBalance(ctx, acct, ^uint64(0))
	})
	if !errors.Is(err, market.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if market.Code(err) != "conflict" {
		t.Fatalf("unexpected code %q", market.Code(err))
	}
}

func TestViewIsReadOnly(t *testing.T) {
	s, mock := newMock(t)
	acct := ledger.Pot(ids.Hash([]byte("p")), ids.Hash([]byte("m")))
	key := acct.Key()

	mock.ExpectBegin()
	mock.ExpectQuery(`select amount::text from balances where key = \$1$`).
		WithArgs(key[:]).
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow("42"))
	mock.ExpectRollback()

	err := s.View(context.Background(), func(ctx context.Context, tx market.Tx) error {
		bal, err := tx.Balance(ctx, acct)
		if err != nil {
			return err
		}
		if bal != 42 {
			t.Fatalf("balance = %d, want 42", bal)
		}
		return tx.PutUser(ctx, market.UserAccount{Owner: ids.Hash([]byte("u"))})
	})
	if !errors.Is(err, market.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestTransferThroughStore(t *testing.T) {
	s, mock := newMock(t)
	user, mint := ids.Hash([]byte("u")), ids.Hash([]byte("m"))
	from, to := ledger.Vault(user, mint), ledger.Pot(ids.Hash([]byte("p")), mint)
	fk, tk := from.Key(), to.Key()
	at := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`select amount::text from balances where key = \$1 for update`).WithArgs(fk[:]).
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow("100"))
	mock.ExpectExec(`insert into balances`).WithArgs(fk[:], "vault", user[:], mint[:], "70").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`select amount::text from balances where key = \$1 for update`).WithArgs(tk[:]).
		WillReturnRows(sqlmock.NewRows([]string{"amount"}))
	mock.ExpectExec(`insert into balances`).WithArgs(tk[:], "pot", to.Owner[:], mint[:], "30").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`insert into journal`).
		WithArgs(sqlmock.AnyArg(), at, "vault", user[:], mint[:], "pot", to.Owner[:], mint[:], "30", "vote").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(7)))
	mock.ExpectCommit()

	var entry ledger.Entry
	err := s.Update(context.Background(), func(ctx context.Context, tx market.Tx) error {
		var err error
		entry, err = ledger.Transfer(ctx, tx, from, to, 30, "vote", at)
		return err
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if entry.Sequence != 7 {
		t.Fatalf("sequence = %d, want 7", entry.Sequence)
	}
}

func TestExpiredOpenPostsAndPending(t *testing.T) {
	s, mock := newMock(t)
	a, b := ids.Hash([]byte("a")), ids.Hash([]byte("b"))

	mock.ExpectQuery(`select id from posts`).
		WithArgs(int16(market.PostOpen), int64(500), nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(a[:]).AddRow(b[:]))
	got, err := s.ExpiredOpenPosts(context.Background(), 500, 0)
	if err != nil {
		t.Fatalf("ExpiredOpenPosts: %v", err)
	}
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("unexpected ids %v", got)
	}

	p := market.Payout{Post: a, Mint: b, InitialPot: 10, TotalPayout: 9, ProtocolFee: 1, Frozen: true}
	raw, _ := json.Marshal(p)
	mock.ExpectQuery(`select doc from payouts\s+where pending`).WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(raw))
	pending, err := s.PendingPayouts(context.Background(), 5)
	if err != nil {
		t.Fatalf("PendingPayouts: %v", err)
	}
	if len(pending) != 1 || pending[0] != p {
		t.Fatalf("unexpected pending %v", pending)
	}
}

func TestJournal(t *testing.T) {
	s, mock := newMock(t)
	user, mint := ids.Hash([]byte("u")), ids.Hash([]byte("m"))
	created := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectQuery(`from journal`).WithArgs(int64(3), 2).
		WillReturnRows(sqlmock.NewRows([]string{
			"sequence", "id", "created_at", "from_kind", "from_owner", "from_mint",
			"to_kind", "to_owner", "to_mint", "amount", "memo",
		}).
			AddRow(int64(4), "01H", created, "external", user[:], mint[:], "vault", user[:], mint[:], "25", "deposit").
			AddRow(int64(5), "01J", created, "vault", user[:], mint[:], "treasury", ids.Zero[:], mint[:], "5", "penalty"))

	entries, last, err := s.Journal(context.Background(), 2, 3)
	if err != nil {
		t.Fatalf("Journal: %v", err)
	}
	if last != 5 || len(entries) != 2 {
		t.Fatalf("last=%d entries=%d", last, len(entries))
	}
	if entries[0].From != ledger.External(user, mint) || entries[0].Amount != 25 {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].To != ledger.Treasury(mint) {
		t.Fatalf("unexpected second entry %+v", entries[1])
	}
}
