package market

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"opinions.market/internal/custody"
	"opinions.market/internal/events"
	"opinions.market/internal/ids"
	"opinions.market/internal/ledger"
)

// PenaltyPolicy returns the withdrawal penalty in basis points for a user.
type PenaltyPolicy func(u UserAccount) uint64

// NoPenalty is the default PenaltyPolicy.
func NoPenalty(UserAccount) uint64 { return 0 }

// Publisher receives events after their transaction commits.
type Publisher interface {
	Publish(evt events.Event)
}

// Observer records the outcome of every engine operation.
type Observer interface {
	ObserveOperation(op, code string, elapsed time.Duration)
}

// Engine executes market operations as atomic transactions against a Store.
type Engine struct {
	store   Store
	custody custody.Transferer
	now     func() time.Time
	penalty PenaltyPolicy
	pub     Publisher
	obs     Observer
	log     *zap.Logger
}

// Option configures Engine behavior.
type Option func(*Engine) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

// WithCustody sets the token transfer capability used by deposits and withdrawals.
func WithCustody(t custody.Transferer) Option {
	return func(e *Engine) error {
		if t == nil {
			return errors.New("market: nil custody transferer")
		}
		e.custody = t
		return nil
	}
}

// WithPenaltyPolicy replaces the zero withdrawal penalty.
func WithPenaltyPolicy(p PenaltyPolicy) Option {
	return func(e *Engine) error {
		if p != nil {
			e.penalty = p
		}
		return nil
	}
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) error {
		e.pub = p
		return nil
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) error {
		e.obs = o
		return nil
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) error {
		if l != nil {
			e.log = l
		}
		return nil
	}
}

// New constructs an Engine over store.
func New(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("market: nil store")
	}
	e := &Engine{
		store:   store,
		custody: custody.NewWallets(),
		now:     time.Now,
		penalty: NoPenalty,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Store exposes the underlying store for read-side consumers such as the keeper.
func (e *Engine) Store() Store { return e.store }

// Now returns the engine clock in unix seconds.
func (e *Engine) Now() int64 { return e.now().Unix() }

// txn collects the events of one transaction so they are published only after commit.
type txn struct {
	Tx
	at     time.Time
	events []events.Event
}

func (t *txn) emit(evt events.Event) {
	evt.At = t.at
	t.events = append(t.events, evt)
}

func (t *txn) unix() int64 { return t.at.Unix() }

func (t *txn) transfer(ctx context.Context, from, to ledger.Account, amount uint64, memo string) (ledger.Entry, error) {
	return ledger.Transfer(ctx, t.Tx, from, to, amount, memo, t.at)
}

// update runs fn as one atomic operation and reports its outcome.
func (e *Engine) update(ctx context.Context, op string, fn func(ctx context.Context, t *txn) error) error {
	start := time.Now()
	var committed []events.Event
	err := e.store.Update(ctx, func(ctx context.Context, tx Tx) error {
		t := &txn{Tx: tx, at: e.now().UTC()}
		if err := fn(ctx, t); err != nil {
			return err
		}
		committed = t.events
		return nil
	})
	err = translate(err)
	e.finish(op, err, time.Since(start))
	if err == nil && e.pub != nil {
		for _, evt := range committed {
			e.pub.Publish(evt)
		}
	}
	return err
}

func (e *Engine) view(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	start := time.Now()
	err := translate(e.store.View(ctx, fn))
	e.finish(op, err, time.Since(start))
	return err
}

func (e *Engine) finish(op string, err error, elapsed time.Duration) {
	code := "ok"
	if err != nil {
		code = Code(err)
	}
	if e.obs != nil {
		e.obs.ObserveOperation(op, code, elapsed)
	}
	switch {
	case err == nil:
	case ClassOf(err) == ClassArithmetic:
		e.log.Error("market operation failed", zap.String("op", op), zap.String("code", code), zap.Error(err))
	case ClassOf(err) == ClassInternal:
		e.log.Warn("market operation failed", zap.String("op", op), zap.String("code", code), zap.Error(err))
	default:
		e.log.Debug("market operation rejected", zap.String("op", op), zap.String("code", code), zap.Error(err))
	}
}

func loadConfig(ctx context.Context, tx Tx) (GlobalConfig, error) {
	cfg, err := tx.Config(ctx)
	if errors.Is(err, ErrNotFound) {
		return GlobalConfig{}, ErrNotInitialized
	}
	return cfg, err
}

func loadPost(ctx context.Context, tx Tx, id ids.Pubkey) (Post, error) {
	p, err := tx.Post(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Post{}, ErrPostNotFound
	}
	return p, err
}

// ensureUser returns the user's account, creating it on first interaction.
func ensureUser(ctx context.Context, t *txn, owner ids.Pubkey) (UserAccount, error) {
	u, err := t.User(ctx, owner)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return UserAccount{}, err
	}
	u = UserAccount{Owner: owner, SocialScore: InitialSocialScore, CreatedAt: t.unix()}
	if err := t.PutUser(ctx, u); err != nil {
		return UserAccount{}, err
	}
	t.emit(events.Event{Type: events.UserCreated, Actor: owner})
	return u, nil
}
