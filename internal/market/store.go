package market

import (
	"context"

	"opinions.market/internal/ids"
	"opinions.market/internal/ledger"
)

// Tx is a consistent view of the entity store inside one transaction. Getters return
// ErrNotFound for missing rows. Writes are visible to later reads of the same Tx and
// become durable only when the enclosing Update returns nil.
type Tx interface {
	ledger.Book

	Config(ctx context.Context) (GlobalConfig, error)
	PutConfig(ctx context.Context, cfg GlobalConfig) error

	User(ctx context.Context, owner ids.Pubkey) (UserAccount, error)
	PutUser(ctx context.Context, u UserAccount) error

	Payment(ctx context.Context, mint ids.Pubkey) (PaymentEntry, error)
	PutPayment(ctx context.Context, p PaymentEntry) error

	// Post reads a post and, in a writable Tx, locks it until the transaction ends.
	Post(ctx context.Context, id ids.Pubkey) (Post, error)
	PutPost(ctx context.Context, p Post) error

	Position(ctx context.Context, post, voter ids.Pubkey) (Position, error)
	PutPosition(ctx context.Context, p Position) error

	Payout(ctx context.Context, post, mint ids.Pubkey) (Payout, error)
	PutPayout(ctx context.Context, p Payout) error
	// Payouts lists a post's payouts in mint order.
	Payouts(ctx context.Context, post ids.Pubkey) ([]Payout, error)

	Claim(ctx context.Context, user, post, mint ids.Pubkey) (Claim, error)
	PutClaim(ctx context.Context, c Claim) error

	Session(ctx context.Context, user, key ids.Pubkey) (Session, error)
	PutSession(ctx context.Context, s Session) error

	// PotMints lists the mints with a non-zero pot for post, in key order.
	PotMints(ctx context.Context, post ids.Pubkey) ([]ids.Pubkey, error)
}

// Store runs serializable transactions against the entity store.
type Store interface {
	// Update runs fn in a read-write transaction. Nothing fn wrote is kept if it
	// returns an error.
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// View runs fn in a read-only transaction; writes fail with ErrReadOnly.
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// ExpiredOpenPosts returns ids of Open posts with EndTime <= now, earliest first.
	ExpiredOpenPosts(ctx context.Context, now int64, limit int) ([]ids.Pubkey, error)
	// PendingPayouts returns payouts with at least one fee not yet distributed.
	PendingPayouts(ctx context.Context, limit int) ([]Payout, error)
	// Journal pages through committed ledger entries after afterSeq.
	Journal(ctx context.Context, limit int, afterSeq uint64) ([]ledger.Entry, uint64, error)
}

// Content-addressed row keys.

func ConfigKey() ids.Pubkey { return ids.Derive("config") }

func UserKey(owner ids.Pubkey) ids.Pubkey { return ids.Derive("user", owner[:]) }

func PaymentKey(mint ids.Pubkey) ids.Pubkey { return ids.Derive("payment", mint[:]) }

func PostKey(id ids.Pubkey) ids.Pubkey { return ids.Derive("post", id[:]) }

func PositionKey(post, voter ids.Pubkey) ids.Pubkey {
	return ids.Derive("position", post[:], voter[:])
}

func PayoutKey(post, mint ids.Pubkey) ids.Pubkey {
	return ids.Derive("payout", post[:], mint[:])
}

func ClaimKey(user, post, mint ids.Pubkey) ids.Pubkey {
	return ids.Derive("claim", user[:], post[:], mint[:])
}

func SessionKey(user, key ids.Pubkey) ids.Pubkey {
	return ids.Derive("session", user[:], key[:])
}

const defaultJournalPage = 100

// JournalLimit clamps a journal page size.
func JournalLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultJournalPage
	}
	return limit
}
