package market

import (
	"context"
	"errors"
	"math"

	"opinions.market/internal/events"
	"opinions.market/internal/ids"
)

// NewPost is the input of CreatePost.
type NewPost struct {
	ID       ids.Pubkey `json:"id"`
	Function Function   `json:"function"`
	Relation Relation   `json:"relation"`
}

// CreatePost opens a market for auth.User. The post stays open for the base
// duration, extended by votes up to the maximum duration.
func (e *Engine) CreatePost(ctx context.Context, auth Auth, req NewPost) (Post, error) {
	var out Post
	err := e.update(ctx, "create_post", func(ctx context.Context, t *txn) error {
		cfg, err := loadConfig(ctx, t)
		if err != nil {
			return err
		}
		if err := authorize(ctx, t, auth, PrivilegePost); err != nil {
			return err
		}
		if _, err := t.Post(ctx, req.ID); err == nil {
			return ErrPostAlreadyExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := checkRelation(ctx, t, req.Function, req.Relation); err != nil {
			return err
		}
		if _, err := ensureUser(ctx, t, auth.User); err != nil {
			return err
		}
		now := t.unix()
		out = Post{
			ID:        req.ID,
			Creator:   auth.User,
			Function:  req.Function,
			Relation:  req.Relation,
			StartTime: now,
			EndTime:   now + cfg.BaseDuration,
			State:     PostOpen,
		}
		if err := t.PutPost(ctx, out); err != nil {
			return err
		}
		t.emit(events.Event{Type: events.PostCreated, Actor: auth.User, Post: req.ID, Fields: map[string]any{
			"function": req.Function.String(), "relation": req.Relation.Kind.String(),
		}})
		return nil
	})
	return out, err
}

// checkRelation enforces which functions may hang off which relations:
// roots are normal posts or questions, replies and quotes are normal posts, and
// answers target a root question.
func checkRelation(ctx context.Context, tx Tx, fn Function, rel Relation) error {
	switch rel.Kind {
	case RelationRoot:
		if fn != FunctionNormal && fn != FunctionQuestion {
			return ErrInvalidRelation
		}
		return nil
	case RelationReply, RelationQuote:
		if fn != FunctionNormal {
			return ErrInvalidRelation
		}
		if _, err := tx.Post(ctx, rel.Target); err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrInvalidParentPost
			}
			return err
		}
		return nil
	case RelationAnswerTo:
		if fn != FunctionAnswer {
			return ErrInvalidRelation
		}
		q, err := tx.Post(ctx, rel.Target)
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidParentPost
		}
		if err != nil {
			return err
		}
		if q.Function != FunctionQuestion {
			return ErrAnswerMustTargetQuestion
		}
		if q.Relation.Kind != RelationRoot {
			return ErrAnswerTargetNotRoot
		}
		return nil
	}
	return ErrInvalidRelation
}

// SetForcedOutcome fixes the winning side of an open Answer post, overriding the vote.
func (e *Engine) SetForcedOutcome(ctx context.Context, admin, id ids.Pubkey, side Side) (Post, error) {
	if !side.Valid() {
		return Post{}, ErrInvalidSide
	}
	var out Post
	err := e.update(ctx, "set_forced_outcome", func(ctx context.Context, t *txn) error {
		cfg, err := loadConfig(ctx, t)
		if err != nil {
			return err
		}
		if admin != cfg.Admin {
			return ErrUnauthorized
		}
		out, err = loadPost(ctx, t, id)
		if err != nil {
			return err
		}
		if out.Function != FunctionAnswer {
			return ErrInvalidRelation
		}
		if out.State != PostOpen {
			return ErrPostAlreadySettled
		}
		out.ForcedOutcome = side
		if err := t.PutPost(ctx, out); err != nil {
			return err
		}
		t.emit(events.Event{Type: events.PostOutcomeForced, Actor: admin, Post: id, Fields: map[string]any{"side": side.String()}})
		return nil
	})
	return out, err
}

// extendEnd returns min(end + perVote*votes, start + maxDuration).
func extendEnd(start, end, perVote, maxDuration int64, votes uint64) int64 {
	limit := start + maxDuration
	if perVote <= 0 || votes == 0 {
		return min(end, limit)
	}
	room := limit - end
	if room <= 0 {
		return limit
	}
	if votes > uint64(math.MaxInt64)/uint64(perVote) {
		return limit
	}
	ext := int64(votes) * perVote
	if ext >= room {
		return limit
	}
	return end + ext
}

// GetPost returns a post by id hash.
func (e *Engine) GetPost(ctx context.Context, id ids.Pubkey) (Post, error) {
	var out Post
	err := e.view(ctx, "get_post", func(ctx context.Context, tx Tx) error {
		var err error
		out, err = loadPost(ctx, tx, id)
		return err
	})
	return out, err
}

// GetPosition returns a voter's position; voters who never voted hold a zero position.
func (e *Engine) GetPosition(ctx context.Context, post, voter ids.Pubkey) (Position, error) {
	out := Position{Post: post, Voter: voter}
	err := e.view(ctx, "get_position", func(ctx context.Context, tx Tx) error {
		p, err := tx.Position(ctx, post, voter)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// GetUser returns a user account.
func (e *Engine) GetUser(ctx context.Context, owner ids.Pubkey) (UserAccount, error) {
	var out UserAccount
	err := e.view(ctx, "get_user", func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.User(ctx, owner)
		return err
	})
	return out, err
}

// Config returns the stored global configuration.
func (e *Engine) Config(ctx context.Context) (GlobalConfig, error) {
	var out GlobalConfig
	err := e.view(ctx, "get_config", func(ctx context.Context, tx Tx) error {
		var err error
		out, err = loadConfig(ctx, tx)
		return err
	})
	return out, err
}

// Payment returns a mint's registry entry.
func (e *Engine) Payment(ctx context.Context, mint ids.Pubkey) (PaymentEntry, error) {
	var out PaymentEntry
	err := e.view(ctx, "get_payment", func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.Payment(ctx, mint)
		return err
	})
	return out, err
}
