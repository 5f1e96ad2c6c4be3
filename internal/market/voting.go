package market

import (
	"context"
	"errors"

	"opinions.market/internal/events"
	"opinions.market/internal/ids"
	"opinions.market/internal/ledger"
)

// Vote is the input of VoteOnPost. Mint selects the vault that pays.
type Vote struct {
	Post  ids.Pubkey `json:"post"`
	Side  Side       `json:"side"`
	Votes uint64     `json:"votes"`
	Mint  ids.Pubkey `json:"mint"`
}

// VoteReceipt reports the state after a vote.
type VoteReceipt struct {
	Post     Post     `json:"post"`
	Position Position `json:"position"`
	Cost     uint64   `json:"cost"`
}

// VoteOnPost stakes votes on one side of an open post. The cost moves from the
// voter's vault to the post's pot and the post's end time is pushed back.
func (e *Engine) VoteOnPost(ctx context.Context, auth Auth, v Vote) (VoteReceipt, error) {
	if v.Votes == 0 {
		return VoteReceipt{}, ErrZeroVotes
	}
	if !v.Side.Valid() {
		return VoteReceipt{}, ErrInvalidSide
	}
	var out VoteReceipt
	err := e.update(ctx, "vote_on_post", func(ctx context.Context, t *txn) error {
		cfg, err := loadConfig(ctx, t)
		if err != nil {
			return err
		}
		if err := authorize(ctx, t, auth, PrivilegeVote); err != nil {
			return err
		}
		post, err := loadPost(ctx, t, v.Post)
		if err != nil {
			return err
		}
		if post.State != PostOpen {
			return ErrPostNotOpen
		}
		if t.unix() >= post.EndTime {
			return ErrPostExpired
		}
		if _, err := enabledPayment(ctx, t, v.Mint); err != nil {
			return err
		}
		voter, err := ensureUser(ctx, t, auth.User)
		if err != nil {
			return err
		}
		pos, err := t.Position(ctx, post.ID, auth.User)
		if errors.Is(err, ErrNotFound) {
			pos = Position{Post: post.ID, Voter: auth.User}
		} else if err != nil {
			return err
		}

		cost, err := VoteCost(cfg, voter, pos, post, v.Side, v.Votes)
		if err != nil {
			return err
		}
		if _, err := t.transfer(ctx, ledger.Vault(auth.User, v.Mint), ledger.Pot(post.ID, v.Mint), cost, "vote"); err != nil {
			return err
		}

		if v.Side == SidePump {
			if pos.Upvotes, err = ledger.Add(pos.Upvotes, v.Votes); err != nil {
				return err
			}
			if post.Upvotes, err = ledger.Add(post.Upvotes, v.Votes); err != nil {
				return err
			}
		} else {
			if pos.Downvotes, err = ledger.Add(pos.Downvotes, v.Votes); err != nil {
				return err
			}
			if post.Downvotes, err = ledger.Add(post.Downvotes, v.Votes); err != nil {
				return err
			}
		}
		post.EndTime = extendEnd(post.StartTime, post.EndTime, cfg.ExtensionPerVote, cfg.MaxDuration, v.Votes)

		if err := t.PutPosition(ctx, pos); err != nil {
			return err
		}
		if err := t.PutPost(ctx, post); err != nil {
			return err
		}
		out = VoteReceipt{Post: post, Position: pos, Cost: cost}
		t.emit(events.Event{Type: events.PostVoted, Actor: auth.User, Post: post.ID, Mint: v.Mint, Amount: cost,
			Fields: map[string]any{"side": v.Side.String(), "votes": v.Votes, "end_time": post.EndTime}})
		return nil
	})
	return out, err
}
