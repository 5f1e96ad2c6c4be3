package market

import (
	"context"
	"errors"

	"opinions.market/internal/events"
	"opinions.market/internal/ids"
	"opinions.market/internal/ledger"
)

// ClaimPostReward pays a winner's share of a settled (post, mint) pot into their
// vault. Each (user, post, mint) can be claimed once; holders of no winning votes
// claim zero.
func (e *Engine) ClaimPostReward(ctx context.Context, auth Auth, id, mint ids.Pubkey) (Claim, error) {
	var out Claim
	err := e.update(ctx, "claim_post_reward", func(ctx context.Context, t *txn) error {
		if _, err := loadConfig(ctx, t); err != nil {
			return err
		}
		if err := authorize(ctx, t, auth, PrivilegeClaim); err != nil {
			return err
		}
		post, err := loadPost(ctx, t, id)
		if err != nil {
			return err
		}
		if post.State != PostSettled {
			return ErrPostNotSettled
		}
		if !post.WinningSide.Valid() {
			return ErrNoWinner
		}

		out, err = t.Claim(ctx, auth.User, id, mint)
		if errors.Is(err, ErrNotFound) {
			out = Claim{User: auth.User, Post: id, Mint: mint}
		} else if err != nil {
			return err
		}
		if out.Claimed {
			return ErrAlreadyClaimed
		}

		var votes uint64
		pos, err := t.Position(ctx, id, auth.User)
		if err == nil {
			votes = pos.Votes(post.WinningSide)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		var perVote uint64
		payout, err := t.Payout(ctx, id, mint)
		if err == nil {
			perVote = payout.PayoutPerWinningVote
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		amount, err := ledger.Mul(perVote, votes)
		if err != nil {
			return err
		}
		if amount > 0 {
			if _, err := t.transfer(ctx, ledger.Pot(id, mint), ledger.Vault(auth.User, mint), amount, "claim"); err != nil {
				return err
			}
		}
		out.Claimed = true
		out.Amount = amount
		out.ClaimedAt = t.unix()
		if err := t.PutClaim(ctx, out); err != nil {
			return err
		}
		t.emit(events.Event{Type: events.RewardClaimed, Actor: auth.User, Post: id, Mint: mint, Amount: amount})
		return nil
	})
	return out, err
}

// GetClaim returns a user's claim record; users who never claimed hold an unclaimed record.
func (e *Engine) GetClaim(ctx context.Context, user, post, mint ids.Pubkey) (Claim, error) {
	out := Claim{User: user, Post: post, Mint: mint}
	err := e.view(ctx, "get_claim", func(ctx context.Context, tx Tx) error {
		c, err := tx.Claim(ctx, user, post, mint)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}
