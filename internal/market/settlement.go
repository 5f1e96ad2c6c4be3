package market

import (
	"context"
	"errors"

	"opinions.market/internal/events"
	"opinions.market/internal/ids"
	"opinions.market/internal/ledger"
)

// Settlement is the result of SettlePost: the settled post and one frozen payout per
// funded mint.
type Settlement struct {
	Post    Post     `json:"post"`
	Payouts []Payout `json:"payouts"`
}

// Distribution is the result of a fee distribution. Transferred is false when the
// fee had already been distributed or was zero.
type Distribution struct {
	Payout      Payout         `json:"payout"`
	Amount      uint64         `json:"amount"`
	To          ledger.Account `json:"to"`
	Transferred bool           `json:"transferred"`
}

// FeeSchedule holds the settlement fee rates in basis points.
type FeeSchedule struct {
	CreatorBps  uint64
	ProtocolBps uint64
	MotherBps   uint64
}

func (c GlobalConfig) Fees() FeeSchedule {
	return FeeSchedule{CreatorBps: c.CreatorFeeBps, ProtocolBps: c.ProtocolFeeBps, MotherBps: c.MotherFeeBps}
}

// Waterfall splits a pot into fees and the winners' share. Every fee is taken
// from the initial pot; the winners get what remains, paid per winning vote with
// the truncation remainder left in the pot.
func Waterfall(pot uint64, fees FeeSchedule, withMother bool, winningVotes uint64) (Payout, error) {
	var (
		p   = Payout{InitialPot: pot}
		err error
	)
	if p.CreatorFee, err = ledger.BPS(pot, fees.CreatorBps); err != nil {
		return Payout{}, err
	}
	if p.ProtocolFee, err = ledger.BPS(pot, fees.ProtocolBps); err != nil {
		return Payout{}, err
	}
	if withMother {
		if p.MotherFee, err = ledger.BPS(pot, fees.MotherBps); err != nil {
			return Payout{}, err
		}
	}
	fee, err := ledger.Add(p.CreatorFee, p.ProtocolFee)
	if err != nil {
		return Payout{}, err
	}
	if fee, err = ledger.Add(fee, p.MotherFee); err != nil {
		return Payout{}, err
	}
	if fee > pot {
		return Payout{}, ErrMathOverflow
	}
	p.TotalPayout = pot - fee
	if winningVotes > 0 {
		p.PayoutPerWinningVote = p.TotalPayout / winningVotes
	}
	p.Frozen = true
	return p, nil
}

// winner picks the winning side: a forced outcome, else a strict majority, else
// the tie policy.
func winner(p Post, policy TiePolicy) (Side, error) {
	switch {
	case p.ForcedOutcome.Valid():
		return p.ForcedOutcome, nil
	case p.Upvotes > p.Downvotes:
		return SidePump, nil
	case p.Downvotes > p.Upvotes:
		return SideSmack, nil
	case policy == TiePump:
		return SidePump, nil
	}
	return SideNone, ErrNoWinner
}

// SettlePost closes an expired post, records the winning side and freezes a payout
// for every mint with a funded pot. Anyone may settle.
func (e *Engine) SettlePost(ctx context.Context, payer, id ids.Pubkey) (Settlement, error) {
	var out Settlement
	err := e.update(ctx, "settle_post", func(ctx context.Context, t *txn) error {
		cfg, err := loadConfig(ctx, t)
		if err != nil {
			return err
		}
		post, err := loadPost(ctx, t, id)
		if err != nil {
			return err
		}
		if post.State == PostSettled {
			return ErrPostAlreadySettled
		}
		if t.unix() < post.EndTime {
			return ErrPostNotExpired
		}
		side, err := winner(post, cfg.TiePolicy)
		if err != nil {
			return err
		}

		withMother := false
		if post.Relation.FeedsParent() {
			parent, err := loadPost(ctx, t, post.Relation.Target)
			if err != nil {
				return err
			}
			withMother = parent.State == PostOpen
		}

		mints, err := t.PotMints(ctx, post.ID)
		if err != nil {
			return err
		}
		out.Payouts = make([]Payout, 0, len(mints))
		for _, mint := range mints {
			pot, err := t.Balance(ctx, ledger.Pot(post.ID, mint))
			if err != nil {
				return err
			}
			payout, err := Waterfall(pot, cfg.Fees(), withMother, post.Votes(side))
			if err != nil {
				return err
			}
			payout.Post, payout.Mint, payout.CreatedAt = post.ID, mint, t.unix()
			if err := t.PutPayout(ctx, payout); err != nil {
				return err
			}
			out.Payouts = append(out.Payouts, payout)
		}

		post.State = PostSettled
		post.WinningSide = side
		post.SettledAt = t.unix()
		if err := t.PutPost(ctx, post); err != nil {
			return err
		}
		out.Post = post
		t.emit(events.Event{Type: events.PostSettled, Actor: payer, Post: post.ID, Fields: map[string]any{
			"winning_side": side.String(), "mints": len(mints),
		}})
		return nil
	})
	return out, err
}

// settledPayout loads the frozen payout of a settled post.
func settledPayout(ctx context.Context, tx Tx, id, mint ids.Pubkey) (Post, Payout, error) {
	post, err := loadPost(ctx, tx, id)
	if err != nil {
		return Post{}, Payout{}, err
	}
	if post.State != PostSettled {
		return Post{}, Payout{}, ErrPostNotSettled
	}
	payout, err := tx.Payout(ctx, id, mint)
	if errors.Is(err, ErrNotFound) {
		return Post{}, Payout{}, ErrPayoutNotFound
	}
	if err != nil {
		return Post{}, Payout{}, err
	}
	return post, payout, nil
}

// distribution runs one guarded fee transfer. pick returns the flag guarding the fee,
// the amount and the destination account.
func (e *Engine) distribution(ctx context.Context, op, evt string, caller, id, mint ids.Pubkey,
	pick func(ctx context.Context, t *txn, post Post, p *Payout) (*bool, uint64, ledger.Account, error)) (Distribution, error) {
	var out Distribution
	err := e.update(ctx, op, func(ctx context.Context, t *txn) error {
		post, payout, err := settledPayout(ctx, t, id, mint)
		if err != nil {
			return err
		}
		done, amount, to, err := pick(ctx, t, post, &payout)
		if err != nil {
			return err
		}
		out = Distribution{Payout: payout, Amount: amount, To: to}
		if *done {
			return nil
		}
		if amount > 0 {
			if _, err := t.transfer(ctx, ledger.Pot(post.ID, mint), to, amount, op); err != nil {
				return err
			}
			out.Transferred = true
		}
		*done = true
		if err := t.PutPayout(ctx, payout); err != nil {
			return err
		}
		out.Payout = payout
		t.emit(events.Event{Type: evt, Actor: caller, Post: post.ID, Mint: mint, Amount: amount,
			Fields: map[string]any{"to": to.String()}})
		return nil
	})
	return out, err
}

// DistributeCreatorReward pays the creator fee into the creator's vault, once.
func (e *Engine) DistributeCreatorReward(ctx context.Context, caller, id, mint ids.Pubkey) (Distribution, error) {
	return e.distribution(ctx, "distribute_creator_reward", events.CreatorDistributed, caller, id, mint,
		func(_ context.Context, _ *txn, post Post, p *Payout) (*bool, uint64, ledger.Account, error) {
			return &p.CreatorDistributed, p.CreatorFee, ledger.Vault(post.Creator, mint), nil
		})
}

// DistributeParentPostShare moves the mother fee into the parent post's pot, once.
// Root posts and answers have no mother fee. If the parent settled after this post
// did, the share goes to the treasury instead of an unclaimable pot.
func (e *Engine) DistributeParentPostShare(ctx context.Context, caller, id, mint ids.Pubkey) (Distribution, error) {
	return e.distribution(ctx, "distribute_parent_post_share", events.MotherDistributed, caller, id, mint,
		func(ctx context.Context, t *txn, post Post, p *Payout) (*bool, uint64, ledger.Account, error) {
			if !post.Relation.FeedsParent() || p.MotherFee == 0 {
				return &p.MotherDistributed, 0, ledger.Treasury(mint), nil
			}
			parent, err := loadPost(ctx, t, post.Relation.Target)
			if err != nil {
				return nil, 0, ledger.Account{}, err
			}
			if parent.State != PostOpen {
				return &p.MotherDistributed, p.MotherFee, ledger.Treasury(mint), nil
			}
			return &p.MotherDistributed, p.MotherFee, ledger.Pot(parent.ID, mint), nil
		})
}

// DistributeProtocolFee moves the protocol fee into the treasury, once.
func (e *Engine) DistributeProtocolFee(ctx context.Context, caller, id, mint ids.Pubkey) (Distribution, error) {
	return e.distribution(ctx, "distribute_protocol_fee", events.ProtocolDistributed, caller, id, mint,
		func(_ context.Context, _ *txn, _ Post, p *Payout) (*bool, uint64, ledger.Account, error) {
			return &p.ProtocolDistributed, p.ProtocolFee, ledger.Treasury(mint), nil
		})
}

// GetPayout returns the frozen payout of a (post, mint) pair.
func (e *Engine) GetPayout(ctx context.Context, post, mint ids.Pubkey) (Payout, error) {
	var out Payout
	err := e.view(ctx, "get_payout", func(ctx context.Context, tx Tx) error {
		p, err := tx.Payout(ctx, post, mint)
		if errors.Is(err, ErrNotFound) {
			return ErrPayoutNotFound
		}
		out = p
		return err
	})
	return out, err
}

// Payouts returns every frozen payout of a settled post.
func (e *Engine) Payouts(ctx context.Context, id ids.Pubkey) ([]Payout, error) {
	var out []Payout
	err := e.view(ctx, "list_payouts", func(ctx context.Context, tx Tx) error {
		post, err := loadPost(ctx, tx, id)
		if err != nil {
			return err
		}
		if post.State != PostSettled {
			return ErrPostNotSettled
		}
		out, err = tx.Payouts(ctx, id)
		return err
	})
	return out, err
}
