package market

import "opinions.market/internal/ledger"

const (
	// SmackPriceRatio makes a Smack vote this many times the price of a Pump vote.
	SmackPriceRatio uint64 = 10
	// MaxVoteCountCap bounds the prior-vote and post-tally inputs of the curve.
	MaxVoteCountCap uint64 = 1_000_000

	minSocialBps  = 5_000
	maxSocialBps  = 20_000
	childPostBps  = 11_000
	curveSlopeBps = 5
)

// SocialMultiplierBps maps a social score to a price multiplier in basis points:
// 20000 at score 0 falling to 10000 at 10000 and above, and up to 20000 again for
// negative scores down to -100.
func SocialMultiplierBps(score int64) uint64 {
	var bps uint64
	if score >= 0 {
		bps = maxSocialBps - uint64(min(score, 10_000))
	} else {
		neg := uint64(min(-score, 100))
		bps = ledger.BPSDenominator + neg*ledger.BPSDenominator/100
	}
	return max(minSocialBps, min(bps, maxSocialBps))
}

// VoteCost prices votes on side for a voter holding pos on post, in internal units.
// Repeat votes on the same side get dearer, busy posts follow a bonding curve and
// child posts carry a 10% premium.
func VoteCost(cfg GlobalConfig, voter UserAccount, pos Position, post Post, side Side, votes uint64) (uint64, error) {
	if votes == 0 {
		return 0, ErrZeroVotes
	}
	if !side.Valid() {
		return 0, ErrInvalidSide
	}
	sideMult := uint64(1)
	if side == SideSmack {
		sideMult = SmackPriceRatio
	}
	prev := min(pos.Votes(side), MaxVoteCountCap)

	raw, err := ledger.Mul(votes, sideMult, prev+1)
	if err != nil {
		return 0, err
	}
	voterCost, err := ledger.BPS(raw, SocialMultiplierBps(voter.SocialScore))
	if err != nil {
		return 0, err
	}
	voterCost = max(voterCost, 1)

	curveBps := ledger.BPSDenominator + min(post.Votes(side), MaxVoteCountCap)*curveSlopeBps
	cost, err := ledger.BPS(voterCost, curveBps)
	if err != nil {
		return 0, err
	}
	if post.Relation.IsChild() {
		if cost, err = ledger.BPS(cost, childPostBps); err != nil {
			return 0, err
		}
	}
	cost = max(cost, 1)

	total, err := ledger.Mul(cost, cfg.BaseVoteCost)
	if err != nil {
		return 0, err
	}
	return max(total, cfg.BaseVoteCost), nil
}
