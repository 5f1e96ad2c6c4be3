package market

import (
	"testing"

	"github.com/stretchr/testify/require"

	"opinions.market/internal/ledger"
)

func TestSocialMultiplier(t *testing.T) {
	for score, want := range map[int64]uint64{
		0:        20_000,
		2_500:    17_500,
		10_000:   10_000,
		500_000:  10_000,
		-1:       10_100,
		-50:      15_000,
		-100:     20_000,
		-1 << 40: 20_000,
	} {
		require.Equal(t, want, SocialMultiplierBps(score), "score %d", score)
	}
}

func TestVoteCost(t *testing.T) {
	cfg := DefaultConfig(key("admin"), key("payer"), key("mint"))
	voter := UserAccount{SocialScore: InitialSocialScore}
	root := Post{Relation: Root()}
	child := Post{Relation: Reply(postID("parent"))}

	cases := []struct {
		name  string
		voter UserAccount
		pos   Position
		post  Post
		side  Side
		votes uint64
		want  uint64
	}{
		{"first pump", voter, Position{}, root, SidePump, 1, 1},
		{"smack ratio", voter, Position{}, root, SideSmack, 3, 30},
		{"repeat votes get dearer", voter, Position{Upvotes: 4}, root, SidePump, 2, 10},
		{"only same side history counts", voter, Position{Downvotes: 9}, root, SidePump, 2, 2},
		{"curve", voter, Position{}, Post{Relation: Root(), Upvotes: 2_000}, SidePump, 100, 200},
		{"curve caps tally", voter, Position{}, Post{Relation: Root(), Upvotes: 1 << 40}, SidePump, 10, 5_010},
		{"child premium", voter, Position{}, child, SidePump, 10, 11},
		{"new user pays double", UserAccount{}, Position{}, root, SidePump, 5, 10},
	}
	for _, tc := range cases {
		got, err := VoteCost(cfg, tc.voter, tc.pos, tc.post, tc.side, tc.votes)
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.want, got, tc.name)
	}
}

func TestVoteCostScalesWithBase(t *testing.T) {
	cfg := DefaultConfig(key("admin"), key("payer"), key("mint"))
	cfg.BaseVoteCost = 1_000
	voter := UserAccount{SocialScore: InitialSocialScore}

	got, err := VoteCost(cfg, voter, Position{}, Post{Relation: Root()}, SideSmack, 2)
	require.NoError(t, err)
	require.EqualValues(t, 20_000, got)
}

func TestVoteCostRejectsBadInput(t *testing.T) {
	cfg := DefaultConfig(key("admin"), key("payer"), key("mint"))
	_, err := VoteCost(cfg, UserAccount{}, Position{}, Post{}, SidePump, 0)
	require.ErrorIs(t, err, ErrZeroVotes)
	_, err = VoteCost(cfg, UserAccount{}, Position{}, Post{}, SideNone, 1)
	require.ErrorIs(t, err, ErrInvalidSide)

	_, err = VoteCost(cfg, UserAccount{}, Position{Downvotes: MaxVoteCountCap}, Post{}, SideSmack, 1<<62)
	require.ErrorIs(t, err, ledger.ErrOverflow)
}
