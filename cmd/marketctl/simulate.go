package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"opinions.market/internal/custody"
	"opinions.market/internal/ids"
	"opinions.market/internal/market"
)

type simParams struct {
	Pump, Smack   int
	VotesPerVoter uint64
	TiePolicy     string
	WithReply     bool
}

type simClaim struct {
	Voter  string      `json:"voter"`
	Side   market.Side `json:"side"`
	Amount uint64      `json:"amount"`
}

type simReport struct {
	Post     market.Post    `json:"post"`
	NoWinner bool           `json:"no_winner,omitempty"`
	Payout   *market.Payout `json:"payout,omitempty"`
	Claims   []simClaim     `json:"claims,omitempty"`
	Creator  uint64         `json:"creator_vault"`
	Treasury uint64         `json:"treasury"`
	Reply    *market.Post   `json:"reply,omitempty"`
}

type simClock struct{ now time.Time }

func (c *simClock) Now() time.Time { return c.now }

func simulateCommand() *cobra.Command {
	p := simParams{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one in-memory market round and print the settlement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := simulate(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().IntVar(&p.Pump, "pump", 3, "number of pump voters")
	cmd.Flags().IntVar(&p.Smack, "smack", 1, "number of smack voters")
	cmd.Flags().Uint64Var(&p.VotesPerVoter, "votes", 10, "votes cast by each voter")
	cmd.Flags().StringVar(&p.TiePolicy, "tie-policy", string(market.TieReject), "reject or pump")
	cmd.Flags().BoolVar(&p.WithReply, "reply", false, "add a reply that settles first and feeds the parent pot")
	return cmd
}

func named(name string) ids.Pubkey { return ids.Hash([]byte("simulate/" + name)) }

func simulate(ctx context.Context, p simParams) (simReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	clock := &simClock{now: time.Now().UTC().Truncate(time.Second)}
	wallets := custody.NewWallets()
	eng, err := market.New(market.NewMemStore(), market.WithClock(clock.Now), market.WithCustody(wallets))
	if err != nil {
		return simReport{}, err
	}
	admin, bling, creator := named("admin"), named("bling"), named("creator")
	cfg := market.DefaultConfig(admin, admin, bling)
	cfg.TiePolicy = market.TiePolicy(p.TiePolicy)
	if _, err := eng.Initialize(ctx, admin, cfg); err != nil {
		return simReport{}, err
	}

	root := named("post/root")
	if _, err := eng.CreatePost(ctx, market.AsUser(creator), market.NewPost{
		ID: root, Function: market.FunctionNormal, Relation: market.Root(),
	}); err != nil {
		return simReport{}, err
	}

	type voter struct {
		name string
		side market.Side
	}
	var voters []voter
	for i := 0; i < p.Pump; i++ {
		voters = append(voters, voter{fmt.Sprintf("pump-%d", i+1), market.SidePump})
	}
	for i := 0; i < p.Smack; i++ {
		voters = append(voters, voter{fmt.Sprintf("smack-%d", i+1), market.SideSmack})
	}
	for _, v := range voters {
		user := named("voter/" + v.name)
		const budget = 1_000_000_000
		if err := wallets.Fund(custody.Wallet(user), bling, budget); err != nil {
			return simReport{}, err
		}
		if _, err := eng.Deposit(ctx, market.AsUser(user), bling, budget); err != nil {
			return simReport{}, err
		}
		if _, err := eng.VoteOnPost(ctx, market.AsUser(user), market.Vote{
			Post: root, Side: v.side, Votes: p.VotesPerVoter, Mint: bling,
		}); err != nil {
			return simReport{}, fmt.Errorf("%s vote: %w", v.name, err)
		}
	}

	var report simReport
	if p.WithReply {
		reply, err := simulateReply(ctx, eng, clock, wallets, bling, root)
		if err != nil {
			return simReport{}, err
		}
		report.Reply = &reply
	}

	post, err := eng.GetPost(ctx, root)
	if err != nil {
		return simReport{}, err
	}
	if clock.now.Unix() < post.EndTime {
		clock.now = time.Unix(post.EndTime, 0).UTC()
	}

	settled, err := eng.SettlePost(ctx, admin, root)
	switch {
	case errors.Is(err, market.ErrNoWinner):
		report.NoWinner = true
		report.Post = post
		return report, nil
	case err != nil:
		return simReport{}, err
	}
	report.Post = settled.Post

	for _, distribute := range []func(context.Context, ids.Pubkey, ids.Pubkey, ids.Pubkey) (market.Distribution, error){
		eng.DistributeCreatorReward, eng.DistributeParentPostShare, eng.DistributeProtocolFee,
	} {
		if _, err := distribute(ctx, admin, root, bling); err != nil {
			return simReport{}, err
		}
	}
	payout, err := eng.GetPayout(ctx, root, bling)
	if err != nil {
		return simReport{}, err
	}
	report.Payout = &payout

	for _, v := range voters {
		c, err := eng.ClaimPostReward(ctx, market.AsUser(named("voter/"+v.name)), root, bling)
		if err != nil {
			return simReport{}, fmt.Errorf("%s claim: %w", v.name, err)
		}
		report.Claims = append(report.Claims, simClaim{Voter: v.name, Side: v.side, Amount: c.Amount})
	}
	if report.Creator, err = eng.VaultBalance(ctx, creator, bling); err != nil {
		return simReport{}, err
	}
	if report.Treasury, err = eng.TreasuryBalance(ctx, bling); err != nil {
		return simReport{}, err
	}
	return report, nil
}

// simulateReply runs a short-lived reply under root whose parent share lands in
// root's pot before root settles.
func simulateReply(ctx context.Context, eng *market.Engine, clock *simClock, wallets *custody.Wallets, bling, root ids.Pubkey) (market.Post, error) {
	replier, fan := named("replier"), named("voter/reply-fan")
	reply := named("post/reply")
	if _, err := eng.CreatePost(ctx, market.AsUser(replier), market.NewPost{
		ID: reply, Function: market.FunctionNormal, Relation: market.Reply(root),
	}); err != nil {
		return market.Post{}, err
	}
	if err := wallets.Fund(custody.Wallet(fan), bling, 1_000_000); err != nil {
		return market.Post{}, err
	}
	if _, err := eng.Deposit(ctx, market.AsUser(fan), bling, 1_000_000); err != nil {
		return market.Post{}, err
	}
	if _, err := eng.VoteOnPost(ctx, market.AsUser(fan), market.Vote{
		Post: reply, Side: market.SidePump, Votes: 1, Mint: bling,
	}); err != nil {
		return market.Post{}, err
	}
	post, err := eng.GetPost(ctx, reply)
	if err != nil {
		return market.Post{}, err
	}
	root0, err := eng.GetPost(ctx, root)
	if err != nil {
		return market.Post{}, err
	}
	if post.EndTime >= root0.EndTime {
		// The reply cannot close before its parent; leave it open.
		return post, nil
	}
	clock.now = time.Unix(post.EndTime, 0).UTC()
	s, err := eng.SettlePost(ctx, fan, reply)
	if err != nil {
		return market.Post{}, err
	}
	if _, err := eng.DistributeParentPostShare(ctx, fan, reply, bling); err != nil {
		return market.Post{}, err
	}
	return s.Post, nil
}
