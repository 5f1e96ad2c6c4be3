package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"opinions.market/internal/market"
)

func TestSimulatePaysWinners(t *testing.T) {
	r, err := simulate(context.Background(), simParams{Pump: 3, Smack: 1, VotesPerVoter: 10, TiePolicy: "reject"})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if r.Post.WinningSide != market.SidePump || r.Payout == nil {
		t.Fatalf("unexpected settlement: %+v", r)
	}
	var paid uint64
	for _, c := range r.Claims {
		switch c.Side {
		case market.SidePump:
			if c.Amount != r.Payout.PayoutPerWinningVote*10 {
				t.Fatalf("%s got %d, want %d", c.Voter, c.Amount, r.Payout.PayoutPerWinningVote*10)
			}
		case market.SideSmack:
			if c.Amount != 0 {
				t.Fatalf("loser %s paid %d", c.Voter, c.Amount)
			}
		}
		paid += c.Amount
	}
	if paid > r.Payout.TotalPayout {
		t.Fatalf("claims %d exceed payout %d", paid, r.Payout.TotalPayout)
	}
	if r.Creator != r.Payout.CreatorFee || r.Treasury != r.Payout.ProtocolFee {
		t.Fatalf("fees not distributed: creator %d/%d treasury %d/%d",
			r.Creator, r.Payout.CreatorFee, r.Treasury, r.Payout.ProtocolFee)
	}
}

func TestSimulateTie(t *testing.T) {
	r, err := simulate(context.Background(), simParams{Pump: 1, Smack: 1, VotesPerVoter: 5, TiePolicy: "reject"})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !r.NoWinner || r.Post.State != market.PostOpen {
		t.Fatalf("tie should leave the post open: %+v", r)
	}

	r, err = simulate(context.Background(), simParams{Pump: 1, Smack: 1, VotesPerVoter: 5, TiePolicy: "pump"})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if r.NoWinner || r.Post.WinningSide != market.SidePump {
		t.Fatalf("pump tie policy should settle for pump: %+v", r)
	}
}

func TestSimulateReplyFeedsParent(t *testing.T) {
	r, err := simulate(context.Background(), simParams{Pump: 2, Smack: 0, VotesPerVoter: 10, TiePolicy: "reject", WithReply: true})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if r.Reply == nil || r.Reply.State != market.PostSettled {
		t.Fatalf("reply should settle first: %+v", r.Reply)
	}
}

func TestSimulateCommandPrintsJSON(t *testing.T) {
	cmd := simulateCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--pump", "2", "--smack", "1", "--votes", "3"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if decoded["payout"] == nil {
		t.Fatalf("expected payout in output: %s", out.String())
	}
}
