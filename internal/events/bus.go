package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"opinions.market/internal/ids"
)

// Event types published by the market engine after a transaction commits.
const (
	MarketInitialized   = "market.initialized"
	UserCreated         = "user.created"
	VaultDeposited      = "vault.deposited"
	VaultWithdrawn      = "vault.withdrawn"
	PaymentRegistered   = "payment.registered"
	PaymentUpdated      = "payment.updated"
	PostCreated         = "post.created"
	PostOutcomeForced   = "post.outcome_forced"
	PostVoted           = "post.voted"
	PostSettled         = "post.settled"
	CreatorDistributed  = "payout.creator_distributed"
	MotherDistributed   = "payout.mother_distributed"
	ProtocolDistributed = "payout.protocol_distributed"
	RewardClaimed       = "claim.paid"
	SessionRegistered   = "session.registered"
	SessionRevoked      = "session.revoked"
)

// Event describes one committed state change.
type Event struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	At     time.Time      `json:"at"`
	Actor  ids.Pubkey     `json:"actor"`
	Post   ids.Pubkey     `json:"post,omitempty"`
	Mint   ids.Pubkey     `json:"mint,omitempty"`
	Amount uint64         `json:"amount,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Bus fans events out to all active subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Uint64
}

// New initialises an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fans the event out without blocking; slow subscribers miss events.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = ids.NewAt(evt.At)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
