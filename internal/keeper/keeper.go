// Package keeper drives permissionless upkeep: it settles expired posts and pushes
// their fee distributions so payouts do not depend on anyone remembering to call.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"opinions.market/internal/ids"
	"opinions.market/internal/market"
)

// Metrics receives one observation per keeper action.
type Metrics interface {
	ObserveKeeper(action, result string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveKeeper(string, string) {}

// Report summarises one sweep.
type Report struct {
	Settled     int
	NoWinner    int
	Distributed int
	Failed      int
}

func (r Report) Empty() bool { return r == Report{} }

// Keeper sweeps the store on an interval.
type Keeper struct {
	eng      *market.Engine
	signer   ids.Pubkey
	interval time.Duration
	batch    int
	skip     *lru.Cache // posts that settled with noWinner
	log      *zap.Logger
	metrics  Metrics
}

type Option func(*Keeper)

func WithInterval(d time.Duration) Option {
	return func(k *Keeper) {
		if d > 0 {
			k.interval = d
		}
	}
}

func WithBatch(n int) Option {
	return func(k *Keeper) {
		if n > 0 {
			k.batch = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(k *Keeper) {
		if l != nil {
			k.log = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(k *Keeper) {
		if m != nil {
			k.metrics = m
		}
	}
}

// New creates a keeper acting as signer. skipSize bounds the memory of posts that
// cannot be settled.
func New(eng *market.Engine, signer ids.Pubkey, skipSize int, opts ...Option) (*Keeper, error) {
	if eng == nil {
		return nil, errors.New("keeper: nil engine")
	}
	if skipSize <= 0 {
		skipSize = 1024
	}
	skip, err := lru.New(skipSize)
	if err != nil {
		return nil, fmt.Errorf("keeper: skip cache: %w", err)
	}
	k := &Keeper{
		eng:      eng,
		signer:   signer,
		interval: 15 * time.Second,
		batch:    100,
		skip:     skip,
		log:      zap.NewNop(),
		metrics:  nopMetrics{},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Run sweeps every interval until ctx ends.
func (k *Keeper) Run(ctx context.Context) error {
	t := time.NewTicker(k.interval)
	defer t.Stop()
	k.log.Info("keeper started", zap.Duration("interval", k.interval), zap.Int("batch", k.batch))
	for {
		rep, err := k.Sweep(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		case err != nil:
			k.log.Warn("keeper sweep failed", zap.Error(err))
		case !rep.Empty():
			k.log.Info("keeper sweep",
				zap.Int("settled", rep.Settled),
				zap.Int("no_winner", rep.NoWinner),
				zap.Int("distributed", rep.Distributed),
				zap.Int("failed", rep.Failed))
		}
		select {
		case <-ctx.Done():
			k.log.Info("keeper stopped")
			return nil
		case <-t.C:
		}
	}
}

// Sweep settles up to one batch of expired posts and then drives one batch of
// pending distributions.
func (k *Keeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	if err := k.settleExpired(ctx, &rep); err != nil {
		return rep, err
	}
	if err := k.distributePending(ctx, &rep); err != nil {
		return rep, err
	}
	return rep, nil
}

func (k *Keeper) settleExpired(ctx context.Context, rep *Report) error {
	// Over-fetch by the skip set so remembered posts cannot starve the batch.
	expired, err := k.eng.Store().ExpiredOpenPosts(ctx, k.eng.Now(), k.batch+k.skip.Len())
	if err != nil {
		return err
	}
	done := 0
	for _, id := range expired {
		if done >= k.batch {
			break
		}
		if k.skip.Contains(id) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		done++
		_, err := k.eng.SettlePost(ctx, k.signer, id)
		switch {
		case err == nil:
			rep.Settled++
			k.metrics.ObserveKeeper("settle", "ok")
		case errors.Is(err, market.ErrNoWinner):
			k.skip.Add(id, struct{}{})
			rep.NoWinner++
			k.metrics.ObserveKeeper("settle", "skip")
		case errors.Is(err, market.ErrPostAlreadySettled), errors.Is(err, market.ErrPostNotExpired):
			// Raced with another settler or a late extension.
		default:
			rep.Failed++
			k.metrics.ObserveKeeper("settle", "error")
			k.log.Warn("settle failed", zap.Stringer("post", id), zap.Error(err))
		}
	}
	return nil
}

type distribute func(ctx context.Context, caller, id, mint ids.Pubkey) (market.Distribution, error)

func (k *Keeper) distributePending(ctx context.Context, rep *Report) error {
	pending, err := k.eng.Store().PendingPayouts(ctx, k.batch)
	if err != nil {
		return err
	}
	for _, p := range pending {
		steps := []struct {
			name string
			done bool
			fn   distribute
		}{
			{"creator", p.CreatorDistributed, k.eng.DistributeCreatorReward},
			{"mother", p.MotherDistributed, k.eng.DistributeParentPostShare},
			{"protocol", p.ProtocolDistributed, k.eng.DistributeProtocolFee},
		}
		for _, s := range steps {
			if s.done {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := s.fn(ctx, k.signer, p.Post, p.Mint); err != nil {
				rep.Failed++
				k.metrics.ObserveKeeper("distribute_"+s.name, "error")
				k.log.Warn("distribution failed", zap.String("fee", s.name),
					zap.Stringer("post", p.Post), zap.Stringer("mint", p.Mint), zap.Error(err))
				continue
			}
			rep.Distributed++
			k.metrics.ObserveKeeper("distribute_"+s.name, "ok")
		}
	}
	return nil
}
