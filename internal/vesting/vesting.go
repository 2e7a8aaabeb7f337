// Package vesting evaluates linear vesting plans and the staking reward accumulator.
package vesting

import (
	"math/big"

	"lukechampine.com/uint128"

	"github.com/coldbell/millswap/backend/internal/apperr"
)

// Precision scales the reward-per-share accumulator.
const Precision uint64 = 1_000_000_000_000_000_000

type Plan struct {
	AmountVested   uint64
	AmountReleased uint64
	Start          int64
	Cliff          int64
	Duration       int64
}

func (p Plan) Validate() error {
	switch {
	case p.AmountVested == 0:
		return apperr.Validation("vesting amount must be positive")
	case p.Duration <= 0:
		return apperr.Validation("vesting duration must be positive")
	case p.Cliff < 0:
		return apperr.Validation("cliff duration must not be negative")
	case p.Cliff > p.Duration:
		return apperr.Validation("cliff duration must not exceed vesting duration")
	case p.AmountReleased > p.AmountVested:
		return apperr.Validation("released amount exceeds vested amount")
	}
	return nil
}

// Releasable is the amount unlocked by time now, including what was already released.
func (p Plan) Releasable(now int64) uint64 {
	if now < p.Start || now < p.Start+p.Cliff {
		return 0
	}
	if p.Duration <= 0 || now >= p.Start+p.Duration {
		return p.AmountVested
	}
	elapsed := uint64(now - p.Start)
	return uint128.From64(p.AmountVested).Mul64(elapsed).Div64(uint64(p.Duration)).Lo
}

func (p Plan) Claimable(now int64) uint64 {
	releasable := p.Releasable(now)
	if releasable <= p.AmountReleased {
		return 0
	}
	return releasable - p.AmountReleased
}

// Release moves the claimable amount into AmountReleased and returns it.
func (p *Plan) Release(now int64) uint64 {
	claimable := p.Claimable(now)
	p.AmountReleased += claimable
	return claimable
}

// Pool is the market-wide staking accumulator.
type Pool struct {
	TotalStaked       uint64
	AccRewardPerShare uint128.Uint128
}

// Distribute spreads fees over the staked amount. Nothing accrues while nothing is staked.
func (p *Pool) Distribute(fees uint64) {
	if p.TotalStaked == 0 || fees == 0 {
		return
	}
	increment := uint128.From64(fees).Mul64(Precision).Div64(p.TotalStaked)
	p.AccRewardPerShare = p.AccRewardPerShare.Add(increment)
}

type Position struct {
	Amount         uint64
	Snapshot       uint128.Uint128
	PendingRewards uint64
}

// Pending is the reward accrued since the last snapshot.
func (pos Position) Pending(pool Pool) uint64 {
	if pool.AccRewardPerShare.Cmp(pos.Snapshot) <= 0 || pos.Amount == 0 {
		return 0
	}
	delta := pool.AccRewardPerShare.Sub(pos.Snapshot).Big()
	reward := new(big.Int).Mul(new(big.Int).SetUint64(pos.Amount), delta)
	reward.Quo(reward, new(big.Int).SetUint64(Precision))
	if !reward.IsUint64() {
		return ^uint64(0)
	}
	return reward.Uint64()
}

// Claim pays out stored and accrued rewards and moves the snapshot to the pool.
func (pos *Position) Claim(pool Pool) uint64 {
	paid := pos.PendingRewards + pos.Pending(pool)
	pos.PendingRewards = 0
	pos.Snapshot = pool.AccRewardPerShare
	return paid
}
