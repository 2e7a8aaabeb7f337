package builder

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/coldbell/millswap/backend/internal/apperr"
	"github.com/coldbell/millswap/backend/internal/chain"
	"github.com/coldbell/millswap/backend/internal/mill"
	"github.com/coldbell/millswap/backend/internal/pda"
	"github.com/coldbell/millswap/backend/internal/provision"
	"github.com/coldbell/millswap/backend/internal/vesting"
)

type vestingKeys struct {
	market        solana.PublicKey
	user          solana.PublicKey
	baseMint      solana.PublicKey
	staking       solana.PublicKey
	stakePosition solana.PublicKey
	marketBaseATA solana.PublicKey
	userBaseATA   solana.PublicKey
}

func (s *Service) deriveVestingKeys(market, user, baseMint solana.PublicKey) (vestingKeys, error) {
	keys := vestingKeys{market: market, user: user, baseMint: baseMint}
	var err error
	if keys.staking, _, err = pda.DeriveMarketStaking(s.mill.ID, market); err != nil {
		return keys, err
	}
	if keys.stakePosition, _, err = pda.DeriveStakePosition(s.mill.ID, market, user); err != nil {
		return keys, err
	}
	if keys.marketBaseATA, err = ata(market, baseMint); err != nil {
		return keys, err
	}
	if keys.userBaseATA, err = ata(user, baseMint); err != nil {
		return keys, err
	}
	return keys, nil
}

func (k vestingKeys) accounts(plan solana.PublicKey) mill.VestingAccounts {
	return mill.VestingAccounts{
		Market:        k.market,
		Staking:       k.staking,
		StakePosition: k.stakePosition,
		VestingPlan:   plan,
		BaseTokenMint: k.baseMint,
		MarketBaseATA: k.marketBaseATA,
		UserBaseATA:   k.userBaseATA,
		User:          k.user,
	}
}

// BuildCreateVesting locks amount of the user's base tokens into a new vesting
// plan. The plan account key is generated here and partially signs. The plan
// belongs to the user's stake position; recipient is checked but not encoded.
func (s *Service) BuildCreateVesting(ctx context.Context, req CreateVestingRequest) (*CreateVestingResponse, error) {
	market, err := parsePubkey("marketAddress", req.MarketAddress)
	if err != nil {
		return nil, err
	}
	user, err := parsePubkey("userPublicKey", req.UserPublicKey)
	if err != nil {
		return nil, err
	}
	baseMint, err := parsePubkey("baseTokenMint", req.BaseTokenMint)
	if err != nil {
		return nil, err
	}
	if _, err := parsePubkey("recipient", req.Recipient); err != nil {
		return nil, err
	}
	var cliff int64
	if req.CliffDuration != nil {
		cliff = *req.CliffDuration
	}
	if req.StartTime < 0 {
		return nil, apperr.Validation("startTime must not be negative")
	}
	schedule := vesting.Plan{AmountVested: req.Amount, Start: req.StartTime, Cliff: cliff, Duration: req.Duration}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	keys, err := s.deriveVestingKeys(market, user, baseMint)
	if err != nil {
		return nil, err
	}

	var (
		marketState *mill.Market
		position    *chain.Account
		atas        *provision.Result
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		state, err := s.readMarket(groupCtx, market)
		marketState = state
		return err
	})
	group.Go(func() error {
		account, err := s.reader.GetAccount(groupCtx, keys.stakePosition)
		position = account
		return err
	})
	group.Go(func() error {
		result, err := s.provisioner.Check(groupCtx, provision.Request{Payer: user, Owner: user, Mint: baseMint})
		atas = result
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if !marketState.BaseTokenMint.Equals(baseMint) {
		return nil, apperr.ChainState("market %s base mint is %s, not %s", market, marketState.BaseTokenMint, baseMint)
	}

	planKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, apperr.Config("generate vesting plan key: %v", err)
	}

	instructions := atas.CreateInstructions()
	if position == nil {
		ix, err := s.mill.CreateStakePosition(market, keys.stakePosition, user)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, ix)
	}
	create, err := s.mill.CreateVestingPlan(keys.accounts(planKey.PublicKey()), mill.VestingSchedule{
		Start:    schedule.Start,
		Amount:   schedule.AmountVested,
		Duration: schedule.Duration,
		Cliff:    schedule.Cliff,
	})
	if err != nil {
		return nil, err
	}
	instructions = append(instructions, create)

	result, err := s.finish(ctx, buildMeta{operation: "create_vesting", user: user, subject: market}, user, instructions, planKey)
	if err != nil {
		return nil, err
	}
	return &CreateVestingResponse{
		Transaction:            result.Transaction,
		EphemeralVestingPubkey: planKey.PublicKey().String(),
	}, nil
}

func (s *Service) readVestingPlan(ctx context.Context, address solana.PublicKey) (*mill.VestingPlan, error) {
	account, err := s.reader.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apperr.ChainState("vesting plan %s not found", address)
	}
	return mill.DecodeVestingPlan(account.Data)
}

func schedulerPlan(plan *mill.VestingPlan) vesting.Plan {
	return vesting.Plan{
		AmountVested:   plan.AmountVested,
		AmountReleased: plan.AmountReleased,
		Start:          plan.Start,
		Cliff:          plan.CliffDuration,
		Duration:       plan.VestingDuration,
	}
}

// BuildReleaseVesting claims whatever the plan has unlocked at cluster time.
func (s *Service) BuildReleaseVesting(ctx context.Context, req ReleaseVestingRequest) (*TransactionResponse, error) {
	market, err := parsePubkey("marketAddress", req.MarketAddress)
	if err != nil {
		return nil, err
	}
	planAddress, err := parsePubkey("vestingPlanAddress", req.VestingPlanAddress)
	if err != nil {
		return nil, err
	}
	baseMint, err := parsePubkey("baseTokenMint", req.BaseTokenMint)
	if err != nil {
		return nil, err
	}
	user, err := parsePubkey("userPublicKey", req.UserPublicKey)
	if err != nil {
		return nil, err
	}

	keys, err := s.deriveVestingKeys(market, user, baseMint)
	if err != nil {
		return nil, err
	}
	plan, err := s.readVestingPlan(ctx, planAddress)
	if err != nil {
		return nil, err
	}
	if !plan.StakePosition.Equals(keys.stakePosition) {
		return nil, apperr.ChainState("vesting plan %s does not belong to %s on market %s", planAddress, user, market)
	}
	now, err := s.reader.ClusterUnixTime(ctx)
	if err != nil {
		return nil, err
	}
	claimable := schedulerPlan(plan).Claimable(now)
	if claimable == 0 {
		return nil, apperr.ChainState("vesting plan %s has nothing to release at %d", planAddress, now)
	}

	release, err := s.mill.Release(keys.accounts(planAddress))
	if err != nil {
		return nil, err
	}
	result, err := s.finish(ctx, buildMeta{operation: "release_vesting", user: user, subject: planAddress}, user, []solana.Instruction{release})
	if err != nil {
		return nil, err
	}
	s.logger.Info("vesting release built", "plan", planAddress.String(), "claimable", claimable, "cluster_time", now)
	return &TransactionResponse{Transaction: result.Transaction}, nil
}

// VestingStatus evaluates a plan and the owner's stake position at cluster time.
func (s *Service) VestingStatus(ctx context.Context, req VestingStatusRequest) (*VestingStatus, error) {
	market, err := parsePubkey("marketAddress", req.MarketAddress)
	if err != nil {
		return nil, err
	}
	planAddress, err := parsePubkey("vestingPlanAddress", req.VestingPlanAddress)
	if err != nil {
		return nil, err
	}
	user, err := parsePubkey("userPublicKey", req.UserPublicKey)
	if err != nil {
		return nil, err
	}
	stakePosition, _, err := pda.DeriveStakePosition(s.mill.ID, market, user)
	if err != nil {
		return nil, err
	}
	staking, _, err := pda.DeriveMarketStaking(s.mill.ID, market)
	if err != nil {
		return nil, err
	}

	accounts, err := s.reader.GetAccounts(ctx, []solana.PublicKey{planAddress, stakePosition, staking})
	if err != nil {
		return nil, err
	}
	if accounts[0] == nil {
		return nil, apperr.ChainState("vesting plan %s not found", planAddress)
	}
	onChain, err := mill.DecodeVestingPlan(accounts[0].Data)
	if err != nil {
		return nil, err
	}
	if !onChain.StakePosition.Equals(stakePosition) {
		return nil, apperr.ChainState("vesting plan %s does not belong to %s on market %s", planAddress, user, market)
	}

	now, err := s.reader.ClusterUnixTime(ctx)
	if err != nil {
		return nil, err
	}
	plan := schedulerPlan(onChain)
	status := &VestingStatus{
		VestingPlan:    planAddress.String(),
		AmountVested:   plan.AmountVested,
		AmountReleased: plan.AmountReleased,
		Releasable:     plan.Releasable(now),
		Claimable:      plan.Claimable(now),
		Start:          plan.Start,
		Cliff:          plan.Cliff,
		Duration:       plan.Duration,
		ClusterTime:    now,
	}

	if accounts[1] != nil {
		pos, err := mill.DecodeStakePosition(accounts[1].Data)
		if err != nil {
			return nil, err
		}
		position := vesting.Position{
			Amount:         pos.AmountStaked,
			Snapshot:       pos.AccRewardAmountPerShare,
			PendingRewards: pos.PendingRewards,
		}
		status.StakedAmount = pos.AmountStaked
		status.PendingRewards = pos.PendingRewards
		if accounts[2] != nil {
			pool, err := mill.DecodeMarketStaking(accounts[2].Data)
			if err != nil {
				return nil, err
			}
			status.PendingRewards += position.Pending(vesting.Pool{
				TotalStaked:       pool.AmountStaked,
				AccRewardPerShare: pool.AccRewardAmountPerShare,
			})
		}
	}
	return status, nil
}
