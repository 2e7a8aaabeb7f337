package builder

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"

	"github.com/coldbell/millswap/backend/internal/apperr"
	"github.com/coldbell/millswap/backend/internal/config"
	"github.com/coldbell/millswap/backend/internal/mill"
	"github.com/coldbell/millswap/backend/internal/pda"
	"github.com/coldbell/millswap/backend/internal/vesting"
)

func vestingRequest(fx marketFixture, user solana.PublicKey) CreateVestingRequest {
	return CreateVestingRequest{
		MarketAddress: fx.address.String(),
		UserPublicKey: user.String(),
		BaseTokenMint: fx.baseMint.String(),
		Recipient:     solana.NewWallet().PublicKey().String(),
		Amount:        1_000_000,
		StartTime:     1_700_000_000,
		Duration:      86_400,
	}
}

func stakePositionOf(t *testing.T, market, user solana.PublicKey) solana.PublicKey {
	t.Helper()
	position, _, err := pda.DeriveStakePosition(config.DefaultMillProgramID, market, user)
	require.NoError(t, err)
	return position
}

func TestBuildCreateVestingBootstrapsPosition(t *testing.T) {
	h := newHarness(t)
	fx := h.addMarket(t)
	user := solana.NewWallet().PublicKey()

	resp, err := h.svc.BuildCreateVesting(context.Background(), vestingRequest(fx, user))
	require.NoError(t, err)

	plan := solana.MustPublicKeyFromBase58(resp.EphemeralVestingPubkey)
	tx, ixs := decodeInstructions(t, resp.Transaction)
	require.Equal(t, []string{
		solana.SPLAssociatedTokenAccountProgramID.String(),
		"createStakePosition",
		"createVestingPlan",
	}, names(h, ixs))
	require.Equal(t, mustATA(t, user, fx.baseMint), ixs[0].Accounts[1])
	require.Equal(t, stakePositionOf(t, fx.address, user), ixs[1].Accounts[1])

	create := ixs[2]
	require.Equal(t, plan, create.Accounts[3])
	require.Equal(t, int64(1_700_000_000), int64(binary.LittleEndian.Uint64(create.Data[8:16])))
	require.Equal(t, uint64(1_000_000), binary.LittleEndian.Uint64(create.Data[16:24]))
	require.Equal(t, int64(86_400), int64(binary.LittleEndian.Uint64(create.Data[24:32])))
	require.Zero(t, binary.LittleEndian.Uint64(create.Data[32:40]))

	_, signed := signatureState(t, tx, plan)
	require.True(t, signed)
	required, _ := signatureState(t, tx, h.authority.PublicKey())
	require.False(t, required)
}

func TestBuildCreateVestingReusesExistingAccounts(t *testing.T) {
	h := newHarness(t)
	fx := h.addMarket(t)
	user := solana.NewWallet().PublicKey()
	h.fake.SetTokenAccount(mustATA(t, user, fx.baseMint), fx.baseMint, user, 5_000_000)
	h.fake.SetAccount(stakePositionOf(t, fx.address, user), config.DefaultMillProgramID, []byte{1})

	req := vestingRequest(fx, user)
	cliff := int64(3_600)
	req.CliffDuration = &cliff
	resp, err := h.svc.BuildCreateVesting(context.Background(), req)
	require.NoError(t, err)

	_, ixs := decodeInstructions(t, resp.Transaction)
	require.Equal(t, []string{"createVestingPlan"}, names(h, ixs))
	require.Equal(t, uint64(3_600), binary.LittleEndian.Uint64(ixs[0].Data[32:40]))
}

func TestBuildCreateVestingValidation(t *testing.T) {
	h := newHarness(t)
	fx := h.addMarket(t)
	user := solana.NewWallet().PublicKey()
	calls := h.fake.TotalCalls()

	cases := map[string]func(*CreateVestingRequest){
		"bad recipient":   func(r *CreateVestingRequest) { r.Recipient = "nope" },
		"zero amount":     func(r *CreateVestingRequest) { r.Amount = 0 },
		"zero duration":   func(r *CreateVestingRequest) { r.Duration = 0 },
		"negative start":  func(r *CreateVestingRequest) { r.StartTime = -1 },
		"cliff too large": func(r *CreateVestingRequest) { c := r.Duration + 1; r.CliffDuration = &c },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := vestingRequest(fx, user)
			mutate(&req)
			_, err := h.svc.BuildCreateVesting(context.Background(), req)
			require.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}
	require.Equal(t, calls, h.fake.TotalCalls())
}

func TestBuildCreateVestingRejectsForeignMint(t *testing.T) {
	h := newHarness(t)
	fx := h.addMarket(t)
	req := vestingRequest(fx, solana.NewWallet().PublicKey())
	req.BaseTokenMint = solana.NewWallet().PublicKey().String()

	_, err := h.svc.BuildCreateVesting(context.Background(), req)
	require.True(t, apperr.Is(err, apperr.KindChainState))
}

func (h *harness) putPlan(t *testing.T, address solana.PublicKey, plan mill.VestingPlan) {
	t.Helper()
	data, err := plan.MarshalBinary()
	require.NoError(t, err)
	h.fake.SetAccount(address, config.DefaultMillProgramID, data)
}

func TestBuildReleaseVesting(t *testing.T) {
	h := newHarness(t)
	fx := h.addMarket(t)
	user := solana.NewWallet().PublicKey()
	planAddress := solana.NewWallet().PublicKey()
	h.putPlan(t, planAddress, mill.VestingPlan{
		StakePosition:   stakePositionOf(t, fx.address, user),
		AmountVested:    1000,
		Start:           1_700_000_000,
		CliffDuration:   100,
		VestingDuration: 1000,
	})
	req := ReleaseVestingRequest{
		MarketAddress:      fx.address.String(),
		VestingPlanAddress: planAddress.String(),
		BaseTokenMint:      fx.baseMint.String(),
		UserPublicKey:      user.String(),
	}

	_, err := h.svc.BuildReleaseVesting(context.Background(), req)
	require.True(t, apperr.Is(err, apperr.KindChainState), "inside the cliff nothing is claimable")

	h.fake.SetUnixTime(1_700_000_500)
	resp, err := h.svc.BuildReleaseVesting(context.Background(), req)
	require.NoError(t, err)

	tx, ixs := decodeInstructions(t, resp.Transaction)
	require.Equal(t, []string{"release"}, names(h, ixs))
	require.Equal(t, planAddress, ixs[0].Accounts[3])
	require.Equal(t, user, ixs[0].Accounts[7])
	require.Equal(t, 1, int(tx.Message.Header.NumRequiredSignatures))
}

func TestVestingClusterTimeFailureAborts(t *testing.T) {
	h := newHarness(t)
	fx := h.addMarket(t)
	user := solana.NewWallet().PublicKey()
	planAddress := solana.NewWallet().PublicKey()
	h.putPlan(t, planAddress, mill.VestingPlan{
		StakePosition:   stakePositionOf(t, fx.address, user),
		AmountVested:    1000,
		Start:           1_700_000_000 - 5000,
		VestingDuration: 1000,
	})
	h.fake.FailUnixTime(errors.New("429 Too Many Requests"))

	resp, err := h.svc.BuildReleaseVesting(context.Background(), ReleaseVestingRequest{
		MarketAddress:      fx.address.String(),
		VestingPlanAddress: planAddress.String(),
		BaseTokenMint:      fx.baseMint.String(),
		UserPublicKey:      user.String(),
	})
	require.Nil(t, resp)
	require.True(t, apperr.Is(err, apperr.KindRPC))
	require.Zero(t, h.fake.Calls("LatestBlockhash"))

	status, err := h.svc.VestingStatus(context.Background(), VestingStatusRequest{
		MarketAddress:      fx.address.String(),
		VestingPlanAddress: planAddress.String(),
		UserPublicKey:      user.String(),
	})
	require.Nil(t, status)
	require.True(t, apperr.Is(err, apperr.KindRPC))
}

func TestBuildReleaseVestingRejectsForeignPlan(t *testing.T) {
	h := newHarness(t)
	fx := h.addMarket(t)
	planAddress := solana.NewWallet().PublicKey()
	h.putPlan(t, planAddress, mill.VestingPlan{
		StakePosition:   solana.NewWallet().PublicKey(),
		AmountVested:    1000,
		VestingDuration: 10,
	})

	_, err := h.svc.BuildReleaseVesting(context.Background(), ReleaseVestingRequest{
		MarketAddress:      fx.address.String(),
		VestingPlanAddress: planAddress.String(),
		BaseTokenMint:      fx.baseMint.String(),
		UserPublicKey:      solana.NewWallet().PublicKey().String(),
	})
	require.True(t, apperr.Is(err, apperr.KindChainState))
}

func TestVestingStatusIncludesAccruedRewards(t *testing.T) {
	h := newHarness(t)
	fx := h.addMarket(t)
	user := solana.NewWallet().PublicKey()
	position := stakePositionOf(t, fx.address, user)
	planAddress := solana.NewWallet().PublicKey()
	h.putPlan(t, planAddress, mill.VestingPlan{
		StakePosition:   position,
		AmountVested:    1000,
		AmountReleased:  100,
		Start:           1_700_000_000 - 500,
		VestingDuration: 1000,
	})

	pool := vesting.Pool{TotalStaked: 2000}
	pool.Distribute(400)
	stakingKey, _, err := pda.DeriveMarketStaking(config.DefaultMillProgramID, fx.address)
	require.NoError(t, err)
	stakingData, err := (&mill.MarketStaking{
		Market:                  fx.address,
		AmountStaked:            pool.TotalStaked,
		AccRewardAmountPerShare: pool.AccRewardPerShare,
	}).MarshalBinary()
	require.NoError(t, err)
	h.fake.SetAccount(stakingKey, config.DefaultMillProgramID, stakingData)

	positionData, err := (&mill.StakePosition{
		Market:                  fx.address,
		User:                    user,
		AmountStaked:            1000,
		PendingRewards:          7,
		AccRewardAmountPerShare: uint128.Zero,
	}).MarshalBinary()
	require.NoError(t, err)
	h.fake.SetAccount(position, config.DefaultMillProgramID, positionData)

	status, err := h.svc.VestingStatus(context.Background(), VestingStatusRequest{
		MarketAddress:      fx.address.String(),
		VestingPlanAddress: planAddress.String(),
		UserPublicKey:      user.String(),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(500), status.Releasable)
	require.Equal(t, uint64(400), status.Claimable)
	require.Equal(t, uint64(1000), status.StakedAmount)
	// 7 stored plus half of the 400 distributed.
	require.Equal(t, uint64(207), status.PendingRewards)
	require.Equal(t, int64(1_700_000_000), status.ClusterTime)
}
