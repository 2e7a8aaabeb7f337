package mill

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"

	"github.com/coldbell/millswap/backend/internal/apperr"
)

func TestAccountDiscriminatorsMatchProgram(t *testing.T) {
	require.Equal(t, [8]byte{219, 190, 213, 55, 0, 227, 198, 154}, MarketDiscriminator)
	require.Equal(t, [8]byte{28, 200, 141, 206, 141, 183, 203, 16}, TokenMillConfigDiscriminator)
	require.Equal(t, [8]byte{17, 179, 11, 222, 30, 156, 211, 86}, MarketStakingDiscriminator)
	require.Equal(t, [8]byte{78, 165, 30, 111, 171, 125, 11, 220}, StakePositionDiscriminator)
	require.Equal(t, [8]byte{220, 100, 188, 22, 177, 159, 229, 3}, VestingPlanDiscriminator)
	require.Equal(t, [8]byte{48, 16, 168, 83, 237, 197, 86, 237}, SwapAuthorityBadgeDiscriminator)
}

func TestDecodeMarket(t *testing.T) {
	market := &Market{
		Config:         solana.NewWallet().PublicKey(),
		Creator:        solana.NewWallet().PublicKey(),
		BaseTokenMint:  solana.NewWallet().PublicKey(),
		QuoteTokenMint: solana.WrappedSol,
		BaseReserve:    900_000_000_000,
		WidthScaled:    100_000_000_000,
		TotalSupply:    1_000_000_000_000,
		Fees: MarketFees{
			StakingFeeShare:    2000,
			CreatorFeeShare:    6000,
			PendingStakingFees: 12,
			PendingCreatorFees: 34,
		},
		QuoteTokenDecimals: 9,
		Bump:               254,
		IsPermissioned:     true,
	}
	for i := 0; i < PriceLevels; i++ {
		market.BidPrices[i] = uint64(i * 10)
		market.AskPrices[i] = uint64(i*10 + 5)
	}
	data, err := market.MarshalBinary()
	require.NoError(t, err)

	decoded, err := DecodeMarket(data)
	require.NoError(t, err)
	require.Equal(t, market, decoded)
	require.True(t, decoded.PricesSet())
}

func TestMarketPricesUnsetUntilLastAskWritten(t *testing.T) {
	var market Market
	require.False(t, market.PricesSet())
	market.AskPrices[PriceLevels-1] = 1
	require.True(t, market.PricesSet())
}

func TestDecodeMarketRejectsWrongDiscriminator(t *testing.T) {
	cfg := &TokenMillConfig{Authority: solana.NewWallet().PublicKey()}
	data, err := cfg.MarshalBinary()
	require.NoError(t, err)

	_, err = DecodeMarket(data)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindSDKDecode))
}

func TestDecodeMarketRejectsTruncatedData(t *testing.T) {
	market := &Market{}
	data, err := market.MarshalBinary()
	require.NoError(t, err)

	_, err = DecodeMarket(data[:len(data)-40])
	require.True(t, apperr.Is(err, apperr.KindSDKDecode))

	_, err = DecodeMarket([]byte{1, 2})
	require.True(t, apperr.Is(err, apperr.KindSDKDecode))
}

func TestDecodeTokenMillConfigOptionalPendingAuthority(t *testing.T) {
	pending := solana.NewWallet().PublicKey()
	withPending := &TokenMillConfig{
		Authority:               solana.NewWallet().PublicKey(),
		PendingAuthority:        &pending,
		ProtocolFeeRecipient:    solana.NewWallet().PublicKey(),
		DefaultProtocolFeeShare: 2000,
		ReferralFeeShare:        500,
	}
	data, err := withPending.MarshalBinary()
	require.NoError(t, err)
	decoded, err := DecodeTokenMillConfig(data)
	require.NoError(t, err)
	require.Equal(t, withPending, decoded)

	withoutPending := &TokenMillConfig{
		Authority:            solana.NewWallet().PublicKey(),
		ProtocolFeeRecipient: solana.NewWallet().PublicKey(),
	}
	data, err = withoutPending.MarshalBinary()
	require.NoError(t, err)
	decoded, err = DecodeTokenMillConfig(data)
	require.NoError(t, err)
	require.Nil(t, decoded.PendingAuthority)
	require.Equal(t, withoutPending.ProtocolFeeRecipient, decoded.ProtocolFeeRecipient)
}

func TestDecodeStakingAccounts(t *testing.T) {
	market := solana.NewWallet().PublicKey()
	staking := &MarketStaking{
		Market:                  market,
		AmountStaked:            500,
		TotalAmountVested:       700,
		AccRewardAmountPerShare: uint128.New(7, 1),
	}
	data, err := staking.MarshalBinary()
	require.NoError(t, err)
	decodedStaking, err := DecodeMarketStaking(data)
	require.NoError(t, err)
	require.Equal(t, staking, decodedStaking)

	position := &StakePosition{
		Market:                  market,
		User:                    solana.NewWallet().PublicKey(),
		AmountStaked:            10,
		TotalAmountVested:       20,
		PendingRewards:          3,
		AccRewardAmountPerShare: uint128.From64(99),
	}
	data, err = position.MarshalBinary()
	require.NoError(t, err)
	decodedPosition, err := DecodeStakePosition(data)
	require.NoError(t, err)
	require.Equal(t, position, decodedPosition)

	plan := &VestingPlan{
		StakePosition:   solana.NewWallet().PublicKey(),
		AmountVested:    1000,
		AmountReleased:  100,
		Start:           1_700_000_000,
		CliffDuration:   100,
		VestingDuration: 1000,
	}
	data, err = plan.MarshalBinary()
	require.NoError(t, err)
	decodedPlan, err := DecodeVestingPlan(data)
	require.NoError(t, err)
	require.Equal(t, plan, decodedPlan)
}
