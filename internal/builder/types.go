package builder

import (
	"github.com/shopspring/decimal"

	"github.com/coldbell/millswap/backend/internal/amm"
)

type SwapAction string

const (
	ActionBuy  SwapAction = "buy"
	ActionSell SwapAction = "sell"
)

type TradeType string

const (
	TradeExactInput  TradeType = "exactInput"
	TradeExactOutput TradeType = "exactOutput"
)

type SwapRequest struct {
	Market               string     `json:"market"`
	QuoteTokenMint       string     `json:"quoteTokenMint"`
	Action               SwapAction `json:"action"`
	TradeType            TradeType  `json:"tradeType"`
	Amount               uint64     `json:"amount"`
	OtherAmountThreshold *uint64    `json:"otherAmountThreshold,omitempty"`
	UserPublicKey        string     `json:"userPublicKey"`
}

// TransactionResponse is returned by every build operation.
type TransactionResponse struct {
	Transaction string `json:"transaction"`
}

type CreateMarketRequest struct {
	TokenName       string `json:"tokenName"`
	TokenSymbol     string `json:"tokenSymbol"`
	URI             string `json:"uri"`
	TotalSupply     uint64 `json:"totalSupply"`
	CreatorFeeShare uint16 `json:"creatorFeeShare"`
	StakingFeeShare uint16 `json:"stakingFeeShare"`
	UserPublicKey   string `json:"userPublicKey"`
}

type CreateMarketResponse struct {
	Transaction   string `json:"transaction"`
	MarketAddress string `json:"marketAddress"`
	BaseTokenMint string `json:"baseTokenMint"`
}

type FreeMarketRequest struct {
	Market string `json:"market"`
}

type SetCurveRequest struct {
	Market        string            `json:"market"`
	UserPublicKey string            `json:"userPublicKey"`
	AskPrices     []decimal.Decimal `json:"askPrices"`
	BidPrices     []decimal.Decimal `json:"bidPrices"`
}

type StakeRequest struct {
	MarketAddress string `json:"marketAddress"`
	UserPublicKey string `json:"userPublicKey"`
}

type CreateVestingRequest struct {
	MarketAddress string `json:"marketAddress"`
	UserPublicKey string `json:"userPublicKey"`
	BaseTokenMint string `json:"baseTokenMint"`
	Recipient     string `json:"recipient"`
	Amount        uint64 `json:"amount"`
	StartTime     int64  `json:"startTime"`
	Duration      int64  `json:"duration"`
	CliffDuration *int64 `json:"cliffDuration,omitempty"`
}

type CreateVestingResponse struct {
	Transaction            string `json:"transaction"`
	EphemeralVestingPubkey string `json:"ephemeralVestingPubkey"`
}

type ReleaseVestingRequest struct {
	MarketAddress      string `json:"marketAddress"`
	VestingPlanAddress string `json:"vestingPlanAddress"`
	BaseTokenMint      string `json:"baseTokenMint"`
	UserPublicKey      string `json:"userPublicKey"`
}

type VestingStatusRequest struct {
	MarketAddress      string `json:"marketAddress"`
	VestingPlanAddress string `json:"vestingPlanAddress"`
	UserPublicKey      string `json:"userPublicKey"`
}

type VestingStatus struct {
	VestingPlan    string `json:"vestingPlan"`
	AmountVested   uint64 `json:"amountVested"`
	AmountReleased uint64 `json:"amountReleased"`
	Releasable     uint64 `json:"releasable"`
	Claimable      uint64 `json:"claimable"`
	Start          int64  `json:"start"`
	Cliff          int64  `json:"cliffDuration"`
	Duration       int64  `json:"vestingDuration"`
	ClusterTime    int64  `json:"clusterTime"`
	StakedAmount   uint64 `json:"stakedAmount"`
	PendingRewards uint64 `json:"pendingRewards"`
}

type Graduation struct {
	Market               string          `json:"market"`
	BaseTokenBalance     decimal.Decimal `json:"baseTokenBalance"`
	QuoteTokenBalance    decimal.Decimal `json:"quoteTokenBalance"`
	Graduated            bool            `json:"graduation"`
	GraduationPercentage string          `json:"graduationPercentage"`
	Threshold            decimal.Decimal `json:"threshold"`
}

type QuoteSwapRequest struct {
	Pool        string           `json:"pool"`
	InputAmount decimal.Decimal  `json:"inputAmount"`
	Direction   amm.Direction    `json:"direction"`
	Slippage    *decimal.Decimal `json:"slippage,omitempty"`
}

type QuoteSwapResponse struct {
	OutputAmount        decimal.Decimal  `json:"outputAmount"`
	MinimumOutputAmount decimal.Decimal  `json:"minimumOutputAmount"`
	Status              amm.Status       `json:"status"`
	Degraded            bool             `json:"degraded"`
	Reason              string           `json:"reason,omitempty"`
	Price               *decimal.Decimal `json:"price,omitempty"`
}

type QuoteLiquidityRequest struct {
	Pool        string           `json:"pool"`
	BaseAmount  *decimal.Decimal `json:"baseAmount,omitempty"`
	QuoteAmount *decimal.Decimal `json:"quoteAmount,omitempty"`
	Slippage    *decimal.Decimal `json:"slippage,omitempty"`
}

type QuoteLiquidityResponse struct {
	Base     decimal.Decimal `json:"base"`
	Quote    decimal.Decimal `json:"quote"`
	LPToken  decimal.Decimal `json:"lpToken"`
	Status   amm.Status      `json:"status"`
	Degraded bool            `json:"degraded"`
	Reason   string          `json:"reason,omitempty"`
}

type PoolSwapRequest struct {
	Pool          string           `json:"pool"`
	InputAmount   decimal.Decimal  `json:"inputAmount"`
	Direction     amm.Direction    `json:"direction"`
	Slippage      *decimal.Decimal `json:"slippage,omitempty"`
	UserPublicKey string           `json:"userPublicKey"`
}

type AddLiquidityRequest struct {
	Pool          string           `json:"pool"`
	BaseAmount    *decimal.Decimal `json:"baseAmount,omitempty"`
	QuoteAmount   *decimal.Decimal `json:"quoteAmount,omitempty"`
	Slippage      *decimal.Decimal `json:"slippage,omitempty"`
	UserPublicKey string           `json:"userPublicKey"`
}

type RemoveLiquidityRequest struct {
	Pool          string           `json:"pool"`
	LPTokenAmount decimal.Decimal  `json:"lpTokenAmount"`
	Slippage      *decimal.Decimal `json:"slippage,omitempty"`
	UserPublicKey string           `json:"userPublicKey"`
}

type CreatePoolRequest struct {
	Index         uint16          `json:"index"`
	BaseMint      string          `json:"baseMint"`
	QuoteMint     string          `json:"quoteMint"`
	BaseAmount    decimal.Decimal `json:"baseAmount"`
	QuoteAmount   decimal.Decimal `json:"quoteAmount"`
	UserPublicKey string          `json:"userPublicKey"`
}

type CreatePoolResponse struct {
	Transaction string `json:"transaction"`
	Pool        string `json:"pool"`
}
