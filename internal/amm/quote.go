package amm

import (
	"fmt"

	"cosmossdk.io/math"
	"github.com/shopspring/decimal"

	"github.com/coldbell/millswap/backend/internal/apperr"
	"github.com/coldbell/millswap/backend/internal/config"
)

const (
	bpsDenominator = 10_000
	ppmDenominator = 1_000_000
)

type Direction uint8

const (
	QuoteToBase Direction = iota
	BaseToQuote
)

func (d Direction) String() string {
	switch d {
	case QuoteToBase:
		return "quoteToBase"
	case BaseToQuote:
		return "baseToQuote"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

func (d Direction) Valid() bool {
	return d == QuoteToBase || d == BaseToQuote
}

type Status string

const (
	StatusConfident Status = "confident"
	StatusDegraded  Status = "degraded"
)

// Reserves is the pool state a quote is computed from, in raw token units.
type Reserves struct {
	Base          math.Int
	Quote         math.Int
	LPSupply      math.Int
	BaseDecimals  uint8
	QuoteDecimals uint8
	LPDecimals    uint8
}

// Price is quote per base in UI units.
func (r Reserves) Price() decimal.Decimal {
	if !r.Base.IsPositive() {
		return decimal.Zero
	}
	base := fromRaw(r.Base, r.BaseDecimals)
	quote := fromRaw(r.Quote, r.QuoteDecimals)
	return quote.DivRound(base, 12)
}

// SwapQuote carries UI amounts for both statuses; raw amounts are only set when confident.
type SwapQuote struct {
	Status           Status
	Reason           string
	Direction        Direction
	Input            decimal.Decimal
	Output           decimal.Decimal
	MinimumOutput    decimal.Decimal
	InputRaw         uint64
	OutputRaw        uint64
	MinimumOutputRaw uint64
}

func (q SwapQuote) Degraded() bool { return q.Status == StatusDegraded }

type LiquidityQuote struct {
	Status      Status
	Reason      string
	Base        decimal.Decimal
	Quote       decimal.Decimal
	LPToken     decimal.Decimal
	BaseRaw     uint64
	QuoteRaw    uint64
	LPTokenRaw  uint64
	MaxBaseRaw  uint64
	MaxQuoteRaw uint64
}

func (q LiquidityQuote) Degraded() bool { return q.Status == StatusDegraded }

type WithdrawQuote struct {
	LPToken     decimal.Decimal
	Base        decimal.Decimal
	Quote       decimal.Decimal
	LPTokenRaw  uint64
	MinBaseRaw  uint64
	MinQuoteRaw uint64
}

type Engine struct {
	feeBps          uint64
	discount        decimal.Decimal
	defaultSlippage decimal.Decimal
}

func NewEngine(cfg config.AMMConfig) *Engine {
	return &Engine{
		feeBps:          cfg.FeeBps,
		discount:        cfg.DegradedDiscount,
		defaultSlippage: cfg.DefaultSlippagePct,
	}
}

// Slippage resolves an optional percentage against the configured default.
func (e *Engine) Slippage(pct *decimal.Decimal) (decimal.Decimal, error) {
	if pct == nil {
		return e.defaultSlippage, nil
	}
	if pct.IsNegative() || pct.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return decimal.Zero, apperr.Validation("slippage must be in [0, 100), got %s", pct)
	}
	return *pct, nil
}

// Swap prices input against the reserves with the pool fee. Slippage only lowers MinimumOutput.
func (e *Engine) Swap(r Reserves, input decimal.Decimal, dir Direction, slippagePct decimal.Decimal) (SwapQuote, error) {
	if !dir.Valid() {
		return SwapQuote{}, apperr.Validation("invalid direction %d", uint8(dir))
	}
	if !r.Base.IsPositive() || !r.Quote.IsPositive() {
		return SwapQuote{}, apperr.ChainState("pool has no liquidity")
	}

	reserveIn, reserveOut := r.Quote, r.Base
	inDecimals, outDecimals := r.QuoteDecimals, r.BaseDecimals
	if dir == BaseToQuote {
		reserveIn, reserveOut = r.Base, r.Quote
		inDecimals, outDecimals = r.BaseDecimals, r.QuoteDecimals
	}

	in, err := toRaw(input, inDecimals, "input amount")
	if err != nil {
		return SwapQuote{}, err
	}

	feeMultiplier := math.NewIntFromUint64(bpsDenominator - e.feeBps)
	inAfterFee := in.Mul(feeMultiplier).Quo(math.NewInt(bpsDenominator))
	k := reserveIn.Mul(reserveOut)
	newIn := reserveIn.Add(inAfterFee)
	newOut := ceilQuo(k, newIn)
	out := reserveOut.Sub(newOut)
	if out.IsNegative() {
		out = math.ZeroInt()
	}
	minOut := applySlippageDown(out, slippagePct)

	return SwapQuote{
		Status:           StatusConfident,
		Direction:        dir,
		Input:            input,
		Output:           fromRaw(out, outDecimals),
		MinimumOutput:    fromRaw(minOut, outDecimals),
		InputRaw:         in.Uint64(),
		OutputRaw:        out.Uint64(),
		MinimumOutputRaw: minOut.Uint64(),
	}, nil
}

// DegradedSwap estimates the output as a fixed discount of the input when the pool cannot be read.
func (e *Engine) DegradedSwap(input decimal.Decimal, dir Direction, slippagePct decimal.Decimal, reason string) SwapQuote {
	out := input.Mul(e.discount)
	return SwapQuote{
		Status:        StatusDegraded,
		Reason:        reason,
		Direction:     dir,
		Input:         input,
		Output:        out,
		MinimumOutput: out.Mul(slippageFactorDown(slippagePct)),
	}
}

// Deposit sizes a proportional deposit from exactly one of base or quote.
func (e *Engine) Deposit(r Reserves, base, quote *decimal.Decimal, slippagePct decimal.Decimal) (LiquidityQuote, error) {
	if err := exactlyOne(base, quote); err != nil {
		return LiquidityQuote{}, err
	}
	if !r.Base.IsPositive() || !r.Quote.IsPositive() || !r.LPSupply.IsPositive() {
		return LiquidityQuote{}, apperr.ChainState("pool has no liquidity")
	}

	var baseRaw, quoteRaw, lp math.Int
	if base != nil {
		var err error
		if baseRaw, err = toRaw(*base, r.BaseDecimals, "base amount"); err != nil {
			return LiquidityQuote{}, err
		}
		quoteRaw = ceilQuo(baseRaw.Mul(r.Quote), r.Base)
		lp = baseRaw.Mul(r.LPSupply).Quo(r.Base)
	} else {
		var err error
		if quoteRaw, err = toRaw(*quote, r.QuoteDecimals, "quote amount"); err != nil {
			return LiquidityQuote{}, err
		}
		baseRaw = ceilQuo(quoteRaw.Mul(r.Base), r.Quote)
		lp = quoteRaw.Mul(r.LPSupply).Quo(r.Quote)
	}
	if !lp.IsPositive() {
		return LiquidityQuote{}, apperr.ChainState("deposit too small to mint lp tokens")
	}
	maxBase := applySlippageUp(baseRaw, slippagePct)
	maxQuote := applySlippageUp(quoteRaw, slippagePct)
	for _, v := range []math.Int{baseRaw, quoteRaw, lp, maxBase, maxQuote} {
		if !v.IsUint64() {
			return LiquidityQuote{}, apperr.Validation("deposit amount overflows u64")
		}
	}

	return LiquidityQuote{
		Status:      StatusConfident,
		Base:        fromRaw(baseRaw, r.BaseDecimals),
		Quote:       fromRaw(quoteRaw, r.QuoteDecimals),
		LPToken:     fromRaw(lp, r.LPDecimals),
		BaseRaw:     baseRaw.Uint64(),
		QuoteRaw:    quoteRaw.Uint64(),
		LPTokenRaw:  lp.Uint64(),
		MaxBaseRaw:  maxBase.Uint64(),
		MaxQuoteRaw: maxQuote.Uint64(),
	}, nil
}

// DegradedDeposit derives the missing side with the fixed discount and lp as their geometric mean.
func (e *Engine) DegradedDeposit(base, quote *decimal.Decimal, reason string) (LiquidityQuote, error) {
	if err := exactlyOne(base, quote); err != nil {
		return LiquidityQuote{}, err
	}
	var b, q decimal.Decimal
	if base != nil {
		b = *base
		q = b.Mul(e.discount)
	} else {
		q = *quote
		b = q.Mul(e.discount)
	}
	lp, err := sqrt(b.Mul(q))
	if err != nil {
		return LiquidityQuote{}, err
	}
	return LiquidityQuote{
		Status:  StatusDegraded,
		Reason:  reason,
		Base:    b,
		Quote:   q,
		LPToken: lp,
	}, nil
}

// Withdraw returns the pro-rata share of both reserves for burning lpToken.
func (e *Engine) Withdraw(r Reserves, lpToken decimal.Decimal, slippagePct decimal.Decimal) (WithdrawQuote, error) {
	if !r.LPSupply.IsPositive() {
		return WithdrawQuote{}, apperr.ChainState("pool has no lp supply")
	}
	lp, err := toRaw(lpToken, r.LPDecimals, "lp token amount")
	if err != nil {
		return WithdrawQuote{}, err
	}
	if lp.GT(r.LPSupply) {
		return WithdrawQuote{}, apperr.ChainState("lp amount %s exceeds pool supply %s", lp, r.LPSupply)
	}
	base := lp.Mul(r.Base).Quo(r.LPSupply)
	quote := lp.Mul(r.Quote).Quo(r.LPSupply)
	return WithdrawQuote{
		LPToken:     lpToken,
		Base:        fromRaw(base, r.BaseDecimals),
		Quote:       fromRaw(quote, r.QuoteDecimals),
		LPTokenRaw:  lp.Uint64(),
		MinBaseRaw:  applySlippageDown(base, slippagePct).Uint64(),
		MinQuoteRaw: applySlippageDown(quote, slippagePct).Uint64(),
	}, nil
}

func exactlyOne(base, quote *decimal.Decimal) error {
	switch {
	case base != nil && quote != nil:
		return apperr.Validation("provide either baseAmount or quoteAmount, not both")
	case base == nil && quote == nil:
		return apperr.Validation("either baseAmount or quoteAmount is required")
	case base != nil && !base.IsPositive():
		return apperr.Validation("baseAmount must be positive")
	case quote != nil && !quote.IsPositive():
		return apperr.Validation("quoteAmount must be positive")
	}
	return nil
}

// ToRaw floors a UI amount to raw units and requires a positive u64 result.
func ToRaw(amount decimal.Decimal, decimals uint8, field string) (uint64, error) {
	raw, err := toRaw(amount, decimals, field)
	if err != nil {
		return 0, err
	}
	return raw.Uint64(), nil
}

func toRaw(amount decimal.Decimal, decimals uint8, field string) (math.Int, error) {
	raw := math.NewIntFromBigInt(amount.Shift(int32(decimals)).Floor().BigInt())
	if !raw.IsPositive() {
		return math.Int{}, apperr.Validation("%s must be positive", field)
	}
	if !raw.IsUint64() {
		return math.Int{}, apperr.Validation("%s overflows u64", field)
	}
	return raw, nil
}

func fromRaw(raw math.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(raw.BigInt(), -int32(decimals))
}

func ceilQuo(a, b math.Int) math.Int {
	return a.Add(b).Sub(math.OneInt()).Quo(b)
}

func slippagePPM(pct decimal.Decimal) math.Int {
	return math.NewInt(pct.Shift(4).IntPart())
}

func applySlippageDown(amount math.Int, pct decimal.Decimal) math.Int {
	scale := math.NewInt(ppmDenominator)
	return amount.Mul(scale.Sub(slippagePPM(pct))).Quo(scale)
}

func applySlippageUp(amount math.Int, pct decimal.Decimal) math.Int {
	scale := math.NewInt(ppmDenominator)
	return ceilQuo(amount.Mul(scale.Add(slippagePPM(pct))), scale)
}

func slippageFactorDown(pct decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(pct.Div(decimal.NewFromInt(100)))
}

func sqrt(v decimal.Decimal) (decimal.Decimal, error) {
	dec, err := math.LegacyNewDecFromStr(v.StringFixed(math.LegacyPrecision))
	if err != nil {
		return decimal.Zero, apperr.Validation("invalid amount %s: %v", v, err)
	}
	root, err := dec.ApproxSqrt()
	if err != nil {
		return decimal.Zero, fmt.Errorf("sqrt %s: %w", v, err)
	}
	return decimal.RequireFromString(root.String()), nil
}
