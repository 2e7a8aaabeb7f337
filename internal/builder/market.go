package builder

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/coldbell/millswap/backend/internal/apperr"
	"github.com/coldbell/millswap/backend/internal/chain"
	"github.com/coldbell/millswap/backend/internal/mill"
	"github.com/coldbell/millswap/backend/internal/pda"
)

const (
	maxTokenNameLen   = 32
	maxTokenSymbolLen = 10
	maxTokenURILen    = 200
	feeShareTotal     = 10_000
	// baseTokenDecimals is fixed by createMarketWithSpl.
	baseTokenDecimals = 6
)

var baseTokenUnit = uint64(1_000_000)

func (req CreateMarketRequest) validate() (solana.PublicKey, error) {
	user, err := parsePubkey("userPublicKey", req.UserPublicKey)
	if err != nil {
		return user, err
	}
	name := strings.TrimSpace(req.TokenName)
	symbol := strings.TrimSpace(req.TokenSymbol)
	uri := strings.TrimSpace(req.URI)
	switch {
	case name == "" || utf8.RuneCountInString(name) > maxTokenNameLen:
		return user, apperr.Validation("tokenName must be 1-%d characters", maxTokenNameLen)
	case symbol == "" || utf8.RuneCountInString(symbol) > maxTokenSymbolLen:
		return user, apperr.Validation("tokenSymbol must be 1-%d characters", maxTokenSymbolLen)
	case len(uri) > maxTokenURILen:
		return user, apperr.Validation("uri must be at most %d bytes", maxTokenURILen)
	case req.TotalSupply == 0:
		return user, apperr.Validation("totalSupply must be positive")
	case req.TotalSupply > ^uint64(0)/baseTokenUnit:
		return user, apperr.Validation("totalSupply %d overflows the base token supply", req.TotalSupply)
	case uint32(req.CreatorFeeShare)+uint32(req.StakingFeeShare) > feeShareTotal:
		return user, apperr.Validation("creatorFeeShare + stakingFeeShare must not exceed %d", feeShareTotal)
	}
	return user, nil
}

// BuildCreateMarket creates a fresh base mint and its market. The mint key is
// generated here and partially signs.
func (s *Service) BuildCreateMarket(ctx context.Context, req CreateMarketRequest) (*CreateMarketResponse, error) {
	user, err := req.validate()
	if err != nil {
		return nil, err
	}

	mintKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, apperr.Config("generate mint key: %v", err)
	}
	baseMint := mintKey.PublicKey()
	quoteMint := solana.WrappedSol

	market, _, err := pda.DeriveMarket(s.mill.ID, baseMint)
	if err != nil {
		return nil, err
	}
	metadata, _, err := pda.DeriveMetadata(baseMint)
	if err != nil {
		return nil, err
	}
	marketBaseATA, err := ata(market, baseMint)
	if err != nil {
		return nil, err
	}
	badge, _, err := pda.DeriveQuoteTokenBadge(s.mill.ID, s.mill.Config, quoteMint)
	if err != nil {
		return nil, err
	}

	create, err := s.mill.CreateMarketWithSpl(mill.CreateMarketParams{
		Market:          market,
		BaseTokenMint:   baseMint,
		Metadata:        metadata,
		MarketBaseATA:   marketBaseATA,
		QuoteTokenBadge: badge,
		QuoteTokenMint:  quoteMint,
		Creator:         user,
		Name:            strings.TrimSpace(req.TokenName),
		Symbol:          strings.TrimSpace(req.TokenSymbol),
		URI:             strings.TrimSpace(req.URI),
		TotalSupply:     req.TotalSupply * baseTokenUnit,
		CreatorFeeShare: req.CreatorFeeShare,
		StakingFeeShare: req.StakingFeeShare,
	})
	if err != nil {
		return nil, err
	}
	commission := s.fees.ForMarketCreation(req.TotalSupply)
	instructions := []solana.Instruction{create, s.fees.TransferInstruction(user, commission)}

	result, err := s.finish(ctx, buildMeta{operation: "create_market", user: user, subject: market}, user, instructions, mintKey)
	if err != nil {
		return nil, err
	}
	return &CreateMarketResponse{
		Transaction:   result.Transaction,
		MarketAddress: market.String(),
		BaseTokenMint: baseMint.String(),
	}, nil
}

// BuildFreeMarket hands market trading to everyone. The server authority pays and signs.
func (s *Service) BuildFreeMarket(ctx context.Context, req FreeMarketRequest) (*TransactionResponse, error) {
	market, err := parsePubkey("market", req.Market)
	if err != nil {
		return nil, err
	}
	serverKey := s.authority.PublicKey()
	badge, _, err := pda.DeriveSwapAuthorityBadge(s.mill.ID, market, serverKey)
	if err != nil {
		return nil, err
	}
	badgeAccount, err := s.reader.GetAccount(ctx, badge)
	if err != nil {
		return nil, err
	}
	if badgeAccount == nil {
		return nil, apperr.ChainState("market %s is not locked to the server authority", market)
	}

	free, err := s.mill.FreeMarket(market, badge, serverKey)
	if err != nil {
		return nil, err
	}
	result, err := s.finish(ctx, buildMeta{operation: "free_market", user: serverKey, subject: market}, serverKey, []solana.Instruction{free}, s.authority)
	if err != nil {
		return nil, err
	}
	return &TransactionResponse{Transaction: result.Transaction}, nil
}

// curvePrices floors a price ladder and checks its shape.
func curvePrices(field string, prices []decimal.Decimal) ([mill.PriceLevels]uint64, error) {
	var out [mill.PriceLevels]uint64
	if len(prices) != mill.PriceLevels {
		return out, apperr.Validation("%s must have exactly %d entries, got %d", field, mill.PriceLevels, len(prices))
	}
	for i, price := range prices {
		if price.IsNegative() {
			return out, apperr.Validation("%s[%d] must not be negative", field, i)
		}
		floored := price.Floor().BigInt()
		if !floored.IsUint64() {
			return out, apperr.Validation("%s[%d] is too large", field, i)
		}
		out[i] = floored.Uint64()
		if i > 0 && out[i] < out[i-1] {
			return out, apperr.Validation("%s must be non-decreasing (index %d)", field, i)
		}
	}
	return out, nil
}

func (req SetCurveRequest) validate() (market, user solana.PublicKey, bid, ask [mill.PriceLevels]uint64, err error) {
	if market, err = parsePubkey("market", req.Market); err != nil {
		return
	}
	if user, err = parsePubkey("userPublicKey", req.UserPublicKey); err != nil {
		return
	}
	if ask, err = curvePrices("askPrices", req.AskPrices); err != nil {
		return
	}
	if bid, err = curvePrices("bidPrices", req.BidPrices); err != nil {
		return
	}
	for i := range ask {
		if ask[i] < bid[i] {
			err = apperr.Validation("askPrices[%d]=%d is below bidPrices[%d]=%d", i, ask[i], i, bid[i])
			return
		}
	}
	return
}

// BuildSetCurve writes the one-time price ladder of a market and charges the curve commission.
func (s *Service) BuildSetCurve(ctx context.Context, req SetCurveRequest) (*TransactionResponse, error) {
	market, user, bid, ask, err := req.validate()
	if err != nil {
		return nil, err
	}

	state, err := s.readMarket(ctx, market)
	if err != nil {
		return nil, err
	}
	if !state.Creator.Equals(user) {
		return nil, apperr.ChainState("only the market creator %s can set prices", state.Creator)
	}
	if state.PricesSet() {
		return nil, apperr.ChainState("market %s prices are already set", market)
	}

	setPrices, err := s.mill.SetMarketPrices(market, user, bid, ask)
	if err != nil {
		return nil, err
	}
	commission := s.fees.ForCurve(ask[:])
	instructions := []solana.Instruction{setPrices, s.fees.TransferInstruction(user, commission)}

	result, err := s.finish(ctx, buildMeta{operation: "set_curve", user: user, subject: market}, user, instructions)
	if err != nil {
		return nil, err
	}
	return &TransactionResponse{Transaction: result.Transaction}, nil
}

// BuildStake initializes the staking pool of a market, paid by the user.
func (s *Service) BuildStake(ctx context.Context, req StakeRequest) (*TransactionResponse, error) {
	market, err := parsePubkey("marketAddress", req.MarketAddress)
	if err != nil {
		return nil, err
	}
	user, err := parsePubkey("userPublicKey", req.UserPublicKey)
	if err != nil {
		return nil, err
	}
	staking, _, err := pda.DeriveMarketStaking(s.mill.ID, market)
	if err != nil {
		return nil, err
	}
	existing, err := s.reader.GetAccount(ctx, staking)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.ChainState("staking for market %s already exists", market)
	}

	ix, err := s.mill.CreateStaking(market, staking, user)
	if err != nil {
		return nil, err
	}
	result, err := s.finish(ctx, buildMeta{operation: "stake", user: user, subject: market}, user, []solana.Instruction{ix})
	if err != nil {
		return nil, err
	}
	return &TransactionResponse{Transaction: result.Transaction}, nil
}

func (s *Service) Graduation(ctx context.Context, market string) (*Graduation, error) {
	address, err := parsePubkey("market", market)
	if err != nil {
		return nil, err
	}
	return ReadGraduation(ctx, s.reader, address, s.millCfg.QueryGraduationThreshold)
}

// ReadGraduation reports how close a market's quote reserve is to threshold. A
// reserve account that does not exist yet counts as empty.
func ReadGraduation(ctx context.Context, reader chain.Reader, market solana.PublicKey, threshold decimal.Decimal) (*Graduation, error) {
	if !threshold.IsPositive() {
		return nil, apperr.Config("graduation threshold must be positive")
	}
	account, err := reader.GetAccount(ctx, market)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apperr.ChainState("market %s not found", market)
	}
	state, err := mill.DecodeMarket(account.Data)
	if err != nil {
		return nil, err
	}

	baseATA, err := ata(market, state.BaseTokenMint)
	if err != nil {
		return nil, err
	}
	quoteATA, err := ata(market, state.QuoteTokenMint)
	if err != nil {
		return nil, err
	}
	accounts, err := reader.GetAccounts(ctx, []solana.PublicKey{baseATA, quoteATA, state.BaseTokenMint})
	if err != nil {
		return nil, err
	}

	baseDecimals := uint8(baseTokenDecimals)
	if mint := accounts[2]; mint != nil {
		if baseDecimals, err = chain.MintDecimals(mint.Data); err != nil {
			return nil, apperr.SDKDecode(err, "base mint %s", state.BaseTokenMint)
		}
	}
	baseRaw, err := optionalTokenAmount(accounts[0])
	if err != nil {
		return nil, err
	}
	quoteRaw, err := optionalTokenAmount(accounts[1])
	if err != nil {
		return nil, err
	}

	quote := uiAmount(quoteRaw, state.QuoteTokenDecimals)
	percentage := quote.Div(threshold).Mul(decimal.NewFromInt(100))
	return &Graduation{
		Market:               market.String(),
		BaseTokenBalance:     uiAmount(baseRaw, baseDecimals),
		QuoteTokenBalance:    quote,
		Graduated:            quote.GreaterThanOrEqual(threshold),
		GraduationPercentage: percentage.StringFixed(6),
		Threshold:            threshold,
	}, nil
}

func optionalTokenAmount(account *chain.Account) (uint64, error) {
	if account == nil {
		return 0, nil
	}
	amount, err := chain.TokenAccountAmount(account.Data)
	if err != nil {
		return 0, apperr.SDKDecode(err, "token account %s", account.Address)
	}
	return amount, nil
}
