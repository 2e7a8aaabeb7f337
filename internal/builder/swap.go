package builder

import (
	"context"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/coldbell/millswap/backend/internal/apperr"
	"github.com/coldbell/millswap/backend/internal/authority"
	"github.com/coldbell/millswap/backend/internal/chain"
	"github.com/coldbell/millswap/backend/internal/mill"
	"github.com/coldbell/millswap/backend/internal/pda"
	"github.com/coldbell/millswap/backend/internal/provision"
)

type swapInput struct {
	market     solana.PublicKey
	quoteMint  solana.PublicKey
	user       solana.PublicKey
	swapType   mill.SwapType
	amountType mill.SwapAmountType
}

func (req SwapRequest) validate() (swapInput, error) {
	var in swapInput
	var err error
	if in.market, err = parsePubkey("market", req.Market); err != nil {
		return in, err
	}
	if in.quoteMint, err = parsePubkey("quoteTokenMint", req.QuoteTokenMint); err != nil {
		return in, err
	}
	if in.user, err = parsePubkey("userPublicKey", req.UserPublicKey); err != nil {
		return in, err
	}
	switch req.Action {
	case ActionBuy:
		in.swapType = mill.SwapBuy
	case ActionSell:
		in.swapType = mill.SwapSell
	default:
		return in, apperr.Validation("action must be buy or sell, got %q", req.Action)
	}
	switch req.TradeType {
	case TradeExactInput:
		in.amountType = mill.ExactInput
	case TradeExactOutput:
		in.amountType = mill.ExactOutput
	default:
		return in, apperr.Validation("tradeType must be exactInput or exactOutput, got %q", req.TradeType)
	}
	if req.Amount == 0 {
		return in, apperr.Validation("amount must be positive")
	}
	return in, nil
}

// swapFacts is what BuildSwap learns from the chain before planning.
type swapFacts struct {
	market          *mill.Market
	protocolFeeDest solana.PublicKey
	badge           solana.PublicKey
	badgeExists     bool
	marketBaseATA   solana.PublicKey
	marketQuoteATA  solana.PublicKey
	userBaseATA     solana.PublicKey
	userQuoteATA    solana.PublicKey
	protocolATA     solana.PublicKey
	atas            *provision.Result
	quoteReserve    decimal.Decimal
}

// BuildSwap renders a permissioned swap together with whatever market authority
// transitions and token accounts it needs.
func (s *Service) BuildSwap(ctx context.Context, req SwapRequest) (*TransactionResponse, error) {
	in, err := req.validate()
	if err != nil {
		return nil, err
	}

	facts, err := s.readSwapFacts(ctx, in)
	if err != nil {
		return nil, err
	}

	plan := authority.PlanSwap(authority.SwapFacts{
		BadgeExists:          facts.badgeExists,
		MarketQuoteATAExists: facts.atas.Exists(facts.marketQuoteATA),
		UserQuoteATAExists:   facts.atas.Exists(facts.userQuoteATA),
		UserBaseATAExists:    facts.atas.Exists(facts.userBaseATA),
		MarketQuoteReserve:   facts.quoteReserve,
	}, s.millCfg.SwapGraduationThreshold)

	s.logger.Debug("swap planned",
		"market", in.market.String(),
		"state", plan.From.String(),
		"lock", plan.NeedsLock,
		"free", plan.NeedsFree,
		"quote_reserve", facts.quoteReserve.String(),
	)

	instructions, err := s.renderSwap(in, req, facts, plan)
	if err != nil {
		return nil, err
	}

	signers := []solana.PrivateKey{s.authority}
	result, err := s.finish(ctx, buildMeta{operation: "swap", user: in.user, subject: in.market}, in.user, instructions, signers...)
	if err != nil {
		return nil, err
	}
	return &TransactionResponse{Transaction: result.Transaction}, nil
}

func (s *Service) readSwapFacts(ctx context.Context, in swapInput) (*swapFacts, error) {
	market, err := s.readMarket(ctx, in.market)
	if err != nil {
		return nil, err
	}
	if !market.QuoteTokenMint.Equals(in.quoteMint) {
		return nil, apperr.ChainState("market %s trades quote mint %s, not %s", in.market, market.QuoteTokenMint, in.quoteMint)
	}

	configAccount, err := s.reader.GetAccount(ctx, market.Config)
	if err != nil {
		return nil, err
	}
	if configAccount == nil {
		return nil, apperr.ChainState("token mill config %s not found", market.Config)
	}
	millConfig, err := mill.DecodeTokenMillConfig(configAccount.Data)
	if err != nil {
		return nil, err
	}

	facts := &swapFacts{market: market, protocolFeeDest: millConfig.ProtocolFeeRecipient}
	if facts.badge, _, err = pda.DeriveSwapAuthorityBadge(s.mill.ID, in.market, s.authority.PublicKey()); err != nil {
		return nil, err
	}
	if facts.marketBaseATA, err = ata(in.market, market.BaseTokenMint); err != nil {
		return nil, err
	}
	if facts.protocolATA, err = ata(millConfig.ProtocolFeeRecipient, in.quoteMint); err != nil {
		return nil, err
	}

	var badgeAccount *chain.Account
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		account, err := s.reader.GetAccount(groupCtx, facts.badge)
		badgeAccount = account
		return err
	})
	group.Go(func() error {
		result, err := s.provisioner.Check(groupCtx,
			provision.Request{Payer: in.user, Owner: in.market, Mint: in.quoteMint},
			provision.Request{Payer: in.user, Owner: in.user, Mint: in.quoteMint},
			provision.Request{Payer: in.user, Owner: in.user, Mint: market.BaseTokenMint},
		)
		facts.atas = result
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	facts.badgeExists = badgeAccount != nil
	facts.marketQuoteATA = facts.atas.Addresses[0]
	facts.userQuoteATA = facts.atas.Addresses[1]
	facts.userBaseATA = facts.atas.Addresses[2]

	reserve, err := facts.atas.TokenAmount(facts.marketQuoteATA)
	if err != nil {
		return nil, apperr.SDKDecode(err, "market quote balance")
	}
	facts.quoteReserve = uiAmount(reserve, market.QuoteTokenDecimals)
	return facts, nil
}

func (s *Service) renderSwap(in swapInput, req SwapRequest, facts *swapFacts, plan authority.SwapPlan) ([]solana.Instruction, error) {
	serverKey := s.authority.PublicKey()
	var instructions []solana.Instruction

	if plan.NeedsLock {
		ix, err := s.mill.LockMarket(in.market, facts.badge, in.user, serverKey)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, ix)
	}
	for _, needed := range []struct {
		create  bool
		address solana.PublicKey
	}{
		{plan.NeedsCreateMarketQuoteATA, facts.marketQuoteATA},
		{plan.NeedsCreateUserQuoteATA, facts.userQuoteATA},
		{plan.NeedsCreateUserBaseATA, facts.userBaseATA},
	} {
		if !needed.create {
			continue
		}
		if ix, ok := facts.atas.CreateInstruction(needed.address); ok {
			instructions = append(instructions, ix)
		}
	}
	swapAuthority := serverKey
	if plan.NeedsFree {
		ix, err := s.mill.FreeMarket(in.market, facts.badge, serverKey)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, ix)
	}
	if plan.UserIsSwapAuthority() {
		swapAuthority = in.user
	}

	swap, err := s.mill.PermissionedSwap(mill.SwapParams{
		Market:               in.market,
		Badge:                facts.badge,
		BaseTokenMint:        facts.market.BaseTokenMint,
		QuoteTokenMint:       in.quoteMint,
		MarketBaseATA:        facts.marketBaseATA,
		MarketQuoteATA:       facts.marketQuoteATA,
		UserBaseATA:          facts.userBaseATA,
		UserQuoteATA:         facts.userQuoteATA,
		ProtocolQuoteATA:     facts.protocolATA,
		SwapAuthority:        swapAuthority,
		User:                 in.user,
		SwapType:             in.swapType,
		AmountType:           in.amountType,
		Amount:               req.Amount,
		OtherAmountThreshold: s.finalThreshold(req),
	})
	if err != nil {
		return nil, err
	}
	return append(instructions, swap), nil
}

// finalThreshold applies the configured slippage factor when the client sent no
// threshold: buys round down, sells round up.
func (s *Service) finalThreshold(req SwapRequest) uint64 {
	if req.OtherAmountThreshold != nil {
		return *req.OtherAmountThreshold
	}
	amount := decimal.NewFromBigInt(new(big.Int).SetUint64(req.Amount), 0)
	var threshold decimal.Decimal
	if req.Action == ActionBuy {
		threshold = amount.Mul(s.millCfg.BuyThresholdFactor).Floor()
	} else {
		threshold = amount.Mul(s.millCfg.SellThresholdFactor).Ceil()
	}
	raw := threshold.BigInt()
	if raw.Sign() < 0 {
		return 0
	}
	if !raw.IsUint64() {
		return ^uint64(0)
	}
	return raw.Uint64()
}

func uiAmount(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}
