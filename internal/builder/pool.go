package builder

import (
	"context"

	"cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/coldbell/millswap/backend/internal/amm"
	"github.com/coldbell/millswap/backend/internal/apperr"
	"github.com/coldbell/millswap/backend/internal/chain"
	"github.com/coldbell/millswap/backend/internal/provision"
)

// poolState is a decoded pool with its live reserves. When the pool account
// exists but cannot be decoded, decodeErr is set and the rest is empty.
type poolState struct {
	pool      *amm.Pool
	reserves  amm.Reserves
	decodeErr error
}

func (s *Service) loadPool(ctx context.Context, address solana.PublicKey) (*poolState, error) {
	account, err := s.reader.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apperr.ChainState("pool %s not found", address)
	}
	pool, err := amm.DecodePool(address, account.Data)
	if err != nil {
		return &poolState{decodeErr: err}, nil
	}

	accounts, err := s.reader.GetAccounts(ctx, []solana.PublicKey{
		pool.PoolBaseTokenAccount,
		pool.PoolQuoteTokenAccount,
		pool.BaseMint,
		pool.QuoteMint,
		pool.LPMint,
	})
	if err != nil {
		return nil, err
	}
	names := []string{"pool base vault", "pool quote vault", "base mint", "quote mint", "lp mint"}
	for i, acc := range accounts {
		if acc == nil {
			return nil, apperr.ChainState("%s of pool %s not found", names[i], address)
		}
	}

	baseReserve, err := chain.TokenAccountAmount(accounts[0].Data)
	if err != nil {
		return nil, apperr.SDKDecode(err, "pool base vault")
	}
	quoteReserve, err := chain.TokenAccountAmount(accounts[1].Data)
	if err != nil {
		return nil, apperr.SDKDecode(err, "pool quote vault")
	}
	decimals := make([]uint8, 3)
	for i := range decimals {
		decimals[i], err = chain.MintDecimals(accounts[2+i].Data)
		if err != nil {
			return nil, apperr.SDKDecode(err, "%s", names[2+i])
		}
	}

	return &poolState{
		pool: pool,
		reserves: amm.Reserves{
			Base:          math.NewIntFromUint64(baseReserve),
			Quote:         math.NewIntFromUint64(quoteReserve),
			LPSupply:      math.NewIntFromUint64(pool.LPSupply),
			BaseDecimals:  decimals[0],
			QuoteDecimals: decimals[1],
			LPDecimals:    decimals[2],
		},
	}, nil
}

// requirePool rejects undecodable pools for builds, which cannot be degraded.
func (s *Service) requirePool(ctx context.Context, address solana.PublicKey) (*poolState, error) {
	state, err := s.loadPool(ctx, address)
	if err != nil {
		return nil, err
	}
	if state.decodeErr != nil {
		return nil, state.decodeErr
	}
	return state, nil
}

func positiveAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Validation("%s must be positive", field)
	}
	return nil
}

func (s *Service) QuoteSwap(ctx context.Context, req QuoteSwapRequest) (*QuoteSwapResponse, error) {
	poolAddress, err := parsePubkey("pool", req.Pool)
	if err != nil {
		return nil, err
	}
	if err := positiveAmount("inputAmount", req.InputAmount); err != nil {
		return nil, err
	}
	if !req.Direction.Valid() {
		return nil, apperr.Validation("invalid direction %d", uint8(req.Direction))
	}
	slippage, err := s.quotes.Slippage(req.Slippage)
	if err != nil {
		return nil, err
	}

	state, err := s.loadPool(ctx, poolAddress)
	if err != nil {
		return nil, err
	}
	if state.decodeErr != nil {
		s.logger.Warn("pool undecodable, returning degraded quote", "pool", poolAddress.String(), "err", state.decodeErr)
		quote := s.quotes.DegradedSwap(req.InputAmount, req.Direction, slippage, state.decodeErr.Error())
		return swapResponse(quote, nil), nil
	}
	quote, err := s.quotes.Swap(state.reserves, req.InputAmount, req.Direction, slippage)
	if err != nil {
		return nil, err
	}
	price := state.reserves.Price()
	return swapResponse(quote, &price), nil
}

func swapResponse(quote amm.SwapQuote, price *decimal.Decimal) *QuoteSwapResponse {
	return &QuoteSwapResponse{
		OutputAmount:        quote.Output,
		MinimumOutputAmount: quote.MinimumOutput,
		Status:              quote.Status,
		Degraded:            quote.Degraded(),
		Reason:              quote.Reason,
		Price:               price,
	}
}

func (s *Service) QuoteLiquidity(ctx context.Context, req QuoteLiquidityRequest) (*QuoteLiquidityResponse, error) {
	poolAddress, err := parsePubkey("pool", req.Pool)
	if err != nil {
		return nil, err
	}
	slippage, err := s.quotes.Slippage(req.Slippage)
	if err != nil {
		return nil, err
	}
	if (req.BaseAmount == nil) == (req.QuoteAmount == nil) {
		return nil, apperr.Validation("exactly one of baseAmount or quoteAmount is required")
	}

	state, err := s.loadPool(ctx, poolAddress)
	if err != nil {
		return nil, err
	}
	var quote amm.LiquidityQuote
	if state.decodeErr != nil {
		s.logger.Warn("pool undecodable, returning degraded liquidity quote", "pool", poolAddress.String(), "err", state.decodeErr)
		quote, err = s.quotes.DegradedDeposit(req.BaseAmount, req.QuoteAmount, state.decodeErr.Error())
	} else {
		quote, err = s.quotes.Deposit(state.reserves, req.BaseAmount, req.QuoteAmount, slippage)
	}
	if err != nil {
		return nil, err
	}
	return &QuoteLiquidityResponse{
		Base:     quote.Base,
		Quote:    quote.Quote,
		LPToken:  quote.LPToken,
		Status:   quote.Status,
		Degraded: quote.Degraded(),
		Reason:   quote.Reason,
	}, nil
}

// poolAccounts provisions the user side of a pool interaction.
type poolAccounts struct {
	trade   amm.TradeAccounts
	atas    *provision.Result
	created []solana.PublicKey
}

func (s *Service) provisionPoolAccounts(ctx context.Context, user solana.PublicKey, pool *amm.Pool, withLP bool) (*poolAccounts, error) {
	requests := []provision.Request{
		{Payer: user, Owner: user, Mint: pool.BaseMint},
		{Payer: user, Owner: user, Mint: pool.QuoteMint},
	}
	if withLP {
		requests = append(requests, provision.Request{Payer: user, Owner: user, Mint: pool.LPMint, TokenProgram: solana.Token2022ProgramID})
	}
	result, err := s.provisioner.Check(ctx, requests...)
	if err != nil {
		return nil, err
	}
	out := &poolAccounts{
		trade: amm.TradeAccounts{
			User:      user,
			UserBase:  result.Addresses[0],
			UserQuote: result.Addresses[1],
		},
		atas:    result,
		created: result.Missing(),
	}
	if withLP {
		out.trade.UserPoolLP = result.Addresses[2]
	}
	return out, nil
}

// wrapIfNative funds the user's wrapped-SOL account when mint is native SOL.
func wrapIfNative(user, mint, account solana.PublicKey, lamports uint64) ([]solana.Instruction, error) {
	if !mint.Equals(solana.WrappedSol) || lamports == 0 {
		return nil, nil
	}
	return amm.WrapSOL(user, account, lamports)
}

// closeCreatedNative returns the rent and any leftover of wrapped-SOL accounts
// opened by this same transaction.
func closeCreatedNative(user solana.PublicKey, created []solana.PublicKey, candidates map[solana.PublicKey]solana.PublicKey) ([]solana.Instruction, error) {
	var out []solana.Instruction
	for _, address := range created {
		mint, ok := candidates[address]
		if !ok || !mint.Equals(solana.WrappedSol) {
			continue
		}
		ix, err := amm.UnwrapSOL(user, address)
		if err != nil {
			return nil, err
		}
		out = append(out, ix)
	}
	return out, nil
}

func (accounts *poolAccounts) closeNative(pool *amm.Pool) ([]solana.Instruction, error) {
	return closeCreatedNative(accounts.trade.User, accounts.created, map[solana.PublicKey]solana.PublicKey{
		accounts.trade.UserBase:  pool.BaseMint,
		accounts.trade.UserQuote: pool.QuoteMint,
	})
}

// BuildPoolSwap swaps against a pool. QuoteToBase buys base, BaseToQuote sells it.
func (s *Service) BuildPoolSwap(ctx context.Context, req PoolSwapRequest) (*TransactionResponse, error) {
	poolAddress, err := parsePubkey("pool", req.Pool)
	if err != nil {
		return nil, err
	}
	user, err := parsePubkey("userPublicKey", req.UserPublicKey)
	if err != nil {
		return nil, err
	}
	if err := positiveAmount("inputAmount", req.InputAmount); err != nil {
		return nil, err
	}
	if !req.Direction.Valid() {
		return nil, apperr.Validation("invalid direction %d", uint8(req.Direction))
	}
	slippage, err := s.quotes.Slippage(req.Slippage)
	if err != nil {
		return nil, err
	}

	state, err := s.requirePool(ctx, poolAddress)
	if err != nil {
		return nil, err
	}
	quote, err := s.quotes.Swap(state.reserves, req.InputAmount, req.Direction, slippage)
	if err != nil {
		return nil, err
	}
	if quote.MinimumOutputRaw == 0 {
		return nil, apperr.Validation("inputAmount %s is too small to receive any output", req.InputAmount)
	}
	accounts, err := s.provisionPoolAccounts(ctx, user, state.pool, false)
	if err != nil {
		return nil, err
	}

	pool := state.pool
	instructions := accounts.atas.CreateInstructions()
	var swap solana.Instruction
	if req.Direction == amm.QuoteToBase {
		wrap, err := wrapIfNative(user, pool.QuoteMint, accounts.trade.UserQuote, quote.InputRaw)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, wrap...)
		swap, err = s.amm.Buy(pool, accounts.trade, quote.MinimumOutputRaw, quote.InputRaw)
		if err != nil {
			return nil, err
		}
	} else {
		wrap, err := wrapIfNative(user, pool.BaseMint, accounts.trade.UserBase, quote.InputRaw)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, wrap...)
		swap, err = s.amm.Sell(pool, accounts.trade, quote.InputRaw, quote.MinimumOutputRaw)
		if err != nil {
			return nil, err
		}
	}
	instructions = append(instructions, swap)
	closes, err := accounts.closeNative(pool)
	if err != nil {
		return nil, err
	}
	instructions = append(instructions, closes...)

	result, err := s.finish(ctx, buildMeta{operation: "pool_swap", user: user, subject: poolAddress}, user, instructions)
	if err != nil {
		return nil, err
	}
	return &TransactionResponse{Transaction: result.Transaction}, nil
}

func (s *Service) BuildAddLiquidity(ctx context.Context, req AddLiquidityRequest) (*TransactionResponse, error) {
	poolAddress, err := parsePubkey("pool", req.Pool)
	if err != nil {
		return nil, err
	}
	user, err := parsePubkey("userPublicKey", req.UserPublicKey)
	if err != nil {
		return nil, err
	}
	slippage, err := s.quotes.Slippage(req.Slippage)
	if err != nil {
		return nil, err
	}
	if (req.BaseAmount == nil) == (req.QuoteAmount == nil) {
		return nil, apperr.Validation("exactly one of baseAmount or quoteAmount is required")
	}

	state, err := s.requirePool(ctx, poolAddress)
	if err != nil {
		return nil, err
	}
	quote, err := s.quotes.Deposit(state.reserves, req.BaseAmount, req.QuoteAmount, slippage)
	if err != nil {
		return nil, err
	}
	if quote.LPTokenRaw == 0 {
		return nil, apperr.Validation("deposit is too small to mint lp tokens")
	}
	accounts, err := s.provisionPoolAccounts(ctx, user, state.pool, true)
	if err != nil {
		return nil, err
	}

	pool := state.pool
	instructions := accounts.atas.CreateInstructions()
	for _, side := range []struct {
		mint    solana.PublicKey
		account solana.PublicKey
		amount  uint64
	}{
		{pool.BaseMint, accounts.trade.UserBase, quote.MaxBaseRaw},
		{pool.QuoteMint, accounts.trade.UserQuote, quote.MaxQuoteRaw},
	} {
		wrap, err := wrapIfNative(user, side.mint, side.account, side.amount)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, wrap...)
	}
	deposit, err := s.amm.Deposit(pool, accounts.trade, quote.LPTokenRaw, quote.MaxBaseRaw, quote.MaxQuoteRaw)
	if err != nil {
		return nil, err
	}
	instructions = append(instructions, deposit)
	closes, err := accounts.closeNative(pool)
	if err != nil {
		return nil, err
	}
	instructions = append(instructions, closes...)

	result, err := s.finish(ctx, buildMeta{operation: "add_liquidity", user: user, subject: poolAddress}, user, instructions)
	if err != nil {
		return nil, err
	}
	return &TransactionResponse{Transaction: result.Transaction}, nil
}

func (s *Service) BuildRemoveLiquidity(ctx context.Context, req RemoveLiquidityRequest) (*TransactionResponse, error) {
	poolAddress, err := parsePubkey("pool", req.Pool)
	if err != nil {
		return nil, err
	}
	user, err := parsePubkey("userPublicKey", req.UserPublicKey)
	if err != nil {
		return nil, err
	}
	if err := positiveAmount("lpTokenAmount", req.LPTokenAmount); err != nil {
		return nil, err
	}
	slippage, err := s.quotes.Slippage(req.Slippage)
	if err != nil {
		return nil, err
	}

	state, err := s.requirePool(ctx, poolAddress)
	if err != nil {
		return nil, err
	}
	quote, err := s.quotes.Withdraw(state.reserves, req.LPTokenAmount, slippage)
	if err != nil {
		return nil, err
	}
	accounts, err := s.provisionPoolAccounts(ctx, user, state.pool, true)
	if err != nil {
		return nil, err
	}
	if !accounts.atas.Exists(accounts.trade.UserPoolLP) {
		return nil, apperr.ChainState("user %s holds no lp token account for pool %s", user, poolAddress)
	}
	held, err := accounts.atas.TokenAmount(accounts.trade.UserPoolLP)
	if err != nil {
		return nil, apperr.SDKDecode(err, "user lp token account")
	}
	if held < quote.LPTokenRaw {
		return nil, apperr.ChainState("user holds %d lp tokens, %d requested", held, quote.LPTokenRaw)
	}

	pool := state.pool
	instructions := accounts.atas.CreateInstructions()
	withdraw, err := s.amm.Withdraw(pool, accounts.trade, quote.LPTokenRaw, quote.MinBaseRaw, quote.MinQuoteRaw)
	if err != nil {
		return nil, err
	}
	instructions = append(instructions, withdraw)
	closes, err := accounts.closeNative(pool)
	if err != nil {
		return nil, err
	}
	instructions = append(instructions, closes...)

	result, err := s.finish(ctx, buildMeta{operation: "remove_liquidity", user: user, subject: poolAddress}, user, instructions)
	if err != nil {
		return nil, err
	}
	return &TransactionResponse{Transaction: result.Transaction}, nil
}

// BuildCreatePool seeds a new pool from the user's balances.
func (s *Service) BuildCreatePool(ctx context.Context, req CreatePoolRequest) (*CreatePoolResponse, error) {
	baseMint, err := parsePubkey("baseMint", req.BaseMint)
	if err != nil {
		return nil, err
	}
	quoteMint, err := parsePubkey("quoteMint", req.QuoteMint)
	if err != nil {
		return nil, err
	}
	user, err := parsePubkey("userPublicKey", req.UserPublicKey)
	if err != nil {
		return nil, err
	}
	if baseMint.Equals(quoteMint) {
		return nil, apperr.Validation("baseMint and quoteMint must differ")
	}
	if err := positiveAmount("baseAmount", req.BaseAmount); err != nil {
		return nil, err
	}
	if err := positiveAmount("quoteAmount", req.QuoteAmount); err != nil {
		return nil, err
	}

	balance, err := s.reader.GetBalance(ctx, user)
	if err != nil {
		return nil, err
	}
	if balance < s.ammCfg.MinCreatePoolLamports {
		return nil, apperr.ChainState("creating a pool needs at least %d lamports, user has %d", s.ammCfg.MinCreatePoolLamports, balance)
	}

	mints, err := s.reader.GetAccounts(ctx, []solana.PublicKey{baseMint, quoteMint})
	if err != nil {
		return nil, err
	}
	if mints[0] == nil {
		return nil, apperr.ChainState("base mint %s not found", baseMint)
	}
	if mints[1] == nil {
		return nil, apperr.ChainState("quote mint %s not found", quoteMint)
	}
	baseDecimals, err := chain.MintDecimals(mints[0].Data)
	if err != nil {
		return nil, apperr.SDKDecode(err, "base mint %s", baseMint)
	}
	quoteDecimals, err := chain.MintDecimals(mints[1].Data)
	if err != nil {
		return nil, apperr.SDKDecode(err, "quote mint %s", quoteMint)
	}
	baseIn, err := amm.ToRaw(req.BaseAmount, baseDecimals, "baseAmount")
	if err != nil {
		return nil, err
	}
	quoteIn, err := amm.ToRaw(req.QuoteAmount, quoteDecimals, "quoteAmount")
	if err != nil {
		return nil, err
	}

	atas, err := s.provisioner.Check(ctx,
		provision.Request{Payer: user, Owner: user, Mint: baseMint},
		provision.Request{Payer: user, Owner: user, Mint: quoteMint},
	)
	if err != nil {
		return nil, err
	}
	userBase, userQuote := atas.Addresses[0], atas.Addresses[1]

	instructions := atas.CreateInstructions()
	for _, side := range []struct {
		mint    solana.PublicKey
		account solana.PublicKey
		amount  uint64
	}{
		{baseMint, userBase, baseIn},
		{quoteMint, userQuote, quoteIn},
	} {
		wrap, err := wrapIfNative(user, side.mint, side.account, side.amount)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, wrap...)
	}
	create, poolAddress, err := s.amm.CreatePool(amm.CreatePoolParams{
		Index:     req.Index,
		Creator:   user,
		BaseMint:  baseMint,
		QuoteMint: quoteMint,
		BaseIn:    baseIn,
		QuoteIn:   quoteIn,
	})
	if err != nil {
		return nil, err
	}
	instructions = append(instructions, create)
	closes, err := closeCreatedNative(user, atas.Missing(), map[solana.PublicKey]solana.PublicKey{
		userBase:  baseMint,
		userQuote: quoteMint,
	})
	if err != nil {
		return nil, err
	}
	instructions = append(instructions, closes...)

	result, err := s.finish(ctx, buildMeta{operation: "create_pool", user: user, subject: poolAddress}, user, instructions)
	if err != nil {
		return nil, err
	}
	return &CreatePoolResponse{Transaction: result.Transaction, Pool: poolAddress.String()}, nil
}
