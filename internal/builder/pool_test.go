package builder

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/millswap/backend/internal/amm"
	"github.com/coldbell/millswap/backend/internal/apperr"
	"github.com/coldbell/millswap/backend/internal/config"
	"github.com/coldbell/millswap/backend/internal/pda"
)

var (
	ataProgram    = solana.SPLAssociatedTokenAccountProgramID.String()
	systemProgram = solana.SystemProgramID.String()
	tokenProgram  = solana.TokenProgramID.String()
)

// addPool stores a base/wSOL pool holding 1,000,000 base and 100 SOL.
func (h *harness) addPool(t *testing.T) *amm.Pool {
	t.Helper()
	pool := &amm.Pool{
		Address:               solana.NewWallet().PublicKey(),
		Bump:                  254,
		Creator:               solana.NewWallet().PublicKey(),
		BaseMint:              solana.NewWallet().PublicKey(),
		QuoteMint:             solana.WrappedSol,
		LPMint:                solana.NewWallet().PublicKey(),
		PoolBaseTokenAccount:  solana.NewWallet().PublicKey(),
		PoolQuoteTokenAccount: solana.NewWallet().PublicKey(),
		LPSupply:              1_000_000_000_000,
		CoinCreator:           solana.SystemProgramID,
	}
	data, err := pool.MarshalBinary()
	require.NoError(t, err)
	h.fake.SetAccount(pool.Address, config.DefaultAMMProgramID, data)
	h.fake.SetMint(pool.BaseMint, 6)
	h.fake.SetMint(pool.QuoteMint, 9)
	h.fake.SetMint(pool.LPMint, 9)
	h.fake.SetTokenAccount(pool.PoolBaseTokenAccount, pool.BaseMint, pool.Address, 1_000_000_000_000)
	h.fake.SetTokenAccount(pool.PoolQuoteTokenAccount, pool.QuoteMint, pool.Address, 100*solana.LAMPORTS_PER_SOL)
	return pool
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestQuoteSwapConfident(t *testing.T) {
	h := newHarness(t)
	pool := h.addPool(t)

	quote, err := h.svc.QuoteSwap(context.Background(), QuoteSwapRequest{
		Pool:        pool.Address.String(),
		InputAmount: dec("1"),
		Direction:   amm.QuoteToBase,
	})
	require.NoError(t, err)
	require.False(t, quote.Degraded)
	require.Equal(t, amm.StatusConfident, quote.Status)
	require.True(t, quote.OutputAmount.GreaterThan(dec("9800")))
	require.True(t, quote.OutputAmount.LessThan(dec("10000")))
	require.True(t, quote.MinimumOutputAmount.LessThan(quote.OutputAmount))
	require.NotNil(t, quote.Price)
	require.True(t, dec("0.0001").Equal(*quote.Price))
}

func TestQuoteSwapDegradesOnUndecodablePool(t *testing.T) {
	h := newHarness(t)
	address := solana.NewWallet().PublicKey()
	h.fake.SetAccount(address, config.DefaultAMMProgramID, []byte{1, 2, 3})

	quote, err := h.svc.QuoteSwap(context.Background(), QuoteSwapRequest{
		Pool:        address.String(),
		InputAmount: dec("10"),
		Direction:   amm.BaseToQuote,
		Slippage:    decPtr("0"),
	})
	require.NoError(t, err)
	require.True(t, quote.Degraded)
	require.NotEmpty(t, quote.Reason)
	require.Nil(t, quote.Price)
	require.True(t, dec("9.5").Equal(quote.OutputAmount))

	_, err = h.svc.BuildPoolSwap(context.Background(), PoolSwapRequest{
		Pool:          address.String(),
		InputAmount:   dec("10"),
		Direction:     amm.BaseToQuote,
		UserPublicKey: solana.NewWallet().PublicKey().String(),
	})
	require.True(t, apperr.Is(err, apperr.KindSDKDecode))
}

func TestQuoteSwapMissingPool(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.QuoteSwap(context.Background(), QuoteSwapRequest{
		Pool:        solana.NewWallet().PublicKey().String(),
		InputAmount: dec("1"),
		Direction:   amm.QuoteToBase,
	})
	require.True(t, apperr.Is(err, apperr.KindChainState))
}

func TestQuoteLiquidityNeedsExactlyOneSide(t *testing.T) {
	h := newHarness(t)
	pool := h.addPool(t)

	_, err := h.svc.QuoteLiquidity(context.Background(), QuoteLiquidityRequest{
		Pool: pool.Address.String(), BaseAmount: decPtr("1"), QuoteAmount: decPtr("1"),
	})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	quote, err := h.svc.QuoteLiquidity(context.Background(), QuoteLiquidityRequest{
		Pool: pool.Address.String(), BaseAmount: decPtr("10"),
	})
	require.NoError(t, err)
	require.False(t, quote.Degraded)
	require.True(t, dec("0.001").Equal(quote.Quote))
	require.True(t, dec("0.01").Equal(quote.LPToken))
}

func TestBuildPoolSwapBuyWrapsAndClosesNativeQuote(t *testing.T) {
	h := newHarness(t)
	pool := h.addPool(t)
	user := solana.NewWallet().PublicKey()

	resp, err := h.svc.BuildPoolSwap(context.Background(), PoolSwapRequest{
		Pool:          pool.Address.String(),
		InputAmount:   dec("1"),
		Direction:     amm.QuoteToBase,
		UserPublicKey: user.String(),
	})
	require.NoError(t, err)

	tx, ixs := decodeInstructions(t, resp.Transaction)
	require.Equal(t, []string{ataProgram, ataProgram, systemProgram, tokenProgram, "buy", tokenProgram}, names(h, ixs))
	userQuote := mustATA(t, user, solana.WrappedSol)
	require.Equal(t, userQuote, ixs[2].Accounts[1])
	require.Equal(t, userQuote, ixs[5].Accounts[0])
	require.Equal(t, user, tx.Message.AccountKeys[0])
	required, _ := signatureState(t, tx, h.authority.PublicKey())
	require.False(t, required)
}

func TestBuildPoolSwapSellWithExistingAccounts(t *testing.T) {
	h := newHarness(t)
	pool := h.addPool(t)
	user := solana.NewWallet().PublicKey()
	h.fake.SetTokenAccount(mustATA(t, user, pool.BaseMint), pool.BaseMint, user, 50_000_000)
	h.fake.SetTokenAccount(mustATA(t, user, pool.QuoteMint), pool.QuoteMint, user, 0)

	resp, err := h.svc.BuildPoolSwap(context.Background(), PoolSwapRequest{
		Pool:          pool.Address.String(),
		InputAmount:   dec("25"),
		Direction:     amm.BaseToQuote,
		UserPublicKey: user.String(),
	})
	require.NoError(t, err)

	_, ixs := decodeInstructions(t, resp.Transaction)
	require.Equal(t, []string{"sell"}, names(h, ixs))
}

func TestBuildPoolSwapRejectsDustInput(t *testing.T) {
	h := newHarness(t)
	pool := h.addPool(t)

	_, err := h.svc.BuildPoolSwap(context.Background(), PoolSwapRequest{
		Pool:          pool.Address.String(),
		InputAmount:   dec("0.000000001"),
		Direction:     amm.QuoteToBase,
		UserPublicKey: solana.NewWallet().PublicKey().String(),
	})
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestBuildAddLiquidity(t *testing.T) {
	h := newHarness(t)
	pool := h.addPool(t)
	user := solana.NewWallet().PublicKey()

	resp, err := h.svc.BuildAddLiquidity(context.Background(), AddLiquidityRequest{
		Pool:          pool.Address.String(),
		BaseAmount:    decPtr("10"),
		UserPublicKey: user.String(),
	})
	require.NoError(t, err)

	_, ixs := decodeInstructions(t, resp.Transaction)
	require.Equal(t, []string{
		ataProgram, ataProgram, ataProgram,
		systemProgram, tokenProgram,
		"deposit",
		tokenProgram,
	}, names(h, ixs))

	lpATA, _, err := pda.DeriveAssociatedTokenAccount(user, pool.LPMint, solana.Token2022ProgramID)
	require.NoError(t, err)
	require.Equal(t, lpATA, ixs[2].Accounts[1])
}

func TestBuildRemoveLiquidityChecksHeldLP(t *testing.T) {
	h := newHarness(t)
	pool := h.addPool(t)
	user := solana.NewWallet().PublicKey()
	req := RemoveLiquidityRequest{
		Pool:          pool.Address.String(),
		LPTokenAmount: dec("0.001"),
		UserPublicKey: user.String(),
	}

	_, err := h.svc.BuildRemoveLiquidity(context.Background(), req)
	require.True(t, apperr.Is(err, apperr.KindChainState), "no lp account yet")

	lpATA, _, err := pda.DeriveAssociatedTokenAccount(user, pool.LPMint, solana.Token2022ProgramID)
	require.NoError(t, err)
	h.fake.SetTokenAccount(lpATA, pool.LPMint, user, 5_000_000)

	tooMuch := req
	tooMuch.LPTokenAmount = dec("10")
	_, err = h.svc.BuildRemoveLiquidity(context.Background(), tooMuch)
	require.True(t, apperr.Is(err, apperr.KindChainState))

	resp, err := h.svc.BuildRemoveLiquidity(context.Background(), req)
	require.NoError(t, err)
	_, ixs := decodeInstructions(t, resp.Transaction)
	require.Equal(t, []string{ataProgram, ataProgram, "withdraw", tokenProgram}, names(h, ixs))
}

func TestBuildCreatePool(t *testing.T) {
	h := newHarness(t)
	user := solana.NewWallet().PublicKey()
	baseMint := solana.NewWallet().PublicKey()
	h.fake.SetMint(baseMint, 6)
	h.fake.SetMint(solana.WrappedSol, 9)
	req := CreatePoolRequest{
		Index:         3,
		BaseMint:      baseMint.String(),
		QuoteMint:     solana.WrappedSol.String(),
		BaseAmount:    dec("1000"),
		QuoteAmount:   dec("2"),
		UserPublicKey: user.String(),
	}

	same := req
	same.QuoteMint = same.BaseMint
	_, err := h.svc.BuildCreatePool(context.Background(), same)
	require.True(t, apperr.Is(err, apperr.KindValidation))
	require.Zero(t, h.fake.TotalCalls())

	_, err = h.svc.BuildCreatePool(context.Background(), req)
	require.True(t, apperr.Is(err, apperr.KindChainState), "user has no lamports")

	h.fake.SetBalance(user, 3*solana.LAMPORTS_PER_SOL)
	resp, err := h.svc.BuildCreatePool(context.Background(), req)
	require.NoError(t, err)

	expected, _, err := pda.DerivePool(config.DefaultAMMProgramID, 3, user, baseMint, solana.WrappedSol)
	require.NoError(t, err)
	require.Equal(t, expected.String(), resp.Pool)

	_, ixs := decodeInstructions(t, resp.Transaction)
	require.Equal(t, []string{ataProgram, ataProgram, systemProgram, tokenProgram, "createPool", tokenProgram}, names(h, ixs))
}
