package builder

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/millswap/backend/internal/apperr"
	"github.com/coldbell/millswap/backend/internal/config"
)

func swapRequest(fx marketFixture, user solana.PublicKey, action SwapAction) SwapRequest {
	return SwapRequest{
		Market:         fx.address.String(),
		QuoteTokenMint: solana.WrappedSol.String(),
		Action:         action,
		TradeType:      TradeExactInput,
		Amount:         1000,
		UserPublicKey:  user.String(),
	}
}

func swapThreshold(data []byte) uint64 {
	return binary.LittleEndian.Uint64(data[18:26])
}

func TestBuildSwapBootstrapsUninitializedMarket(t *testing.T) {
	h := newHarness(t)
	fx := h.addMarket(t)
	user := solana.NewWallet().PublicKey()

	resp, err := h.svc.BuildSwap(context.Background(), swapRequest(fx, user, ActionBuy))
	require.NoError(t, err)

	tx, ixs := decodeInstructions(t, resp.Transaction)
	require.Equal(t, []string{
		"lockMarket",
		solana.SPLAssociatedTokenAccountProgramID.String(),
		solana.SPLAssociatedTokenAccountProgramID.String(),
		solana.SPLAssociatedTokenAccountProgramID.String(),
		"permissionedSwap",
	}, names(h, ixs))

	require.Equal(t, mustATA(t, fx.address, solana.WrappedSol), ixs[1].Accounts[1])
	require.Equal(t, mustATA(t, user, solana.WrappedSol), ixs[2].Accounts[1])
	require.Equal(t, mustATA(t, user, fx.baseMint), ixs[3].Accounts[1])

	lock := ixs[0]
	require.Equal(t, user, lock.Accounts[2])
	require.Equal(t, h.authority.PublicKey().Bytes(), lock.Data[8:40])

	swap := ixs[4]
	require.Equal(t, h.authority.PublicKey(), swap.Accounts[11])
	require.Equal(t, user, swap.Accounts[12])
	require.Equal(t, mustATA(t, fx.feeRecipient, solana.WrappedSol), swap.Accounts[9])
	require.Equal(t, uint64(990), swapThreshold(swap.Data))

	require.Equal(t, user, tx.Message.AccountKeys[0])
	required, signed := signatureState(t, tx, h.authority.PublicKey())
	require.True(t, required)
	require.True(t, signed)
	required, signed = signatureState(t, tx, user)
	require.True(t, required)
	require.False(t, signed)
}

func TestBuildSwapFreesGraduatedMarketBeforeSwap(t *testing.T) {
	h := newHarness(t)
	fx := h.addMarket(t)
	user := solana.NewWallet().PublicKey()

	h.fake.SetAccount(h.badge(t, fx.address), config.DefaultMillProgramID, []byte{1})
	h.fake.SetTokenAccount(mustATA(t, fx.address, solana.WrappedSol), solana.WrappedSol, fx.address, 69*solana.LAMPORTS_PER_SOL)
	h.fake.SetTokenAccount(mustATA(t, user, solana.WrappedSol), solana.WrappedSol, user, 0)
	h.fake.SetTokenAccount(mustATA(t, user, fx.baseMint), fx.baseMint, user, 0)

	resp, err := h.svc.BuildSwap(context.Background(), swapRequest(fx, user, ActionSell))
	require.NoError(t, err)

	tx, ixs := decodeInstructions(t, resp.Transaction)
	require.Equal(t, []string{"freeMarket", "permissionedSwap"}, names(h, ixs))
	require.Equal(t, user, ixs[1].Accounts[11])
	require.Equal(t, uint64(1010), swapThreshold(ixs[1].Data))

	_, signed := signatureState(t, tx, h.authority.PublicKey())
	require.True(t, signed)
}

func TestBuildSwapPermissionedMarketNeedsOnlySwap(t *testing.T) {
	h := newHarness(t)
	fx := h.addMarket(t)
	user := solana.NewWallet().PublicKey()

	h.fake.SetAccount(h.badge(t, fx.address), config.DefaultMillProgramID, []byte{1})
	h.fake.SetTokenAccount(mustATA(t, fx.address, solana.WrappedSol), solana.WrappedSol, fx.address, 10*solana.LAMPORTS_PER_SOL)
	h.fake.SetTokenAccount(mustATA(t, user, solana.WrappedSol), solana.WrappedSol, user, 0)
	h.fake.SetTokenAccount(mustATA(t, user, fx.baseMint), fx.baseMint, user, 0)

	req := swapRequest(fx, user, ActionBuy)
	threshold := uint64(777)
	req.OtherAmountThreshold = &threshold

	resp, err := h.svc.BuildSwap(context.Background(), req)
	require.NoError(t, err)

	_, ixs := decodeInstructions(t, resp.Transaction)
	require.Equal(t, []string{"permissionedSwap"}, names(h, ixs))
	require.Equal(t, h.authority.PublicKey(), ixs[0].Accounts[11])
	require.Equal(t, uint64(777), swapThreshold(ixs[0].Data))
}

func TestBuildSwapValidationHappensBeforeAnyRead(t *testing.T) {
	h := newHarness(t)
	fx := h.addMarket(t)
	user := solana.NewWallet().PublicKey()

	cases := map[string]func(*SwapRequest){
		"bad market":     func(r *SwapRequest) { r.Market = "zzz" },
		"missing user":   func(r *SwapRequest) { r.UserPublicKey = "" },
		"bad action":     func(r *SwapRequest) { r.Action = "hold" },
		"bad trade type": func(r *SwapRequest) { r.TradeType = "exactly" },
		"zero amount":    func(r *SwapRequest) { r.Amount = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := swapRequest(fx, user, ActionBuy)
			mutate(&req)
			_, err := h.svc.BuildSwap(context.Background(), req)
			require.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}
	require.Zero(t, h.fake.TotalCalls())
}

func TestBuildSwapChainStateFailures(t *testing.T) {
	h := newHarness(t)
	fx := h.addMarket(t)
	user := solana.NewWallet().PublicKey()

	req := swapRequest(fx, user, ActionBuy)
	req.QuoteTokenMint = solana.NewWallet().PublicKey().String()
	_, err := h.svc.BuildSwap(context.Background(), req)
	require.True(t, apperr.Is(err, apperr.KindChainState))

	req = swapRequest(fx, user, ActionBuy)
	req.Market = solana.NewWallet().PublicKey().String()
	_, err = h.svc.BuildSwap(context.Background(), req)
	require.True(t, apperr.Is(err, apperr.KindChainState))

	h.fake.SetAccount(fx.address, config.DefaultMillProgramID, []byte{1, 2, 3})
	_, err = h.svc.BuildSwap(context.Background(), swapRequest(fx, user, ActionBuy))
	require.True(t, apperr.Is(err, apperr.KindSDKDecode))
}

func TestBuildSwapReadFailureAbortsWithoutTransaction(t *testing.T) {
	h := newHarness(t)
	fx := h.addMarket(t)
	user := solana.NewWallet().PublicKey()
	h.fake.FailAccount(h.badge(t, fx.address), errors.New("429 too many requests"))

	resp, err := h.svc.BuildSwap(context.Background(), swapRequest(fx, user, ActionBuy))
	require.Nil(t, resp)
	require.True(t, apperr.Is(err, apperr.KindRPC))
	require.Zero(t, h.fake.Calls("LatestBlockhash"))
}

func TestFinalThresholdRounding(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, uint64(98), h.svc.finalThreshold(SwapRequest{Action: ActionBuy, Amount: 99}))
	require.Equal(t, uint64(100), h.svc.finalThreshold(SwapRequest{Action: ActionSell, Amount: 99}))
	require.Equal(t, uint64(0), h.svc.finalThreshold(SwapRequest{Action: ActionBuy, Amount: 1}))
	require.Equal(t, uint64(2), h.svc.finalThreshold(SwapRequest{Action: ActionSell, Amount: 1}))
}
