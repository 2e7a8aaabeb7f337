package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/millswap/backend/internal/builder"
	"github.com/coldbell/millswap/backend/internal/chain/chaintest"
	"github.com/coldbell/millswap/backend/internal/config"
	"github.com/coldbell/millswap/backend/internal/journal"
	"github.com/coldbell/millswap/backend/internal/metrics"
	"github.com/coldbell/millswap/backend/internal/mill"
	"github.com/coldbell/millswap/backend/internal/pda"
)

func testConfig() config.APIServerConfig {
	return config.APIServerConfig{
		RequestTimeout: 5 * time.Second,
		StreamInterval: 50 * time.Millisecond,
		Commission: config.CommissionConfig{
			Wallet:      solana.MustPublicKeyFromBase58("4iFgpVYSqxjyFekFP2XydJkxgXsK7NABJcR7T6zNa1Ty"),
			Percentage:  decimal.RequireFromString("0.005"),
			MinLamports: 1_000_000,
			MaxLamports: 100_000_000,
		},
		Mill: config.MillConfig{
			ProgramID:                config.DefaultMillProgramID,
			ConfigAccount:            solana.MustPublicKeyFromBase58("ADyA8hdefvWN2dbGGWFotbzWxrAvLW83WG6QCVXvJKqw"),
			SwapAuthority:            solana.NewWallet().PrivateKey,
			SwapGraduationThreshold:  decimal.NewFromInt(69),
			QueryGraduationThreshold: decimal.NewFromInt(60),
			BuyThresholdFactor:       decimal.RequireFromString("0.99"),
			SellThresholdFactor:      decimal.RequireFromString("1.01"),
		},
		AMM: config.AMMConfig{
			ProgramID:             config.DefaultAMMProgramID,
			ProtocolFeeRecipient:  solana.NewWallet().PublicKey(),
			FeeBps:                25,
			DegradedDiscount:      decimal.RequireFromString("0.95"),
			DefaultSlippagePct:    decimal.RequireFromString("0.5"),
			MinCreatePoolLamports: 2_500_000,
		},
	}
}

type testServer struct {
	svc     *Service
	fake    *chaintest.Fake
	handler http.Handler
}

func newTestServer(t *testing.T, mutate func(*config.APIServerConfig)) *testServer {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := chaintest.New()
	builderSvc, err := builder.New(cfg, fake, logger)
	require.NoError(t, err)
	svc, err := New(cfg, builderSvc, metrics.New(), logger)
	require.NoError(t, err)
	return &testServer{svc: svc, fake: fake, handler: svc.Handler()}
}

type decodedEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Details string          `json:"details"`
}

func (ts *testServer) do(t *testing.T, method, path, body string) (int, decodedEnvelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.7:50000"
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var env decodedEnvelope
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec.Code, env
}

func stakeBody(market, user solana.PublicKey) string {
	return `{"marketAddress":"` + market.String() + `","userPublicKey":"` + user.String() + `"}`
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	code, env := ts.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Success)
	require.JSONEq(t, `{"ok":true}`, string(env.Data))
}

func TestBuildEndpointReturnsTransaction(t *testing.T) {
	ts := newTestServer(t, nil)
	market, user := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()

	code, env := ts.do(t, http.MethodPost, "/stake", stakeBody(market, user))
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Success)

	var resp builder.TransactionResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	tx, err := solana.TransactionFromBase64(resp.Transaction)
	require.NoError(t, err)
	require.Equal(t, user, tx.Message.AccountKeys[0])
}

func TestErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	market, user := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()

	code, env := ts.do(t, http.MethodPost, "/stake", `{"marketAddress":"nope","userPublicKey":"`+user.String()+`"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.False(t, env.Success)
	require.Contains(t, env.Error, "marketAddress")
	require.NotEmpty(t, env.Details)

	staking, _, err := pda.DeriveMarketStaking(config.DefaultMillProgramID, market)
	require.NoError(t, err)
	ts.fake.SetAccount(staking, config.DefaultMillProgramID, []byte{1})
	code, _ = ts.do(t, http.MethodPost, "/stake", stakeBody(market, user))
	require.Equal(t, http.StatusUnprocessableEntity, code)

	ts.fake.FailBlockhash(errors.New("503 service unavailable"))
	code, env = ts.do(t, http.MethodPost, "/stake", stakeBody(solana.NewWallet().PublicKey(), user))
	require.Equal(t, http.StatusBadGateway, code)
	require.False(t, env.Success)
}

func TestProductionHidesDetails(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.APIServerConfig) { cfg.Production = true })
	code, env := ts.do(t, http.MethodPost, "/build-swap", `{"market":""}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.NotEmpty(t, env.Error)
	require.Empty(t, env.Details)
}

func TestRequestBodyRules(t *testing.T) {
	ts := newTestServer(t, nil)

	code, env := ts.do(t, http.MethodPost, "/stake", `{"marketAddress":"x","unexpected":1}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, env.Error, "unexpected")

	code, _ = ts.do(t, http.MethodPost, "/stake", `{}{}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodPost, "/stake", "")
	require.Equal(t, http.StatusBadRequest, code)

	huge := `{"marketAddress":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	code, _ = ts.do(t, http.MethodPost, "/stake", huge)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodGet, "/build-swap", "")
	require.Equal(t, http.StatusMethodNotAllowed, code)
	require.Zero(t, ts.fake.TotalCalls())
}

func TestRateLimitPerClient(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.APIServerConfig) {
		cfg.ClientRateLimit = 0.001
		cfg.ClientRateBurst = 1
	})

	code, _ := ts.do(t, http.MethodGet, "/graduation?market=bad", "")
	require.Equal(t, http.StatusBadRequest, code)
	code, env := ts.do(t, http.MethodGet, "/graduation?market=bad", "")
	require.Equal(t, http.StatusTooManyRequests, code)
	require.Equal(t, "rate limit exceeded", env.Error)

	code, _ = ts.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.APIServerConfig) {
		cfg.AllowedOrigins = []string{"https://app.example.org"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/build-swap", nil)
	req.Header.Set("Origin", "https://app.example.org")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.example.org", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/build-swap", nil)
	req.Header.Set("Origin", "https://evil.example.org")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type fakeHistory struct {
	user  string
	limit int
}

func (h *fakeHistory) RecentBuilds(_ context.Context, user string, limit int) ([]journal.BuildRecord, error) {
	h.user, h.limit = user, limit
	return []journal.BuildRecord{{ID: 1, Operation: "stake", User: user, Instructions: []string{"createStaking"}}}, nil
}

func TestBuildsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	code, _ := ts.do(t, http.MethodGet, "/builds?user=abc", "")
	require.Equal(t, http.StatusNotFound, code)

	history := &fakeHistory{}
	ts.svc.SetHistory(history)
	code, _ = ts.do(t, http.MethodGet, "/builds", "")
	require.Equal(t, http.StatusBadRequest, code)

	code, env := ts.do(t, http.MethodGet, "/builds?user=abc&limit=5", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "abc", history.user)
	require.Equal(t, 5, history.limit)
	require.Contains(t, string(env.Data), `"operation":"stake"`)
}

func TestMetricsEndpointCountsBuilds(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/stake", `{"marketAddress":"nope"}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `millswap_builder_requests_total{kind="validation",operation="stake"} 1`)
}

func putGraduatingMarket(t *testing.T, fake *chaintest.Fake) solana.PublicKey {
	t.Helper()
	market := solana.NewWallet().PublicKey()
	baseMint := solana.NewWallet().PublicKey()
	data, err := (&mill.Market{
		Creator:            solana.NewWallet().PublicKey(),
		BaseTokenMint:      baseMint,
		QuoteTokenMint:     solana.WrappedSol,
		QuoteTokenDecimals: 9,
	}).MarshalBinary()
	require.NoError(t, err)
	fake.SetAccount(market, config.DefaultMillProgramID, data)
	fake.SetMint(baseMint, 6)
	quoteATA, _, err := pda.DeriveAssociatedTokenAccount(market, solana.WrappedSol, solana.TokenProgramID)
	require.NoError(t, err)
	fake.SetTokenAccount(quoteATA, solana.WrappedSol, market, 30*solana.LAMPORTS_PER_SOL)
	return market
}

func TestGraduationEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	market := putGraduatingMarket(t, ts.fake)

	code, env := ts.do(t, http.MethodGet, "/graduation?market="+market.String(), "")
	require.Equal(t, http.StatusOK, code)
	var graduation builder.Graduation
	require.NoError(t, json.Unmarshal(env.Data, &graduation))
	require.Equal(t, "50.000000", graduation.GraduationPercentage)
	require.False(t, graduation.Graduated)
}

func TestWebsocketStreamsGraduation(t *testing.T) {
	ts := newTestServer(t, nil)
	market := putGraduatingMarket(t, ts.fake)
	server := httptest.NewServer(ts.handler)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	channel := graduationChannelPrefix + market.String()
	require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "subscribe", Channel: channel}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frame struct {
		Type    string             `json:"type"`
		Channel string             `json:"channel"`
		Data    builder.Graduation `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "event", frame.Type)
	require.Equal(t, channel, frame.Channel)
	require.Equal(t, market.String(), frame.Data.Market)

	unknown := graduationChannelPrefix + "not-a-key"
	require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "subscribe", Channel: unknown}))
	for {
		var raw websocketEnvelope
		require.NoError(t, conn.ReadJSON(&raw))
		if raw.Channel == unknown {
			require.Equal(t, "error", raw.Type)
			break
		}
	}
}

func TestClientLimiterSweepsIdleClients(t *testing.T) {
	limiter := newClientLimiter(1, 1)
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }

	require.True(t, limiter.allow("a"))
	require.False(t, limiter.allow("a"))
	now = now.Add(time.Minute)
	require.True(t, limiter.allow("b"))

	require.Equal(t, 1, limiter.sweep(30*time.Second))
	require.Len(t, limiter.clients, 1)
	require.True(t, newClientLimiter(0, 0).allow("anyone"))
}

func TestDecodeJSONBodyRejectsTrailingData(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"a":1} trailing`))
	var dst map[string]int
	require.Error(t, decodeJSONBody(req, &dst))
}
