package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/coldbell/millswap/backend/internal/apperr"
	"github.com/coldbell/millswap/backend/internal/logging"
)

type LogConfig = logging.Config

type ChainConfig struct {
	RPCURL         string
	FallbackRPCURL string
	Commitment     rpc.CommitmentType
	RequestTimeout time.Duration
	RateLimit      float64
	RateBurst      int
}

type CommissionConfig struct {
	Wallet      solana.PublicKey
	Percentage  decimal.Decimal
	MinLamports uint64
	MaxLamports uint64
}

type MillConfig struct {
	ProgramID     solana.PublicKey
	ConfigAccount solana.PublicKey
	SwapAuthority solana.PrivateKey
	// SwapGraduationThreshold is compared against the market quote balance in UI units.
	SwapGraduationThreshold decimal.Decimal
	// QueryGraduationThreshold backs the read-only graduation report.
	QueryGraduationThreshold decimal.Decimal
	BuyThresholdFactor       decimal.Decimal
	SellThresholdFactor      decimal.Decimal
}

type AMMConfig struct {
	ProgramID             solana.PublicKey
	ProtocolFeeRecipient  solana.PublicKey
	FeeBps                uint64
	DegradedDiscount      decimal.Decimal
	DefaultSlippagePct    decimal.Decimal
	MinCreatePoolLamports uint64
}

type TxConfig struct {
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
}

type APIServerConfig struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	AllowedOrigins  []string
	Production      bool
	ClientRateLimit float64
	ClientRateBurst int
	StreamInterval  time.Duration
	JournalDSN      string
	Chain           ChainConfig
	Commission      CommissionConfig
	Mill            MillConfig
	AMM             AMMConfig
	Tx              TxConfig
	Log             LogConfig
}

type WatcherConfig struct {
	Chain                    ChainConfig
	MillProgramID            solana.PublicKey
	QueryGraduationThreshold decimal.Decimal
	Markets                  []solana.PublicKey
	PollInterval             time.Duration
	DBDSN                    string
	// MetricsAddr serves /metrics when set.
	MetricsAddr string
	Log         LogConfig
}

var (
	DefaultMillProgramID        = solana.MustPublicKeyFromBase58("JoeaRXgtME3jAoz5WuFXGEndfv4NPH9nBxsLq44hk9J")
	DefaultAMMProgramID         = solana.MustPublicKeyFromBase58("pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA")
	defaultProtocolFeeRecipient = solana.MustPublicKeyFromBase58("9rPYyANsfQZw3DnDmKE3YCQF5E8oD89UXoHn9JFEhJUz")
	defaultCommissionWallet     = solana.MustPublicKeyFromBase58("4iFgpVYSqxjyFekFP2XydJkxgXsK7NABJcR7T6zNa1Ty")
	defaultFallbackRPCURL       = "https://api.devnet.solana.com"
)

func LoadAPIServerConfig() (APIServerConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return APIServerConfig{}, apperr.Config("%v", err)
	}

	chain, err := loadChainConfig()
	if err != nil {
		return APIServerConfig{}, err
	}
	commission, err := loadCommissionConfig()
	if err != nil {
		return APIServerConfig{}, err
	}
	mill, err := loadMillConfig()
	if err != nil {
		return APIServerConfig{}, err
	}
	amm, err := loadAMMConfig()
	if err != nil {
		return APIServerConfig{}, err
	}

	cuLimit, err := envUint32("COMPUTE_UNIT_LIMIT", 0)
	if err != nil {
		return APIServerConfig{}, apperr.Config("%v", err)
	}
	cuPrice, err := envUint64("COMPUTE_UNIT_PRICE_MICRO_LAMPORTS", 0)
	if err != nil {
		return APIServerConfig{}, apperr.Config("%v", err)
	}

	readTimeout, err := envDuration("API_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return APIServerConfig{}, apperr.Config("%v", err)
	}
	writeTimeout, err := envDuration("API_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return APIServerConfig{}, apperr.Config("%v", err)
	}
	idleTimeout, err := envDuration("API_SERVER_IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return APIServerConfig{}, apperr.Config("%v", err)
	}
	requestTimeout, err := envDuration("API_SERVER_REQUEST_TIMEOUT", 20*time.Second)
	if err != nil {
		return APIServerConfig{}, apperr.Config("%v", err)
	}
	streamInterval, err := envDuration("API_SERVER_STREAM_INTERVAL", 5*time.Second)
	if err != nil {
		return APIServerConfig{}, apperr.Config("%v", err)
	}
	clientRate, err := envFloat("API_SERVER_RATE_LIMIT", 20)
	if err != nil {
		return APIServerConfig{}, apperr.Config("%v", err)
	}
	clientBurst, err := envInt("API_SERVER_RATE_BURST", 40)
	if err != nil {
		return APIServerConfig{}, apperr.Config("%v", err)
	}
	production, err := envBool("API_SERVER_PRODUCTION", isProductionPhase(runtimeConfigPhase))
	if err != nil {
		return APIServerConfig{}, apperr.Config("%v", err)
	}

	allowedOrigins := parseCSVEnv(
		envOrDefault("API_SERVER_ALLOWED_ORIGINS", "*"),
		[]string{"*"},
	)

	return APIServerConfig{
		ListenAddr:      envOrDefault("API_SERVER_LISTEN_ADDR", ":8080"),
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		IdleTimeout:     idleTimeout,
		RequestTimeout:  requestTimeout,
		AllowedOrigins:  allowedOrigins,
		Production:      production,
		ClientRateLimit: clientRate,
		ClientRateBurst: clientBurst,
		StreamInterval:  streamInterval,
		JournalDSN:      envOrDefault("API_SERVER_JOURNAL_DSN", ""),
		Chain:           chain,
		Commission:      commission,
		Mill:            mill,
		AMM:             amm,
		Tx: TxConfig{
			ComputeUnitLimit:              cuLimit,
			ComputeUnitPriceMicroLamports: cuPrice,
		},
		Log: buildLogConfig("api-server"),
	}, nil
}

func LoadWatcherConfig() (WatcherConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return WatcherConfig{}, apperr.Config("%v", err)
	}

	chain, err := loadChainConfig()
	if err != nil {
		return WatcherConfig{}, err
	}
	programID, err := envPubkey("TOKEN_MILL_PROGRAM_ID", DefaultMillProgramID)
	if err != nil {
		return WatcherConfig{}, apperr.Config("%v", err)
	}
	threshold, err := envDecimal("MILL_QUERY_GRADUATION_THRESHOLD", decimal.NewFromInt(60))
	if err != nil {
		return WatcherConfig{}, apperr.Config("%v", err)
	}
	markets, err := envPubkeyList("WATCHER_MARKETS")
	if err != nil {
		return WatcherConfig{}, apperr.Config("%v", err)
	}
	if len(markets) == 0 {
		return WatcherConfig{}, apperr.Config("WATCHER_MARKETS is required")
	}
	pollInterval, err := envDuration("WATCHER_POLL_INTERVAL", 15*time.Second)
	if err != nil {
		return WatcherConfig{}, apperr.Config("%v", err)
	}

	return WatcherConfig{
		Chain:                    chain,
		MillProgramID:            programID,
		QueryGraduationThreshold: threshold,
		Markets:                  markets,
		PollInterval:             pollInterval,
		DBDSN:                    envOrDefault("WATCHER_DB_DSN", envOrDefault("API_SERVER_JOURNAL_DSN", "")),
		MetricsAddr:              envOrDefault("WATCHER_METRICS_ADDR", ""),
		Log:                      buildLogConfig("watcher"),
	}, nil
}

func loadChainConfig() (ChainConfig, error) {
	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return ChainConfig{}, apperr.Config("%v", err)
	}
	timeout, err := envDuration("SOLANA_RPC_TIMEOUT", 8*time.Second)
	if err != nil {
		return ChainConfig{}, apperr.Config("%v", err)
	}
	rateLimit, err := envFloat("SOLANA_RPC_RATE_LIMIT", 10)
	if err != nil {
		return ChainConfig{}, apperr.Config("%v", err)
	}
	burst, err := envInt("SOLANA_RPC_BURST", 20)
	if err != nil {
		return ChainConfig{}, apperr.Config("%v", err)
	}
	return ChainConfig{
		RPCURL:         envOrDefault("SOLANA_RPC_URL", envOrDefault("RPC_URL", defaultFallbackRPCURL)),
		FallbackRPCURL: envOrDefault("SOLANA_FALLBACK_RPC_URL", defaultFallbackRPCURL),
		Commitment:     commitment,
		RequestTimeout: timeout,
		RateLimit:      rateLimit,
		RateBurst:      burst,
	}, nil
}

func loadCommissionConfig() (CommissionConfig, error) {
	wallet, err := envPubkey("COMMISSION_WALLET", defaultCommissionWallet)
	if err != nil {
		return CommissionConfig{}, apperr.Config("%v", err)
	}
	pct, err := envDecimal("COMMISSION_PERCENTAGE", decimal.RequireFromString("0.005"))
	if err != nil {
		return CommissionConfig{}, apperr.Config("%v", err)
	}
	if pct.IsNegative() {
		return CommissionConfig{}, apperr.Config("invalid COMMISSION_PERCENTAGE: must be >= 0")
	}
	minLamports, err := envUint64("MIN_COMMISSION", 1_000_000)
	if err != nil {
		return CommissionConfig{}, apperr.Config("%v", err)
	}
	maxLamports, err := envUint64("MAX_COMMISSION", 100_000_000)
	if err != nil {
		return CommissionConfig{}, apperr.Config("%v", err)
	}
	if maxLamports < minLamports {
		return CommissionConfig{}, apperr.Config("invalid MAX_COMMISSION: must be >= MIN_COMMISSION")
	}
	return CommissionConfig{
		Wallet:      wallet,
		Percentage:  pct,
		MinLamports: minLamports,
		MaxLamports: maxLamports,
	}, nil
}

func loadMillConfig() (MillConfig, error) {
	programID, err := envPubkey("TOKEN_MILL_PROGRAM_ID", DefaultMillProgramID)
	if err != nil {
		return MillConfig{}, apperr.Config("%v", err)
	}
	configAccount, err := envPubkey("TOKEN_MILL_CONFIG_PDA", solana.PublicKey{})
	if err != nil {
		return MillConfig{}, apperr.Config("%v", err)
	}
	if configAccount.IsZero() {
		return MillConfig{}, apperr.Config("TOKEN_MILL_CONFIG_PDA is required")
	}
	authority, err := loadSwapAuthority()
	if err != nil {
		return MillConfig{}, err
	}

	swapThreshold, err := envDecimal("MILL_SWAP_GRADUATION_THRESHOLD", decimal.NewFromInt(69))
	if err != nil {
		return MillConfig{}, apperr.Config("%v", err)
	}
	queryThreshold, err := envDecimal("MILL_QUERY_GRADUATION_THRESHOLD", decimal.NewFromInt(60))
	if err != nil {
		return MillConfig{}, apperr.Config("%v", err)
	}
	buyFactor, err := envDecimal("MILL_BUY_SLIPPAGE_FACTOR", decimal.RequireFromString("0.99"))
	if err != nil {
		return MillConfig{}, apperr.Config("%v", err)
	}
	sellFactor, err := envDecimal("MILL_SELL_SLIPPAGE_FACTOR", decimal.RequireFromString("1.01"))
	if err != nil {
		return MillConfig{}, apperr.Config("%v", err)
	}

	return MillConfig{
		ProgramID:                programID,
		ConfigAccount:            configAccount,
		SwapAuthority:            authority,
		SwapGraduationThreshold:  swapThreshold,
		QueryGraduationThreshold: queryThreshold,
		BuyThresholdFactor:       buyFactor,
		SellThresholdFactor:      sellFactor,
	}, nil
}

func loadAMMConfig() (AMMConfig, error) {
	programID, err := envPubkey("AMM_PROGRAM_ID", DefaultAMMProgramID)
	if err != nil {
		return AMMConfig{}, apperr.Config("%v", err)
	}
	feeRecipient, err := envPubkey("AMM_PROTOCOL_FEE_RECIPIENT", defaultProtocolFeeRecipient)
	if err != nil {
		return AMMConfig{}, apperr.Config("%v", err)
	}
	feeBps, err := envUint64("AMM_FEE_BPS", 25)
	if err != nil {
		return AMMConfig{}, apperr.Config("%v", err)
	}
	if feeBps >= 10_000 {
		return AMMConfig{}, apperr.Config("invalid AMM_FEE_BPS: must be < 10000")
	}
	discount, err := envDecimal("AMM_DEGRADED_DISCOUNT", decimal.RequireFromString("0.95"))
	if err != nil {
		return AMMConfig{}, apperr.Config("%v", err)
	}
	slippage, err := envDecimal("AMM_DEFAULT_SLIPPAGE_PCT", decimal.RequireFromString("0.5"))
	if err != nil {
		return AMMConfig{}, apperr.Config("%v", err)
	}
	minLamports, err := envUint64("AMM_MIN_CREATE_POOL_LAMPORTS", 2_500_000)
	if err != nil {
		return AMMConfig{}, apperr.Config("%v", err)
	}
	return AMMConfig{
		ProgramID:             programID,
		ProtocolFeeRecipient:  feeRecipient,
		FeeBps:                feeBps,
		DegradedDiscount:      discount,
		DefaultSlippagePct:    slippage,
		MinCreatePoolLamports: minLamports,
	}, nil
}

func loadSwapAuthority() (solana.PrivateKey, error) {
	if raw := strings.TrimSpace(valueForKey("SWAP_AUTHORITY_KEY")); raw != "" {
		secret, err := base58.Decode(raw)
		if err != nil {
			return nil, apperr.Config("invalid SWAP_AUTHORITY_KEY: %v", err)
		}
		if len(secret) != 64 {
			return nil, apperr.Config("invalid SWAP_AUTHORITY_KEY: expected 64 bytes, got %d", len(secret))
		}
		return solana.PrivateKey(secret), nil
	}

	path := strings.TrimSpace(valueForKey("SWAP_AUTHORITY_KEYPAIR_PATH"))
	if path == "" {
		return nil, apperr.Config("SWAP_AUTHORITY_KEY is required")
	}
	expanded, err := expandHomePath(path)
	if err != nil {
		return nil, apperr.Config("expand SWAP_AUTHORITY_KEYPAIR_PATH: %v", err)
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(expanded)
	if err != nil {
		return nil, apperr.Config("load swap authority keypair %q: %v", expanded, err)
	}
	return key, nil
}

func isProductionPhase(phase string) bool {
	switch strings.ToLower(strings.TrimSpace(phase)) {
	case "prod", "production", "mainnet":
		return true
	default:
		return false
	}
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

func buildLogConfig(serviceName string) LogConfig {
	return logging.ConfigFromEnv(serviceName, valueForKey)
}

func envDecimal(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envPubkeyList(key string) ([]solana.PublicKey, error) {
	parts := parseCSVEnv(valueForKey(key), nil)
	out := make([]solana.PublicKey, 0, len(parts))
	seen := make(map[solana.PublicKey]struct{}, len(parts))
	for _, part := range parts {
		pk, err := solana.PublicKeyFromBase58(part)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", key, part, err)
		}
		if _, ok := seen[pk]; ok {
			continue
		}
		seen[pk] = struct{}{}
		out = append(out, pk)
	}
	return out, nil
}
