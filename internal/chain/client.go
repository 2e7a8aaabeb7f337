// Package chain wraps the Solana RPC reads the transaction builders depend on.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"

	"github.com/coldbell/millswap/backend/internal/apperr"
	"github.com/coldbell/millswap/backend/internal/config"
)

type Account struct {
	Address  solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

type TokenBalance struct {
	Amount   uint64
	Decimals uint8
}

// Reader is the read-only chain surface. A missing account is reported as a nil
// *Account with a nil error.
type Reader interface {
	GetAccount(ctx context.Context, address solana.PublicKey) (*Account, error)
	GetAccounts(ctx context.Context, addresses []solana.PublicKey) ([]*Account, error)
	GetTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (TokenBalance, error)
	GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	ClusterUnixTime(ctx context.Context) (int64, error)
}

// Observer receives the outcome of every RPC call.
type Observer interface {
	ObserveRPC(method string, elapsed time.Duration, err error)
}

type Client struct {
	primary    *rpc.Client
	fallback   *rpc.Client
	commitment rpc.CommitmentType
	timeout    time.Duration
	logger     *slog.Logger
	observer   Observer
}

func NewClient(cfg config.ChainConfig, logger *slog.Logger, observer Observer) *Client {
	primary := newRPCClient(cfg.RPCURL, cfg)
	fallback := primary
	if strings.TrimSpace(cfg.FallbackRPCURL) != "" && cfg.FallbackRPCURL != cfg.RPCURL {
		fallback = newRPCClient(cfg.FallbackRPCURL, cfg)
	}
	return &Client{
		primary:    primary,
		fallback:   fallback,
		commitment: cfg.Commitment,
		timeout:    cfg.RequestTimeout,
		logger:     logger,
		observer:   observer,
	}
}

func newRPCClient(endpoint string, cfg config.ChainConfig) *rpc.Client {
	if cfg.RateLimit <= 0 {
		return rpc.New(endpoint)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return rpc.NewWithCustomRPCClient(rpc.NewWithLimiter(endpoint, rate.Limit(cfg.RateLimit), burst))
}

func (c *Client) GetAccount(ctx context.Context, address solana.PublicKey) (*Account, error) {
	var out *rpc.GetAccountInfoResult
	err := c.call(ctx, "getAccountInfo", func(ctx context.Context) error {
		var err error
		out, err = c.primary.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
			Commitment: c.commitment,
			Encoding:   solana.EncodingBase64,
		})
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.RPC(err, "get account %s", address)
	}
	if out == nil || out.Value == nil {
		return nil, nil
	}
	return toAccount(address, out.Value), nil
}

func (c *Client) GetAccounts(ctx context.Context, addresses []solana.PublicKey) ([]*Account, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	var out *rpc.GetMultipleAccountsResult
	err := c.call(ctx, "getMultipleAccounts", func(ctx context.Context) error {
		var err error
		out, err = c.primary.GetMultipleAccountsWithOpts(ctx, addresses, &rpc.GetMultipleAccountsOpts{
			Commitment: c.commitment,
			Encoding:   solana.EncodingBase64,
		})
		return err
	})
	if err != nil {
		return nil, apperr.RPC(err, "get %d accounts", len(addresses))
	}
	if out == nil || len(out.Value) != len(addresses) {
		return nil, apperr.RPC(fmt.Errorf("unexpected response size"), "get %d accounts", len(addresses))
	}
	accounts := make([]*Account, len(addresses))
	for i, value := range out.Value {
		if value != nil {
			accounts[i] = toAccount(addresses[i], value)
		}
	}
	return accounts, nil
}

func (c *Client) GetTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (TokenBalance, error) {
	var out *rpc.GetTokenAccountBalanceResult
	err := c.call(ctx, "getTokenAccountBalance", func(ctx context.Context) error {
		var err error
		out, err = c.primary.GetTokenAccountBalance(ctx, tokenAccount, c.commitment)
		return err
	})
	if err != nil {
		if isAccountMissing(err) {
			return TokenBalance{}, apperr.ChainState("token account %s not found", tokenAccount)
		}
		return TokenBalance{}, apperr.RPC(err, "get token balance %s", tokenAccount)
	}
	if out == nil || out.Value == nil {
		return TokenBalance{}, apperr.ChainState("token account %s not found", tokenAccount)
	}
	amount, err := parseUint(out.Value.Amount)
	if err != nil {
		return TokenBalance{}, apperr.SDKDecode(err, "token balance %s", tokenAccount)
	}
	return TokenBalance{Amount: amount, Decimals: out.Value.Decimals}, nil
}

func (c *Client) GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	var out *rpc.GetBalanceResult
	err := c.call(ctx, "getBalance", func(ctx context.Context) error {
		var err error
		out, err = c.primary.GetBalance(ctx, address, c.commitment)
		return err
	})
	if err != nil {
		return 0, apperr.RPC(err, "get balance %s", address)
	}
	if out == nil {
		return 0, nil
	}
	return out.Value, nil
}

// LatestBlockhash asks the primary endpoint first and the fallback endpoint once.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	hash, err := c.latestBlockhash(ctx, c.primary)
	if err == nil {
		return hash, nil
	}
	if c.fallback == c.primary {
		return solana.Hash{}, apperr.RPC(err, "get latest blockhash")
	}
	c.logger.Warn("primary blockhash fetch failed, trying fallback endpoint", "err", err)

	hash, fallbackErr := c.latestBlockhash(ctx, c.fallback)
	if fallbackErr != nil {
		return solana.Hash{}, apperr.RPC(fmt.Errorf("primary: %v; fallback: %w", err, fallbackErr), "get latest blockhash")
	}
	return hash, nil
}

func (c *Client) latestBlockhash(ctx context.Context, client *rpc.Client) (solana.Hash, error) {
	var out *rpc.GetLatestBlockhashResult
	err := c.call(ctx, "getLatestBlockhash", func(ctx context.Context) error {
		var err error
		out, err = client.GetLatestBlockhash(ctx, c.commitment)
		return err
	})
	if err != nil {
		return solana.Hash{}, err
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, fmt.Errorf("empty blockhash response")
	}
	return out.Value.Blockhash, nil
}

// ClusterUnixTime is the block time of the current slot.
func (c *Client) ClusterUnixTime(ctx context.Context) (int64, error) {
	var slot uint64
	err := c.call(ctx, "getSlot", func(ctx context.Context) error {
		var err error
		slot, err = c.primary.GetSlot(ctx, c.commitment)
		return err
	})
	if err != nil {
		return 0, apperr.RPC(err, "get slot")
	}

	var blockTime *solana.UnixTimeSeconds
	err = c.call(ctx, "getBlockTime", func(ctx context.Context) error {
		var err error
		blockTime, err = c.primary.GetBlockTime(ctx, slot)
		return err
	})
	if err != nil {
		return 0, apperr.RPC(err, "get block time for slot %d", slot)
	}
	if blockTime == nil {
		return 0, apperr.RPC(fmt.Errorf("no block time"), "get block time for slot %d", slot)
	}
	return int64(*blockTime), nil
}

func (c *Client) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	if c.observer != nil {
		c.observer.ObserveRPC(method, time.Since(start), err)
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s timed out after %s: %w", method, c.timeout, err)
	}
	return err
}

func toAccount(address solana.PublicKey, value *rpc.Account) *Account {
	account := &Account{
		Address:  address,
		Owner:    value.Owner,
		Lamports: value.Lamports,
	}
	if value.Data != nil {
		account.Data = value.Data.GetBinary()
	}
	return account
}

func isAccountMissing(err error) bool {
	if errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not find account") || strings.Contains(msg, "invalid param: could not find")
}
