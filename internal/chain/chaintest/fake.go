// Package chaintest provides an in-memory chain.Reader for tests.
package chaintest

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/millswap/backend/internal/apperr"
	"github.com/coldbell/millswap/backend/internal/chain"
)

type Fake struct {
	mu        sync.Mutex
	accounts  map[solana.PublicKey]*chain.Account
	balances  map[solana.PublicKey]uint64
	failures  map[solana.PublicKey]error
	blockhash solana.Hash
	unixTime  int64
	hashErr   error
	timeErr   error
	calls     map[string]int
}

var _ chain.Reader = (*Fake)(nil)

func New() *Fake {
	hash := solana.Hash{}
	hash[0] = 1
	return &Fake{
		accounts:  make(map[solana.PublicKey]*chain.Account),
		balances:  make(map[solana.PublicKey]uint64),
		failures:  make(map[solana.PublicKey]error),
		blockhash: hash,
		unixTime:  1_700_000_000,
		calls:     make(map[string]int),
	}
}

func (f *Fake) SetAccount(address, owner solana.PublicKey, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[address] = &chain.Account{Address: address, Owner: owner, Lamports: 1, Data: append([]byte(nil), data...)}
}

// SetTokenAccount stores a minimal SPL token account holding amount.
func (f *Fake) SetTokenAccount(address, mint, owner solana.PublicKey, amount uint64) {
	data := make([]byte, 165)
	copy(data[0:32], mint[:])
	copy(data[32:64], owner[:])
	binary.LittleEndian.PutUint64(data[64:72], amount)
	f.SetAccount(address, solana.TokenProgramID, data)
}

func (f *Fake) SetMint(address solana.PublicKey, decimals uint8) {
	data := make([]byte, 82)
	data[44] = decimals
	data[45] = 1
	f.SetAccount(address, solana.TokenProgramID, data)
}

func (f *Fake) SetBalance(address solana.PublicKey, lamports uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = lamports
}

func (f *Fake) FailAccount(address solana.PublicKey, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[address] = err
}

func (f *Fake) FailBlockhash(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashErr = err
}

func (f *Fake) FailUnixTime(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeErr = err
}

func (f *Fake) SetUnixTime(ts int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unixTime = ts
}

func (f *Fake) Blockhash() solana.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockhash
}

// Calls reports how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls reports every invocation across methods.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *Fake) GetAccount(ctx context.Context, address solana.PublicKey) (*chain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetAccount"]++
	if err := ctx.Err(); err != nil {
		return nil, apperr.RPC(err, "get account %s", address)
	}
	return f.lookup(address)
}

func (f *Fake) GetAccounts(ctx context.Context, addresses []solana.PublicKey) ([]*chain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetAccounts"]++
	if err := ctx.Err(); err != nil {
		return nil, apperr.RPC(err, "get accounts")
	}
	out := make([]*chain.Account, len(addresses))
	for i, address := range addresses {
		account, err := f.lookup(address)
		if err != nil {
			return nil, err
		}
		out[i] = account
	}
	return out, nil
}

func (f *Fake) GetTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (chain.TokenBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetTokenBalance"]++
	account, err := f.lookup(tokenAccount)
	if err != nil {
		return chain.TokenBalance{}, err
	}
	if account == nil {
		return chain.TokenBalance{}, apperr.ChainState("token account %s not found", tokenAccount)
	}
	decoded, err := chain.DecodeTokenAccount(account.Data)
	if err != nil {
		return chain.TokenBalance{}, apperr.SDKDecode(err, "token balance %s", tokenAccount)
	}
	decimals := uint8(0)
	if mintAccount, ok := f.accounts[decoded.Mint]; ok {
		decimals, _ = chain.MintDecimals(mintAccount.Data)
	}
	return chain.TokenBalance{Amount: decoded.Amount, Decimals: decimals}, nil
}

func (f *Fake) GetBalance(_ context.Context, address solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetBalance"]++
	if err, ok := f.failures[address]; ok {
		return 0, apperr.RPC(err, "get balance %s", address)
	}
	return f.balances[address], nil
}

func (f *Fake) LatestBlockhash(_ context.Context) (solana.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["LatestBlockhash"]++
	if f.hashErr != nil {
		return solana.Hash{}, apperr.RPC(f.hashErr, "get latest blockhash")
	}
	return f.blockhash, nil
}

func (f *Fake) ClusterUnixTime(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ClusterUnixTime"]++
	if f.timeErr != nil {
		return 0, apperr.RPC(f.timeErr, "get block time")
	}
	return f.unixTime, nil
}

func (f *Fake) lookup(address solana.PublicKey) (*chain.Account, error) {
	if err, ok := f.failures[address]; ok {
		return nil, apperr.RPC(err, "get account %s", address)
	}
	account, ok := f.accounts[address]
	if !ok {
		return nil, nil
	}
	clone := *account
	clone.Data = append([]byte(nil), account.Data...)
	return &clone, nil
}
