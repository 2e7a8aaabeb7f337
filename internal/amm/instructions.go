package amm

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/coldbell/millswap/backend/internal/config"
	"github.com/coldbell/millswap/backend/internal/pda"
)

var (
	buyDiscriminator        = globalDiscriminator("buy")
	sellDiscriminator       = globalDiscriminator("sell")
	depositDiscriminator    = globalDiscriminator("deposit")
	withdrawDiscriminator   = globalDiscriminator("withdraw")
	createPoolDiscriminator = globalDiscriminator("create_pool")
)

var instructionNames = map[[8]byte]string{
	buyDiscriminator:        "buy",
	sellDiscriminator:       "sell",
	depositDiscriminator:    "deposit",
	withdrawDiscriminator:   "withdraw",
	createPoolDiscriminator: "createPool",
}

// InstructionName maps encoded instruction data back to its name, or "" when unknown.
func InstructionName(data []byte) string {
	if len(data) < 8 {
		return ""
	}
	var disc [8]byte
	copy(disc[:], data[:8])
	return instructionNames[disc]
}

func globalDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func instructionData(disc [8]byte, args ...any) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(disc[:])
	enc := bin.NewBorshEncoder(buf)
	for _, arg := range args {
		var err error
		switch v := arg.(type) {
		case uint16:
			err = enc.WriteUint16(v, binary.LittleEndian)
		case uint64:
			err = enc.WriteUint64(v, binary.LittleEndian)
		case solana.PublicKey:
			err = enc.WriteBytes(v[:], false)
		default:
			err = fmt.Errorf("unsupported argument type %T", arg)
		}
		if err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

type Program struct {
	ID                   solana.PublicKey
	GlobalConfig         solana.PublicKey
	EventAuthority       solana.PublicKey
	ProtocolFeeRecipient solana.PublicKey
}

func NewProgram(cfg config.AMMConfig) (*Program, error) {
	globalConfig, _, err := pda.DerivePoolGlobalConfig(cfg.ProgramID)
	if err != nil {
		return nil, err
	}
	eventAuthority, _, err := pda.DeriveEventAuthority(cfg.ProgramID)
	if err != nil {
		return nil, err
	}
	return &Program{
		ID:                   cfg.ProgramID,
		GlobalConfig:         globalConfig,
		EventAuthority:       eventAuthority,
		ProtocolFeeRecipient: cfg.ProtocolFeeRecipient,
	}, nil
}

// TradeAccounts are the user-side token accounts of a pool interaction.
type TradeAccounts struct {
	User       solana.PublicKey
	UserBase   solana.PublicKey
	UserQuote  solana.PublicKey
	UserPoolLP solana.PublicKey
}

func (p *Program) Buy(pool *Pool, acc TradeAccounts, baseAmountOut, maxQuoteAmountIn uint64) (solana.Instruction, error) {
	accounts, err := p.swapAccounts(pool, acc, true)
	if err != nil {
		return nil, err
	}
	data, err := instructionData(buyDiscriminator, baseAmountOut, maxQuoteAmountIn)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(p.ID, accounts, data), nil
}

func (p *Program) Sell(pool *Pool, acc TradeAccounts, baseAmountIn, minQuoteAmountOut uint64) (solana.Instruction, error) {
	accounts, err := p.swapAccounts(pool, acc, false)
	if err != nil {
		return nil, err
	}
	data, err := instructionData(sellDiscriminator, baseAmountIn, minQuoteAmountOut)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(p.ID, accounts, data), nil
}

func (p *Program) swapAccounts(pool *Pool, acc TradeAccounts, buy bool) (solana.AccountMetaSlice, error) {
	feeRecipientATA, _, err := pda.DeriveAssociatedTokenAccount(p.ProtocolFeeRecipient, pool.QuoteMint, solana.TokenProgramID)
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(pool.Address, false, false),
		solana.NewAccountMeta(acc.User, true, true),
		solana.NewAccountMeta(p.GlobalConfig, false, false),
		solana.NewAccountMeta(pool.BaseMint, false, false),
		solana.NewAccountMeta(pool.QuoteMint, false, false),
		solana.NewAccountMeta(acc.UserBase, true, false),
		solana.NewAccountMeta(acc.UserQuote, true, false),
		solana.NewAccountMeta(pool.PoolBaseTokenAccount, true, false),
		solana.NewAccountMeta(pool.PoolQuoteTokenAccount, true, false),
		solana.NewAccountMeta(p.ProtocolFeeRecipient, false, false),
		solana.NewAccountMeta(feeRecipientATA, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		solana.NewAccountMeta(p.EventAuthority, false, false),
		solana.NewAccountMeta(p.ID, false, false),
	}
	if pool.HasCoinCreator() {
		vaultAuthority, _, err := pda.DeriveCoinCreatorVault(p.ID, pool.CoinCreator)
		if err != nil {
			return nil, err
		}
		vaultATA, _, err := pda.DeriveAssociatedTokenAccount(vaultAuthority, pool.QuoteMint, solana.TokenProgramID)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts,
			solana.NewAccountMeta(vaultATA, buy, false),
			solana.NewAccountMeta(vaultAuthority, false, false),
		)
	}
	return accounts, nil
}

func (p *Program) liquidityAccounts(pool *Pool, acc TradeAccounts) solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		solana.NewAccountMeta(pool.Address, true, false),
		solana.NewAccountMeta(p.GlobalConfig, false, false),
		solana.NewAccountMeta(acc.User, false, true),
		solana.NewAccountMeta(pool.BaseMint, false, false),
		solana.NewAccountMeta(pool.QuoteMint, false, false),
		solana.NewAccountMeta(pool.LPMint, true, false),
		solana.NewAccountMeta(acc.UserBase, true, false),
		solana.NewAccountMeta(acc.UserQuote, true, false),
		solana.NewAccountMeta(acc.UserPoolLP, true, false),
		solana.NewAccountMeta(pool.PoolBaseTokenAccount, true, false),
		solana.NewAccountMeta(pool.PoolQuoteTokenAccount, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.Token2022ProgramID, false, false),
		solana.NewAccountMeta(p.EventAuthority, false, false),
		solana.NewAccountMeta(p.ID, false, false),
	}
}

func (p *Program) Deposit(pool *Pool, acc TradeAccounts, lpTokenOut, maxBaseIn, maxQuoteIn uint64) (solana.Instruction, error) {
	data, err := instructionData(depositDiscriminator, lpTokenOut, maxBaseIn, maxQuoteIn)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(p.ID, p.liquidityAccounts(pool, acc), data), nil
}

func (p *Program) Withdraw(pool *Pool, acc TradeAccounts, lpTokenIn, minBaseOut, minQuoteOut uint64) (solana.Instruction, error) {
	data, err := instructionData(withdrawDiscriminator, lpTokenIn, minBaseOut, minQuoteOut)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(p.ID, p.liquidityAccounts(pool, acc), data), nil
}

type CreatePoolParams struct {
	Index       uint16
	Creator     solana.PublicKey
	BaseMint    solana.PublicKey
	QuoteMint   solana.PublicKey
	BaseIn      uint64
	QuoteIn     uint64
	CoinCreator solana.PublicKey
}

// CreatePool returns the instruction and the pool address it initializes.
func (p *Program) CreatePool(params CreatePoolParams) (solana.Instruction, solana.PublicKey, error) {
	pool, _, err := pda.DerivePool(p.ID, params.Index, params.Creator, params.BaseMint, params.QuoteMint)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	lpMint, _, err := pda.DerivePoolLPMint(p.ID, pool)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	derive := func(owner, mint, tokenProgram solana.PublicKey) solana.PublicKey {
		if err != nil {
			return solana.PublicKey{}
		}
		var addr solana.PublicKey
		addr, _, err = pda.DeriveAssociatedTokenAccount(owner, mint, tokenProgram)
		return addr
	}
	userBase := derive(params.Creator, params.BaseMint, solana.TokenProgramID)
	userQuote := derive(params.Creator, params.QuoteMint, solana.TokenProgramID)
	userLP := derive(params.Creator, lpMint, solana.Token2022ProgramID)
	poolBase := derive(pool, params.BaseMint, solana.TokenProgramID)
	poolQuote := derive(pool, params.QuoteMint, solana.TokenProgramID)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}

	coinCreator := params.CoinCreator
	if coinCreator.IsZero() {
		coinCreator = params.Creator
	}
	data, err := instructionData(createPoolDiscriminator, params.Index, params.BaseIn, params.QuoteIn, coinCreator)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(pool, true, false),
		solana.NewAccountMeta(p.GlobalConfig, false, false),
		solana.NewAccountMeta(params.Creator, true, true),
		solana.NewAccountMeta(params.BaseMint, false, false),
		solana.NewAccountMeta(params.QuoteMint, false, false),
		solana.NewAccountMeta(lpMint, true, false),
		solana.NewAccountMeta(userBase, true, false),
		solana.NewAccountMeta(userQuote, true, false),
		solana.NewAccountMeta(userLP, true, false),
		solana.NewAccountMeta(poolBase, true, false),
		solana.NewAccountMeta(poolQuote, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.Token2022ProgramID, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		solana.NewAccountMeta(p.EventAuthority, false, false),
		solana.NewAccountMeta(p.ID, false, false),
	}
	return solana.NewInstruction(p.ID, accounts, data), pool, nil
}

// WrapSOL funds a wrapped-SOL token account and syncs its token balance.
func WrapSOL(owner, wsolAccount solana.PublicKey, lamports uint64) ([]solana.Instruction, error) {
	sync, err := token.NewSyncNativeInstructionBuilder().
		SetTokenAccount(wsolAccount).
		ValidateAndBuild()
	if err != nil {
		return nil, err
	}
	return []solana.Instruction{
		system.NewTransferInstruction(lamports, owner, wsolAccount).Build(),
		sync,
	}, nil
}

// UnwrapSOL closes a wrapped-SOL token account back into its owner.
func UnwrapSOL(owner, wsolAccount solana.PublicKey) (solana.Instruction, error) {
	ix, err := token.NewCloseAccountInstructionBuilder().
		SetAccount(wsolAccount).
		SetDestinationAccount(owner).
		SetOwnerAccount(owner).
		ValidateAndBuild()
	if err != nil {
		return nil, err
	}
	return ix, nil
}
