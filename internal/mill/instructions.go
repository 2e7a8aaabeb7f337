package mill

import (
	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/millswap/backend/internal/pda"
)

type SwapType uint8

const (
	SwapBuy SwapType = iota
	SwapSell
)

type SwapAmountType uint8

const (
	ExactInput SwapAmountType = iota
	ExactOutput
)

var (
	createMarketWithSplDiscriminator = instructionDiscriminator("create_market_with_spl")
	createStakePositionDiscriminator = instructionDiscriminator("create_stake_position")
	createStakingDiscriminator       = instructionDiscriminator("create_staking")
	createVestingPlanDiscriminator   = instructionDiscriminator("create_vesting_plan")
	freeMarketDiscriminator          = instructionDiscriminator("free_market")
	lockMarketDiscriminator          = instructionDiscriminator("lock_market")
	permissionedSwapDiscriminator    = instructionDiscriminator("permissioned_swap")
	releaseDiscriminator             = instructionDiscriminator("release")
	setMarketPricesDiscriminator     = instructionDiscriminator("set_market_prices")
)

var instructionNames = map[[8]byte]string{
	createMarketWithSplDiscriminator: "createMarketWithSpl",
	createStakePositionDiscriminator: "createStakePosition",
	createStakingDiscriminator:       "createStaking",
	createVestingPlanDiscriminator:   "createVestingPlan",
	freeMarketDiscriminator:          "freeMarket",
	lockMarketDiscriminator:          "lockMarket",
	permissionedSwapDiscriminator:    "permissionedSwap",
	releaseDiscriminator:             "release",
	setMarketPricesDiscriminator:     "setMarketPrices",
}

func instructionDiscriminator(name string) [8]byte {
	return anchorDiscriminator("global", name)
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

// Program builds instructions for one deployment of the mill program.
type Program struct {
	ID             solana.PublicKey
	Config         solana.PublicKey
	EventAuthority solana.PublicKey
}

func NewProgram(programID, config solana.PublicKey) (*Program, error) {
	eventAuthority, _, err := pda.DeriveEventAuthority(programID)
	if err != nil {
		return nil, err
	}
	return &Program{ID: programID, Config: config, EventAuthority: eventAuthority}, nil
}

func (p *Program) instruction(accounts solana.AccountMetaSlice, w *writer) (solana.Instruction, error) {
	data, err := w.bytes()
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(p.ID, accounts, data), nil
}

func (p *Program) eventAccounts() []*solana.AccountMeta {
	return []*solana.AccountMeta{
		solana.NewAccountMeta(p.EventAuthority, false, false),
		solana.NewAccountMeta(p.ID, false, false),
	}
}

type CreateMarketParams struct {
	Market          solana.PublicKey
	BaseTokenMint   solana.PublicKey
	Metadata        solana.PublicKey
	MarketBaseATA   solana.PublicKey
	QuoteTokenBadge solana.PublicKey
	QuoteTokenMint  solana.PublicKey
	Creator         solana.PublicKey
	Name            string
	Symbol          string
	URI             string
	TotalSupply     uint64
	CreatorFeeShare uint16
	StakingFeeShare uint16
}

func (p *Program) CreateMarketWithSpl(params CreateMarketParams) (solana.Instruction, error) {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(p.Config, false, false),
		solana.NewAccountMeta(params.Market, true, false),
		solana.NewAccountMeta(params.BaseTokenMint, true, true),
		solana.NewAccountMeta(params.Metadata, true, false),
		solana.NewAccountMeta(params.MarketBaseATA, true, false),
		solana.NewAccountMeta(params.QuoteTokenBadge, false, false),
		solana.NewAccountMeta(params.QuoteTokenMint, false, false),
		solana.NewAccountMeta(params.Creator, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(pda.MetadataProgramID, false, false),
		solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
	}
	accounts = append(accounts, p.eventAccounts()...)

	w := newWriter(createMarketWithSplDiscriminator)
	w.str(params.Name)
	w.str(params.Symbol)
	w.str(params.URI)
	w.u64(params.TotalSupply)
	w.u16(params.CreatorFeeShare)
	w.u16(params.StakingFeeShare)
	return p.instruction(accounts, w)
}

// LockMarket installs swapAuthority as the only key allowed to trade the market.
func (p *Program) LockMarket(market, badge, creator, swapAuthority solana.PublicKey) (solana.Instruction, error) {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(market, true, false),
		solana.NewAccountMeta(badge, true, false),
		solana.NewAccountMeta(creator, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	accounts = append(accounts, p.eventAccounts()...)

	w := newWriter(lockMarketDiscriminator)
	w.pubkey(swapAuthority)
	return p.instruction(accounts, w)
}

func (p *Program) FreeMarket(market, badge, swapAuthority solana.PublicKey) (solana.Instruction, error) {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(market, true, false),
		solana.NewAccountMeta(badge, true, false),
		solana.NewAccountMeta(swapAuthority, false, true),
	}
	accounts = append(accounts, p.eventAccounts()...)
	return p.instruction(accounts, newWriter(freeMarketDiscriminator))
}

type SwapParams struct {
	Market               solana.PublicKey
	Badge                solana.PublicKey
	BaseTokenMint        solana.PublicKey
	QuoteTokenMint       solana.PublicKey
	MarketBaseATA        solana.PublicKey
	MarketQuoteATA       solana.PublicKey
	UserBaseATA          solana.PublicKey
	UserQuoteATA         solana.PublicKey
	ProtocolQuoteATA     solana.PublicKey
	SwapAuthority        solana.PublicKey
	User                 solana.PublicKey
	SwapType             SwapType
	AmountType           SwapAmountType
	Amount               uint64
	OtherAmountThreshold uint64
}

// PermissionedSwap passes the program id as the referral account, which the program reads as "no referral".
func (p *Program) PermissionedSwap(params SwapParams) (solana.Instruction, error) {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(p.Config, false, false),
		solana.NewAccountMeta(params.Market, true, false),
		solana.NewAccountMeta(params.Badge, false, false),
		solana.NewAccountMeta(params.BaseTokenMint, false, false),
		solana.NewAccountMeta(params.QuoteTokenMint, false, false),
		solana.NewAccountMeta(params.MarketBaseATA, true, false),
		solana.NewAccountMeta(params.MarketQuoteATA, true, false),
		solana.NewAccountMeta(params.UserBaseATA, true, false),
		solana.NewAccountMeta(params.UserQuoteATA, true, false),
		solana.NewAccountMeta(params.ProtocolQuoteATA, true, false),
		solana.NewAccountMeta(p.ID, true, false),
		solana.NewAccountMeta(params.SwapAuthority, false, true),
		solana.NewAccountMeta(params.User, false, true),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	accounts = append(accounts, p.eventAccounts()...)

	w := newWriter(permissionedSwapDiscriminator)
	w.u8(uint8(params.SwapType))
	w.u8(uint8(params.AmountType))
	w.u64(params.Amount)
	w.u64(params.OtherAmountThreshold)
	return p.instruction(accounts, w)
}

func (p *Program) SetMarketPrices(market, creator solana.PublicKey, bid, ask [PriceLevels]uint64) (solana.Instruction, error) {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(market, true, false),
		solana.NewAccountMeta(creator, false, true),
	}
	accounts = append(accounts, p.eventAccounts()...)

	w := newWriter(setMarketPricesDiscriminator)
	for _, price := range bid {
		w.u64(price)
	}
	for _, price := range ask {
		w.u64(price)
	}
	return p.instruction(accounts, w)
}

func (p *Program) CreateStaking(market, staking, payer solana.PublicKey) (solana.Instruction, error) {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(market, false, false),
		solana.NewAccountMeta(staking, true, false),
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return p.instruction(accounts, newWriter(createStakingDiscriminator))
}

func (p *Program) CreateStakePosition(market, position, user solana.PublicKey) (solana.Instruction, error) {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(market, false, false),
		solana.NewAccountMeta(position, true, false),
		solana.NewAccountMeta(user, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return p.instruction(accounts, newWriter(createStakePositionDiscriminator))
}

type VestingAccounts struct {
	Market        solana.PublicKey
	Staking       solana.PublicKey
	StakePosition solana.PublicKey
	VestingPlan   solana.PublicKey
	BaseTokenMint solana.PublicKey
	MarketBaseATA solana.PublicKey
	UserBaseATA   solana.PublicKey
	User          solana.PublicKey
}

type VestingSchedule struct {
	Start    int64
	Amount   uint64
	Duration int64
	Cliff    int64
}

// CreateVestingPlan expects VestingPlan to be a fresh keypair that signs alongside the user.
func (p *Program) CreateVestingPlan(acc VestingAccounts, schedule VestingSchedule) (solana.Instruction, error) {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(acc.Market, true, false),
		solana.NewAccountMeta(acc.Staking, true, false),
		solana.NewAccountMeta(acc.StakePosition, true, false),
		solana.NewAccountMeta(acc.VestingPlan, true, true),
		solana.NewAccountMeta(acc.BaseTokenMint, false, false),
		solana.NewAccountMeta(acc.MarketBaseATA, true, false),
		solana.NewAccountMeta(acc.UserBaseATA, true, false),
		solana.NewAccountMeta(acc.User, true, true),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	accounts = append(accounts, p.eventAccounts()...)

	w := newWriter(createVestingPlanDiscriminator)
	w.i64(schedule.Start)
	w.u64(schedule.Amount)
	w.i64(schedule.Duration)
	w.i64(schedule.Cliff)
	return p.instruction(accounts, w)
}

func (p *Program) Release(acc VestingAccounts) (solana.Instruction, error) {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(acc.Market, true, false),
		solana.NewAccountMeta(acc.Staking, true, false),
		solana.NewAccountMeta(acc.StakePosition, true, false),
		solana.NewAccountMeta(acc.VestingPlan, true, false),
		solana.NewAccountMeta(acc.BaseTokenMint, false, false),
		solana.NewAccountMeta(acc.MarketBaseATA, true, false),
		solana.NewAccountMeta(acc.UserBaseATA, true, false),
		solana.NewAccountMeta(acc.User, false, true),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	accounts = append(accounts, p.eventAccounts()...)
	return p.instruction(accounts, newWriter(releaseDiscriminator))
}
