// Package mill encodes instructions for, and decodes accounts of, the token mill program.
package mill

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"lukechampine.com/uint128"

	"github.com/coldbell/millswap/backend/internal/apperr"
)

const PriceLevels = 11

var (
	MarketDiscriminator             = accountDiscriminator("Market")
	TokenMillConfigDiscriminator    = accountDiscriminator("TokenMillConfig")
	MarketStakingDiscriminator      = accountDiscriminator("MarketStaking")
	StakePositionDiscriminator      = accountDiscriminator("StakePosition")
	VestingPlanDiscriminator        = accountDiscriminator("VestingPlan")
	SwapAuthorityBadgeDiscriminator = accountDiscriminator("SwapAuthorityBadge")
)

type MarketFees struct {
	StakingFeeShare    uint16
	CreatorFeeShare    uint16
	PendingStakingFees uint64
	PendingCreatorFees uint64
}

type Market struct {
	Config             solana.PublicKey
	Creator            solana.PublicKey
	BaseTokenMint      solana.PublicKey
	QuoteTokenMint     solana.PublicKey
	BaseReserve        uint64
	BidPrices          [PriceLevels]uint64
	AskPrices          [PriceLevels]uint64
	WidthScaled        uint64
	TotalSupply        uint64
	Fees               MarketFees
	QuoteTokenDecimals uint8
	Bump               uint8
	IsPermissioned     bool
}

// PricesSet reports whether the curve has been written; it can only be set once.
func (m *Market) PricesSet() bool {
	return m.AskPrices[PriceLevels-1] != 0
}

type TokenMillConfig struct {
	Authority               solana.PublicKey
	PendingAuthority        *solana.PublicKey
	ProtocolFeeRecipient    solana.PublicKey
	DefaultProtocolFeeShare uint16
	ReferralFeeShare        uint16
}

type MarketStaking struct {
	Market                  solana.PublicKey
	AmountStaked            uint64
	TotalAmountVested       uint64
	AccRewardAmountPerShare uint128.Uint128
}

type StakePosition struct {
	Market                  solana.PublicKey
	User                    solana.PublicKey
	AmountStaked            uint64
	TotalAmountVested       uint64
	PendingRewards          uint64
	AccRewardAmountPerShare uint128.Uint128
}

type VestingPlan struct {
	StakePosition   solana.PublicKey
	AmountVested    uint64
	AmountReleased  uint64
	Start           int64
	CliffDuration   int64
	VestingDuration int64
}

func DecodeMarket(data []byte) (*Market, error) {
	dec, err := accountDecoder(data, MarketDiscriminator, "market")
	if err != nil {
		return nil, err
	}
	r := reader{dec: dec}
	m := &Market{
		Config:         r.pubkey(),
		Creator:        r.pubkey(),
		BaseTokenMint:  r.pubkey(),
		QuoteTokenMint: r.pubkey(),
		BaseReserve:    r.u64(),
	}
	for i := range m.BidPrices {
		m.BidPrices[i] = r.u64()
	}
	for i := range m.AskPrices {
		m.AskPrices[i] = r.u64()
	}
	m.WidthScaled = r.u64()
	m.TotalSupply = r.u64()
	m.Fees.StakingFeeShare = r.u16()
	m.Fees.CreatorFeeShare = r.u16()
	r.skip(4)
	m.Fees.PendingStakingFees = r.u64()
	m.Fees.PendingCreatorFees = r.u64()
	m.QuoteTokenDecimals = r.u8()
	m.Bump = r.u8()
	m.IsPermissioned = r.u8() != 0
	r.skip(5)
	if r.err != nil {
		return nil, apperr.SDKDecode(r.err, "decode market")
	}
	return m, nil
}

func DecodeTokenMillConfig(data []byte) (*TokenMillConfig, error) {
	dec, err := accountDecoder(data, TokenMillConfigDiscriminator, "token mill config")
	if err != nil {
		return nil, err
	}
	r := reader{dec: dec}
	cfg := &TokenMillConfig{Authority: r.pubkey()}
	if r.u8() == 1 {
		pending := r.pubkey()
		cfg.PendingAuthority = &pending
	}
	cfg.ProtocolFeeRecipient = r.pubkey()
	cfg.DefaultProtocolFeeShare = r.u16()
	cfg.ReferralFeeShare = r.u16()
	if r.err != nil {
		return nil, apperr.SDKDecode(r.err, "decode token mill config")
	}
	return cfg, nil
}

func DecodeMarketStaking(data []byte) (*MarketStaking, error) {
	dec, err := accountDecoder(data, MarketStakingDiscriminator, "market staking")
	if err != nil {
		return nil, err
	}
	r := reader{dec: dec}
	staking := &MarketStaking{
		Market:                  r.pubkey(),
		AmountStaked:            r.u64(),
		TotalAmountVested:       r.u64(),
		AccRewardAmountPerShare: r.u128(),
	}
	if r.err != nil {
		return nil, apperr.SDKDecode(r.err, "decode market staking")
	}
	return staking, nil
}

func DecodeStakePosition(data []byte) (*StakePosition, error) {
	dec, err := accountDecoder(data, StakePositionDiscriminator, "stake position")
	if err != nil {
		return nil, err
	}
	r := reader{dec: dec}
	pos := &StakePosition{
		Market:                  r.pubkey(),
		User:                    r.pubkey(),
		AmountStaked:            r.u64(),
		TotalAmountVested:       r.u64(),
		PendingRewards:          r.u64(),
		AccRewardAmountPerShare: r.u128(),
	}
	if r.err != nil {
		return nil, apperr.SDKDecode(r.err, "decode stake position")
	}
	return pos, nil
}

func DecodeVestingPlan(data []byte) (*VestingPlan, error) {
	dec, err := accountDecoder(data, VestingPlanDiscriminator, "vesting plan")
	if err != nil {
		return nil, err
	}
	r := reader{dec: dec}
	plan := &VestingPlan{
		StakePosition:   r.pubkey(),
		AmountVested:    r.u64(),
		AmountReleased:  r.u64(),
		Start:           r.i64(),
		CliffDuration:   r.i64(),
		VestingDuration: r.i64(),
	}
	if r.err != nil {
		return nil, apperr.SDKDecode(r.err, "decode vesting plan")
	}
	return plan, nil
}

func accountDecoder(data []byte, want [8]byte, name string) (*bin.Decoder, error) {
	if len(data) < 8 {
		return nil, apperr.SDKDecode(fmt.Errorf("data too short: %d bytes", len(data)), "decode %s", name)
	}
	if !bytes.Equal(data[:8], want[:]) {
		return nil, apperr.SDKDecode(fmt.Errorf("unexpected discriminator %x", data[:8]), "decode %s", name)
	}
	return bin.NewBorshDecoder(data[8:]), nil
}

func accountDiscriminator(name string) [8]byte {
	return anchorDiscriminator("account", name)
}

func anchorDiscriminator(namespace, name string) [8]byte {
	hash := sha256.Sum256([]byte(namespace + ":" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// reader keeps the first decode error and turns later reads into no-ops.
type reader struct {
	dec *bin.Decoder
	err error
}

func (r *reader) pubkey() solana.PublicKey {
	if r.err != nil {
		return solana.PublicKey{}
	}
	raw, err := r.dec.ReadNBytes(32)
	if err != nil {
		r.err = err
		return solana.PublicKey{}
	}
	return solana.PublicKeyFromBytes(raw)
}

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint8()
	r.err = err
	return v
}

func (r *reader) u16() uint16 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint16(binary.LittleEndian)
	r.err = err
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint64(binary.LittleEndian)
	r.err = err
	return v
}

func (r *reader) i64() int64 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadInt64(binary.LittleEndian)
	r.err = err
	return v
}

func (r *reader) u128() uint128.Uint128 {
	lo := r.u64()
	hi := r.u64()
	return uint128.New(lo, hi)
}

func (r *reader) skip(n int) {
	if r.err != nil {
		return
	}
	r.err = r.dec.SkipBytes(uint(n))
}
