package mill

import (
	"bytes"
	"encoding/binary"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"lukechampine.com/uint128"
)

// writer keeps the first encode error and turns later writes into no-ops.
type writer struct {
	buf *bytes.Buffer
	enc *bin.Encoder
	err error
}

func newWriter(prefix [8]byte) *writer {
	buf := new(bytes.Buffer)
	buf.Write(prefix[:])
	return &writer{buf: buf, enc: bin.NewBorshEncoder(buf)}
}

func (w *writer) pubkey(pk solana.PublicKey) {
	if w.err == nil {
		w.err = w.enc.WriteBytes(pk[:], false)
	}
}

func (w *writer) u8(v uint8) {
	if w.err == nil {
		w.err = w.enc.WriteUint8(v)
	}
}

func (w *writer) u16(v uint16) {
	if w.err == nil {
		w.err = w.enc.WriteUint16(v, binary.LittleEndian)
	}
}

func (w *writer) u32(v uint32) {
	if w.err == nil {
		w.err = w.enc.WriteUint32(v, binary.LittleEndian)
	}
}

func (w *writer) u64(v uint64) {
	if w.err == nil {
		w.err = w.enc.WriteUint64(v, binary.LittleEndian)
	}
}

func (w *writer) i64(v int64) {
	if w.err == nil {
		w.err = w.enc.WriteInt64(v, binary.LittleEndian)
	}
}

func (w *writer) u128(v uint128.Uint128) {
	w.u64(v.Lo)
	w.u64(v.Hi)
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	if w.err == nil {
		w.err = w.enc.WriteBytes([]byte(s), false)
	}
}

func (w *writer) padding(n int) {
	if w.err == nil {
		w.err = w.enc.WriteBytes(make([]byte, n), false)
	}
}

func (w *writer) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

func (m *Market) MarshalBinary() ([]byte, error) {
	w := newWriter(MarketDiscriminator)
	w.pubkey(m.Config)
	w.pubkey(m.Creator)
	w.pubkey(m.BaseTokenMint)
	w.pubkey(m.QuoteTokenMint)
	w.u64(m.BaseReserve)
	for _, price := range m.BidPrices {
		w.u64(price)
	}
	for _, price := range m.AskPrices {
		w.u64(price)
	}
	w.u64(m.WidthScaled)
	w.u64(m.TotalSupply)
	w.u16(m.Fees.StakingFeeShare)
	w.u16(m.Fees.CreatorFeeShare)
	w.padding(4)
	w.u64(m.Fees.PendingStakingFees)
	w.u64(m.Fees.PendingCreatorFees)
	w.u8(m.QuoteTokenDecimals)
	w.u8(m.Bump)
	if m.IsPermissioned {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.padding(5)
	return w.bytes()
}

func (c *TokenMillConfig) MarshalBinary() ([]byte, error) {
	w := newWriter(TokenMillConfigDiscriminator)
	w.pubkey(c.Authority)
	if c.PendingAuthority != nil {
		w.u8(1)
		w.pubkey(*c.PendingAuthority)
	} else {
		w.u8(0)
	}
	w.pubkey(c.ProtocolFeeRecipient)
	w.u16(c.DefaultProtocolFeeShare)
	w.u16(c.ReferralFeeShare)
	return w.bytes()
}

func (s *MarketStaking) MarshalBinary() ([]byte, error) {
	w := newWriter(MarketStakingDiscriminator)
	w.pubkey(s.Market)
	w.u64(s.AmountStaked)
	w.u64(s.TotalAmountVested)
	w.u128(s.AccRewardAmountPerShare)
	return w.bytes()
}

func (p *StakePosition) MarshalBinary() ([]byte, error) {
	w := newWriter(StakePositionDiscriminator)
	w.pubkey(p.Market)
	w.pubkey(p.User)
	w.u64(p.AmountStaked)
	w.u64(p.TotalAmountVested)
	w.u64(p.PendingRewards)
	w.u128(p.AccRewardAmountPerShare)
	return w.bytes()
}

func (p *VestingPlan) MarshalBinary() ([]byte, error) {
	w := newWriter(VestingPlanDiscriminator)
	w.pubkey(p.StakePosition)
	w.u64(p.AmountVested)
	w.u64(p.AmountReleased)
	w.i64(p.Start)
	w.i64(p.CliffDuration)
	w.i64(p.VestingDuration)
	return w.bytes()
}
