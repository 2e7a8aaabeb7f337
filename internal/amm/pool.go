// Package amm quotes and builds instructions for the constant-product swap pool program.
package amm

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/millswap/backend/internal/apperr"
)

// PoolDataSize is the pool layout without the trailing coin creator.
const PoolDataSize = 211

var PoolDiscriminator = [8]byte{241, 154, 109, 4, 17, 177, 109, 188}

type Pool struct {
	Address               solana.PublicKey
	Bump                  uint8
	Index                 uint16
	Creator               solana.PublicKey
	BaseMint              solana.PublicKey
	QuoteMint             solana.PublicKey
	LPMint                solana.PublicKey
	PoolBaseTokenAccount  solana.PublicKey
	PoolQuoteTokenAccount solana.PublicKey
	LPSupply              uint64
	// CoinCreator is the system program id on pools created before creator fees existed.
	CoinCreator solana.PublicKey
}

func (p *Pool) HasCoinCreator() bool {
	return !p.CoinCreator.IsZero() && !p.CoinCreator.Equals(solana.SystemProgramID)
}

// poolLayout is the borsh body after the discriminator; coin_creator trails it
// on pools created after creator fees existed.
type poolLayout struct {
	Bump                  uint8
	Index                 uint16
	Creator               solana.PublicKey
	BaseMint              solana.PublicKey
	QuoteMint             solana.PublicKey
	LPMint                solana.PublicKey
	PoolBaseTokenAccount  solana.PublicKey
	PoolQuoteTokenAccount solana.PublicKey
	LPSupply              uint64
}

// DecodePool fails with an SDK decode error when data does not carry the pool layout.
func DecodePool(address solana.PublicKey, data []byte) (*Pool, error) {
	if len(data) < PoolDataSize {
		return nil, apperr.SDKDecode(
			fmt.Errorf("data too short: expected %d bytes, got %d", PoolDataSize, len(data)),
			"decode pool %s", address,
		)
	}
	if !bytes.Equal(data[:8], PoolDiscriminator[:]) {
		return nil, apperr.SDKDecode(
			fmt.Errorf("invalid account discriminator %x", data[:8]),
			"decode pool %s", address,
		)
	}

	dec := bin.NewBorshDecoder(data[8:])
	var layout poolLayout
	if err := dec.Decode(&layout); err != nil {
		return nil, apperr.SDKDecode(err, "decode pool %s", address)
	}
	pool := &Pool{
		Address:               address,
		Bump:                  layout.Bump,
		Index:                 layout.Index,
		Creator:               layout.Creator,
		BaseMint:              layout.BaseMint,
		QuoteMint:             layout.QuoteMint,
		LPMint:                layout.LPMint,
		PoolBaseTokenAccount:  layout.PoolBaseTokenAccount,
		PoolQuoteTokenAccount: layout.PoolQuoteTokenAccount,
		LPSupply:              layout.LPSupply,
		CoinCreator:           solana.SystemProgramID,
	}
	if dec.Remaining() >= solana.PublicKeyLength {
		raw, err := dec.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return nil, apperr.SDKDecode(err, "decode pool %s coin creator", address)
		}
		pool.CoinCreator = solana.PublicKeyFromBytes(raw)
	}
	return pool, nil
}

// MarshalBinary writes the on-chain layout, including the coin creator.
func (p *Pool) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(PoolDiscriminator[:])
	enc := bin.NewBorshEncoder(&buf)
	if err := enc.Encode(poolLayout{
		Bump:                  p.Bump,
		Index:                 p.Index,
		Creator:               p.Creator,
		BaseMint:              p.BaseMint,
		QuoteMint:             p.QuoteMint,
		LPMint:                p.LPMint,
		PoolBaseTokenAccount:  p.PoolBaseTokenAccount,
		PoolQuoteTokenAccount: p.PoolQuoteTokenAccount,
		LPSupply:              p.LPSupply,
	}); err != nil {
		return nil, fmt.Errorf("encode pool: %w", err)
	}
	buf.Write(p.CoinCreator[:])
	return buf.Bytes(), nil
}
