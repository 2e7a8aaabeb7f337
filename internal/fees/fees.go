// Package fees computes the service commission appended to market transactions.
package fees

import (
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/shopspring/decimal"

	"github.com/coldbell/millswap/backend/internal/config"
)

var (
	lamportsPerSol   = decimal.NewFromInt(int64(solana.LAMPORTS_PER_SOL))
	supplyUnitScale  = decimal.NewFromInt(1_000_000)
	curvePriceFactor = decimal.New(1, -6)
)

type Calculator struct {
	wallet     solana.PublicKey
	percentage decimal.Decimal
	min        uint64
	max        uint64
}

func NewCalculator(cfg config.CommissionConfig) *Calculator {
	return &Calculator{
		wallet:     cfg.Wallet,
		percentage: cfg.Percentage,
		min:        cfg.MinLamports,
		max:        cfg.MaxLamports,
	}
}

// Clamp bounds computed to [min, max].
func Clamp(computed, min, max uint64) uint64 {
	if computed < min {
		return min
	}
	if computed > max {
		return max
	}
	return computed
}

// ForMarketCreation charges on the total supply, expressed in whole tokens.
func (c *Calculator) ForMarketCreation(totalSupply uint64) uint64 {
	base := decimal.NewFromBigInt(new(big.Int).SetUint64(totalSupply), 0).Div(supplyUnitScale)
	return c.clamp(base)
}

// ForCurve charges on the mean ask price of a curve.
func (c *Calculator) ForCurve(askPrices []uint64) uint64 {
	if len(askPrices) == 0 {
		return c.min
	}
	sum := decimal.Zero
	for _, price := range askPrices {
		sum = sum.Add(decimal.NewFromBigInt(new(big.Int).SetUint64(price), 0))
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(askPrices))))
	return c.clamp(avg.Mul(curvePriceFactor))
}

func (c *Calculator) clamp(base decimal.Decimal) uint64 {
	lamports := base.Mul(c.percentage).Mul(lamportsPerSol).Floor()
	if lamports.Sign() <= 0 {
		return Clamp(0, c.min, c.max)
	}
	if !lamports.BigInt().IsUint64() {
		return c.max
	}
	return Clamp(lamports.BigInt().Uint64(), c.min, c.max)
}

func (c *Calculator) Wallet() solana.PublicKey {
	return c.wallet
}

// TransferInstruction moves lamports from payer to the commission wallet.
func (c *Calculator) TransferInstruction(payer solana.PublicKey, lamports uint64) solana.Instruction {
	return system.NewTransferInstruction(lamports, payer, c.wallet).Build()
}
