// Package pda derives the program addresses used by the mill and swap pool programs.
package pda

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/millswap/backend/internal/apperr"
)

var MetadataProgramID = solana.MustPublicKeyFromBase58("metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s")

const (
	seedMarket           = "market"
	seedMarketStaking    = "market_staking"
	seedStakePosition    = "stake_position"
	seedSwapAuthority    = "swap_authority"
	seedQuoteTokenBadge  = "quote_token_badge"
	seedEventAuthority   = "__event_authority"
	seedMetadata         = "metadata"
	seedPoolGlobalConfig = "global_config"
	seedPool             = "pool"
	seedPoolLPMint       = "pool_lp_mint"
	seedPoolCreatorVault = "creator_vault"
)

// Derive finds the canonical program address and bump for seeds under programID.
func Derive(programID solana.PublicKey, seeds ...[]byte) (solana.PublicKey, uint8, error) {
	if programID.IsZero() {
		return solana.PublicKey{}, 0, apperr.Validation("program id must not be empty")
	}
	addr, bump, err := solana.FindProgramAddress(seeds, programID)
	if err != nil {
		return solana.PublicKey{}, 0, apperr.Validation("derive program address: %v", err)
	}
	return addr, bump, nil
}

func DeriveMarket(millProgramID, baseMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(millProgramID, []byte(seedMarket), baseMint.Bytes())
}

func DeriveMarketStaking(millProgramID, market solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(millProgramID, []byte(seedMarketStaking), market.Bytes())
}

func DeriveStakePosition(millProgramID, market, user solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(millProgramID, []byte(seedStakePosition), market.Bytes(), user.Bytes())
}

func DeriveSwapAuthorityBadge(millProgramID, market, authority solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(millProgramID, []byte(seedSwapAuthority), market.Bytes(), authority.Bytes())
}

func DeriveQuoteTokenBadge(millProgramID, config, quoteMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(millProgramID, []byte(seedQuoteTokenBadge), config.Bytes(), quoteMint.Bytes())
}

// DeriveEventAuthority is the anchor event-cpi signer of a program.
func DeriveEventAuthority(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(programID, []byte(seedEventAuthority))
}

func DeriveMetadata(mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(MetadataProgramID, []byte(seedMetadata), MetadataProgramID.Bytes(), mint.Bytes())
}

// DeriveAssociatedTokenAccount supports both the classic and the 2022 token program.
func DeriveAssociatedTokenAccount(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, uint8, error) {
	if tokenProgram.IsZero() {
		tokenProgram = solana.TokenProgramID
	}
	return Derive(solana.SPLAssociatedTokenAccountProgramID, owner.Bytes(), tokenProgram.Bytes(), mint.Bytes())
}

func DerivePoolGlobalConfig(ammProgramID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(ammProgramID, []byte(seedPoolGlobalConfig))
}

func DerivePool(ammProgramID solana.PublicKey, index uint16, creator, baseMint, quoteMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(ammProgramID, []byte(seedPool), u16LE(index), creator.Bytes(), baseMint.Bytes(), quoteMint.Bytes())
}

func DerivePoolLPMint(ammProgramID, pool solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(ammProgramID, []byte(seedPoolLPMint), pool.Bytes())
}

func DeriveCoinCreatorVault(ammProgramID, coinCreator solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(ammProgramID, []byte(seedPoolCreatorVault), coinCreator.Bytes())
}

func u16LE(value uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	return buf
}
