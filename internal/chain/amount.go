package chain

import (
	"fmt"
	"strconv"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go/programs/token"
)

// DecodeTokenAccount decodes the base SPL token account layout. Token-2022
// extension bytes after it are ignored.
func DecodeTokenAccount(data []byte) (*token.Account, error) {
	var account token.Account
	if err := bin.NewBinDecoder(data).Decode(&account); err != nil {
		return nil, fmt.Errorf("decode token account (%d bytes): %w", len(data), err)
	}
	return &account, nil
}

// DecodeMint decodes the base SPL mint layout.
func DecodeMint(data []byte) (*token.Mint, error) {
	var mint token.Mint
	if err := bin.NewBinDecoder(data).Decode(&mint); err != nil {
		return nil, fmt.Errorf("decode mint (%d bytes): %w", len(data), err)
	}
	return &mint, nil
}

func TokenAccountAmount(data []byte) (uint64, error) {
	account, err := DecodeTokenAccount(data)
	if err != nil {
		return 0, err
	}
	return account.Amount, nil
}

func MintDecimals(data []byte) (uint8, error) {
	mint, err := DecodeMint(data)
	if err != nil {
		return 0, err
	}
	return mint.Decimals, nil
}

func parseUint(raw string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
}
