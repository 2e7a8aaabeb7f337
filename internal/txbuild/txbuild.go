// Package txbuild assembles and partially signs transactions for client countersigning.
package txbuild

import (
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"

	"github.com/coldbell/millswap/backend/internal/apperr"
	"github.com/coldbell/millswap/backend/internal/config"
)

type Assembler struct {
	computeUnitLimit uint32
	computeUnitPrice uint64
}

type Result struct {
	Transaction string
	Tx          *solana.Transaction
	// SignedBy lists the keys whose signatures were filled in.
	SignedBy []solana.PublicKey
}

func NewAssembler(cfg config.TxConfig) *Assembler {
	return &Assembler{
		computeUnitLimit: cfg.ComputeUnitLimit,
		computeUnitPrice: cfg.ComputeUnitPriceMicroLamports,
	}
}

// Assemble fixes the fee payer and blockhash, then signs with every held key that
// the message requires. Other signature slots stay zeroed.
func (a *Assembler) Assemble(
	feePayer solana.PublicKey,
	blockhash solana.Hash,
	instructions []solana.Instruction,
	signers ...solana.PrivateKey,
) (*Result, error) {
	if feePayer.IsZero() {
		return nil, apperr.Validation("fee payer is required")
	}
	if len(instructions) == 0 {
		return nil, apperr.Validation("transaction has no instructions")
	}

	all := make([]solana.Instruction, 0, len(instructions)+2)
	all = append(all, a.computeBudgetPrefix()...)
	all = append(all, instructions...)

	tx, err := solana.NewTransaction(all, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	signedBy, err := partialSign(tx, signers)
	if err != nil {
		return nil, err
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	return &Result{
		Transaction: base64.StdEncoding.EncodeToString(raw),
		Tx:          tx,
		SignedBy:    signedBy,
	}, nil
}

func (a *Assembler) computeBudgetPrefix() []solana.Instruction {
	var out []solana.Instruction
	if a.computeUnitLimit > 0 {
		out = append(out, computebudget.NewSetComputeUnitLimitInstructionBuilder().
			SetUnits(a.computeUnitLimit).
			Build())
	}
	if a.computeUnitPrice > 0 {
		out = append(out, computebudget.NewSetComputeUnitPriceInstructionBuilder().
			SetMicroLamports(a.computeUnitPrice).
			Build())
	}
	return out
}

func partialSign(tx *solana.Transaction, signers []solana.PrivateKey) ([]solana.PublicKey, error) {
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}

	required := int(tx.Message.Header.NumRequiredSignatures)
	tx.Signatures = make([]solana.Signature, required)

	var signedBy []solana.PublicKey
	for i := 0; i < required && i < len(tx.Message.AccountKeys); i++ {
		key := tx.Message.AccountKeys[i]
		signer := findSigner(signers, key)
		if signer == nil {
			continue
		}
		sig, err := signer.Sign(message)
		if err != nil {
			return nil, fmt.Errorf("sign with %s: %w", key, err)
		}
		tx.Signatures[i] = sig
		signedBy = append(signedBy, key)
	}
	return signedBy, nil
}

func findSigner(signers []solana.PrivateKey, key solana.PublicKey) *solana.PrivateKey {
	for i := range signers {
		if len(signers[i]) == 0 {
			continue
		}
		if signers[i].PublicKey().Equals(key) {
			return &signers[i]
		}
	}
	return nil
}

// Decode parses a base64 transaction produced by Assemble.
func Decode(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperr.Validation("transaction is not base64: %v", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, apperr.SDKDecode(err, "decode transaction")
	}
	return tx, nil
}

type DecodedInstruction struct {
	ProgramID solana.PublicKey
	Accounts  []solana.PublicKey
	Data      []byte
}

// Instructions resolves the compiled instructions of tx against its account table.
func Instructions(tx *solana.Transaction) ([]DecodedInstruction, error) {
	keys := tx.Message.AccountKeys
	out := make([]DecodedInstruction, 0, len(tx.Message.Instructions))
	for _, compiled := range tx.Message.Instructions {
		programID, err := tx.Message.Program(compiled.ProgramIDIndex)
		if err != nil {
			return nil, apperr.SDKDecode(err, "resolve program id")
		}
		accounts := make([]solana.PublicKey, 0, len(compiled.Accounts))
		for _, idx := range compiled.Accounts {
			if int(idx) >= len(keys) {
				return nil, apperr.SDKDecode(fmt.Errorf("account index %d out of range", idx), "resolve instruction accounts")
			}
			accounts = append(accounts, keys[idx])
		}
		out = append(out, DecodedInstruction{
			ProgramID: programID,
			Accounts:  accounts,
			Data:      []byte(compiled.Data),
		})
	}
	return out, nil
}
