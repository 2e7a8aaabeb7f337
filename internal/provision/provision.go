// Package provision checks associated token accounts and plans their creation.
package provision

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/coldbell/millswap/backend/internal/chain"
	"github.com/coldbell/millswap/backend/internal/pda"
)

const maxConcurrentReads = 8

// createIdempotent is the associated token program instruction that succeeds when
// the account already exists.
const createIdempotent = byte(1)

type Request struct {
	Payer        solana.PublicKey
	Owner        solana.PublicKey
	Mint         solana.PublicKey
	TokenProgram solana.PublicKey
}

type Provisioner struct {
	reader chain.Reader
}

func New(reader chain.Reader) *Provisioner {
	return &Provisioner{reader: reader}
}

type slot struct {
	address solana.PublicKey
	request Request
	account *chain.Account
}

type Result struct {
	// Addresses is aligned with the requests passed to Check.
	Addresses []solana.PublicKey
	unique    []*slot
	byAddress map[solana.PublicKey]*slot
}

// Check reads each distinct associated token account once, concurrently. A missing
// account is recorded, not reported as an error; any failed read aborts.
func (p *Provisioner) Check(ctx context.Context, requests ...Request) (*Result, error) {
	result := &Result{
		Addresses: make([]solana.PublicKey, len(requests)),
		byAddress: make(map[solana.PublicKey]*slot, len(requests)),
	}
	for i, req := range requests {
		address, _, err := pda.DeriveAssociatedTokenAccount(req.Owner, req.Mint, req.TokenProgram)
		if err != nil {
			return nil, err
		}
		result.Addresses[i] = address
		if _, ok := result.byAddress[address]; ok {
			continue
		}
		s := &slot{address: address, request: req}
		result.byAddress[address] = s
		result.unique = append(result.unique, s)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentReads)
	for _, s := range result.unique {
		s := s
		group.Go(func() error {
			account, err := p.reader.GetAccount(groupCtx, s.address)
			if err != nil {
				return err
			}
			s.account = account
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Result) Exists(address solana.PublicKey) bool {
	s, ok := r.byAddress[address]
	return ok && s.account != nil
}

// TokenAmount returns the balance held by address, or zero when it does not exist.
func (r *Result) TokenAmount(address solana.PublicKey) (uint64, error) {
	s, ok := r.byAddress[address]
	if !ok || s.account == nil {
		return 0, nil
	}
	return chain.TokenAccountAmount(s.account.Data)
}

func (r *Result) Missing() []solana.PublicKey {
	var out []solana.PublicKey
	for _, s := range r.unique {
		if s.account == nil {
			out = append(out, s.address)
		}
	}
	return out
}

// CreateInstruction returns the creation instruction for address if it is missing.
func (r *Result) CreateInstruction(address solana.PublicKey) (solana.Instruction, bool) {
	s, ok := r.byAddress[address]
	if !ok || s.account != nil {
		return nil, false
	}
	return NewCreateIdempotentInstruction(s.request, s.address), true
}

// CreateInstructions returns one instruction per missing account in first-request order.
func (r *Result) CreateInstructions() []solana.Instruction {
	var out []solana.Instruction
	for _, s := range r.unique {
		if s.account == nil {
			out = append(out, NewCreateIdempotentInstruction(s.request, s.address))
		}
	}
	return out
}

func NewCreateIdempotentInstruction(req Request, address solana.PublicKey) solana.Instruction {
	tokenProgram := req.TokenProgram
	if tokenProgram.IsZero() {
		tokenProgram = solana.TokenProgramID
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(req.Payer, true, true),
		solana.NewAccountMeta(address, true, false),
		solana.NewAccountMeta(req.Owner, false, false),
		solana.NewAccountMeta(req.Mint, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(tokenProgram, false, false),
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{createIdempotent})
}
