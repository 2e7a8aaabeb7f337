// Package builder turns client trade intents into partially-signed transactions.
//
// Every build reads chain state, plans the preparatory steps as plain data and
// then renders instructions in a fixed order before assembling. Nothing is
// submitted; the client countersigns and sends.
package builder

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/millswap/backend/internal/amm"
	"github.com/coldbell/millswap/backend/internal/apperr"
	"github.com/coldbell/millswap/backend/internal/chain"
	"github.com/coldbell/millswap/backend/internal/config"
	"github.com/coldbell/millswap/backend/internal/fees"
	"github.com/coldbell/millswap/backend/internal/journal"
	"github.com/coldbell/millswap/backend/internal/mill"
	"github.com/coldbell/millswap/backend/internal/pda"
	"github.com/coldbell/millswap/backend/internal/provision"
	"github.com/coldbell/millswap/backend/internal/txbuild"
)

// Recorder receives every transaction handed out. Failures are logged and never
// fail the build.
type Recorder interface {
	RecordBuild(ctx context.Context, entry journal.Entry) error
}

type Service struct {
	reader      chain.Reader
	provisioner *provision.Provisioner
	assembler   *txbuild.Assembler
	fees        *fees.Calculator
	mill        *mill.Program
	amm         *amm.Program
	quotes      *amm.Engine
	millCfg     config.MillConfig
	ammCfg      config.AMMConfig
	authority   solana.PrivateKey
	recorder    Recorder
	logger      *slog.Logger
}

func New(cfg config.APIServerConfig, reader chain.Reader, logger *slog.Logger) (*Service, error) {
	if len(cfg.Mill.SwapAuthority) == 0 {
		return nil, apperr.Config("swap authority key is required")
	}
	if cfg.Mill.ConfigAccount.IsZero() {
		return nil, apperr.Config("token mill config account is required")
	}
	millProgram, err := mill.NewProgram(cfg.Mill.ProgramID, cfg.Mill.ConfigAccount)
	if err != nil {
		return nil, apperr.Config("mill program: %v", err)
	}
	ammProgram, err := amm.NewProgram(cfg.AMM)
	if err != nil {
		return nil, apperr.Config("amm program: %v", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		reader:      reader,
		provisioner: provision.New(reader),
		assembler:   txbuild.NewAssembler(cfg.Tx),
		fees:        fees.NewCalculator(cfg.Commission),
		mill:        millProgram,
		amm:         ammProgram,
		quotes:      amm.NewEngine(cfg.AMM),
		millCfg:     cfg.Mill,
		ammCfg:      cfg.AMM,
		authority:   cfg.Mill.SwapAuthority,
		logger:      logger.With("component", "builder"),
	}, nil
}

func (s *Service) SetRecorder(recorder Recorder) {
	s.recorder = recorder
}

// AuthorityPublicKey is the server swap authority.
func (s *Service) AuthorityPublicKey() solana.PublicKey {
	return s.authority.PublicKey()
}

type buildMeta struct {
	operation string
	user      solana.PublicKey
	subject   solana.PublicKey
}

// finish fixes the blockhash, assembles and signs, then journals the result.
func (s *Service) finish(
	ctx context.Context,
	meta buildMeta,
	feePayer solana.PublicKey,
	instructions []solana.Instruction,
	signers ...solana.PrivateKey,
) (*txbuild.Result, error) {
	blockhash, err := s.reader.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	result, err := s.assembler.Assemble(feePayer, blockhash, instructions, signers...)
	if err != nil {
		return nil, err
	}

	names := s.instructionNames(instructions)
	s.logger.Info("transaction built",
		"operation", meta.operation,
		"user", meta.user.String(),
		"subject", meta.subject.String(),
		"instructions", strings.Join(names, ","),
		"server_signatures", len(result.SignedBy),
	)
	if s.recorder != nil {
		signedBy := make([]string, 0, len(result.SignedBy))
		for _, key := range result.SignedBy {
			signedBy = append(signedBy, key.String())
		}
		entry := journal.Entry{
			Operation:    meta.operation,
			User:         meta.user.String(),
			Subject:      meta.subject.String(),
			Instructions: names,
			SignedBy:     signedBy,
			Payload:      map[string]string{"transaction": result.Transaction},
		}
		if err := s.recorder.RecordBuild(ctx, entry); err != nil {
			s.logger.Warn("failed to journal build", "operation", meta.operation, "err", err)
		}
	}
	return result, nil
}

func (s *Service) instructionNames(instructions []solana.Instruction) []string {
	names := make([]string, 0, len(instructions))
	for _, ix := range instructions {
		data, err := ix.Data()
		if err != nil {
			names = append(names, "unknown")
			continue
		}
		programID := ix.ProgramID()
		var name string
		switch {
		case programID.Equals(s.mill.ID):
			name = mill.InstructionName(data)
		case programID.Equals(s.amm.ID):
			name = amm.InstructionName(data)
		case programID.Equals(solana.SystemProgramID):
			name = "systemTransfer"
		case programID.Equals(solana.SPLAssociatedTokenAccountProgramID):
			name = "createAssociatedTokenAccount"
		case programID.Equals(solana.TokenProgramID):
			name = "token"
		}
		if name == "" {
			name = programID.String()
		}
		names = append(names, name)
	}
	return names
}

func (s *Service) readMarket(ctx context.Context, address solana.PublicKey) (*mill.Market, error) {
	account, err := s.reader.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apperr.ChainState("market %s not found", address)
	}
	return mill.DecodeMarket(account.Data)
}

func parsePubkey(field, raw string) (solana.PublicKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return solana.PublicKey{}, apperr.Validation("%s is required", field)
	}
	key, err := solana.PublicKeyFromBase58(trimmed)
	if err != nil {
		return solana.PublicKey{}, apperr.Validation("invalid %s %q: %v", field, trimmed, err)
	}
	return key, nil
}

func ata(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	address, _, err := pda.DeriveAssociatedTokenAccount(owner, mint, solana.TokenProgramID)
	return address, err
}
