// Package watcher polls configured markets and records their graduation progress.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/coldbell/millswap/backend/internal/apperr"
	"github.com/coldbell/millswap/backend/internal/builder"
	"github.com/coldbell/millswap/backend/internal/chain"
	"github.com/coldbell/millswap/backend/internal/config"
	"github.com/coldbell/millswap/backend/internal/journal"
)

const maxConcurrentReads = 4

type SnapshotStore interface {
	UpsertGraduation(ctx context.Context, snap journal.Snapshot) (bool, error)
	LatestGraduation(ctx context.Context, market string) (*journal.Snapshot, error)
}

type Observer interface {
	ObserveGraduation(market string, percentage float64)
}

type Service struct {
	cfg      config.WatcherConfig
	reader   chain.Reader
	store    SnapshotStore
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	graduated map[string]bool
}

// New wires the watcher. store and observer may be nil.
func New(cfg config.WatcherConfig, reader chain.Reader, store SnapshotStore, observer Observer, logger *slog.Logger) (*Service, error) {
	if reader == nil {
		return nil, apperr.Config("watcher needs a chain reader")
	}
	if len(cfg.Markets) == 0 {
		return nil, apperr.Config("watcher needs at least one market")
	}
	if !cfg.QueryGraduationThreshold.IsPositive() {
		return nil, apperr.Config("graduation threshold must be positive")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		reader:    reader,
		store:     store,
		observer:  observer,
		logger:    logger.With("component", "watcher"),
		now:       time.Now,
		graduated: make(map[string]bool),
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("watcher started",
		"markets", len(s.cfg.Markets),
		"program", s.cfg.MillProgramID.String(),
		"threshold", s.cfg.QueryGraduationThreshold.String(),
		"interval", s.cfg.PollInterval.String(),
		"store", s.store != nil,
	)
	s.restore(ctx)

	if err := s.syncOnce(ctx); err != nil {
		s.logger.Error("initial sync failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("watcher stopped")
			return nil
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				s.logger.Error("sync failed", "err", err)
			}
		}
	}
}

// restore loads markets already recorded as graduated so they are not announced again.
func (s *Service) restore(ctx context.Context) {
	if s.store == nil {
		return
	}
	for _, market := range s.cfg.Markets {
		snap, err := s.store.LatestGraduation(ctx, market.String())
		if err != nil {
			s.logger.Warn("load previous snapshot failed", "market", market.String(), "err", err)
			continue
		}
		if snap == nil {
			continue
		}
		s.logger.Debug("resuming market", "market", snap.Market, "percentage", snap.Percentage, "graduated", snap.Graduated)
		if snap.Graduated {
			s.markGraduated(snap.Market)
		}
	}
}

// syncOnce reads every market; failures of single markets are joined.
func (s *Service) syncOnce(ctx context.Context) error {
	var (
		mu       sync.Mutex
		failures []error
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentReads)
	for _, market := range s.cfg.Markets {
		market := market
		group.Go(func() error {
			if err := s.syncMarket(groupCtx, market); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Errorf("market %s: %w", market, err))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	return errors.Join(failures...)
}

func (s *Service) syncMarket(ctx context.Context, address solana.PublicKey) error {
	graduation, err := builder.ReadGraduation(ctx, s.reader, address, s.cfg.QueryGraduationThreshold)
	if err != nil {
		return err
	}
	market := address.String()

	if s.observer != nil {
		if pct, err := decimal.NewFromString(graduation.GraduationPercentage); err == nil {
			s.observer.ObserveGraduation(market, pct.InexactFloat64())
		}
	}

	now := s.now().Unix()
	snap := journal.Snapshot{
		Market:       market,
		BaseBalance:  graduation.BaseTokenBalance.String(),
		QuoteBalance: graduation.QuoteTokenBalance.String(),
		Percentage:   graduation.GraduationPercentage,
		Graduated:    graduation.Graduated,
		UpdatedAt:    now,
	}
	if graduation.Graduated {
		snap.GraduatedAt = &now
	}

	first := graduation.Graduated && !s.wasGraduated(market)
	if s.store != nil {
		stored, err := s.store.UpsertGraduation(ctx, snap)
		if err != nil {
			return fmt.Errorf("store snapshot: %w", err)
		}
		first = first && stored
	}
	if graduation.Graduated {
		s.markGraduated(market)
	}

	if first {
		s.logger.Info("market graduated",
			"market", market,
			"quote_balance", snap.QuoteBalance,
			"threshold", graduation.Threshold.String(),
		)
	} else {
		s.logger.Debug("market polled", "market", market, "percentage", snap.Percentage, "graduated", snap.Graduated)
	}
	return nil
}

func (s *Service) wasGraduated(market string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graduated[market]
}

func (s *Service) markGraduated(market string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graduated[market] = true
}
