package dispute

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Pool is the read-side connection surface the service needs.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Service exposes dispute reads and the review-stage update. Opening and
// resolving disputes is driven by the escrow coordinator, which composes the
// repository's tx-scoped methods with the trade transition.
type Service struct {
	pool Pool
	repo *Repository
}

func NewService(pool Pool, repo *Repository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{pool: pool, repo: repo}
}

func (s *Service) List(ctx context.Context, accountID string) ([]Record, error) {
	return s.repo.ListByAccount(ctx, s.pool, accountID)
}

func (s *Service) GetByTrade(ctx context.Context, tradeID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetByTradeForUpdate(ctx, tx, tradeID)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit: %w", err)
	}
	return rec, nil
}

// StartReview moves an open dispute into active review.
func (s *Service) StartReview(ctx context.Context, disputeID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.MarkUnderReview(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit: %w", err)
	}
	return rec, nil
}
