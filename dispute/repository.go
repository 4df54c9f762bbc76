package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound      = errors.New("dispute: not found")
	ErrAlreadyOpen   = errors.New("dispute: trade already disputed")
	ErrAlreadyClosed = errors.New("dispute: already resolved")
)

// Repository is the PostgreSQL access for dispute records. Mutations are
// tx-scoped so the record and the trade transition commit together.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const disputeColumns = `
id, trade_id, account_id, opened_by, reason, status::text,
resolution_type, seller_percentage, resolved_by, resolution_notes,
created_at, updated_at, resolved_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.TradeID, &rec.AccountID, &rec.OpenedBy, &rec.Reason, &rec.Status,
		&rec.ResolutionType, &rec.SellerPercentage, &rec.ResolvedBy, &rec.ResolutionNotes,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: scan: %w", err)
	}
	return rec, nil
}

// Create inserts the trade's dispute record. The unique index on trade_id
// turns a second open attempt into ErrAlreadyOpen.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, rec *Record) error {
	const query = `
INSERT INTO disputes (id, trade_id, account_id, opened_by, reason, status)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, query,
		rec.ID, rec.TradeID, rec.AccountID, rec.OpenedBy, rec.Reason, rec.Status); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyOpen
		}
		return fmt.Errorf("dispute: create: %w", err)
	}
	return nil
}

// GetByTradeForUpdate loads and locks the trade's dispute record.
func (r *Repository) GetByTradeForUpdate(ctx context.Context, tx pgx.Tx, tradeID string) (Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE trade_id = $1 FOR UPDATE`
	return scanRecord(tx.QueryRow(ctx, query, tradeID))
}

// Resolve stamps the verdict onto the open record. A record that already
// carries a verdict returns ErrAlreadyClosed.
func (r *Repository) Resolve(ctx context.Context, tx pgx.Tx, disputeID string, resolution ResolutionType, sellerPct *int, resolvedBy, notes string) (Record, error) {
	query := `
UPDATE disputes
SET status = 'resolved',
    resolution_type = $2,
    seller_percentage = $3,
    resolved_by = $4,
    resolution_notes = $5,
    resolved_at = now(),
    updated_at = now()
WHERE id = $1 AND status IN ('open', 'under_review')
RETURNING ` + disputeColumns
	rec, err := scanRecord(tx.QueryRow(ctx, query, disputeID, resolution, sellerPct, resolvedBy, notes))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	var status Status
	if err := tx.QueryRow(ctx, `SELECT status::text FROM disputes WHERE id = $1`, disputeID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: resolve fetch: %w", err)
	}
	return Record{}, ErrAlreadyClosed
}

// MarkUnderReview advances a fresh record into active review.
func (r *Repository) MarkUnderReview(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error) {
	query := `
UPDATE disputes SET status = 'under_review', updated_at = now()
WHERE id = $1 AND status = 'open'
RETURNING ` + disputeColumns
	return scanRecord(tx.QueryRow(ctx, query, disputeID))
}

// ListByAccount returns an account's disputes, newest first.
func (r *Repository) ListByAccount(ctx context.Context, pool queryer, accountID string) ([]Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE account_id = $1 ORDER BY created_at DESC`
	rows, err := pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
