package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	ErrNotFound = errors.New("escrow: not found")
	// ErrBadStatus signals a settlement attempted against an escrow that is
	// not in the required status.
	ErrBadStatus = errors.New("escrow: invalid status transition")
)

// Repository is the PostgreSQL access for escrows, payouts and refunds. All
// methods run on the caller's transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const escrowColumns = `
id, trade_id, account_id, status::text, amount_cents, currency,
checkout_ref, checkout_url, payment_ref,
funded_at, released_at, refunded_at, created_at, updated_at`

func scanEscrow(row pgx.Row) (*Escrow, error) {
	var e Escrow
	err := row.Scan(
		&e.ID, &e.TradeID, &e.AccountID, &e.Status, &e.AmountCents, &e.Currency,
		&e.CheckoutRef, &e.CheckoutURL, &e.PaymentRef,
		&e.FundedAt, &e.ReleasedAt, &e.RefundedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("escrow: scan: %w", err)
	}
	return &e, nil
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, e *Escrow) error {
	const query = `
INSERT INTO escrows (id, trade_id, account_id, status, amount_cents, currency, checkout_ref, checkout_url, payment_ref, funded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	if _, err := tx.Exec(ctx, query,
		e.ID, e.TradeID, e.AccountID, e.Status, e.AmountCents, e.Currency,
		e.CheckoutRef, e.CheckoutURL, e.PaymentRef, e.FundedAt); err != nil {
		return fmt.Errorf("escrow: insert: %w", err)
	}
	return nil
}

func (r *Repository) GetByTradeForUpdate(ctx context.Context, tx pgx.Tx, tradeID string) (*Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE trade_id = $1 FOR UPDATE`
	return scanEscrow(tx.QueryRow(ctx, query, tradeID))
}

// MarkHeld settles a pending escrow with the payment reference. Guarded on
// the pending status so a duplicate notification changes nothing.
func (r *Repository) MarkHeld(ctx context.Context, tx pgx.Tx, id, paymentRef string, at time.Time) error {
	const query = `
UPDATE escrows SET status = 'held', payment_ref = $2, funded_at = $3, updated_at = now()
WHERE id = $1 AND status = 'pending'`
	tag, err := tx.Exec(ctx, query, id, paymentRef, at)
	if err != nil {
		return fmt.Errorf("escrow: mark held: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBadStatus
	}
	return nil
}

func (r *Repository) MarkReleased(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	const query = `
UPDATE escrows SET status = 'released', released_at = $2, updated_at = now()
WHERE id = $1 AND status = 'held'`
	tag, err := tx.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("escrow: mark released: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBadStatus
	}
	return nil
}

func (r *Repository) MarkRefunded(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	const query = `
UPDATE escrows SET status = 'refunded', refunded_at = $2, updated_at = now()
WHERE id = $1 AND status = 'held'`
	tag, err := tx.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("escrow: mark refunded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBadStatus
	}
	return nil
}

func (r *Repository) InsertPayout(ctx context.Context, tx pgx.Tx, p *Payout) error {
	const query = `
INSERT INTO payouts (id, trade_id, account_id, destination, amount_cents, currency, status)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := tx.Exec(ctx, query,
		p.ID, p.TradeID, p.AccountID, p.Destination, p.AmountCents, p.Currency, p.Status); err != nil {
		return fmt.Errorf("escrow: insert payout: %w", err)
	}
	return nil
}

func (r *Repository) SetPayoutDispatch(ctx context.Context, tx pgx.Tx, id string, status DispatchStatus, transferRef, failureNote string) error {
	const query = `
UPDATE payouts SET status = $2, transfer_ref = $3, failure_note = $4,
    paid_at = CASE WHEN $2 = 'paid' THEN now() ELSE paid_at END,
    updated_at = now()
WHERE id = $1`
	tag, err := tx.Exec(ctx, query, id, status, transferRef, failureNote)
	if err != nil {
		return fmt.Errorf("escrow: set payout dispatch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) InsertRefund(ctx context.Context, tx pgx.Tx, rf *Refund) error {
	const query = `
INSERT INTO refunds (id, trade_id, account_id, payment_ref, amount_cents, currency, status)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := tx.Exec(ctx, query,
		rf.ID, rf.TradeID, rf.AccountID, rf.PaymentRef, rf.AmountCents, rf.Currency, rf.Status); err != nil {
		return fmt.Errorf("escrow: insert refund: %w", err)
	}
	return nil
}

func (r *Repository) SetRefundDispatch(ctx context.Context, tx pgx.Tx, id string, status DispatchStatus, refundRef, failureNote string) error {
	const query = `
UPDATE refunds SET status = $2, refund_ref = $3, failure_note = $4,
    paid_at = CASE WHEN $2 = 'paid' THEN now() ELSE paid_at END,
    updated_at = now()
WHERE id = $1`
	tag, err := tx.Exec(ctx, query, id, status, refundRef, failureNote)
	if err != nil {
		return fmt.Errorf("escrow: set refund dispatch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
