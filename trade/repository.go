package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository is the PostgreSQL Store. All methods operate on the caller's
// transaction; the row lock taken by GetForUpdate serializes writers per
// trade.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const tradeColumns = `
id, account_id, seller_id, seller_email, buyer_id::text, buyer_email, state, currency,
price_cents, platform_fee_cents, fee_split, inspection_window_hours,
return_shipping_paid_by, rejection_category, return_shipping_cost_cents,
buyer_name, buyer_street1, buyer_street2, buyer_city, buyer_state, buyer_zip, buyer_country, buyer_phone,
seller_name, seller_street1, seller_street2, seller_city, seller_state, seller_zip, seller_country, seller_phone,
seller_payout_account, invitation_token, locked_for_editing,
signature_sent_at, signature_deadline_at, seller_signed_at, buyer_signed_at,
funded_at, shipped_at, delivered_at, receipt_confirmation_deadline_at,
inspection_ends_at, accepted_at, rejected_at, created_at, updated_at`

func scanTrade(row pgx.Row) (*Trade, error) {
	var t Trade
	err := row.Scan(
		&t.ID, &t.AccountID, &t.SellerID, &t.SellerEmail, &t.BuyerID, &t.BuyerEmail, &t.State, &t.Currency,
		&t.PriceCents, &t.PlatformFeeCents, &t.FeeSplit, &t.InspectionWindowHours,
		&t.ReturnShippingPaidBy, &t.RejectionCategory, &t.ReturnShippingCostCents,
		&t.BuyerContact.Name, &t.BuyerContact.Street1, &t.BuyerContact.Street2, &t.BuyerContact.City,
		&t.BuyerContact.State, &t.BuyerContact.Zip, &t.BuyerContact.Country, &t.BuyerContact.Phone,
		&t.SellerContact.Name, &t.SellerContact.Street1, &t.SellerContact.Street2, &t.SellerContact.City,
		&t.SellerContact.State, &t.SellerContact.Zip, &t.SellerContact.Country, &t.SellerContact.Phone,
		&t.SellerPayoutAccount, &t.InvitationToken, &t.LockedForEditing,
		&t.SignatureSentAt, &t.SignatureDeadlineAt, &t.SellerSignedAt, &t.BuyerSignedAt,
		&t.FundedAt, &t.ShippedAt, &t.DeliveredAt, &t.ReceiptConfirmationDeadlineAt,
		&t.InspectionEndsAt, &t.AcceptedAt, &t.RejectedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("trade: scan: %w", err)
	}
	return &t, nil
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, t *Trade, item *Item) error {
	const insertSQL = `
INSERT INTO trades (
    id, account_id, seller_id, seller_email, buyer_id, buyer_email, state, currency,
    price_cents, platform_fee_cents, fee_split, inspection_window_hours,
    return_shipping_paid_by,
    buyer_name, buyer_street1, buyer_street2, buyer_city, buyer_state, buyer_zip, buyer_country, buyer_phone,
    seller_name, seller_street1, seller_street2, seller_city, seller_state, seller_zip, seller_country, seller_phone,
    seller_payout_account, created_at, updated_at
) VALUES (
    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,
    $14,$15,$16,$17,$18,$19,$20,$21,
    $22,$23,$24,$25,$26,$27,$28,$29,
    $30,$31,$31
)`
	var buyerID any
	if t.BuyerID != nil {
		buyerID = *t.BuyerID
	}
	if _, err := tx.Exec(ctx, insertSQL,
		t.ID, t.AccountID, t.SellerID, t.SellerEmail, buyerID, t.BuyerEmail, t.State, t.Currency,
		t.PriceCents, t.PlatformFeeCents, t.FeeSplit, t.InspectionWindowHours,
		t.ReturnShippingPaidBy,
		t.BuyerContact.Name, t.BuyerContact.Street1, t.BuyerContact.Street2, t.BuyerContact.City,
		t.BuyerContact.State, t.BuyerContact.Zip, t.BuyerContact.Country, t.BuyerContact.Phone,
		t.SellerContact.Name, t.SellerContact.Street1, t.SellerContact.Street2, t.SellerContact.City,
		t.SellerContact.State, t.SellerContact.Zip, t.SellerContact.Country, t.SellerContact.Phone,
		t.SellerPayoutAccount, t.CreatedAt,
	); err != nil {
		return fmt.Errorf("trade: insert: %w", err)
	}

	if item != nil {
		if err := r.upsertItem(ctx, tx, item); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1 FOR UPDATE`
	return scanTrade(tx.QueryRow(ctx, query, id))
}

func (r *Repository) GetItem(ctx context.Context, tx pgx.Tx, tradeID string) (*Item, error) {
	const query = `
SELECT id, trade_id, account_id, name, description, category, condition, price_cents
FROM items WHERE trade_id = $1`
	var it Item
	err := tx.QueryRow(ctx, query, tradeID).Scan(
		&it.ID, &it.TradeID, &it.AccountID, &it.Name, &it.Description, &it.Category, &it.Condition, &it.PriceCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("trade: get item: %w", err)
	}
	return &it, nil
}

// UpdateState persists the engine-owned fields only: state, lifecycle
// timestamps, lock flag and rejection outcome. Price, item and contact
// columns are untouchable here, which is what makes the editing lock hold.
func (r *Repository) UpdateState(ctx context.Context, tx pgx.Tx, t *Trade) error {
	const updateSQL = `
UPDATE trades SET
    state = $2,
    locked_for_editing = $3,
    rejection_category = $4,
    return_shipping_paid_by = $5,
    return_shipping_cost_cents = $6,
    signature_sent_at = $7,
    signature_deadline_at = $8,
    seller_signed_at = $9,
    buyer_signed_at = $10,
    funded_at = $11,
    shipped_at = $12,
    delivered_at = $13,
    receipt_confirmation_deadline_at = $14,
    inspection_ends_at = $15,
    accepted_at = $16,
    rejected_at = $17,
    updated_at = $18
WHERE id = $1`
	tag, err := tx.Exec(ctx, updateSQL,
		t.ID, t.State, t.LockedForEditing, t.RejectionCategory, t.ReturnShippingPaidBy,
		t.ReturnShippingCostCents, t.SignatureSentAt, t.SignatureDeadlineAt, t.SellerSignedAt,
		t.BuyerSignedAt, t.FundedAt, t.ShippedAt, t.DeliveredAt, t.ReceiptConfirmationDeadlineAt,
		t.InspectionEndsAt, t.AcceptedAt, t.RejectedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("trade: update state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) UpdateDetails(ctx context.Context, tx pgx.Tx, t *Trade, item *Item) error {
	const updateSQL = `
UPDATE trades SET
    price_cents = $2,
    platform_fee_cents = $3,
    updated_at = $4
WHERE id = $1 AND locked_for_editing = false`
	tag, err := tx.Exec(ctx, updateSQL, t.ID, t.PriceCents, t.PlatformFeeCents, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("trade: update details: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLocked
	}

	if item != nil {
		if err := r.upsertItem(ctx, tx, item); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) upsertItem(ctx context.Context, tx pgx.Tx, item *Item) error {
	const upsertSQL = `
INSERT INTO items (id, trade_id, account_id, name, description, category, condition, price_cents)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (trade_id) DO UPDATE SET
    name = EXCLUDED.name,
    description = EXCLUDED.description,
    category = EXCLUDED.category,
    condition = EXCLUDED.condition,
    price_cents = EXCLUDED.price_cents,
    updated_at = now()`
	if _, err := tx.Exec(ctx, upsertSQL,
		item.ID, item.TradeID, item.AccountID, item.Name, item.Description,
		item.Category, item.Condition, item.PriceCents); err != nil {
		return fmt.Errorf("trade: upsert item: %w", err)
	}
	return nil
}

func (r *Repository) SetInvitationToken(ctx context.Context, tx pgx.Tx, tradeID, token string) error {
	tag, err := tx.Exec(ctx, `UPDATE trades SET invitation_token = $2, updated_at = now() WHERE id = $1`, tradeID, token)
	if err != nil {
		return fmt.Errorf("trade: set invitation token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) CreateShipment(ctx context.Context, tx pgx.Tx, sh *Shipment) error {
	const insertSQL = `
INSERT INTO shipments (id, trade_id, account_id, direction, carrier, tracking_number, status, label_url, insured_cents, shipped_at, delivered_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	if _, err := tx.Exec(ctx, insertSQL,
		sh.ID, sh.TradeID, sh.AccountID, sh.Direction, sh.Carrier, sh.TrackingNumber,
		sh.Status, sh.LabelURL, sh.InsuredCents, sh.ShippedAt, sh.DeliveredAt); err != nil {
		return fmt.Errorf("trade: insert shipment: %w", err)
	}
	return nil
}

func (r *Repository) CountEvidence(ctx context.Context, tx pgx.Tx, tradeID string) (int, error) {
	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM evidences WHERE trade_id = $1`, tradeID).Scan(&count); err != nil {
		return 0, fmt.Errorf("trade: count evidence: %w", err)
	}
	return count, nil
}

func (r *Repository) CreateEvidence(ctx context.Context, tx pgx.Tx, ev *Evidence) error {
	const insertSQL = `
INSERT INTO evidences (id, trade_id, account_id, user_id, dispute_id, file_url, description)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	var disputeID any
	if ev.DisputeID != nil {
		disputeID = *ev.DisputeID
	}
	if _, err := tx.Exec(ctx, insertSQL,
		ev.ID, ev.TradeID, ev.AccountID, ev.UserID, disputeID, ev.FileURL, ev.Description); err != nil {
		return fmt.Errorf("trade: insert evidence: %w", err)
	}
	return nil
}

func (r *Repository) ListSignatureDeadlinesBefore(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]string, error) {
	const query = `
SELECT id FROM trades
WHERE state IN ('awaiting_seller_signature','awaiting_buyer_signature')
  AND signature_deadline_at IS NOT NULL
  AND signature_deadline_at < $1
ORDER BY signature_deadline_at`
	return listIDs(ctx, tx, query, cutoff)
}

func (r *Repository) ListReceiptDeadlinesBefore(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]string, error) {
	const query = `
SELECT id FROM trades
WHERE state = 'delivered_pending_confirmation'
  AND receipt_confirmation_deadline_at IS NOT NULL
  AND receipt_confirmation_deadline_at < $1
ORDER BY receipt_confirmation_deadline_at`
	return listIDs(ctx, tx, query, cutoff)
}

func listIDs(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("trade: list ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("trade: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade: iterate ids: %w", err)
	}
	return ids, nil
}
