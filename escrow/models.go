package escrow

import "time"

// Status tracks held funds between funding and settlement. The only legal
// moves are pending -> held and held -> released | refunded.
type Status string

const (
	StatusPending  Status = "pending"
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Escrow mirrors the escrows table: exactly one per funded trade.
type Escrow struct {
	ID        string
	TradeID   string
	AccountID string
	Status    Status

	// AmountCents is what the buyer is charged: price plus their fee share.
	AmountCents int64
	Currency    string

	// CheckoutRef is the provider's checkout session, set at creation.
	// PaymentRef is the settled payment, set when the funds land.
	CheckoutRef string
	CheckoutURL string
	PaymentRef  string

	FundedAt   *time.Time
	ReleasedAt *time.Time
	RefundedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DispatchStatus tracks an outbound money movement (transfer or refund)
// against the external provider.
type DispatchStatus string

const (
	DispatchPending DispatchStatus = "pending"
	DispatchPaid    DispatchStatus = "paid"
	DispatchFailed  DispatchStatus = "failed"
)

// Payout is money owed to the seller. The row is written in pending status
// in the same transaction as the trade transition; the external transfer is
// dispatched after commit and reconciled onto the row.
type Payout struct {
	ID          string
	TradeID     string
	AccountID   string
	Destination string
	AmountCents int64
	Currency    string
	Status      DispatchStatus
	TransferRef string
	FailureNote string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PaidAt      *time.Time
}

// Refund is money returned to the buyer through the original payment.
type Refund struct {
	ID          string
	TradeID     string
	AccountID   string
	PaymentRef  string
	AmountCents int64
	Currency    string
	Status      DispatchStatus
	RefundRef   string
	FailureNote string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PaidAt      *time.Time
}
