package escrow

import (
	"context"
	"encoding/json"
	"fmt"
)

// CheckoutParams describe the charge the buyer must complete to fund a trade.
type CheckoutParams struct {
	TradeID     string
	AmountCents int64
	Currency    string
	BuyerEmail  string
	Description string
}

// CheckoutSession is the provider's handle for an open checkout.
type CheckoutSession struct {
	Ref string
	URL string
}

// TransferParams describe an outbound transfer to a seller's payout account.
type TransferParams struct {
	Destination string
	AmountCents int64
	Currency    string
	TradeID     string
}

// PaymentCapability is the payment provider surface the coordinator consumes.
// The concrete HTTP client lives outside the core.
type PaymentCapability interface {
	CreateCheckout(ctx context.Context, params CheckoutParams) (CheckoutSession, error)
	CreateTransfer(ctx context.Context, params TransferParams) (string, error)
	CreateRefund(ctx context.Context, paymentRef string, amountCents int64) (string, error)
}

// Payment notification event types that settle an escrow.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventPaymentSucceeded  = "payment_intent.succeeded"
	EventChargeSucceeded   = "charge.succeeded"
)

// Notification is one asynchronous payment event, correlated to a trade by
// the trade id the checkout stored in the provider's metadata.
type Notification struct {
	EventType   string
	TradeID     string
	CheckoutRef string
	PaymentRef  string
	AmountCents int64
}

type notificationEnvelope struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string      `json:"id"`
			PaymentIntent string      `json:"payment_intent"`
			AmountTotal   int64       `json:"amount_total"`
			Amount        int64       `json:"amount"`
			Metadata      struct {
				TradeID string `json:"trade_id"`
			} `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// ParseNotification decodes the provider's webhook envelope. Signature
// verification happens at the transport layer before the body reaches here.
func ParseNotification(body []byte) (*Notification, error) {
	var env notificationEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("escrow: parse notification: %w", err)
	}
	n := &Notification{
		EventType:   env.Type,
		TradeID:     env.Data.Object.Metadata.TradeID,
		CheckoutRef: env.Data.Object.ID,
		PaymentRef:  env.Data.Object.PaymentIntent,
		AmountCents: env.Data.Object.AmountTotal,
	}
	if n.AmountCents == 0 {
		n.AmountCents = env.Data.Object.Amount
	}
	if n.PaymentRef == "" {
		n.PaymentRef = env.Data.Object.ID
	}
	return n, nil
}
