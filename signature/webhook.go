package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/trade"
)

// ErrBadWebhookSignature rejects a notification whose HMAC does not match
// the shared secret.
var ErrBadWebhookSignature = errors.New("signature: webhook signature mismatch")

// Notification event types delivered by the e-signature provider.
const (
	EventSubmitterSigned     = "submitter.signed"
	EventFormCompleted       = "form.completed"
	EventSubmissionCompleted = "submission.completed"
	EventSubmissionExpired   = "submission.expired"
	EventFormExpired         = "form.expired"
)

// Notification is the provider's webhook envelope.
type Notification struct {
	EventType string           `json:"event_type"`
	Timestamp time.Time        `json:"timestamp"`
	Data      NotificationData `json:"data"`
}

// NotificationData carries the submitter (signed events) or submission
// (expired events) the notification refers to.
type NotificationData struct {
	ID           json.Number `json:"id"`
	SubmissionID json.Number `json:"submission_id"`
	Email        string      `json:"email"`
	IP           string      `json:"ip"`
	UserAgent    string      `json:"ua"`
	CompletedAt  *time.Time  `json:"completed_at"`
}

// VerifyWebhook checks the provider's HMAC-SHA256 hex digest of the raw body
// against the shared secret, in constant time.
func VerifyWebhook(secret []byte, body []byte, provided string) error {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return ErrBadWebhookSignature
	}
	return nil
}

// ParseNotification decodes a verified webhook body.
func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("signature: parse notification: %w", err)
	}
	return &n, nil
}

// WebhookProcessor applies provider notifications to the tracker and drives
// the matching trade transitions in one transaction per notification.
type WebhookProcessor struct {
	pool       trade.TxBeginner
	signatures *Service
	trades     *trade.Service
}

func NewWebhookProcessor(pool trade.TxBeginner, signatures *Service, trades *trade.Service) *WebhookProcessor {
	return &WebhookProcessor{pool: pool, signatures: signatures, trades: trades}
}

// Handle routes one notification. Unhandled event types and notifications
// naming a submission the tracker never created are dropped without effect,
// so the provider can redeliver freely.
func (p *WebhookProcessor) Handle(ctx context.Context, n *Notification) error {
	switch n.EventType {
	case EventSubmitterSigned, EventFormCompleted, EventSubmissionCompleted:
		return p.handleSigned(ctx, n)
	case EventSubmissionExpired, EventFormExpired:
		return p.handleExpired(ctx, n)
	default:
		return nil
	}
}

func (p *WebhookProcessor) handleSigned(ctx context.Context, n *Notification) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("signature: begin webhook tx: %w", err)
	}
	defer tx.Rollback(ctx)

	doc, err := p.signatures.store.GetBySubmission(ctx, tx, n.Data.SubmissionID.String())
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return nil
		}
		return err
	}

	metadata, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("signature: marshal notification data: %w", err)
	}
	signedAt := p.signatures.now()
	if n.Data.CompletedAt != nil {
		signedAt = *n.Data.CompletedAt
	}

	if _, _, err := p.signatures.RecordSignature(ctx, tx, doc, n.Data.ID.String(), signedAt, n.Data.IP, n.Data.UserAgent, metadata); err != nil {
		if errors.Is(err, ErrSignatureNotFound) {
			return nil
		}
		return err
	}

	if err := p.advanceTrade(ctx, tx, doc); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("signature: commit webhook tx: %w", err)
	}
	return nil
}

// advanceTrade applies every transition the recorded signatures permit. The
// provider delivers per-submitter events in no particular order: a buyer
// callback can land while the trade still awaits the seller, in which case
// the signature is kept and the trade catches up here when the seller's
// event arrives. Redeliveries find nothing left to apply and commit as no-ops.
func (p *WebhookProcessor) advanceTrade(ctx context.Context, tx pgx.Tx, doc *Document) error {
	t, err := p.trades.LockTx(ctx, tx, doc.TradeID)
	if err != nil {
		return err
	}

	state := t.State
	if trade.Allowed(state, trade.EventSellerSigns) {
		seller, err := p.signatures.store.FindSignatureByRole(ctx, tx, doc.ID, RoleSeller)
		if err != nil {
			return err
		}
		if seller.Signed() {
			if _, err := p.trades.SellerSignedTx(ctx, tx, doc.TradeID, *seller.SignedAt); err != nil {
				return err
			}
			state = trade.StateAwaitingBuyerSignature
		}
	}

	if trade.Allowed(state, trade.EventBuyerSigns) {
		buyer, err := p.signatures.store.FindSignatureByRole(ctx, tx, doc.ID, RoleBuyer)
		if err != nil {
			return err
		}
		if buyer.Signed() {
			if _, err := p.trades.BuyerSignedTx(ctx, tx, doc.TradeID, *buyer.SignedAt); err != nil {
				return err
			}
			complete, err := p.signatures.IsComplete(ctx, tx, doc)
			if err != nil {
				return err
			}
			if complete {
				if err := p.signatures.Complete(ctx, tx, doc); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *WebhookProcessor) handleExpired(ctx context.Context, n *Notification) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("signature: begin webhook tx: %w", err)
	}
	defer tx.Rollback(ctx)

	doc, err := p.signatures.store.GetBySubmission(ctx, tx, n.Data.ID.String())
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return nil
		}
		return err
	}

	t, err := p.trades.LockTx(ctx, tx, doc.TradeID)
	if err != nil {
		return err
	}
	if !trade.Allowed(t.State, trade.EventSignatureDeadlineExpired) {
		return nil
	}
	if _, err := p.trades.SignatureExpiredTx(ctx, tx, doc.TradeID); err != nil {
		return err
	}
	if err := p.signatures.ExpireRound(ctx, tx, doc.TradeID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("signature: commit webhook tx: %w", err)
	}
	return nil
}
