package trade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/audit"
	"escrowflow/money"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the engine needs. All mutating methods run
// inside the caller's transaction so state, entities and audit commit or roll
// back together.
type Store interface {
	Create(ctx context.Context, tx pgx.Tx, t *Trade, item *Item) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Trade, error)
	GetItem(ctx context.Context, tx pgx.Tx, tradeID string) (*Item, error)
	UpdateState(ctx context.Context, tx pgx.Tx, t *Trade) error
	UpdateDetails(ctx context.Context, tx pgx.Tx, t *Trade, item *Item) error
	SetInvitationToken(ctx context.Context, tx pgx.Tx, tradeID, token string) error
	CreateShipment(ctx context.Context, tx pgx.Tx, sh *Shipment) error
	CountEvidence(ctx context.Context, tx pgx.Tx, tradeID string) (int, error)
	CreateEvidence(ctx context.Context, tx pgx.Tx, ev *Evidence) error
	ListSignatureDeadlinesBefore(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]string, error)
	ListReceiptDeadlinesBefore(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]string, error)
}

// Recorder appends audit rows in the same transaction as the state change.
type Recorder interface {
	Record(ctx context.Context, tx pgx.Tx, entry audit.Entry) error
}

// SignatureRounds is the slice of the signature tracker the engine sequences
// during signature transitions.
type SignatureRounds interface {
	OpenRound(ctx context.Context, tx pgx.Tx, t *Trade) error
	CancelRound(ctx context.Context, tx pgx.Tx, tradeID string) error
	ExpireRound(ctx context.Context, tx pgx.Tx, tradeID string) error
}

// ReturnLabeler purchases a prepaid return label for a rejected trade.
type ReturnLabeler interface {
	CreateReturnLabel(ctx context.Context, t *Trade) (ReturnLabel, error)
}

// Service owns every trade state mutation. Transitions are serialized per
// trade by a SELECT ... FOR UPDATE on the trade row held across guard
// evaluation, state write and audit append.
type Service struct {
	pool    TxBeginner
	store   Store
	ledger  Recorder
	rounds  SignatureRounds
	labeler ReturnLabeler

	fees             money.Config
	invitationSecret []byte

	signatureDeadline time.Duration
	receiptWindow     time.Duration
	invitationTTL     time.Duration

	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, store Store, ledger Recorder, fees money.Config, invitationSecret []byte) *Service {
	if ledger == nil {
		ledger = audit.NewRecorder()
	}
	return &Service{
		pool:              pool,
		store:             store,
		ledger:            ledger,
		fees:              fees,
		invitationSecret:  invitationSecret,
		signatureDeadline: 168 * time.Hour,
		receiptWindow:     72 * time.Hour,
		invitationTTL:     14 * 24 * time.Hour,
		idGenerator:       func() string { return uuid.NewString() },
		now:               time.Now,
	}
}

// WithSignatureRounds wires the signature tracker; without it,
// send-for-signature transitions fail validation.
func (s *Service) WithSignatureRounds(rounds SignatureRounds) *Service {
	s.rounds = rounds
	return s
}

func (s *Service) WithReturnLabeler(labeler ReturnLabeler) *Service {
	s.labeler = labeler
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// CreateParams carries everything needed to open a draft trade.
type CreateParams struct {
	AccountID           string
	SellerID            string
	SellerEmail         string
	SellerContact       Contact
	SellerPayoutAccount string
	// BuyerID is set when the invited email already maps to an account.
	BuyerID               *string
	BuyerEmail            string
	BuyerContact          Contact
	PriceCents            int64
	Currency              string
	FeeSplit              money.FeeSplit
	InspectionWindowHours int
	ReturnShippingPaidBy  money.ReturnShippingPayer
	Item                  *ItemParams
}

// ItemParams describes the item attached at creation; price mirrors the trade.
type ItemParams struct {
	Name        string
	Description string
	Category    string
	Condition   string
}

// Create opens a draft trade, precomputing and storing the platform fee.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Trade, error) {
	if params.AccountID == "" || params.SellerID == "" {
		return nil, fmt.Errorf("%w: account and seller required", ErrValidation)
	}

	buyerEmail := strings.ToLower(strings.TrimSpace(params.BuyerEmail))
	if buyerEmail == "" {
		return nil, fmt.Errorf("%w: buyer email required", ErrValidation)
	}
	if strings.EqualFold(strings.TrimSpace(params.SellerEmail), buyerEmail) {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same party", ErrValidation)
	}
	if params.BuyerID != nil && *params.BuyerID == params.SellerID {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same party", ErrValidation)
	}
	if !s.fees.ValidPrice(params.PriceCents) {
		return nil, fmt.Errorf("%w: price %d outside [%d,%d]", ErrValidation,
			params.PriceCents, s.fees.MinPriceCents, s.fees.MaxPriceCents)
	}

	feeSplit := params.FeeSplit
	if feeSplit == "" {
		feeSplit = money.FeeSplitBuyer
	}
	paidBy := params.ReturnShippingPaidBy
	if paidBy == "" {
		paidBy = money.ReturnPaidBySeller
	}
	currency := params.Currency
	if currency == "" {
		currency = "USD"
	}
	window := params.InspectionWindowHours
	if window == 0 {
		window = 72
	}
	if window < 24 || window > 168 {
		return nil, fmt.Errorf("%w: inspection window %dh outside [24,168]", ErrValidation, window)
	}

	fees := s.fees.PlatformFee(params.PriceCents, feeSplit)
	now := s.now()

	t := &Trade{
		ID:                    s.idGenerator(),
		AccountID:             params.AccountID,
		SellerID:              params.SellerID,
		SellerEmail:           strings.ToLower(strings.TrimSpace(params.SellerEmail)),
		BuyerID:               params.BuyerID,
		BuyerEmail:            buyerEmail,
		State:                 StateDraft,
		Currency:              currency,
		PriceCents:            params.PriceCents,
		PlatformFeeCents:      fees.TotalFeeCents,
		FeeSplit:              feeSplit,
		InspectionWindowHours: window,
		ReturnShippingPaidBy:  paidBy,
		BuyerContact:          params.BuyerContact,
		SellerContact:         params.SellerContact,
		SellerPayoutAccount:   params.SellerPayoutAccount,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	var item *Item
	if params.Item != nil {
		item = &Item{
			ID:          s.idGenerator(),
			TradeID:     t.ID,
			AccountID:   t.AccountID,
			Name:        params.Item.Name,
			Description: params.Item.Description,
			Category:    params.Item.Category,
			Condition:   params.Item.Condition,
			PriceCents:  t.PriceCents,
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("trade: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.Create(ctx, tx, t, item); err != nil {
		return nil, err
	}
	if err := s.ledger.Record(ctx, tx, audit.Entry{
		TradeID: t.ID,
		ActorID: &params.SellerID,
		Action:  "trade_created",
		ToState: string(StateDraft),
		Metadata: map[string]any{
			"price_cents":        t.PriceCents,
			"platform_fee_cents": t.PlatformFeeCents,
			"fee_split":          string(t.FeeSplit),
		},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("trade: commit: %w", err)
	}
	return t, nil
}

// IssueInvitation mints a signed invitation token for the buyer email and
// records the send. Only draft trades invite.
func (s *Service) IssueInvitation(ctx context.Context, tradeID, actorID string) (string, error) {
	var token string
	_, err := s.withTrade(ctx, tradeID, func(tx pgx.Tx, t *Trade) error {
		if t.State != StateDraft {
			return fmt.Errorf("%w: invitations only from draft, state is %s", ErrGuardViolation, t.State)
		}
		signed, err := issueInvitationToken(s.invitationSecret, t.ID, t.BuyerEmail, s.now(), s.invitationTTL)
		if err != nil {
			return err
		}
		if err := s.store.SetInvitationToken(ctx, tx, t.ID, signed); err != nil {
			return err
		}
		token = signed
		return s.ledger.Record(ctx, tx, audit.Entry{
			TradeID:  t.ID,
			ActorID:  &actorID,
			Action:   "invitation_sent",
			Metadata: map[string]any{"buyer_email": t.BuyerEmail},
		})
	})
	return token, err
}

// UpdateParams carries the editable draft fields.
type UpdateParams struct {
	PriceCents *int64
	Item       *ItemParams
}

// UpdateDetails edits price and item attributes. Rejected while the trade is
// locked for an active signature round, and outside draft.
func (s *Service) UpdateDetails(ctx context.Context, tradeID, actorID string, params UpdateParams) (*Trade, error) {
	return s.withTrade(ctx, tradeID, func(tx pgx.Tx, t *Trade) error {
		if t.LockedForEditing {
			return fmt.Errorf("%w: signature round in progress", ErrLocked)
		}
		if t.State != StateDraft {
			return fmt.Errorf("%w: details editable only in draft, state is %s", ErrGuardViolation, t.State)
		}

		if params.PriceCents != nil {
			if !s.fees.ValidPrice(*params.PriceCents) {
				return fmt.Errorf("%w: price %d outside [%d,%d]", ErrValidation,
					*params.PriceCents, s.fees.MinPriceCents, s.fees.MaxPriceCents)
			}
			t.PriceCents = *params.PriceCents
			t.PlatformFeeCents = s.fees.PlatformFee(t.PriceCents, t.FeeSplit).TotalFeeCents
		}

		var item *Item
		if params.Item != nil {
			existing, err := s.store.GetItem(ctx, tx, t.ID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if existing == nil {
				existing = &Item{ID: s.idGenerator(), TradeID: t.ID, AccountID: t.AccountID}
			}
			existing.Name = params.Item.Name
			existing.Description = params.Item.Description
			existing.Category = params.Item.Category
			existing.Condition = params.Item.Condition
			item = existing
		}
		if item != nil {
			item.PriceCents = t.PriceCents
		}

		t.UpdatedAt = s.now()
		if err := s.store.UpdateDetails(ctx, tx, t, item); err != nil {
			return err
		}
		return s.ledger.Record(ctx, tx, audit.Entry{
			TradeID:  t.ID,
			ActorID:  &actorID,
			Action:   "trade_updated",
			Metadata: map[string]any{"price_cents": t.PriceCents},
		})
	})
}

// SendForSignature starts a signature round: validates the draft is complete,
// sets the deadline, locks the trade and opens the external submission. A
// submission failure rolls everything back, leaving the trade unlocked in
// draft.
func (s *Service) SendForSignature(ctx context.Context, tradeID, actorID string) (*Trade, error) {
	if s.rounds == nil {
		return nil, fmt.Errorf("%w: signature tracker not configured", ErrValidation)
	}
	return s.withTrade(ctx, tradeID, func(tx pgx.Tx, t *Trade) error {
		item, err := s.store.GetItem(ctx, tx, t.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if item == nil || item.Name == "" {
			return fmt.Errorf("%w: item must be assigned before signature", ErrValidation)
		}
		if t.PriceCents <= 0 {
			return fmt.Errorf("%w: price must be assigned before signature", ErrValidation)
		}
		if !t.BuyerContact.Complete() {
			return fmt.Errorf("%w: buyer contact incomplete", ErrValidation)
		}

		now := s.now()
		deadline := now.Add(s.signatureDeadline)
		if err := s.applyTx(ctx, tx, t, EventSendForSignature, &actorID,
			map[string]any{"signature_deadline_at": deadline.UTC()},
			func(t *Trade) {
				t.SignatureSentAt = &now
				t.SignatureDeadlineAt = &deadline
				t.LockedForEditing = true
			}); err != nil {
			return err
		}

		// Opened last so an external failure aborts the whole transition.
		if err := s.rounds.OpenRound(ctx, tx, t); err != nil {
			return err
		}
		return nil
	})
}

// CancelSignature abandons the active round and returns to draft.
func (s *Service) CancelSignature(ctx context.Context, tradeID, actorID string) (*Trade, error) {
	return s.withTrade(ctx, tradeID, func(tx pgx.Tx, t *Trade) error {
		if err := s.applyTx(ctx, tx, t, EventCancelSignature, &actorID, nil, func(t *Trade) {
			t.LockedForEditing = false
			t.SignatureSentAt = nil
			t.SignatureDeadlineAt = nil
			t.SellerSignedAt = nil
			t.BuyerSignedAt = nil
		}); err != nil {
			return err
		}
		if s.rounds != nil {
			if err := s.rounds.CancelRound(ctx, tx, t.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// RetrySignature moves a missed-deadline trade back to draft for another round.
func (s *Service) RetrySignature(ctx context.Context, tradeID, actorID string) (*Trade, error) {
	return s.withTrade(ctx, tradeID, func(tx pgx.Tx, t *Trade) error {
		return s.applyTx(ctx, tx, t, EventRetrySignature, &actorID, nil, func(t *Trade) {
			t.SignatureSentAt = nil
			t.SignatureDeadlineAt = nil
			t.SellerSignedAt = nil
			t.BuyerSignedAt = nil
		})
	})
}

// SellerSignedTx applies the seller signature transition inside the signature
// tracker's transaction.
func (s *Service) SellerSignedTx(ctx context.Context, tx pgx.Tx, tradeID string, signedAt time.Time) (*Trade, error) {
	t, err := s.store.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		return nil, err
	}
	if err := s.applyTx(ctx, tx, t, EventSellerSigns, nil,
		map[string]any{"signed_at": signedAt.UTC()},
		func(t *Trade) { t.SellerSignedAt = &signedAt }); err != nil {
		return nil, err
	}
	return t, nil
}

// BuyerSignedTx applies the buyer signature transition; the round is complete
// so the trade unlocks.
func (s *Service) BuyerSignedTx(ctx context.Context, tx pgx.Tx, tradeID string, signedAt time.Time) (*Trade, error) {
	t, err := s.store.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		return nil, err
	}
	if err := s.applyTx(ctx, tx, t, EventBuyerSigns, nil,
		map[string]any{"signed_at": signedAt.UTC()},
		func(t *Trade) {
			t.BuyerSignedAt = &signedAt
			t.LockedForEditing = false
		}); err != nil {
		return nil, err
	}
	return t, nil
}

// SignatureExpiredTx applies the deadline-missed transition inside the
// caller's transaction (webhook or sweep).
func (s *Service) SignatureExpiredTx(ctx context.Context, tx pgx.Tx, tradeID string) (*Trade, error) {
	t, err := s.store.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		return nil, err
	}
	if err := s.applyTx(ctx, tx, t, EventSignatureDeadlineExpired, nil, nil, func(t *Trade) {
		t.LockedForEditing = false
	}); err != nil {
		return nil, err
	}
	return t, nil
}

// MarkFundedTx is reachable only from the escrow coordinator after external
// payment settlement, inside the coordinator's transaction.
func (s *Service) MarkFundedTx(ctx context.Context, tx pgx.Tx, t *Trade, metadata map[string]any) error {
	now := s.now()
	return s.applyTx(ctx, tx, t, EventMarkFunded, nil, metadata, func(t *Trade) {
		t.FundedAt = &now
	})
}

// MarkShipped records the forward shipment and transitions to shipped.
func (s *Service) MarkShipped(ctx context.Context, tradeID, actorID, carrier, trackingNumber string) (*Trade, error) {
	if strings.TrimSpace(trackingNumber) == "" {
		return nil, fmt.Errorf("%w: tracking number required", ErrValidation)
	}
	if carrier == "" {
		carrier = "Unknown"
	}
	return s.withTrade(ctx, tradeID, func(tx pgx.Tx, t *Trade) error {
		now := s.now()
		insured := t.PriceCents
		if err := s.store.CreateShipment(ctx, tx, &Shipment{
			ID:             s.idGenerator(),
			TradeID:        t.ID,
			AccountID:      t.AccountID,
			Direction:      ShipmentForward,
			Carrier:        carrier,
			TrackingNumber: trackingNumber,
			Status:         "in_transit",
			InsuredCents:   &insured,
			ShippedAt:      &now,
		}); err != nil {
			return err
		}
		return s.applyTx(ctx, tx, t, EventMarkShipped, &actorID,
			map[string]any{"carrier": carrier, "tracking_number": trackingNumber},
			func(t *Trade) { t.ShippedAt = &now })
	})
}

// MarkDelivered starts the buyer's receipt-confirmation window.
func (s *Service) MarkDelivered(ctx context.Context, tradeID, actorID string) (*Trade, error) {
	return s.withTrade(ctx, tradeID, func(tx pgx.Tx, t *Trade) error {
		now := s.now()
		deadline := now.Add(s.receiptWindow)
		return s.applyTx(ctx, tx, t, EventMarkDelivered, &actorID,
			map[string]any{"receipt_confirmation_deadline_at": deadline.UTC()},
			func(t *Trade) {
				t.DeliveredAt = &now
				t.ReceiptConfirmationDeadlineAt = &deadline
			})
	})
}

// ConfirmReceipt is the buyer acknowledging delivery; inspection starts now.
func (s *Service) ConfirmReceipt(ctx context.Context, tradeID, actorID string) (*Trade, error) {
	return s.withTrade(ctx, tradeID, func(tx pgx.Tx, t *Trade) error {
		return s.startInspection(ctx, tx, t, EventConfirmReceipt, &actorID)
	})
}

func (s *Service) startInspection(ctx context.Context, tx pgx.Tx, t *Trade, e Event, actor *string) error {
	now := s.now()
	ends := now.Add(time.Duration(t.InspectionWindowHours) * time.Hour)
	return s.applyTx(ctx, tx, t, e, actor,
		map[string]any{"inspection_ends_at": ends.UTC()},
		func(t *Trade) { t.InspectionEndsAt = &ends })
}

// Accept closes inspection in the buyer's favour. Guarded against the live
// clock: strictly before inspection_ends_at.
func (s *Service) Accept(ctx context.Context, tradeID, actorID string) (*Trade, error) {
	return s.withTrade(ctx, tradeID, func(tx pgx.Tx, t *Trade) error {
		if t.InspectionEndsAt == nil {
			return fmt.Errorf("%w: inspection window not started", ErrDataIntegrity)
		}
		if !s.now().Before(*t.InspectionEndsAt) {
			return fmt.Errorf("%w: inspection window elapsed", ErrGuardViolation)
		}
		now := s.now()
		return s.applyTx(ctx, tx, t, EventAccept, &actorID, nil, func(t *Trade) {
			t.AcceptedAt = &now
		})
	})
}

// Reject closes inspection against the seller. Requires at least one evidence
// record (the reason text becomes one) and derives return-cost responsibility
// from the category.
func (s *Service) Reject(ctx context.Context, tradeID, actorID, category, reasonText string) (*Trade, error) {
	if !validRejectionCategory(category) {
		return nil, fmt.Errorf("%w: unknown rejection category %q", ErrValidation, category)
	}
	return s.withTrade(ctx, tradeID, func(tx pgx.Tx, t *Trade) error {
		existing, err := s.store.CountEvidence(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if existing == 0 && strings.TrimSpace(reasonText) == "" {
			return fmt.Errorf("%w: rejection requires evidence", ErrGuardViolation)
		}

		if strings.TrimSpace(reasonText) != "" {
			if err := s.store.CreateEvidence(ctx, tx, &Evidence{
				ID:          s.idGenerator(),
				TradeID:     t.ID,
				AccountID:   t.AccountID,
				UserID:      actorID,
				FileURL:     "text://rejection",
				Description: reasonText,
			}); err != nil {
				return err
			}
		}

		now := s.now()
		paidBy := returnResponsibility(category, t.ReturnShippingPaidBy)
		return s.applyTx(ctx, tx, t, EventReject, &actorID,
			map[string]any{
				"reason_category":         category,
				"reason_text":             reasonText,
				"return_shipping_paid_by": string(paidBy),
			},
			func(t *Trade) {
				t.RejectedAt = &now
				t.RejectionCategory = &category
				t.ReturnShippingPaidBy = paidBy
			})
	})
}

// CreateReturnLabel purchases a return label for a rejected trade and records
// the pending return shipment. The external purchase happens before any local
// write, so a provider failure leaves no partial state; the rejected state
// itself already stands.
func (s *Service) CreateReturnLabel(ctx context.Context, tradeID, actorID string) (*Shipment, error) {
	if s.labeler == nil {
		return nil, fmt.Errorf("%w: shipping capability not configured", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("trade: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.store.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.State != StateRejected {
		return nil, fmt.Errorf("%w: return label only for rejected trades, state is %s", ErrGuardViolation, t.State)
	}

	label, err := s.labeler.CreateReturnLabel(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("%w: create return label: %v", ErrExternalService, err)
	}

	sh := &Shipment{
		ID:             s.idGenerator(),
		TradeID:        t.ID,
		AccountID:      t.AccountID,
		Direction:      ShipmentReturn,
		Carrier:        label.Carrier,
		TrackingNumber: label.TrackingNumber,
		LabelURL:       label.LabelURL,
		Status:         "label_created",
	}
	if err := s.store.CreateShipment(ctx, tx, sh); err != nil {
		return nil, err
	}
	if label.CostCents > 0 {
		// Captured here so a later refund can charge the responsible party.
		cost := label.CostCents
		t.ReturnShippingCostCents = &cost
		t.UpdatedAt = s.now()
		if err := s.store.UpdateState(ctx, tx, t); err != nil {
			return nil, err
		}
	}
	if err := s.ledger.Record(ctx, tx, audit.Entry{
		TradeID: t.ID,
		ActorID: &actorID,
		Action:  "return_label_created",
		Metadata: map[string]any{
			"carrier":         label.Carrier,
			"tracking_number": label.TrackingNumber,
			"cost_cents":      label.CostCents,
		},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("trade: commit: %w", err)
	}
	return sh, nil
}

// MarkReturnShipped records the buyer's return shipment.
func (s *Service) MarkReturnShipped(ctx context.Context, tradeID, actorID, carrier, trackingNumber string) (*Trade, error) {
	if strings.TrimSpace(trackingNumber) == "" {
		return nil, fmt.Errorf("%w: tracking number required", ErrValidation)
	}
	if carrier == "" {
		carrier = "Unknown"
	}
	return s.withTrade(ctx, tradeID, func(tx pgx.Tx, t *Trade) error {
		now := s.now()
		if err := s.store.CreateShipment(ctx, tx, &Shipment{
			ID:             s.idGenerator(),
			TradeID:        t.ID,
			AccountID:      t.AccountID,
			Direction:      ShipmentReturn,
			Carrier:        carrier,
			TrackingNumber: trackingNumber,
			Status:         "in_transit",
			ShippedAt:      &now,
		}); err != nil {
			return err
		}
		return s.applyTx(ctx, tx, t, EventMarkReturnShipped, &actorID,
			map[string]any{"carrier": carrier, "tracking_number": trackingNumber}, nil)
	})
}

// MarkReturnDelivered records carrier delivery of the return.
func (s *Service) MarkReturnDelivered(ctx context.Context, tradeID, actorID string) (*Trade, error) {
	return s.withTrade(ctx, tradeID, func(tx pgx.Tx, t *Trade) error {
		return s.applyTx(ctx, tx, t, EventMarkReturnDelivered, &actorID, nil, nil)
	})
}

// ConfirmReturnReceipt is the seller acknowledging the returned item.
func (s *Service) ConfirmReturnReceipt(ctx context.Context, tradeID, actorID string) (*Trade, error) {
	return s.withTrade(ctx, tradeID, func(tx pgx.Tx, t *Trade) error {
		return s.applyTx(ctx, tx, t, EventConfirmReturnReceipt, &actorID, nil, nil)
	})
}

// AcceptReturn ends return inspection in the buyer's favour; the refund is
// dispatched by the coordinator.
func (s *Service) AcceptReturn(ctx context.Context, tradeID, actorID string) (*Trade, error) {
	return s.withTrade(ctx, tradeID, func(tx pgx.Tx, t *Trade) error {
		return s.applyTx(ctx, tx, t, EventAcceptReturn, &actorID, nil, nil)
	})
}

// RejectReturnTx disputes the return inside the coordinator's transaction so
// the dispute record and the transition commit together.
func (s *Service) RejectReturnTx(ctx context.Context, tx pgx.Tx, t *Trade, actorID string, metadata map[string]any) error {
	return s.applyTx(ctx, tx, t, EventRejectReturn, &actorID, metadata, nil)
}

// OpenDisputeTx transitions to disputed inside the coordinator's transaction.
func (s *Service) OpenDisputeTx(ctx context.Context, tx pgx.Tx, t *Trade, actorID string, metadata map[string]any) error {
	return s.applyTx(ctx, tx, t, EventOpenDispute, &actorID, metadata, nil)
}

// ReleaseTx moves accepted -> released inside the coordinator's transaction.
func (s *Service) ReleaseTx(ctx context.Context, tx pgx.Tx, t *Trade, metadata map[string]any) error {
	return s.applyTx(ctx, tx, t, EventRelease, nil, metadata, nil)
}

// RefundTx moves returned -> refunded inside the coordinator's transaction.
func (s *Service) RefundTx(ctx context.Context, tx pgx.Tx, t *Trade, metadata map[string]any) error {
	return s.applyTx(ctx, tx, t, EventRefund, nil, metadata, nil)
}

// ResolveTx applies one of the three dispute resolutions inside the
// coordinator's transaction.
func (s *Service) ResolveTx(ctx context.Context, tx pgx.Tx, t *Trade, e Event, actorID string, metadata map[string]any) error {
	switch e {
	case EventResolveWithRelease, EventResolveWithRefund, EventResolveWithSplit:
	default:
		return fmt.Errorf("%w: %q is not a resolution event", ErrValidation, e)
	}
	return s.applyTx(ctx, tx, t, e, &actorID, metadata, nil)
}

// LockTx loads the trade with its row lock held, for collaborators composing
// larger transactions.
func (s *Service) LockTx(ctx context.Context, tx pgx.Tx, tradeID string) (*Trade, error) {
	return s.store.GetForUpdate(ctx, tx, tradeID)
}

// SweepExpiredSignatureDeadlines expires every signature round whose deadline
// passed before now. Each trade re-checks its own guard under the row lock,
// so repeated or overlapping sweeps are no-ops after the first application.
func (s *Service) SweepExpiredSignatureDeadlines(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.listSweepCandidates(ctx, now, s.store.ListSignatureDeadlinesBefore)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		applied, err := s.expireSignatureDeadline(ctx, id, now)
		if err != nil {
			return expired, err
		}
		if applied {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) expireSignatureDeadline(ctx context.Context, tradeID string, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("trade: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.store.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		return false, err
	}
	// Re-check under the lock: a webhook may have advanced the trade between
	// the candidate scan and now.
	if !Allowed(t.State, EventSignatureDeadlineExpired) {
		return false, nil
	}
	if t.SignatureDeadlineAt == nil || !now.After(*t.SignatureDeadlineAt) {
		return false, nil
	}

	if err := s.applyTx(ctx, tx, t, EventSignatureDeadlineExpired, nil,
		map[string]any{"signature_deadline_at": t.SignatureDeadlineAt.UTC()},
		func(t *Trade) { t.LockedForEditing = false }); err != nil {
		return false, err
	}
	if s.rounds != nil {
		if err := s.rounds.ExpireRound(ctx, tx, t.ID); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("trade: commit: %w", err)
	}
	return true, nil
}

// SweepReceiptConfirmations auto-confirms receipt for trades whose buyer did
// not respond within the post-delivery window, starting inspection with a
// distinct audit action.
func (s *Service) SweepReceiptConfirmations(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.listSweepCandidates(ctx, now, s.store.ListReceiptDeadlinesBefore)
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for _, id := range ids {
		applied, err := s.autoConfirmReceipt(ctx, id, now)
		if err != nil {
			return confirmed, err
		}
		if applied {
			confirmed++
		}
	}
	return confirmed, nil
}

func (s *Service) autoConfirmReceipt(ctx context.Context, tradeID string, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("trade: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.store.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		return false, err
	}
	if !Allowed(t.State, EventAutoConfirmReceipt) {
		return false, nil
	}
	if t.ReceiptConfirmationDeadlineAt == nil || !now.After(*t.ReceiptConfirmationDeadlineAt) {
		return false, nil
	}

	if err := s.startInspection(ctx, tx, t, EventAutoConfirmReceipt, nil); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("trade: commit: %w", err)
	}
	return true, nil
}

func (s *Service) listSweepCandidates(ctx context.Context, now time.Time, list func(context.Context, pgx.Tx, time.Time) ([]string, error)) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("trade: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ids, err := list(ctx, tx, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("trade: commit: %w", err)
	}
	return ids, nil
}

// applyTx performs one guarded transition: table lookup, engine-owned field
// mutation, state write and audit append, all on the caller's transaction.
func (s *Service) applyTx(ctx context.Context, tx pgx.Tx, t *Trade, e Event, actor *string, metadata map[string]any, mutate func(*Trade)) error {
	next, err := Next(t.State, e)
	if err != nil {
		return err
	}

	from := t.State
	t.State = next
	t.UpdatedAt = s.now()
	if mutate != nil {
		mutate(t)
	}

	if err := s.store.UpdateState(ctx, tx, t); err != nil {
		return err
	}
	return s.ledger.Record(ctx, tx, audit.Entry{
		TradeID:   t.ID,
		ActorID:   actor,
		Action:    string(e),
		FromState: string(from),
		ToState:   string(next),
		Metadata:  metadata,
	})
}

// withTrade runs fn against the locked trade row in one transaction.
func (s *Service) withTrade(ctx context.Context, tradeID string, fn func(pgx.Tx, *Trade) error) (*Trade, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("trade: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.store.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		return nil, err
	}
	if err := fn(tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("trade: commit: %w", err)
	}
	return t, nil
}
