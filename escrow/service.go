package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/audit"
	"escrowflow/dispute"
	"escrowflow/money"
	"escrowflow/trade"
)

// Store is the coordinator's escrow data access, tx-scoped.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, e *Escrow) error
	GetByTradeForUpdate(ctx context.Context, tx pgx.Tx, tradeID string) (*Escrow, error)
	MarkHeld(ctx context.Context, tx pgx.Tx, id, paymentRef string, at time.Time) error
	MarkReleased(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	MarkRefunded(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	InsertPayout(ctx context.Context, tx pgx.Tx, p *Payout) error
	SetPayoutDispatch(ctx context.Context, tx pgx.Tx, id string, status DispatchStatus, transferRef, failureNote string) error
	InsertRefund(ctx context.Context, tx pgx.Tx, rf *Refund) error
	SetRefundDispatch(ctx context.Context, tx pgx.Tx, id string, status DispatchStatus, refundRef, failureNote string) error
}

// DisputeStore is the slice of the dispute repository the coordinator drives.
type DisputeStore interface {
	Create(ctx context.Context, tx pgx.Tx, rec *dispute.Record) error
	GetByTradeForUpdate(ctx context.Context, tx pgx.Tx, tradeID string) (dispute.Record, error)
	Resolve(ctx context.Context, tx pgx.Tx, disputeID string, resolution dispute.ResolutionType, sellerPct *int, resolvedBy, notes string) (dispute.Record, error)
}

// Engine is the slice of the trade service the coordinator composes into its
// transactions.
type Engine interface {
	LockTx(ctx context.Context, tx pgx.Tx, tradeID string) (*trade.Trade, error)
	MarkFundedTx(ctx context.Context, tx pgx.Tx, t *trade.Trade, metadata map[string]any) error
	ReleaseTx(ctx context.Context, tx pgx.Tx, t *trade.Trade, metadata map[string]any) error
	RefundTx(ctx context.Context, tx pgx.Tx, t *trade.Trade, metadata map[string]any) error
	OpenDisputeTx(ctx context.Context, tx pgx.Tx, t *trade.Trade, actorID string, metadata map[string]any) error
	RejectReturnTx(ctx context.Context, tx pgx.Tx, t *trade.Trade, actorID string, metadata map[string]any) error
	ResolveTx(ctx context.Context, tx pgx.Tx, t *trade.Trade, e trade.Event, actorID string, metadata map[string]any) error
}

// Recorder appends audit rows; same contract as the engine's.
type Recorder interface {
	Record(ctx context.Context, tx pgx.Tx, entry audit.Entry) error
}

// Coordinator owns the money side of the lifecycle: checkout sessions,
// payment settlement, payout and refund dispatch, and dispute bookkeeping.
// State transitions themselves go through the engine inside the
// coordinator's transactions, so the financial record and the transition
// commit atomically. External provider calls that settle money are
// dispatched after commit and reconciled onto pending rows.
type Coordinator struct {
	pool     trade.TxBeginner
	store    Store
	disputes DisputeStore
	engine   Engine
	payments PaymentCapability
	ledger   Recorder

	fees money.Config

	idGenerator func() string
	now         func() time.Time
}

func NewCoordinator(pool trade.TxBeginner, store Store, disputes DisputeStore, engine Engine, payments PaymentCapability, fees money.Config) *Coordinator {
	if store == nil {
		store = NewRepository()
	}
	if disputes == nil {
		disputes = dispute.NewRepository()
	}
	return &Coordinator{
		pool:        pool,
		store:       store,
		disputes:    disputes,
		engine:      engine,
		payments:    payments,
		ledger:      audit.NewRecorder(),
		fees:        fees,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (c *Coordinator) WithRecorder(ledger Recorder) *Coordinator {
	c.ledger = ledger
	return c
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

func (c *Coordinator) WithIDGenerator(gen func() string) *Coordinator {
	c.idGenerator = gen
	return c
}

// CreateCheckout opens (or resumes) the buyer's checkout for a trade awaiting
// funding. A pending escrow resumes its stored session; a settled escrow
// refuses a second checkout.
func (c *Coordinator) CreateCheckout(ctx context.Context, tradeID, actorID string) (CheckoutSession, error) {
	var session CheckoutSession
	err := c.withTx(ctx, func(tx pgx.Tx) error {
		t, err := c.engine.LockTx(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if t.State != trade.StateAwaitingFunding {
			return fmt.Errorf("%w: checkout only while awaiting funding, state is %s", trade.ErrGuardViolation, t.State)
		}

		existing, err := c.store.GetByTradeForUpdate(ctx, tx, t.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing != nil {
			if existing.Status != StatusPending {
				return fmt.Errorf("%w: escrow already %s", trade.ErrGuardViolation, existing.Status)
			}
			session = CheckoutSession{Ref: existing.CheckoutRef, URL: existing.CheckoutURL}
			return nil
		}

		fees := c.fees.PlatformFee(t.PriceCents, t.FeeSplit)
		amount := t.PriceCents + fees.BuyerFeeCents

		session, err = c.payments.CreateCheckout(ctx, CheckoutParams{
			TradeID:     t.ID,
			AmountCents: amount,
			Currency:    t.Currency,
			BuyerEmail:  t.BuyerEmail,
			Description: "Escrow trade " + t.ID,
		})
		if err != nil {
			return fmt.Errorf("%w: create checkout: %v", trade.ErrExternalService, err)
		}

		if err := c.store.Insert(ctx, tx, &Escrow{
			ID:          c.idGenerator(),
			TradeID:     t.ID,
			AccountID:   t.AccountID,
			Status:      StatusPending,
			AmountCents: amount,
			Currency:    t.Currency,
			CheckoutRef: session.Ref,
			CheckoutURL: session.URL,
		}); err != nil {
			return err
		}
		return c.ledger.Record(ctx, tx, audit.Entry{
			TradeID: t.ID,
			ActorID: &actorID,
			Action:  "checkout_created",
			Metadata: map[string]any{
				"amount_cents": amount,
				"checkout_ref": session.Ref,
			},
		})
	})
	return session, err
}

// HandlePaymentNotification settles funding from an asynchronous payment
// event. Deliveries are at-least-once and unordered: unknown correlation ids
// are dropped, and a second delivery after settlement is a committed no-op,
// leaving exactly one funded transition and one audit row.
func (c *Coordinator) HandlePaymentNotification(ctx context.Context, n *Notification) error {
	switch n.EventType {
	case EventCheckoutCompleted, EventPaymentSucceeded, EventChargeSucceeded:
	default:
		return nil
	}
	if n.TradeID == "" {
		log.Printf("escrow: payment notification without trade correlation, dropped (%s)", n.EventType)
		return nil
	}

	return c.withTx(ctx, func(tx pgx.Tx) error {
		t, err := c.engine.LockTx(ctx, tx, n.TradeID)
		if err != nil {
			if errors.Is(err, trade.ErrNotFound) {
				log.Printf("escrow: payment notification for unknown trade %s, dropped", n.TradeID)
				return nil
			}
			return err
		}

		now := c.now()
		esc, err := c.store.GetByTradeForUpdate(ctx, tx, t.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			// Funds can land without a locally tracked checkout, e.g. a
			// session created before a crash. Record the escrow as held.
			esc = &Escrow{
				ID:          c.idGenerator(),
				TradeID:     t.ID,
				AccountID:   t.AccountID,
				Status:      StatusHeld,
				AmountCents: n.AmountCents,
				Currency:    t.Currency,
				CheckoutRef: n.CheckoutRef,
				PaymentRef:  n.PaymentRef,
				FundedAt:    &now,
			}
			if err := c.store.Insert(ctx, tx, esc); err != nil {
				return err
			}
		case err != nil:
			return err
		case esc.Status == StatusPending:
			if err := c.store.MarkHeld(ctx, tx, esc.ID, n.PaymentRef, now); err != nil {
				return err
			}
		default:
			// Already settled; duplicate delivery.
			return nil
		}

		if !trade.Allowed(t.State, trade.EventMarkFunded) {
			return nil
		}
		return c.engine.MarkFundedTx(ctx, tx, t, map[string]any{
			"payment_ref":  n.PaymentRef,
			"amount_cents": n.AmountCents,
		})
	})
}

// Release settles an accepted trade in the seller's favour: the payout row
// and the released transition commit together, then the transfer dispatches.
func (c *Coordinator) Release(ctx context.Context, tradeID string) (*Payout, error) {
	var payout *Payout
	err := c.withTx(ctx, func(tx pgx.Tx) error {
		t, err := c.engine.LockTx(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		esc, err := c.requireHeld(ctx, tx, t.ID)
		if err != nil {
			return err
		}

		fees := c.fees.PlatformFee(t.PriceCents, t.FeeSplit)
		amount, err := money.PayoutAmount(t.PriceCents, fees.SellerFeeCents)
		if err != nil {
			return fmt.Errorf("%w: %v", trade.ErrDataIntegrity, err)
		}

		payout, err = c.recordPayout(ctx, tx, t, esc, amount)
		if err != nil {
			return err
		}
		if err := c.store.MarkReleased(ctx, tx, esc.ID, c.now()); err != nil {
			return err
		}
		return c.engine.ReleaseTx(ctx, tx, t, map[string]any{
			"payout_id":    payout.ID,
			"amount_cents": amount,
		})
	})
	if err != nil {
		return nil, err
	}
	c.dispatchPayout(ctx, payout)
	return payout, nil
}

// Refund settles a returned trade in the buyer's favour, deducting the
// buyer's share of return shipping per the rejection outcome.
func (c *Coordinator) Refund(ctx context.Context, tradeID string) (*Refund, error) {
	var refund *Refund
	err := c.withTx(ctx, func(tx pgx.Tx) error {
		t, err := c.engine.LockTx(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		esc, err := c.requireHeld(ctx, tx, t.ID)
		if err != nil {
			return err
		}

		var shipping int64
		if t.ReturnShippingCostCents != nil {
			shipping = *t.ReturnShippingCostCents
		}
		amount := money.RefundAmount(t.PriceCents, t.ReturnShippingPaidBy, shipping)

		refund, err = c.recordRefund(ctx, tx, t, esc, amount)
		if err != nil {
			return err
		}
		if err := c.store.MarkRefunded(ctx, tx, esc.ID, c.now()); err != nil {
			return err
		}
		return c.engine.RefundTx(ctx, tx, t, map[string]any{
			"refund_id":    refund.ID,
			"amount_cents": amount,
		})
	})
	if err != nil {
		return nil, err
	}
	c.dispatchRefund(ctx, refund)
	return refund, nil
}

// OpenDispute escalates a live trade: the dispute record and the disputed
// transition commit together.
func (c *Coordinator) OpenDispute(ctx context.Context, tradeID, actorID, reason string) (dispute.Record, error) {
	var rec dispute.Record
	err := c.withTx(ctx, func(tx pgx.Tx) error {
		t, err := c.engine.LockTx(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		rec = dispute.Record{
			ID:        c.idGenerator(),
			TradeID:   t.ID,
			AccountID: t.AccountID,
			OpenedBy:  actorID,
			Reason:    reason,
			Status:    dispute.StatusOpen,
		}
		if err := c.disputes.Create(ctx, tx, &rec); err != nil {
			return err
		}
		return c.engine.OpenDisputeTx(ctx, tx, t, actorID, map[string]any{
			"dispute_id": rec.ID,
			"reason":     reason,
		})
	})
	return rec, err
}

// RejectReturn is the seller refusing a returned item during return
// inspection; it escalates straight into a dispute.
func (c *Coordinator) RejectReturn(ctx context.Context, tradeID, actorID, reason string) (dispute.Record, error) {
	var rec dispute.Record
	err := c.withTx(ctx, func(tx pgx.Tx) error {
		t, err := c.engine.LockTx(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		rec = dispute.Record{
			ID:        c.idGenerator(),
			TradeID:   t.ID,
			AccountID: t.AccountID,
			OpenedBy:  actorID,
			Reason:    reason,
			Status:    dispute.StatusOpen,
		}
		if err := c.disputes.Create(ctx, tx, &rec); err != nil {
			return err
		}
		return c.engine.RejectReturnTx(ctx, tx, t, actorID, map[string]any{
			"dispute_id": rec.ID,
			"reason":     reason,
		})
	})
	return rec, err
}

// ResolveWithRelease closes a dispute in the seller's favour: full payout.
func (c *Coordinator) ResolveWithRelease(ctx context.Context, tradeID, adminID, notes string) (*Payout, error) {
	var payout *Payout
	err := c.withTx(ctx, func(tx pgx.Tx) error {
		t, esc, rec, err := c.lockForResolution(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if _, err := c.disputes.Resolve(ctx, tx, rec.ID, dispute.ResolutionRelease, nil, adminID, notes); err != nil {
			return err
		}

		fees := c.fees.PlatformFee(t.PriceCents, t.FeeSplit)
		amount, err := money.PayoutAmount(t.PriceCents, fees.SellerFeeCents)
		if err != nil {
			return fmt.Errorf("%w: %v", trade.ErrDataIntegrity, err)
		}
		payout, err = c.recordPayout(ctx, tx, t, esc, amount)
		if err != nil {
			return err
		}
		if err := c.store.MarkReleased(ctx, tx, esc.ID, c.now()); err != nil {
			return err
		}
		return c.engine.ResolveTx(ctx, tx, t, trade.EventResolveWithRelease, adminID, map[string]any{
			"dispute_id":   rec.ID,
			"payout_id":    payout.ID,
			"amount_cents": amount,
		})
	})
	if err != nil {
		return nil, err
	}
	c.dispatchPayout(ctx, payout)
	return payout, nil
}

// ResolveWithRefund closes a dispute in the buyer's favour: full refund of
// the item price.
func (c *Coordinator) ResolveWithRefund(ctx context.Context, tradeID, adminID, notes string) (*Refund, error) {
	var refund *Refund
	err := c.withTx(ctx, func(tx pgx.Tx) error {
		t, esc, rec, err := c.lockForResolution(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if _, err := c.disputes.Resolve(ctx, tx, rec.ID, dispute.ResolutionRefund, nil, adminID, notes); err != nil {
			return err
		}

		refund, err = c.recordRefund(ctx, tx, t, esc, t.PriceCents)
		if err != nil {
			return err
		}
		if err := c.store.MarkRefunded(ctx, tx, esc.ID, c.now()); err != nil {
			return err
		}
		return c.engine.ResolveTx(ctx, tx, t, trade.EventResolveWithRefund, adminID, map[string]any{
			"dispute_id":   rec.ID,
			"refund_id":    refund.ID,
			"amount_cents": t.PriceCents,
		})
	})
	if err != nil {
		return nil, err
	}
	c.dispatchRefund(ctx, refund)
	return refund, nil
}

// ResolveWithSplit closes a dispute by splitting the escrow: the seller's
// percentage of the price pays out, the remainder refunds, with each leg
// bearing its fee share. Both settlement rows commit with the transition.
func (c *Coordinator) ResolveWithSplit(ctx context.Context, tradeID, adminID string, sellerPercentage int, notes string) (*Payout, *Refund, error) {
	var (
		payout *Payout
		refund *Refund
	)
	err := c.withTx(ctx, func(tx pgx.Tx) error {
		t, esc, rec, err := c.lockForResolution(ctx, tx, tradeID)
		if err != nil {
			return err
		}

		settlement, err := c.fees.SplitSettlement(t.PriceCents, sellerPercentage, t.FeeSplit, t.PlatformFeeCents)
		if err != nil {
			return fmt.Errorf("%w: %v", trade.ErrValidation, err)
		}
		if _, err := c.disputes.Resolve(ctx, tx, rec.ID, dispute.ResolutionSplit, &sellerPercentage, adminID, notes); err != nil {
			return err
		}

		payout, err = c.recordPayout(ctx, tx, t, esc, settlement.SellerAmountCents)
		if err != nil {
			return err
		}
		refund, err = c.recordRefund(ctx, tx, t, esc, settlement.BuyerRefundCents)
		if err != nil {
			return err
		}
		if err := c.store.MarkReleased(ctx, tx, esc.ID, c.now()); err != nil {
			return err
		}
		return c.engine.ResolveTx(ctx, tx, t, trade.EventResolveWithSplit, adminID, map[string]any{
			"dispute_id":          rec.ID,
			"payout_id":           payout.ID,
			"refund_id":           refund.ID,
			"seller_percentage":   sellerPercentage,
			"seller_amount_cents": settlement.SellerAmountCents,
			"buyer_refund_cents":  settlement.BuyerRefundCents,
		})
	})
	if err != nil {
		return nil, nil, err
	}
	c.dispatchPayout(ctx, payout)
	c.dispatchRefund(ctx, refund)
	return payout, refund, nil
}

func (c *Coordinator) requireHeld(ctx context.Context, tx pgx.Tx, tradeID string) (*Escrow, error) {
	esc, err := c.store.GetByTradeForUpdate(ctx, tx, tradeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: trade has no escrow", trade.ErrDataIntegrity)
		}
		return nil, err
	}
	if esc.Status != StatusHeld {
		return nil, fmt.Errorf("%w: escrow is %s, settlement needs held", trade.ErrGuardViolation, esc.Status)
	}
	return esc, nil
}

func (c *Coordinator) lockForResolution(ctx context.Context, tx pgx.Tx, tradeID string) (*trade.Trade, *Escrow, dispute.Record, error) {
	t, err := c.engine.LockTx(ctx, tx, tradeID)
	if err != nil {
		return nil, nil, dispute.Record{}, err
	}
	if t.State != trade.StateDisputed {
		return nil, nil, dispute.Record{}, fmt.Errorf("%w: resolution needs disputed, state is %s", trade.ErrGuardViolation, t.State)
	}
	esc, err := c.requireHeld(ctx, tx, t.ID)
	if err != nil {
		return nil, nil, dispute.Record{}, err
	}
	rec, err := c.disputes.GetByTradeForUpdate(ctx, tx, t.ID)
	if err != nil {
		return nil, nil, dispute.Record{}, err
	}
	return t, esc, rec, nil
}

func (c *Coordinator) recordPayout(ctx context.Context, tx pgx.Tx, t *trade.Trade, esc *Escrow, amount int64) (*Payout, error) {
	p := &Payout{
		ID:          c.idGenerator(),
		TradeID:     t.ID,
		AccountID:   t.AccountID,
		Destination: t.SellerPayoutAccount,
		AmountCents: amount,
		Currency:    esc.Currency,
		Status:      DispatchPending,
	}
	if err := c.store.InsertPayout(ctx, tx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Coordinator) recordRefund(ctx context.Context, tx pgx.Tx, t *trade.Trade, esc *Escrow, amount int64) (*Refund, error) {
	rf := &Refund{
		ID:          c.idGenerator(),
		TradeID:     t.ID,
		AccountID:   t.AccountID,
		PaymentRef:  esc.PaymentRef,
		AmountCents: amount,
		Currency:    esc.Currency,
		Status:      DispatchPending,
	}
	if err := c.store.InsertRefund(ctx, tx, rf); err != nil {
		return nil, err
	}
	return rf, nil
}

// dispatchPayout pushes a pending payout to the provider after the owning
// transaction committed. A failure is recorded for manual retry; the state
// change already stands either way.
func (c *Coordinator) dispatchPayout(ctx context.Context, p *Payout) {
	ref, err := c.payments.CreateTransfer(ctx, TransferParams{
		Destination: p.Destination,
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		TradeID:     p.TradeID,
	})

	status, note := DispatchPaid, ""
	if err != nil {
		status, note = DispatchFailed, err.Error()
		log.Printf("escrow: transfer dispatch failed for payout %s: %v", p.ID, err)
	}
	if uerr := c.withTx(ctx, func(tx pgx.Tx) error {
		return c.store.SetPayoutDispatch(ctx, tx, p.ID, status, ref, note)
	}); uerr != nil {
		log.Printf("escrow: payout %s dispatch reconciliation failed: %v", p.ID, uerr)
		return
	}
	p.Status = status
	p.TransferRef = ref
	p.FailureNote = note
}

func (c *Coordinator) dispatchRefund(ctx context.Context, rf *Refund) {
	ref, err := c.payments.CreateRefund(ctx, rf.PaymentRef, rf.AmountCents)

	status, note := DispatchPaid, ""
	if err != nil {
		status, note = DispatchFailed, err.Error()
		log.Printf("escrow: refund dispatch failed for refund %s: %v", rf.ID, err)
	}
	if uerr := c.withTx(ctx, func(tx pgx.Tx) error {
		return c.store.SetRefundDispatch(ctx, tx, rf.ID, status, ref, note)
	}); uerr != nil {
		log.Printf("escrow: refund %s dispatch reconciliation failed: %v", rf.ID, uerr)
		return
	}
	rf.Status = status
	rf.RefundRef = ref
	rf.FailureNote = note
}

func (c *Coordinator) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit: %w", err)
	}
	return nil
}
