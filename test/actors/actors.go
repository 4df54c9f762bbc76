package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/trade"
)

// Errors that are expected under contention and chaos: an actor losing a
// race sees the guard reject its event, and a terminated backend surfaces
// as a dead connection or a serialization abort.
func expected(err error) bool {
	if errors.Is(err, trade.ErrGuardViolation) ||
		errors.Is(err, trade.ErrValidation) ||
		errors.Is(err, trade.ErrLocked) ||
		errors.Is(err, dispute.ErrAlreadyOpen) ||
		errors.Is(err, dispute.ErrAlreadyClosed) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P01", "40001", "40P01": // admin shutdown, serialization, deadlock
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") || strings.Contains(msg, "connection reset")
}

// PaymentNotifier replays the same checkout-completed notification over and
// over, simulating an at-least-once webhook provider. Every delivery after
// the first must be a no-op.
func PaymentNotifier(ctx context.Context, coord *escrow.Coordinator, n escrow.Notification, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		dup := n
		if err := coord.HandlePaymentNotification(ctx, &dup); err != nil && !expected(err) {
			return fmt.Errorf("payment notifier: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// CheckoutOpener keeps asking for a checkout session. Before funding it must
// resume the same session; after funding it must be rejected by the guard.
func CheckoutOpener(ctx context.Context, coord *escrow.Coordinator, tradeID, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := coord.CreateCheckout(ctx, tradeID, buyerID); err != nil && !expected(err) {
			return fmt.Errorf("checkout opener: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Shipper drives the forward leg whenever the trade lets it: mark shipped,
// then delivered, then confirm receipt. Guard rejections are the normal case
// until the trade reaches the right state.
func Shipper(ctx context.Context, trades *trade.Service, tradeID, sellerID, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := trades.MarkShipped(ctx, tradeID, sellerID, "ups", fmt.Sprintf("1Z%d", rand.Int63())); err != nil && !expected(err) {
			return fmt.Errorf("shipper: mark shipped: %w", err)
		}
		if _, err := trades.MarkDelivered(ctx, tradeID, sellerID); err != nil && !expected(err) {
			return fmt.Errorf("shipper: mark delivered: %w", err)
		}
		if _, err := trades.ConfirmReceipt(ctx, tradeID, buyerID); err != nil && !expected(err) {
			return fmt.Errorf("shipper: confirm receipt: %w", err)
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// Disputer races to open a dispute; at most one may ever exist per trade.
func Disputer(ctx context.Context, coord *escrow.Coordinator, tradeID, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := coord.OpenDispute(ctx, tradeID, buyerID, "item not as described"); err != nil && !expected(err) {
			return fmt.Errorf("disputer: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// Resolver hammers the split resolution. Only one attempt may settle; the
// rest lose to the dispute row lock or the state guard.
func Resolver(ctx context.Context, coord *escrow.Coordinator, tradeID, adminID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _, err := coord.ResolveWithSplit(ctx, tradeID, adminID, 70, "stress resolution")
		if err != nil && !expected(err) && !errors.Is(err, trade.ErrDataIntegrity) && !errors.Is(err, dispute.ErrNotFound) {
			return fmt.Errorf("resolver: %w", err)
		}
		time.Sleep(time.Duration(80+rand.Intn(120)) * time.Millisecond)
	}
}

// Sweeper runs the deadline sweeps in a loop, mimicking the scheduled jobs.
func Sweeper(ctx context.Context, trades *trade.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := trades.SweepExpiredSignatureDeadlines(ctx, time.Now()); err != nil {
			return fmt.Errorf("sweeper: signature deadlines: %w", err)
		}
		if _, err := trades.SweepReceiptConfirmations(ctx, time.Now()); err != nil {
			return fmt.Errorf("sweeper: receipt confirmations: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
