package test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/audit"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/money"
	"escrowflow/signature"
	"escrowflow/test/infra"
	"escrowflow/trade"
)

// testClock lets a test jump past inspection windows without sleeping.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock { return &testClock{t: time.Now()} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	var (
		pgC *infra.PGContainer
		dsn string
		err error
	)
	if dockerAvailable(ctx) {
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	} else {
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no docker and no local postgres: %v", err)
		}
		pgC = &infra.PGContainer{}
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, false)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		_ = teardown(context.Background())
		pool.Close()
	})
	return pool
}

type workflowEnv struct {
	pool       *pgxpool.Pool
	clock      *testClock
	trades     *trade.Service
	signatures *signature.Service
	processor  *signature.WebhookProcessor
	coord      *escrow.Coordinator
}

func newWorkflowEnv(t *testing.T, ctx context.Context) *workflowEnv {
	t.Helper()
	pool := newTestPool(t, ctx)
	clock := newTestClock()
	fees := money.DefaultConfig()

	trades := trade.NewService(pool, trade.NewRepository(), audit.NewRecorder(), fees, []byte("workflow-secret"))
	trades.WithClock(clock.Now)
	signatures := signature.NewService(signature.NewRepository(), &stubSigner{}, "tmpl-workflow")
	trades.WithSignatureRounds(signatures)

	return &workflowEnv{
		pool:       pool,
		clock:      clock,
		trades:     trades,
		signatures: signatures,
		processor:  signature.NewWebhookProcessor(pool, signatures, trades),
		coord:      escrow.NewCoordinator(pool, escrow.NewRepository(), dispute.NewRepository(), trades, &stubPayments{}, fees),
	}
}

func (env *workflowEnv) createTrade(t *testing.T, ctx context.Context, priceCents int64, split money.FeeSplit) (*trade.Trade, string, string) {
	t.Helper()
	sellerID := uuid.NewString()
	buyerID := uuid.NewString()
	tr, err := env.trades.Create(ctx, trade.CreateParams{
		AccountID:   uuid.NewString(),
		SellerID:    sellerID,
		SellerEmail: "seller@example.com",
		SellerContact: trade.Contact{
			Name: "Sid Seller", Street1: "1 Seller St", City: "Springfield",
			State: "IL", Zip: "62701", Country: "US",
		},
		SellerPayoutAccount: "acct_seller_1",
		BuyerID:             &buyerID,
		BuyerEmail:          "buyer@example.com",
		BuyerContact: trade.Contact{
			Name: "Bea Buyer", Street1: "2 Buyer Ave", City: "Shelbyville",
			State: "IL", Zip: "62565", Country: "US",
		},
		PriceCents:            priceCents,
		Currency:              "usd",
		FeeSplit:              split,
		InspectionWindowHours: 72,
		ReturnShippingPaidBy:  money.ReturnPaidBySeller,
		Item: &trade.ItemParams{
			Name: "Film camera", Description: "Recently serviced",
			Category: "electronics", Condition: "used",
		},
	})
	if err != nil {
		t.Fatalf("create trade: %v", err)
	}
	return tr, sellerID, buyerID
}

type roundSigner struct {
	submissionID string
	submitterID  string
	role         string
}

// roundSigners loads the active round's submitters, seller before buyer.
func (env *workflowEnv) roundSigners(t *testing.T, ctx context.Context, tradeID string) []roundSigner {
	t.Helper()

	rows, err := env.pool.Query(ctx, `
SELECT d.submission_id, s.submitter_id, s.signer_role
FROM trade_documents d
JOIN document_signatures s ON s.document_id = d.id
WHERE d.trade_id = $1
ORDER BY s.signer_role DESC`, tradeID)
	if err != nil {
		t.Fatalf("query signature round: %v", err)
	}
	var signers []roundSigner
	for rows.Next() {
		var s roundSigner
		if err := rows.Scan(&s.submissionID, &s.submitterID, &s.role); err != nil {
			t.Fatalf("scan signer: %v", err)
		}
		signers = append(signers, s)
	}
	rows.Close()
	if len(signers) != 2 {
		t.Fatalf("expected 2 signers in round, got %d", len(signers))
	}
	return signers
}

func (env *workflowEnv) deliverSigned(t *testing.T, ctx context.Context, s roundSigner) {
	t.Helper()
	completed := env.clock.Now()
	n := &signature.Notification{
		EventType: signature.EventSubmitterSigned,
		Timestamp: completed,
		Data: signature.NotificationData{
			ID:           json.Number(s.submitterID),
			SubmissionID: json.Number(s.submissionID),
			IP:           "203.0.113.9",
			UserAgent:    "integration-test",
			CompletedAt:  &completed,
		},
	}
	if err := env.processor.Handle(ctx, n); err != nil {
		t.Fatalf("webhook %s signed: %v", s.role, err)
	}
	// redelivery must be a no-op
	if err := env.processor.Handle(ctx, n); err != nil {
		t.Fatalf("webhook %s redelivery: %v", s.role, err)
	}
}

// signViaWebhooks drives both signatures through the provider webhook path,
// redelivering each event to prove redelivery is harmless.
func (env *workflowEnv) signViaWebhooks(t *testing.T, ctx context.Context, tradeID string) {
	t.Helper()
	for _, s := range env.roundSigners(t, ctx, tradeID) {
		env.deliverSigned(t, ctx, s)
	}
}

// fund fires the same settlement notification concurrently and checks
// exactly one funded transition landed.
func (env *workflowEnv) fund(t *testing.T, ctx context.Context, tr *trade.Trade, buyerID string) {
	t.Helper()

	session, err := env.coord.CreateCheckout(ctx, tr.ID, buyerID)
	if err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	fees := money.DefaultConfig().PlatformFee(tr.PriceCents, tr.FeeSplit)
	n := escrow.Notification{
		EventType:   escrow.EventCheckoutCompleted,
		TradeID:     tr.ID,
		CheckoutRef: session.Ref,
		PaymentRef:  "pi_workflow_1",
		AmountCents: tr.PriceCents + fees.BuyerFeeCents,
	}

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			dup := n
			return env.coord.HandlePaymentNotification(ctx, &dup)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("payment notifications: %v", err)
	}

	env.requireState(t, ctx, tr.ID, "funded")
	var funded int
	if err := env.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_logs WHERE trade_id = $1 AND action = 'mark_funded'`,
		tr.ID).Scan(&funded); err != nil {
		t.Fatalf("count funded rows: %v", err)
	}
	if funded != 1 {
		t.Fatalf("expected one mark_funded audit row, got %d", funded)
	}
	var escrowStatus string
	if err := env.pool.QueryRow(ctx,
		`SELECT status FROM escrows WHERE trade_id = $1`, tr.ID).Scan(&escrowStatus); err != nil {
		t.Fatalf("escrow status: %v", err)
	}
	if escrowStatus != "held" {
		t.Fatalf("escrow status = %q, want held", escrowStatus)
	}
}

func (env *workflowEnv) requireState(t *testing.T, ctx context.Context, tradeID, want string) {
	t.Helper()
	var state string
	if err := env.pool.QueryRow(ctx, `SELECT state FROM trades WHERE id = $1`, tradeID).Scan(&state); err != nil {
		t.Fatalf("read state: %v", err)
	}
	if state != want {
		t.Fatalf("trade state = %q, want %q", state, want)
	}
}

func TestTradeLifecycleEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	env := newWorkflowEnv(t, ctx)

	tr, sellerID, buyerID := env.createTrade(t, ctx, 100_000, money.FeeSplitSplit)

	if _, err := env.trades.SendForSignature(ctx, tr.ID, sellerID); err != nil {
		t.Fatalf("send for signature: %v", err)
	}
	env.requireState(t, ctx, tr.ID, "awaiting_seller_signature")

	env.signViaWebhooks(t, ctx, tr.ID)
	env.requireState(t, ctx, tr.ID, "awaiting_funding")

	env.fund(t, ctx, tr, buyerID)

	if _, err := env.trades.MarkShipped(ctx, tr.ID, sellerID, "ups", "1Z999AA10123456784"); err != nil {
		t.Fatalf("mark shipped: %v", err)
	}
	if _, err := env.trades.MarkDelivered(ctx, tr.ID, sellerID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if _, err := env.trades.ConfirmReceipt(ctx, tr.ID, buyerID); err != nil {
		t.Fatalf("confirm receipt: %v", err)
	}
	env.requireState(t, ctx, tr.ID, "inspection")

	// accepting mid-window is the buyer's call
	env.clock.Advance(24 * time.Hour)
	if _, err := env.trades.Accept(ctx, tr.ID, buyerID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	env.requireState(t, ctx, tr.ID, "accepted")

	payout, err := env.coord.Release(ctx, tr.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	env.requireState(t, ctx, tr.ID, "released")

	// fee 2500 split evenly: seller leg 1250, payout = 100000 - 1250
	if payout.AmountCents != 98_750 {
		t.Fatalf("payout amount = %d, want 98750", payout.AmountCents)
	}
	var payoutStatus, transferRef string
	if err := env.pool.QueryRow(ctx,
		`SELECT status, transfer_ref FROM payouts WHERE trade_id = $1`, tr.ID).Scan(&payoutStatus, &transferRef); err != nil {
		t.Fatalf("payout row: %v", err)
	}
	if payoutStatus != "paid" || transferRef == "" {
		t.Fatalf("payout row = (%q, %q), want paid with transfer ref", payoutStatus, transferRef)
	}

	wantTrail := []string{
		"trade_created", "send_for_signature", "seller_signs", "buyer_signs",
		"checkout_created", "mark_funded", "mark_shipped", "mark_delivered",
		"confirm_receipt", "accept", "release",
	}
	rows, err := env.pool.Query(ctx,
		`SELECT action FROM audit_logs WHERE trade_id = $1 ORDER BY created_at, id`, tr.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	var trail []string
	for rows.Next() {
		var action string
		if err := rows.Scan(&action); err != nil {
			t.Fatalf("scan action: %v", err)
		}
		trail = append(trail, action)
	}
	rows.Close()
	if len(trail) != len(wantTrail) {
		t.Fatalf("audit trail = %v, want %v", trail, wantTrail)
	}
	for i := range wantTrail {
		if trail[i] != wantTrail[i] {
			t.Fatalf("audit trail[%d] = %q, want %q (full: %v)", i, trail[i], wantTrail[i], trail)
		}
	}

	// the trail is write-once at the database level
	if _, err := env.pool.Exec(ctx,
		`DELETE FROM audit_logs WHERE trade_id = $1`, tr.ID); err == nil {
		t.Fatal("deleting audit rows should be rejected")
	}
}

func TestDisputeSplitResolutionEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	env := newWorkflowEnv(t, ctx)

	tr, sellerID, buyerID := env.createTrade(t, ctx, 40_000, money.FeeSplitSplit)
	adminID := uuid.NewString()

	if _, err := env.trades.SendForSignature(ctx, tr.ID, sellerID); err != nil {
		t.Fatalf("send for signature: %v", err)
	}
	env.signViaWebhooks(t, ctx, tr.ID)
	env.fund(t, ctx, tr, buyerID)

	if _, err := env.trades.MarkShipped(ctx, tr.ID, sellerID, "fedex", "777777777777"); err != nil {
		t.Fatalf("mark shipped: %v", err)
	}

	rec, err := env.coord.OpenDispute(ctx, tr.ID, buyerID, "arrived damaged")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if rec.Status != dispute.StatusOpen {
		t.Fatalf("dispute status = %q, want open", rec.Status)
	}
	env.requireState(t, ctx, tr.ID, "disputed")

	// second open attempt loses to the unique dispute row
	if _, err := env.coord.OpenDispute(ctx, tr.ID, sellerID, "counter claim"); err == nil {
		t.Fatal("second dispute should be rejected")
	}

	payout, refund, err := env.coord.ResolveWithSplit(ctx, tr.ID, adminID, 70, "partial damage confirmed")
	if err != nil {
		t.Fatalf("resolve split: %v", err)
	}
	env.requireState(t, ctx, tr.ID, "resolved_split")

	// 40000 at 70/30 with a 1000 fee split between the legs
	if payout.AmountCents != 27_500 {
		t.Fatalf("seller leg = %d, want 27500", payout.AmountCents)
	}
	if refund.AmountCents != 11_500 {
		t.Fatalf("buyer leg = %d, want 11500", refund.AmountCents)
	}

	var escrowStatus string
	if err := env.pool.QueryRow(ctx,
		`SELECT status FROM escrows WHERE trade_id = $1`, tr.ID).Scan(&escrowStatus); err != nil {
		t.Fatalf("escrow status: %v", err)
	}
	if escrowStatus != "released" {
		t.Fatalf("escrow status = %q, want released", escrowStatus)
	}

	var disputeStatus string
	var pct int
	if err := env.pool.QueryRow(ctx,
		`SELECT status, seller_percentage FROM disputes WHERE trade_id = $1`, tr.ID).Scan(&disputeStatus, &pct); err != nil {
		t.Fatalf("dispute row: %v", err)
	}
	if disputeStatus != "resolved" || pct != 70 {
		t.Fatalf("dispute row = (%q, %d), want resolved at 70", disputeStatus, pct)
	}
}

func TestOutOfOrderSignatureWebhooks(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	env := newWorkflowEnv(t, ctx)

	tr, sellerID, _ := env.createTrade(t, ctx, 60_000, money.FeeSplitBuyer)
	if _, err := env.trades.SendForSignature(ctx, tr.ID, sellerID); err != nil {
		t.Fatalf("send for signature: %v", err)
	}

	signers := env.roundSigners(t, ctx, tr.ID)
	seller, buyer := signers[0], signers[1]
	if seller.role != "seller" || buyer.role != "buyer" {
		t.Fatalf("unexpected signer order: %+v", signers)
	}

	// The buyer's event lands first. The signature is recorded but the
	// trade still waits on the seller.
	env.deliverSigned(t, ctx, buyer)
	env.requireState(t, ctx, tr.ID, "awaiting_seller_signature")

	var buyerSignedAt *time.Time
	if err := env.pool.QueryRow(ctx, `
SELECT s.signed_at
FROM trade_documents d
JOIN document_signatures s ON s.document_id = d.id
WHERE d.trade_id = $1 AND s.signer_role = 'buyer'`, tr.ID).Scan(&buyerSignedAt); err != nil {
		t.Fatalf("buyer signature row: %v", err)
	}
	if buyerSignedAt == nil {
		t.Fatal("early buyer signature must be recorded")
	}

	// The seller's event catches the trade up through both transitions.
	env.deliverSigned(t, ctx, seller)
	env.requireState(t, ctx, tr.ID, "awaiting_funding")

	var docStatus string
	if err := env.pool.QueryRow(ctx,
		`SELECT status FROM trade_documents WHERE trade_id = $1`, tr.ID).Scan(&docStatus); err != nil {
		t.Fatalf("document status: %v", err)
	}
	if docStatus != "completed" {
		t.Fatalf("document status = %q, want completed", docStatus)
	}

	// A late buyer redelivery is still harmless.
	env.deliverSigned(t, ctx, buyer)
	env.requireState(t, ctx, tr.ID, "awaiting_funding")
}

func TestReturnLifecycleEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	env := newWorkflowEnv(t, ctx)
	env.trades.WithReturnLabeler(stubLabeler{costCents: 1450})

	tr, sellerID, buyerID := env.createTrade(t, ctx, 50_000, money.FeeSplitBuyer)

	if _, err := env.trades.SendForSignature(ctx, tr.ID, sellerID); err != nil {
		t.Fatalf("send for signature: %v", err)
	}
	env.signViaWebhooks(t, ctx, tr.ID)
	env.fund(t, ctx, tr, buyerID)

	if _, err := env.trades.MarkShipped(ctx, tr.ID, sellerID, "ups", "1Z999AA10123456784"); err != nil {
		t.Fatalf("mark shipped: %v", err)
	}
	if _, err := env.trades.MarkDelivered(ctx, tr.ID, sellerID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if _, err := env.trades.ConfirmReceipt(ctx, tr.ID, buyerID); err != nil {
		t.Fatalf("confirm receipt: %v", err)
	}

	// changed_mind puts the return shipping on the buyer
	if _, err := env.trades.Reject(ctx, tr.ID, buyerID, "changed_mind", "does not fit the shelf"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	env.requireState(t, ctx, tr.ID, "rejected")

	sh, err := env.trades.CreateReturnLabel(ctx, tr.ID, buyerID)
	if err != nil {
		t.Fatalf("create return label: %v", err)
	}
	if sh.Direction != trade.ShipmentReturn {
		t.Fatalf("label shipment direction = %q", sh.Direction)
	}

	if _, err := env.trades.MarkReturnShipped(ctx, tr.ID, buyerID, "usps", "9400111899560001"); err != nil {
		t.Fatalf("mark return shipped: %v", err)
	}
	if _, err := env.trades.MarkReturnDelivered(ctx, tr.ID, buyerID); err != nil {
		t.Fatalf("mark return delivered: %v", err)
	}
	if _, err := env.trades.ConfirmReturnReceipt(ctx, tr.ID, sellerID); err != nil {
		t.Fatalf("confirm return receipt: %v", err)
	}
	if _, err := env.trades.AcceptReturn(ctx, tr.ID, sellerID); err != nil {
		t.Fatalf("accept return: %v", err)
	}
	env.requireState(t, ctx, tr.ID, "returned")

	refund, err := env.coord.Refund(ctx, tr.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	env.requireState(t, ctx, tr.ID, "refunded")

	// price minus the label cost the buyer owes
	if refund.AmountCents != 50_000-1450 {
		t.Fatalf("refund amount = %d, want %d", refund.AmountCents, 50_000-1450)
	}

	var escrowStatus string
	if err := env.pool.QueryRow(ctx,
		`SELECT status FROM escrows WHERE trade_id = $1`, tr.ID).Scan(&escrowStatus); err != nil {
		t.Fatalf("escrow status: %v", err)
	}
	if escrowStatus != "refunded" {
		t.Fatalf("escrow status = %q, want refunded", escrowStatus)
	}

	var directions []string
	rows, err := env.pool.Query(ctx,
		`SELECT direction FROM shipments WHERE trade_id = $1 ORDER BY created_at, id`, tr.ID)
	if err != nil {
		t.Fatalf("shipments: %v", err)
	}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			t.Fatalf("scan direction: %v", err)
		}
		directions = append(directions, d)
	}
	rows.Close()
	if len(directions) != 3 || directions[0] != "forward" || directions[1] != "return" || directions[2] != "return" {
		t.Fatalf("shipment directions = %v, want [forward return return]", directions)
	}
}

// stubLabeler buys labels instantly at a fixed rate.
type stubLabeler struct {
	costCents int64
}

func (s stubLabeler) CreateReturnLabel(ctx context.Context, t *trade.Trade) (trade.ReturnLabel, error) {
	return trade.ReturnLabel{
		Carrier:        "usps",
		TrackingNumber: "9400111899560000",
		LabelURL:       "https://labels.example.com/9400111899560000.pdf",
		CostCents:      s.costCents,
	}, nil
}
