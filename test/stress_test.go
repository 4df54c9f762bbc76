package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/audit"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/money"
	"escrowflow/signature"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
	"escrowflow/trade"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestTradeConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	// wire the real services against the database
	fees := money.DefaultConfig()
	trades := trade.NewService(pool, trade.NewRepository(), audit.NewRecorder(), fees, []byte("stress-secret"))
	signatures := signature.NewService(signature.NewRepository(), &stubSigner{}, "tmpl-stress")
	trades.WithSignatureRounds(signatures)
	coord := escrow.NewCoordinator(pool, escrow.NewRepository(), dispute.NewRepository(), trades, &stubPayments{}, fees)

	// seed one trade up to awaiting_funding with an open checkout
	seedData := mustSeed(t, ctx, pool, trades, coord)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// an at-least-once webhook provider: every notifier replays the same
	// settlement event, but only one funded transition may ever land
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.PaymentNotifier(ctx2, coord, seedData.notification, stop)
		})
		g.Go(func() error {
			return actors.CheckoutOpener(ctx2, coord, seedData.tradeID, seedData.buyerID, stop)
		})
	}

	// lifecycle driver racing the notifiers
	g.Go(func() error {
		return actors.Shipper(ctx2, trades, seedData.tradeID, seedData.sellerID, seedData.buyerID, stop)
	})
	// dispute racers
	g.Go(func() error { return actors.Disputer(ctx2, coord, seedData.tradeID, seedData.buyerID, stop) })
	g.Go(func() error { return actors.Resolver(ctx2, coord, seedData.tradeID, seedData.adminID, stop) })
	// scheduled sweeps
	g.Go(func() error { return actors.Sweeper(ctx2, trades, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, "", stop)

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	// the notifier storm must have produced exactly one funded transition
	var funded int
	if err := pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM audit_logs WHERE trade_id = $1 AND action = 'mark_funded'`,
		seedData.tradeID).Scan(&funded); err != nil {
		t.Fatalf("count funded audit rows: %v", err)
	}
	if funded != 1 {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("expected exactly one mark_funded audit row, got %d (seed=%d)", funded, seed)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	tradeID      string
	sellerID     string
	buyerID      string
	adminID      string
	notification escrow.Notification
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, trades *trade.Service, coord *escrow.Coordinator) seedIDs {
	t.Helper()
	s := seedIDs{
		sellerID: uuid.NewString(),
		buyerID:  uuid.NewString(),
		adminID:  uuid.NewString(),
	}
	buyerID := s.buyerID
	tr, err := trades.Create(ctx, trade.CreateParams{
		AccountID:   uuid.NewString(),
		SellerID:    s.sellerID,
		SellerEmail: fmt.Sprintf("seller%d@example.com", rand.Int63()),
		SellerContact: trade.Contact{
			Name: "Stress Seller", Street1: "1 Seller St", City: "Springfield",
			State: "IL", Zip: "62701", Country: "US",
		},
		SellerPayoutAccount: "acct_stress_seller",
		BuyerID:             &buyerID,
		BuyerEmail:          fmt.Sprintf("buyer%d@example.com", rand.Int63()),
		BuyerContact: trade.Contact{
			Name: "Stress Buyer", Street1: "2 Buyer Ave", City: "Shelbyville",
			State: "IL", Zip: "62565", Country: "US",
		},
		PriceCents:            100_000,
		Currency:              "usd",
		FeeSplit:              money.FeeSplitBuyer,
		InspectionWindowHours: 72,
		ReturnShippingPaidBy:  money.ReturnPaidBySeller,
		Item: &trade.ItemParams{
			Name: "Vintage synthesizer", Description: "Works, one dead key",
			Category: "electronics", Condition: "used",
		},
	})
	if err != nil {
		t.Fatalf("seed trade: %v", err)
	}
	s.tradeID = tr.ID

	if _, err := trades.SendForSignature(ctx, tr.ID, s.sellerID); err != nil {
		t.Fatalf("seed send for signature: %v", err)
	}
	signTx := func(apply func(context.Context, pgx.Tx, string, time.Time) (*trade.Trade, error)) {
		tx, err := pool.Begin(ctx)
		if err != nil {
			t.Fatalf("seed begin: %v", err)
		}
		defer tx.Rollback(ctx)
		if _, err := apply(ctx, tx, tr.ID, time.Now()); err != nil {
			t.Fatalf("seed signature transition: %v", err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("seed commit: %v", err)
		}
	}
	signTx(trades.SellerSignedTx)
	signTx(trades.BuyerSignedTx)

	session, err := coord.CreateCheckout(ctx, tr.ID, s.buyerID)
	if err != nil {
		t.Fatalf("seed checkout: %v", err)
	}

	fees := money.DefaultConfig().PlatformFee(tr.PriceCents, tr.FeeSplit)
	s.notification = escrow.Notification{
		EventType:   escrow.EventCheckoutCompleted,
		TradeID:     tr.ID,
		CheckoutRef: session.Ref,
		PaymentRef:  "pi_stress_1",
		AmountCents: tr.PriceCents + fees.BuyerFeeCents,
	}
	return s
}

// stubSigner stands in for the e-signature provider so signature rounds can
// open without network access.
type stubSigner struct{}

func (s *stubSigner) CreateSubmission(ctx context.Context, req signature.SubmissionRequest) ([]signature.Submitter, error) {
	submissionID := fmt.Sprintf("%d", rand.Int63())
	out := make([]signature.Submitter, 0, len(req.Signers))
	for _, signer := range req.Signers {
		out = append(out, signature.Submitter{
			SubmissionID: submissionID,
			SubmitterID:  fmt.Sprintf("%d", rand.Int63()),
			Role:         signer.Role,
			Email:        signer.Email,
		})
	}
	return out, nil
}

func (s *stubSigner) DownloadCompletedDocument(ctx context.Context, submissionID string) ([]byte, error) {
	return []byte("%PDF-1.4 stress"), nil
}

func (s *stubSigner) Cancel(ctx context.Context, submissionID string) error { return nil }

// stubPayments settles everything instantly.
type stubPayments struct{}

func (s *stubPayments) CreateCheckout(ctx context.Context, params escrow.CheckoutParams) (escrow.CheckoutSession, error) {
	ref := fmt.Sprintf("cs_%d", rand.Int63())
	return escrow.CheckoutSession{Ref: ref, URL: "https://pay.example.com/c/" + ref}, nil
}

func (s *stubPayments) CreateTransfer(ctx context.Context, params escrow.TransferParams) (string, error) {
	return fmt.Sprintf("tr_%d", rand.Int63()), nil
}

func (s *stubPayments) CreateRefund(ctx context.Context, paymentRef string, amountCents int64) (string, error) {
	return fmt.Sprintf("re_%d", rand.Int63()), nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"trades", `SELECT id, state, price_cents, platform_fee_cents, updated_at FROM trades ORDER BY updated_at DESC LIMIT 20`},
		{"escrows", `SELECT id, trade_id, status, amount_cents, payment_ref FROM escrows ORDER BY updated_at DESC LIMIT 20`},
		{"payouts", `SELECT id, trade_id, status, amount_cents, transfer_ref FROM payouts ORDER BY updated_at DESC LIMIT 20`},
		{"refunds", `SELECT id, trade_id, status, amount_cents, refund_ref FROM refunds ORDER BY updated_at DESC LIMIT 20`},
		{"disputes", `SELECT id, trade_id, status, resolution_type, seller_percentage FROM disputes ORDER BY updated_at DESC LIMIT 20`},
		{"audit_logs", `SELECT id, trade_id, action, from_state, to_state, created_at FROM audit_logs ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
