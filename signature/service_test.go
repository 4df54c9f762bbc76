package signature

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/trade"
)

func newTestTrade() *trade.Trade {
	return &trade.Trade{
		ID:          "t1",
		AccountID:   "acct-1",
		SellerEmail: "seller@example.com",
		BuyerEmail:  "buyer@example.com",
		PriceCents:  100_000,
		Currency:    "USD",
		SellerContact: trade.Contact{Name: "Sam Seller"},
		BuyerContact:  trade.Contact{Name: "Blake Buyer"},
	}
}

func newTestTracker(store *memDocStore, capability Capability) *Service {
	svc := NewService(store, capability, "tmpl-1")
	seq := 0
	svc.WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("sig-id-%d", seq)
	})
	return svc
}

func TestOpenRoundCreatesDocumentAndPlaceholders(t *testing.T) {
	store := newMemDocStore()
	provider := &fakeCapability{submissionID: "sub-1"}
	svc := newTestTracker(store, provider)

	if err := svc.OpenRound(context.Background(), &fakeTx{}, newTestTrade()); err != nil {
		t.Fatalf("OpenRound: %v", err)
	}
	if len(store.docs) != 1 {
		t.Fatalf("docs = %d, want 1", len(store.docs))
	}
	doc := store.docs[0]
	if doc.SubmissionID != "sub-1" || doc.Status != StatusPending || doc.DocumentType != DocumentTypeTradeAgreement {
		t.Errorf("doc = %+v", doc)
	}
	sigs := store.sigs[doc.ID]
	if len(sigs) != 2 {
		t.Fatalf("signatures = %d, want 2", len(sigs))
	}
	roles := map[SignerRole]string{}
	for _, s := range sigs {
		roles[s.SignerRole] = s.SignerEmail
	}
	if roles[RoleSeller] != "seller@example.com" || roles[RoleBuyer] != "buyer@example.com" {
		t.Errorf("signer emails = %v", roles)
	}
}

func TestOpenRoundRefusesSecondActiveRound(t *testing.T) {
	store := newMemDocStore()
	svc := newTestTracker(store, &fakeCapability{submissionID: "sub-1"})

	if err := svc.OpenRound(context.Background(), &fakeTx{}, newTestTrade()); err != nil {
		t.Fatal(err)
	}
	if err := svc.OpenRound(context.Background(), &fakeTx{}, newTestTrade()); !errors.Is(err, ErrRoundAlreadyActive) {
		t.Fatalf("got %v, want ErrRoundAlreadyActive", err)
	}
}

func TestOpenRoundProviderFailure(t *testing.T) {
	store := newMemDocStore()
	svc := newTestTracker(store, &fakeCapability{createErr: errors.New("503")})

	err := svc.OpenRound(context.Background(), &fakeTx{}, newTestTrade())
	if !errors.Is(err, ErrDocumentCreationFailed) {
		t.Fatalf("got %v, want ErrDocumentCreationFailed", err)
	}
	if len(store.docs) != 0 {
		t.Error("expected no document after provider failure")
	}
}

func TestRecordSignatureIdempotent(t *testing.T) {
	store := newMemDocStore()
	svc := newTestTracker(store, &fakeCapability{submissionID: "sub-1"})
	if err := svc.OpenRound(context.Background(), &fakeTx{}, newTestTrade()); err != nil {
		t.Fatal(err)
	}
	doc := store.docs[0]

	signedAt := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	sig, first, err := svc.RecordSignature(context.Background(), &fakeTx{}, doc, "submitter-seller", signedAt, "1.2.3.4", "ua", nil)
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if !first {
		t.Error("first delivery must report first=true")
	}
	if !sig.Signed() {
		t.Error("expected signature recorded")
	}

	later := signedAt.Add(time.Hour)
	again, first, err := svc.RecordSignature(context.Background(), &fakeTx{}, doc, "submitter-seller", later, "5.6.7.8", "ua2", nil)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if first {
		t.Error("redelivery must report first=false")
	}
	if !again.SignedAt.Equal(signedAt) {
		t.Errorf("redelivery overwrote signed_at: %v", again.SignedAt)
	}
}

func TestRecordSignatureUnknownSubmitter(t *testing.T) {
	store := newMemDocStore()
	svc := newTestTracker(store, &fakeCapability{submissionID: "sub-1"})
	if err := svc.OpenRound(context.Background(), &fakeTx{}, newTestTrade()); err != nil {
		t.Fatal(err)
	}
	doc := store.docs[0]

	_, _, err := svc.RecordSignature(context.Background(), &fakeTx{}, doc, "submitter-stale", time.Now(), "", "", nil)
	if !errors.Is(err, ErrSignatureNotFound) {
		t.Fatalf("got %v, want ErrSignatureNotFound", err)
	}
	for _, s := range store.sigs[doc.ID] {
		if s.Signed() {
			t.Error("stale submitter must not mutate any placeholder")
		}
	}
}

func TestCompletionTracking(t *testing.T) {
	store := newMemDocStore()
	svc := newTestTracker(store, &fakeCapability{submissionID: "sub-1"})
	if err := svc.OpenRound(context.Background(), &fakeTx{}, newTestTrade()); err != nil {
		t.Fatal(err)
	}
	doc := store.docs[0]

	done, err := svc.IsComplete(context.Background(), &fakeTx{}, doc)
	if err != nil || done {
		t.Fatalf("fresh round complete=%v err=%v", done, err)
	}

	now := time.Now()
	if _, _, err := svc.RecordSignature(context.Background(), &fakeTx{}, doc, "submitter-seller", now, "", "", nil); err != nil {
		t.Fatal(err)
	}
	if done, _ = svc.IsComplete(context.Background(), &fakeTx{}, doc); done {
		t.Fatal("one of two signatures must not complete the round")
	}

	if _, _, err := svc.RecordSignature(context.Background(), &fakeTx{}, doc, "submitter-buyer", now, "", "", nil); err != nil {
		t.Fatal(err)
	}
	if done, _ = svc.IsComplete(context.Background(), &fakeTx{}, doc); !done {
		t.Fatal("both signatures must complete the round")
	}

	if err := svc.Complete(context.Background(), &fakeTx{}, doc); err != nil {
		t.Fatal(err)
	}
	if store.docs[0].Status != StatusCompleted || store.docs[0].CompletedAt == nil {
		t.Errorf("doc = %+v", store.docs[0])
	}
}

func TestCancelRoundExpiresAndNotifiesProvider(t *testing.T) {
	store := newMemDocStore()
	provider := &fakeCapability{submissionID: "sub-1", cancelErr: errors.New("timeout")}
	svc := newTestTracker(store, provider)
	if err := svc.OpenRound(context.Background(), &fakeTx{}, newTestTrade()); err != nil {
		t.Fatal(err)
	}

	// Provider cancel failure must not block the local expiry.
	if err := svc.CancelRound(context.Background(), &fakeTx{}, "t1"); err != nil {
		t.Fatalf("CancelRound: %v", err)
	}
	if store.docs[0].Status != StatusExpired {
		t.Errorf("status = %s, want expired", store.docs[0].Status)
	}
	if provider.cancelled != 1 {
		t.Errorf("provider cancels = %d, want 1", provider.cancelled)
	}

	// No pending round left: nothing to do.
	if err := svc.CancelRound(context.Background(), &fakeTx{}, "t1"); err != nil {
		t.Fatalf("second CancelRound: %v", err)
	}
}

// ---- fakes ----

type memDocStore struct {
	docs []*Document
	sigs map[string][]*Signature
}

func newMemDocStore() *memDocStore {
	return &memDocStore{sigs: map[string][]*Signature{}}
}

func (m *memDocStore) InsertDocument(ctx context.Context, tx pgx.Tx, doc *Document) error {
	cp := *doc
	m.docs = append(m.docs, &cp)
	return nil
}

func (m *memDocStore) InsertSignature(ctx context.Context, tx pgx.Tx, sig *Signature) error {
	cp := *sig
	m.sigs[sig.DocumentID] = append(m.sigs[sig.DocumentID], &cp)
	return nil
}

func (m *memDocStore) GetPendingByTrade(ctx context.Context, tx pgx.Tx, tradeID string) (*Document, error) {
	for _, d := range m.docs {
		if d.TradeID == tradeID && d.Status == StatusPending {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDocumentNotFound
}

func (m *memDocStore) GetBySubmission(ctx context.Context, tx pgx.Tx, submissionID string) (*Document, error) {
	for _, d := range m.docs {
		if d.SubmissionID == submissionID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDocumentNotFound
}

func (m *memDocStore) FindSignatureBySubmitter(ctx context.Context, tx pgx.Tx, documentID, submitterID string) (*Signature, error) {
	for _, s := range m.sigs[documentID] {
		if s.SubmitterID == submitterID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSignatureNotFound
}

func (m *memDocStore) FindSignatureByRole(ctx context.Context, tx pgx.Tx, documentID string, role SignerRole) (*Signature, error) {
	for _, s := range m.sigs[documentID] {
		if s.SignerRole == role {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSignatureNotFound
}

func (m *memDocStore) MarkSignatureSigned(ctx context.Context, tx pgx.Tx, sigID string, at time.Time, ip, userAgent string, metadata []byte) error {
	for _, sigs := range m.sigs {
		for _, s := range sigs {
			if s.ID == sigID && s.SignedAt == nil {
				s.SignedAt = &at
				s.IPAddress = ip
				s.UserAgent = userAgent
				s.Metadata = metadata
				return nil
			}
		}
	}
	return ErrSignatureNotFound
}

func (m *memDocStore) UnsignedCount(ctx context.Context, tx pgx.Tx, documentID string) (int, error) {
	n := 0
	for _, s := range m.sigs[documentID] {
		if !s.Signed() {
			n++
		}
	}
	return n, nil
}

func (m *memDocStore) UpdateDocumentStatus(ctx context.Context, tx pgx.Tx, documentID string, status DocumentStatus, completedAt *time.Time) error {
	for _, d := range m.docs {
		if d.ID == documentID {
			d.Status = status
			d.CompletedAt = completedAt
			return nil
		}
	}
	return ErrDocumentNotFound
}

type fakeCapability struct {
	submissionID string
	createErr    error
	cancelErr    error
	cancelled    int
}

func (f *fakeCapability) CreateSubmission(ctx context.Context, req SubmissionRequest) ([]Submitter, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	subs := make([]Submitter, 0, len(req.Signers))
	for _, signer := range req.Signers {
		subs = append(subs, Submitter{
			SubmissionID: f.submissionID,
			SubmitterID:  "submitter-" + string(signer.Role),
			Role:         signer.Role,
			Email:        signer.Email,
		})
	}
	return subs, nil
}

func (f *fakeCapability) DownloadCompletedDocument(ctx context.Context, submissionID string) ([]byte, error) {
	return []byte("%PDF-1.7"), nil
}

func (f *fakeCapability) Cancel(ctx context.Context, submissionID string) error {
	f.cancelled++
	if f.cancelErr != nil {
		return f.cancelErr
	}
	return nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
