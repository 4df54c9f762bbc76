package signature

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/trade"
)

var (
	// ErrRoundAlreadyActive signals an attempt to open a second round while
	// one document is still pending.
	ErrRoundAlreadyActive = errors.New("signature: round already active")
	// ErrSignatureNotFound signals a callback naming a submitter the round
	// never created: stale or forged, so nothing is mutated.
	ErrSignatureNotFound = errors.New("signature: signature not found")
	// ErrDocumentCreationFailed wraps a provider failure while opening a
	// round; the triggering transition must roll back.
	ErrDocumentCreationFailed = errors.New("signature: document creation failed")
	// ErrDocumentNotFound is returned when no document matches.
	ErrDocumentNotFound = errors.New("signature: document not found")
)

// Store is the tracker's data access, tx-scoped like the trade store.
type Store interface {
	InsertDocument(ctx context.Context, tx pgx.Tx, doc *Document) error
	InsertSignature(ctx context.Context, tx pgx.Tx, sig *Signature) error
	GetPendingByTrade(ctx context.Context, tx pgx.Tx, tradeID string) (*Document, error)
	GetBySubmission(ctx context.Context, tx pgx.Tx, submissionID string) (*Document, error)
	FindSignatureBySubmitter(ctx context.Context, tx pgx.Tx, documentID, submitterID string) (*Signature, error)
	FindSignatureByRole(ctx context.Context, tx pgx.Tx, documentID string, role SignerRole) (*Signature, error)
	MarkSignatureSigned(ctx context.Context, tx pgx.Tx, sigID string, at time.Time, ip, userAgent string, metadata []byte) error
	UnsignedCount(ctx context.Context, tx pgx.Tx, documentID string) (int, error)
	UpdateDocumentStatus(ctx context.Context, tx pgx.Tx, documentID string, status DocumentStatus, completedAt *time.Time) error
}

// Service tracks per-signer completion of a trade's agreement document and
// implements the engine's SignatureRounds collaborator.
type Service struct {
	store      Store
	capability Capability
	templateID string

	idGenerator func() string
	now         func() time.Time
}

func NewService(store Store, capability Capability, templateID string) *Service {
	if store == nil {
		store = NewRepository()
	}
	return &Service{
		store:       store,
		capability:  capability,
		templateID:  templateID,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// OpenRound creates the pending document and the external submission for a
// trade entering its signature round. Called inside the engine's transition
// transaction: a provider failure aborts the whole transition.
func (s *Service) OpenRound(ctx context.Context, tx pgx.Tx, t *trade.Trade) error {
	existing, err := s.store.GetPendingByTrade(ctx, tx, t.ID)
	if err != nil && !errors.Is(err, ErrDocumentNotFound) {
		return err
	}
	if existing != nil {
		return ErrRoundAlreadyActive
	}

	req := SubmissionRequest{
		TemplateID: s.templateID,
		Signers: []SignerRequest{
			{Role: RoleSeller, Email: t.SellerEmail, Name: t.SellerContact.Name},
			{Role: RoleBuyer, Email: t.BuyerEmail, Name: t.BuyerContact.Name},
		},
		Fields: map[string]string{
			"price":    strconv.FormatInt(t.PriceCents, 10),
			"currency": t.Currency,
		},
	}
	submitters, err := s.capability.CreateSubmission(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDocumentCreationFailed, err)
	}
	if len(submitters) == 0 {
		return fmt.Errorf("%w: provider returned no submitters", ErrDocumentCreationFailed)
	}

	doc := &Document{
		ID:           s.idGenerator(),
		TradeID:      t.ID,
		AccountID:    t.AccountID,
		DocumentType: DocumentTypeTradeAgreement,
		Title:        "Trade Agreement",
		SubmissionID: submitters[0].SubmissionID,
		TemplateID:   s.templateID,
		Status:       StatusPending,
		ExpiresAt:    t.SignatureDeadlineAt,
	}
	if err := s.store.InsertDocument(ctx, tx, doc); err != nil {
		return err
	}

	for _, sub := range submitters {
		if err := s.store.InsertSignature(ctx, tx, &Signature{
			ID:          s.idGenerator(),
			DocumentID:  doc.ID,
			AccountID:   t.AccountID,
			SignerEmail: sub.Email,
			SignerRole:  sub.Role,
			SubmitterID: sub.SubmitterID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// CancelRound expires the pending document and best-effort cancels the
// external submission; a provider failure does not block the cancellation.
func (s *Service) CancelRound(ctx context.Context, tx pgx.Tx, tradeID string) error {
	doc, err := s.store.GetPendingByTrade(ctx, tx, tradeID)
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return nil
		}
		return err
	}
	if err := s.store.UpdateDocumentStatus(ctx, tx, doc.ID, StatusExpired, nil); err != nil {
		return err
	}
	if s.capability != nil {
		_ = s.capability.Cancel(ctx, doc.SubmissionID)
	}
	return nil
}

// ExpireRound marks the pending document expired after a missed deadline.
func (s *Service) ExpireRound(ctx context.Context, tx pgx.Tx, tradeID string) error {
	doc, err := s.store.GetPendingByTrade(ctx, tx, tradeID)
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return nil
		}
		return err
	}
	return s.store.UpdateDocumentStatus(ctx, tx, doc.ID, StatusExpired, nil)
}

// RecordSignature fills the placeholder matching the external submitter.
// Redelivery of an already-signed callback is an idempotent no-op; an unknown
// submitter is rejected without mutation. Returns the signature and whether
// this call was the first to record it.
func (s *Service) RecordSignature(ctx context.Context, tx pgx.Tx, doc *Document, submitterID string, signedAt time.Time, ip, userAgent string, metadata []byte) (*Signature, bool, error) {
	sig, err := s.store.FindSignatureBySubmitter(ctx, tx, doc.ID, submitterID)
	if err != nil {
		if errors.Is(err, ErrSignatureNotFound) {
			return nil, false, fmt.Errorf("%w: submitter %s", ErrSignatureNotFound, submitterID)
		}
		return nil, false, err
	}
	if sig.Signed() {
		return sig, false, nil
	}

	if err := s.store.MarkSignatureSigned(ctx, tx, sig.ID, signedAt, ip, userAgent, metadata); err != nil {
		return nil, false, err
	}
	sig.SignedAt = &signedAt
	sig.IPAddress = ip
	sig.UserAgent = userAgent
	sig.Metadata = metadata
	return sig, true, nil
}

// IsComplete reports whether every required role has signed.
func (s *Service) IsComplete(ctx context.Context, tx pgx.Tx, doc *Document) (bool, error) {
	unsigned, err := s.store.UnsignedCount(ctx, tx, doc.ID)
	if err != nil {
		return false, err
	}
	return unsigned == 0, nil
}

// Complete marks the document completed once both roles signed.
func (s *Service) Complete(ctx context.Context, tx pgx.Tx, doc *Document) error {
	now := s.now()
	return s.store.UpdateDocumentStatus(ctx, tx, doc.ID, StatusCompleted, &now)
}

// DownloadCompleted fetches the signed document bytes from the provider.
// Callers treat a failure as retryable; the completed status already stands.
func (s *Service) DownloadCompleted(ctx context.Context, doc *Document) ([]byte, error) {
	data, err := s.capability.DownloadCompletedDocument(ctx, doc.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("%w: download completed document: %v", trade.ErrExternalService, err)
	}
	return data, nil
}
