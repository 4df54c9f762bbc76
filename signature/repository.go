package signature

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository is the PostgreSQL Store. Like the trade repository it works on
// the caller's transaction only.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const documentColumns = `
id, trade_id, account_id, document_type, title, submission_id, template_id,
status, expires_at, completed_at, created_at, updated_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(
		&d.ID, &d.TradeID, &d.AccountID, &d.DocumentType, &d.Title, &d.SubmissionID,
		&d.TemplateID, &d.Status, &d.ExpiresAt, &d.CompletedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("signature: scan document: %w", err)
	}
	return &d, nil
}

func (r *Repository) InsertDocument(ctx context.Context, tx pgx.Tx, doc *Document) error {
	const insertSQL = `
INSERT INTO trade_documents (id, trade_id, account_id, document_type, title, submission_id, template_id, status, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	if _, err := tx.Exec(ctx, insertSQL,
		doc.ID, doc.TradeID, doc.AccountID, doc.DocumentType, doc.Title,
		doc.SubmissionID, doc.TemplateID, doc.Status, doc.ExpiresAt); err != nil {
		return fmt.Errorf("signature: insert document: %w", err)
	}
	return nil
}

func (r *Repository) InsertSignature(ctx context.Context, tx pgx.Tx, sig *Signature) error {
	const insertSQL = `
INSERT INTO document_signatures (id, document_id, account_id, signer_email, signer_role, submitter_id)
VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := tx.Exec(ctx, insertSQL,
		sig.ID, sig.DocumentID, sig.AccountID, sig.SignerEmail, sig.SignerRole, sig.SubmitterID); err != nil {
		return fmt.Errorf("signature: insert signature: %w", err)
	}
	return nil
}

func (r *Repository) GetPendingByTrade(ctx context.Context, tx pgx.Tx, tradeID string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM trade_documents WHERE trade_id = $1 AND status = 'pending' FOR UPDATE`
	return scanDocument(tx.QueryRow(ctx, query, tradeID))
}

func (r *Repository) GetBySubmission(ctx context.Context, tx pgx.Tx, submissionID string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM trade_documents WHERE submission_id = $1 FOR UPDATE`
	return scanDocument(tx.QueryRow(ctx, query, submissionID))
}

func (r *Repository) FindSignatureBySubmitter(ctx context.Context, tx pgx.Tx, documentID, submitterID string) (*Signature, error) {
	const query = `
SELECT id, document_id, account_id, signer_email, signer_role, submitter_id,
       signed_at, ip_address, user_agent, metadata
FROM document_signatures
WHERE document_id = $1 AND submitter_id = $2
FOR UPDATE`
	var s Signature
	err := tx.QueryRow(ctx, query, documentID, submitterID).Scan(
		&s.ID, &s.DocumentID, &s.AccountID, &s.SignerEmail, &s.SignerRole,
		&s.SubmitterID, &s.SignedAt, &s.IPAddress, &s.UserAgent, &s.Metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSignatureNotFound
		}
		return nil, fmt.Errorf("signature: find by submitter: %w", err)
	}
	return &s, nil
}

func (r *Repository) FindSignatureByRole(ctx context.Context, tx pgx.Tx, documentID string, role SignerRole) (*Signature, error) {
	const query = `
SELECT id, document_id, account_id, signer_email, signer_role, submitter_id,
       signed_at, ip_address, user_agent, metadata
FROM document_signatures
WHERE document_id = $1 AND signer_role = $2
FOR UPDATE`
	var s Signature
	err := tx.QueryRow(ctx, query, documentID, role).Scan(
		&s.ID, &s.DocumentID, &s.AccountID, &s.SignerEmail, &s.SignerRole,
		&s.SubmitterID, &s.SignedAt, &s.IPAddress, &s.UserAgent, &s.Metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSignatureNotFound
		}
		return nil, fmt.Errorf("signature: find by role: %w", err)
	}
	return &s, nil
}

func (r *Repository) MarkSignatureSigned(ctx context.Context, tx pgx.Tx, sigID string, at time.Time, ip, userAgent string, metadata []byte) error {
	const updateSQL = `
UPDATE document_signatures
SET signed_at = $2, ip_address = $3, user_agent = $4, metadata = $5, updated_at = now()
WHERE id = $1 AND signed_at IS NULL`
	tag, err := tx.Exec(ctx, updateSQL, sigID, at, ip, userAgent, metadata)
	if err != nil {
		return fmt.Errorf("signature: mark signed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSignatureNotFound
	}
	return nil
}

func (r *Repository) UnsignedCount(ctx context.Context, tx pgx.Tx, documentID string) (int, error) {
	var count int
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM document_signatures WHERE document_id = $1 AND signed_at IS NULL`,
		documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("signature: unsigned count: %w", err)
	}
	return count, nil
}

func (r *Repository) UpdateDocumentStatus(ctx context.Context, tx pgx.Tx, documentID string, status DocumentStatus, completedAt *time.Time) error {
	const updateSQL = `
UPDATE trade_documents SET status = $2, completed_at = $3, updated_at = now() WHERE id = $1`
	tag, err := tx.Exec(ctx, updateSQL, documentID, status, completedAt)
	if err != nil {
		return fmt.Errorf("signature: update document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}
