package signature

import "time"

// DocumentStatus tracks one signature round's document.
type DocumentStatus string

const (
	StatusDraft     DocumentStatus = "draft"
	StatusPending   DocumentStatus = "pending"
	StatusCompleted DocumentStatus = "completed"
	StatusExpired   DocumentStatus = "expired"
)

// SignerRole identifies a signature placeholder. The trade-agreement document
// type requires exactly one seller and one buyer placeholder.
type SignerRole string

const (
	RoleSeller SignerRole = "seller"
	RoleBuyer  SignerRole = "buyer"
)

// Document mirrors the trade_documents table: at most one active document per
// trade for the trade-agreement type.
type Document struct {
	ID           string
	TradeID      string
	AccountID    string
	DocumentType string
	Title        string
	SubmissionID string
	TemplateID   string
	Status       DocumentStatus
	ExpiresAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DocumentTypeTradeAgreement is the only document type the tracker manages.
const DocumentTypeTradeAgreement = "trade_agreement"

// Signature mirrors the document_signatures table: one placeholder per
// required role, filled in when the external submitter signs.
type Signature struct {
	ID          string
	DocumentID  string
	AccountID   string
	SignerEmail string
	SignerRole  SignerRole
	SubmitterID string
	SignedAt    *time.Time
	IPAddress   string
	UserAgent   string
	Metadata    []byte
}

// Signed reports whether the placeholder has been filled.
func (s Signature) Signed() bool {
	return s.SignedAt != nil
}
