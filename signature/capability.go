package signature

import "context"

// SubmissionRequest is what the tracker sends to the e-signature provider to
// open a round: the two ordered signers plus the field values the agreement
// template merges in.
type SubmissionRequest struct {
	TemplateID string
	Signers    []SignerRequest
	Fields     map[string]string
}

// SignerRequest is one required signer in provider order (seller first).
type SignerRequest struct {
	Role  SignerRole
	Email string
	Name  string
}

// Submitter is the provider's handle for one signer of a submission.
type Submitter struct {
	SubmissionID string
	SubmitterID  string
	Role         SignerRole
	Email        string
}

// Capability is the e-signature provider surface the tracker consumes. The
// concrete HTTP client lives outside the core.
type Capability interface {
	CreateSubmission(ctx context.Context, req SubmissionRequest) ([]Submitter, error)
	DownloadCompletedDocument(ctx context.Context, submissionID string) ([]byte, error)
	Cancel(ctx context.Context, submissionID string) error
}
