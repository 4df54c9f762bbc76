package dispute

import "time"

// Status represents the lifecycle of a dispute record. The trade itself sits
// in the disputed state for the whole interval; these stages are internal to
// the review process.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
)

// ResolutionType is the admin verdict applied when a dispute resolves.
type ResolutionType string

const (
	ResolutionRelease ResolutionType = "release"
	ResolutionRefund  ResolutionType = "refund"
	ResolutionSplit   ResolutionType = "split"
)

// Record mirrors the disputes table: at most one per trade.
type Record struct {
	ID        string
	TradeID   string
	AccountID string
	OpenedBy  string
	Reason    string
	Status    Status

	ResolutionType *ResolutionType
	// SellerPercentage is set only for split resolutions: the share of the
	// item price awarded to the seller, 0..100.
	SellerPercentage *int
	ResolvedBy       *string
	ResolutionNotes  string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

// Open reports whether the record still awaits a verdict.
func (r Record) Open() bool {
	return r.Status == StatusOpen || r.Status == StatusUnderReview
}
