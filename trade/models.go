package trade

import (
	"time"

	"escrowflow/money"
)

// Trade mirrors the trades table. It is the aggregate root of the escrow
// workflow; every state mutation goes through the Service.
type Trade struct {
	ID          string
	AccountID   string
	SellerID    string
	SellerEmail string
	// BuyerID stays nil while the buyer is known only by email.
	BuyerID    *string
	BuyerEmail string

	State    State
	Currency string

	PriceCents            int64
	PlatformFeeCents      int64
	FeeSplit              money.FeeSplit
	InspectionWindowHours int
	ReturnShippingPaidBy  money.ReturnShippingPayer

	RejectionCategory       *string
	ReturnShippingCostCents *int64

	BuyerContact  Contact
	SellerContact Contact

	// SellerPayoutAccount is the external transfer destination collected
	// during onboarding (account management itself lives elsewhere).
	SellerPayoutAccount string

	InvitationToken *string

	LockedForEditing bool

	SignatureSentAt               *time.Time
	SignatureDeadlineAt           *time.Time
	SellerSignedAt                *time.Time
	BuyerSignedAt                 *time.Time
	FundedAt                      *time.Time
	ShippedAt                     *time.Time
	DeliveredAt                   *time.Time
	ReceiptConfirmationDeadlineAt *time.Time
	InspectionEndsAt              *time.Time
	AcceptedAt                    *time.Time
	RejectedAt                    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contact carries one party's name and shipping address as captured on the
// trade itself, so the agreement document reflects the values at signing time.
type Contact struct {
	Name    string
	Street1 string
	Street2 string
	City    string
	State   string
	Zip     string
	Country string
	Phone   string
}

// Complete reports whether the contact is filled in enough to appear on a
// signature document and receive a shipment.
func (c Contact) Complete() bool {
	return c.Name != "" && c.Street1 != "" && c.City != "" && c.Zip != "" && c.Country != ""
}

// Item is the 1:1 description of what is being sold. Price mirrors the trade.
type Item struct {
	ID          string
	TradeID     string
	AccountID   string
	Name        string
	Description string
	Category    string
	Condition   string
	PriceCents  int64
}

// ShipmentDirection distinguishes the outbound leg from the return leg.
type ShipmentDirection string

const (
	ShipmentForward ShipmentDirection = "forward"
	ShipmentReturn  ShipmentDirection = "return"
)

// Shipment is one physical movement of the item (0..N per trade).
type Shipment struct {
	ID             string
	TradeID        string
	AccountID      string
	Direction      ShipmentDirection
	Carrier        string
	TrackingNumber string
	Status         string
	LabelURL       string
	InsuredCents   *int64
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
}

// Evidence is a buyer- or seller-supplied record backing a rejection or
// dispute.
type Evidence struct {
	ID          string
	TradeID     string
	AccountID   string
	UserID      string
	DisputeID   *string
	FileURL     string
	Description string
	CreatedAt   time.Time
}

// ReturnLabel is the outcome of a return-label purchase through the shipping
// capability.
type ReturnLabel struct {
	Carrier        string
	TrackingNumber string
	LabelURL       string
	CostCents      int64
}

// Rejection categories a buyer can pick during inspection. Seller-fault
// categories shift the return shipping cost onto the seller, buyer-fault onto
// the buyer, anything else keeps the trade's configured default.
const (
	RejectionNotAsDescribed   = "not_as_described"
	RejectionDamagedInTransit = "damaged_in_transit"
	RejectionWrongItem        = "wrong_item"
	RejectionMissingParts     = "missing_parts"
	RejectionChangedMind      = "changed_mind"
	RejectionOther            = "other"
)

// RejectionCategories enumerates the accepted values.
var RejectionCategories = []string{
	RejectionNotAsDescribed,
	RejectionDamagedInTransit,
	RejectionWrongItem,
	RejectionMissingParts,
	RejectionChangedMind,
	RejectionOther,
}

func validRejectionCategory(category string) bool {
	for _, c := range RejectionCategories {
		if c == category {
			return true
		}
	}
	return false
}

// returnResponsibility derives who pays return shipping from the rejection
// category, falling back to the trade's configured default.
func returnResponsibility(category string, fallback money.ReturnShippingPayer) money.ReturnShippingPayer {
	switch category {
	case RejectionNotAsDescribed, RejectionDamagedInTransit, RejectionWrongItem, RejectionMissingParts:
		return money.ReturnPaidBySeller
	case RejectionChangedMind:
		return money.ReturnPaidByBuyer
	default:
		return fallback
	}
}
