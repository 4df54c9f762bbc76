// Package money holds the platform's settlement arithmetic. Every function is
// deterministic over integer minor-currency units; callers must never derive
// amounts from floating point and feed them back in.
package money

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
)

// FeeSplit designates which party bears the platform fee.
type FeeSplit string

const (
	FeeSplitBuyer  FeeSplit = "buyer"
	FeeSplitSeller FeeSplit = "seller"
	FeeSplitSplit  FeeSplit = "split"
)

var (
	// ErrNegativePayout signals a computed payout below zero, e.g. a stored fee
	// exceeding the price. The amount is clamped but the discrepancy must be
	// recorded by the caller, never swallowed.
	ErrNegativePayout = errors.New("money: seller fee exceeds price")
	// ErrInvalidPercentage signals a split percentage outside [0,100].
	ErrInvalidPercentage = errors.New("money: seller percentage out of range")
)

// Config carries the fee schedule and price bounds. Zero value is unusable;
// construct via DefaultConfig or FromEnv.
type Config struct {
	FeePercent    float64
	MinFeeCents   int64
	MaxFeeCents   int64
	MinPriceCents int64
	MaxPriceCents int64
}

// DefaultConfig mirrors the production fee schedule.
func DefaultConfig() Config {
	return Config{
		FeePercent:    2.5,
		MinFeeCents:   500,
		MaxFeeCents:   15000,
		MinPriceCents: 2000,
		MaxPriceCents: 1500000,
	}
}

// FromEnv overlays DefaultConfig with PLATFORM_FEE_PERCENT,
// MIN_PLATFORM_FEE_CENTS and MAX_PLATFORM_FEE_CENTS when set.
func FromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("PLATFORM_FEE_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.FeePercent = f
		}
	}
	if v := os.Getenv("MIN_PLATFORM_FEE_CENTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MinFeeCents = n
		}
	}
	if v := os.Getenv("MAX_PLATFORM_FEE_CENTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxFeeCents = n
		}
	}
	return cfg
}

// ValidPrice reports whether a price is inside the configured bounds.
func (c Config) ValidPrice(priceCents int64) bool {
	return priceCents >= c.MinPriceCents && priceCents <= c.MaxPriceCents
}

// Fees is the outcome of a platform-fee computation.
type Fees struct {
	BuyerFeeCents  int64
	SellerFeeCents int64
	TotalFeeCents  int64
}

// PlatformFee computes the clamped platform fee and assigns it per the split
// policy. An odd remainder under "split" lands on the seller leg.
func (c Config) PlatformFee(priceCents int64, split FeeSplit) Fees {
	fee := int64(math.Round(float64(priceCents) * c.FeePercent / 100.0))
	if fee < c.MinFeeCents {
		fee = c.MinFeeCents
	}
	if fee > c.MaxFeeCents {
		fee = c.MaxFeeCents
	}

	switch split {
	case FeeSplitSeller:
		return Fees{BuyerFeeCents: 0, SellerFeeCents: fee, TotalFeeCents: fee}
	case FeeSplitSplit:
		half := fee / 2
		return Fees{BuyerFeeCents: half, SellerFeeCents: fee - half, TotalFeeCents: fee}
	default:
		return Fees{BuyerFeeCents: fee, SellerFeeCents: 0, TotalFeeCents: fee}
	}
}

// PayoutAmount is price minus the seller's fee share, floored at zero. When
// the fee exceeds the price the clamped amount is returned together with
// ErrNegativePayout so the caller can record the data-integrity condition.
func PayoutAmount(priceCents, sellerFeeCents int64) (int64, error) {
	amount := priceCents - sellerFeeCents
	if amount < 0 {
		return 0, fmt.Errorf("%w: price=%d seller_fee=%d", ErrNegativePayout, priceCents, sellerFeeCents)
	}
	return amount, nil
}

// ReturnShippingPayer designates who bears the cost of a return shipment.
type ReturnShippingPayer string

const (
	ReturnPaidBySeller   ReturnShippingPayer = "seller"
	ReturnPaidByBuyer    ReturnShippingPayer = "buyer"
	ReturnPaidBySplit    ReturnShippingPayer = "split"
	ReturnPaidByPlatform ReturnShippingPayer = "platform"
)

// RefundAmount is the buyer's refund after a completed return: price minus the
// buyer's share of return shipping. Buyer pays the full cost when responsible,
// half (rounded down) under a split, and nothing otherwise. Floored at zero.
func RefundAmount(priceCents int64, paidBy ReturnShippingPayer, returnShippingCents int64) int64 {
	var buyerShare int64
	switch paidBy {
	case ReturnPaidByBuyer:
		buyerShare = returnShippingCents
	case ReturnPaidBySplit:
		buyerShare = returnShippingCents / 2
	}
	amount := priceCents - buyerShare
	if amount < 0 {
		return 0
	}
	return amount
}

// Settlement is the outcome of a split dispute resolution. The two legs are
// rounded independently of the fee; any single-cent slack versus
// price - totalFee is absorbed by the seller leg.
type Settlement struct {
	SellerAmountCents int64
	BuyerRefundCents  int64
}

// SplitSettlement divides the price per the admin-chosen seller percentage and
// deducts each party's fee share per the fee-split policy. Both legs are
// floored at zero.
func (c Config) SplitSettlement(priceCents int64, sellerPercentage int, split FeeSplit, platformFeeCents int64) (Settlement, error) {
	if sellerPercentage < 0 || sellerPercentage > 100 {
		return Settlement{}, fmt.Errorf("%w: %d", ErrInvalidPercentage, sellerPercentage)
	}

	sellerGross := int64(math.Round(float64(priceCents) * float64(sellerPercentage) / 100.0))
	buyerGross := priceCents - sellerGross

	var sellerFee, buyerFee int64
	switch split {
	case FeeSplitSeller:
		sellerFee = platformFeeCents
	case FeeSplitBuyer:
		buyerFee = platformFeeCents
	case FeeSplitSplit:
		buyerFee = platformFeeCents / 2
		sellerFee = platformFeeCents - buyerFee
	}

	s := Settlement{
		SellerAmountCents: sellerGross - sellerFee,
		BuyerRefundCents:  buyerGross - buyerFee,
	}
	if s.SellerAmountCents < 0 {
		s.SellerAmountCents = 0
	}
	if s.BuyerRefundCents < 0 {
		s.BuyerRefundCents = 0
	}
	return s, nil
}
