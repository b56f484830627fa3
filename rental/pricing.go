package rental

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PRICING SNAPSHOT - Rate frozen into a line
// =============================================================================

// PriceSource records where a snapshot's rate came from.
type PriceSource string

const (
	PriceFromCatalog PriceSource = "catalog"
	PriceFromOffer   PriceSource = "offer"
)

// PricingSnapshot is a value copied into a line. Nothing ever re-reads the
// catalog rate for an existing line; extension and proration use this.
type PricingSnapshot struct {
	DailyRate  decimal.Decimal
	Source     PriceSource
	CapturedAt time.Time
	// OfferNumber is set when the rate was carried over from an offer.
	OfferNumber string
}

// SnapshotFromCatalog freezes the tool type's current daily rate.
func SnapshotFromCatalog(t ToolType, at time.Time) PricingSnapshot {
	return PricingSnapshot{
		DailyRate:  RoundMoney(t.DailyRate),
		Source:     PriceFromCatalog,
		CapturedAt: at.UTC(),
	}
}

// carryFromOffer keeps the offer's rate and capture time, so a checkout bills
// what was quoted.
func (p PricingSnapshot) carryFromOffer(offerNumber string) PricingSnapshot {
	return PricingSnapshot{
		DailyRate:   p.DailyRate,
		Source:      PriceFromOffer,
		CapturedAt:  p.CapturedAt,
		OfferNumber: offerNumber,
	}
}

// RoundMoney rounds to 2 fractional digits, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
