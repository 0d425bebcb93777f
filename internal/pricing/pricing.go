// SPDX-License-Identifier: MIT

// Package pricing computes booking totals deterministically on the
// server. All arithmetic is on integer minor units; percentages are basis
// points with half-up rounding at every step, so the same inputs always
// produce byte-equal output.
package pricing

import (
	"fmt"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
)

// TaxTable maps a property region to its tax rate in basis points.
type TaxTable map[string]int

// Rate returns the region's rate, falling back to the "default" entry.
func (t TaxTable) Rate(region string) int {
	if bps, ok := t[region]; ok {
		return bps
	}
	return t["default"]
}

// Quote is the full, reproducible price breakdown for a stay.
type Quote struct {
	Nightly       []model.DatePrice `json:"nightly"`
	SubtotalMinor int64             `json:"subtotalMinor"`
	CleaningMinor int64             `json:"cleaningMinor"`
	ServiceMinor  int64             `json:"serviceMinor"`
	TaxMinor      int64             `json:"taxMinor"`
	TotalMinor    int64             `json:"totalMinor"`
	Currency      model.Currency    `json:"currency"`
}

// Inputs is the snapshot a quote is computed from. Capturing it as one
// value keeps the function honest: nothing outside it may influence the
// result.
type Inputs struct {
	Property  model.Property
	Stay      model.DateRange
	Guests    int
	Rules     []model.PricingRule
	Overrides []model.DateOverride
	Taxes     TaxTable
}

// applyBps adds a basis-point percentage to a minor amount with half-up
// rounding. Negative adjustments round half away from zero the same way.
func applyBps(amount int64, bps int64) int64 {
	delta := amount * bps
	if delta >= 0 {
		return amount + (delta+5000)/10000
	}
	return amount - ((-delta)+5000)/10000
}

// percentOf returns bps of amount with half-up rounding.
func percentOf(amount int64, bps int64) int64 {
	p := amount * bps
	if p >= 0 {
		return (p + 5000) / 10000
	}
	return -(((-p) + 5000) / 10000)
}

// ruleOrder fixes the application order between rule kinds.
var ruleOrder = []model.RuleKind{model.RuleSeasonal, model.RuleWeekend, model.RuleLengthOfStay}

// nightPrice resolves one night. A date override beats everything; else
// the base price is adjusted by the first matching rule of each kind, in
// seasonal -> weekend -> length_of_stay order.
func nightPrice(in Inputs, night model.Date, stayNights int) int64 {
	for _, o := range in.Overrides {
		if o.Date.Equal(night) {
			return o.PriceMinor
		}
	}
	price := in.Property.BasePriceMinor
	for _, kind := range ruleOrder {
		for _, r := range in.Rules {
			if r.Kind != kind || !r.Matches(night, stayNights) {
				continue
			}
			switch r.Adjustment {
			case model.AdjustPercentage:
				price = applyBps(price, r.Value)
			case model.AdjustFixedMinor:
				price += r.Value
			}
			break // one rule per kind
		}
	}
	if price < 0 {
		price = 0
	}
	return price
}

// Compute produces the quote. It is a pure function of its inputs.
func Compute(in Inputs) (Quote, error) {
	nights := in.Stay.Nights()
	if nights <= 0 {
		return Quote{}, fmt.Errorf("stay %s has no nights", in.Stay)
	}
	if in.Guests <= 0 {
		return Quote{}, fmt.Errorf("guests must be positive, got %d", in.Guests)
	}
	if in.Property.MaxGuests > 0 && in.Guests > in.Property.MaxGuests {
		return Quote{}, fmt.Errorf("guests %d exceed property capacity %d", in.Guests, in.Property.MaxGuests)
	}

	q := Quote{Currency: in.Property.Currency, Nightly: make([]model.DatePrice, 0, nights)}
	for _, night := range in.Stay.Dates() {
		p := nightPrice(in, night, nights)
		q.Nightly = append(q.Nightly, model.DatePrice{Date: night, PriceMinor: p})
		q.SubtotalMinor += p
	}

	q.CleaningMinor = in.Property.CleaningFeeMinor
	q.ServiceMinor = percentOf(q.SubtotalMinor, int64(in.Property.ServiceFeeBps))
	taxBase := q.SubtotalMinor + q.CleaningMinor + q.ServiceMinor
	q.TaxMinor = percentOf(taxBase, int64(in.Taxes.Rate(in.Property.Region)))
	q.TotalMinor = taxBase + q.TaxMinor
	return q, nil
}

// NightlyOnly computes the per-date price list for a window without fees.
// Used for pricing.updated fan-out payloads.
func NightlyOnly(property model.Property, window model.DateRange, rules []model.PricingRule, overrides []model.DateOverride) []model.DatePrice {
	in := Inputs{Property: property, Rules: rules, Overrides: overrides}
	nights := window.Nights()
	out := make([]model.DatePrice, 0, nights)
	for _, night := range window.Dates() {
		// Length-of-stay rules need a concrete stay; calendar pushes use
		// the single-night price.
		out = append(out, model.DatePrice{Date: night, PriceMinor: nightPrice(in, night, 1)})
	}
	return out
}
