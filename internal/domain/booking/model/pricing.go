// SPDX-License-Identifier: MIT

package model

import "time"

// RuleKind is the pricing rule family. Precedence between kinds is fixed:
// a date override beats seasonal beats weekend beats length_of_stay beats
// the base price.
type RuleKind string

const (
	RuleSeasonal     RuleKind = "seasonal"
	RuleWeekend      RuleKind = "weekend"
	RuleLengthOfStay RuleKind = "length_of_stay"
)

// AdjustmentType says how a rule's value is applied.
type AdjustmentType string

const (
	// AdjustPercentage interprets Value as basis points (+1500 = +15%).
	AdjustPercentage AdjustmentType = "percentage"
	// AdjustFixedMinor interprets Value as a signed minor-unit delta.
	AdjustFixedMinor AdjustmentType = "fixed_minor"
)

// PricingRule adjusts the nightly price when its predicate matches.
type PricingRule struct {
	ID         string         `json:"id"`
	PropertyID string         `json:"propertyId"`
	Kind       RuleKind       `json:"kind"`
	Adjustment AdjustmentType `json:"adjustment"`
	Value      int64          `json:"value"`
	StartDate  Date           `json:"startDate,omitempty"` // seasonal window [start, end)
	EndDate    Date           `json:"endDate,omitempty"`
	MinNights  int            `json:"minNights,omitempty"` // length_of_stay threshold
	Active     bool           `json:"active"`
}

// Matches reports whether the rule applies to the given night of a stay of
// the given total length.
func (r PricingRule) Matches(night Date, stayNights int) bool {
	if !r.Active {
		return false
	}
	switch r.Kind {
	case RuleSeasonal:
		if r.StartDate.IsZero() || r.EndDate.IsZero() {
			return false
		}
		return DateRange{From: r.StartDate, To: r.EndDate}.Contains(night)
	case RuleWeekend:
		wd := night.Weekday()
		return wd == time.Saturday || wd == time.Sunday
	case RuleLengthOfStay:
		return r.MinNights > 0 && stayNights >= r.MinNights
	default:
		return false
	}
}

// DateOverride pins one night to an exact price, beating every rule.
type DateOverride struct {
	PropertyID string `json:"propertyId"`
	Date       Date   `json:"date"`
	PriceMinor int64  `json:"priceMinor"`
}
