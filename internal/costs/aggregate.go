package costs

import (
	"slices"

	"github.com/shopspring/decimal"
)

var (
	weeksPerMonth    = decimal.RequireFromString("4.33")
	monthsPerYear    = decimal.NewFromInt(12)
	monthsPerQuarter = decimal.NewFromInt(3)
)

// MonthlyEquivalent converts amount billed every period into a per-month
// figure. One-time charges do not contribute to monthly spend.
func MonthlyEquivalent(amount decimal.Decimal, period BillingPeriod) decimal.Decimal {
	switch period {
	case PeriodWeekly:
		return amount.Mul(weeksPerMonth)
	case PeriodYearly:
		return amount.Div(monthsPerYear)
	case PeriodQuarterly:
		return amount.Div(monthsPerQuarter)
	case PeriodOneTime:
		return decimal.Zero
	default:
		return amount
	}
}

// Dedupe drops records whose natural key was already seen. The first
// occurrence wins and input order is preserved.
func Dedupe(in []ToolCost) []ToolCost {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[NaturalKey]struct{}, len(in))
	out := make([]ToolCost, 0, len(in))
	for _, c := range in {
		key := c.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

type MergeStats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Merge folds incoming records into existing by natural key. Matching
// records are replaced in place and keep their stored ID; new records are
// appended with an ID from newID. Nothing is ever removed.
func Merge(existing, incoming []ToolCost, newID func() string) ([]ToolCost, MergeStats) {
	out := slices.Clone(existing)
	index := make(map[NaturalKey]int, len(out))
	for i, c := range out {
		index[c.Key()] = i
	}

	var stats MergeStats
	for _, c := range incoming {
		key := c.Key()
		if i, ok := index[key]; ok {
			c.ID = out[i].ID
			out[i] = c
			stats.Updated++
			continue
		}
		if c.ID == "" && newID != nil {
			c.ID = newID()
		}
		index[key] = len(out)
		out = append(out, c)
		stats.Inserted++
	}
	return out, stats
}

// SortByBillingDateDesc orders records newest billing date first. Records
// without a billing date sort last.
func SortByBillingDateDesc(list []ToolCost) {
	slices.SortStableFunc(list, func(a, b ToolCost) int {
		switch {
		case a.BillingDate == nil && b.BillingDate == nil:
			return 0
		case a.BillingDate == nil:
			return 1
		case b.BillingDate == nil:
			return -1
		}
		return b.BillingDate.Compare(*a.BillingDate)
	})
}
