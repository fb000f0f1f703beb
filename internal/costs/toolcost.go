package costs

import (
	"encoding/json"
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type BillingPeriod string

const (
	PeriodWeekly    BillingPeriod = "weekly"
	PeriodMonthly   BillingPeriod = "monthly"
	PeriodQuarterly BillingPeriod = "quarterly"
	PeriodYearly    BillingPeriod = "yearly"
	PeriodOneTime   BillingPeriod = "one-time"
)

const (
	DefaultCategory = "other"
	DefaultCurrency = "USD"
	DefaultStatus   = "active"
)

// Valid reports whether p is one of the canonical billing periods.
func (p BillingPeriod) Valid() bool {
	switch p {
	case PeriodWeekly, PeriodMonthly, PeriodQuarterly, PeriodYearly, PeriodOneTime:
		return true
	default:
		return false
	}
}

// ParseBillingPeriod maps free-form cadence labels onto a canonical period.
// Unknown values fall back to monthly.
func ParseBillingPeriod(raw string) BillingPeriod {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "week", "weekly":
		return PeriodWeekly
	case "quarter", "quarterly":
		return PeriodQuarterly
	case "year", "yearly", "annual", "annually":
		return PeriodYearly
	case "one-time", "onetime", "one_time", "once":
		return PeriodOneTime
	default:
		return PeriodMonthly
	}
}

// ToolCost is the canonical normalized record of one software expense.
type ToolCost struct {
	ID            string          `json:"id"`
	ExternalID    string          `json:"externalId"`
	Source        string          `json:"source"`
	ToolName      string          `json:"toolName"`
	Vendor        string          `json:"vendor"`
	Category      string          `json:"category"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	BillingPeriod BillingPeriod   `json:"billingPeriod"`
	BillingDate   *time.Time      `json:"billingDate"`
	RenewalDate   *time.Time      `json:"renewalDate"`
	Status        string          `json:"status"`
	Seats         *int64          `json:"seats"`
	Metadata      map[string]any  `json:"metadata"`
	ImportedAt    time.Time       `json:"importedAt"`
}

// MarshalJSON writes Amount as a JSON number.
func (c ToolCost) MarshalJSON() ([]byte, error) {
	type plain ToolCost
	return json.Marshal(struct {
		plain
		Amount json.Number `json:"amount"`
	}{plain(c), Number(c.Amount)})
}

// NaturalKey identifies the same provider record across repeated imports.
type NaturalKey struct {
	Source     string
	ExternalID string
}

func (c ToolCost) Key() NaturalKey {
	return NaturalKey{Source: c.Source, ExternalID: c.ExternalID}
}

// MonthlyAmount is the record's amount expressed as a per-month figure.
func (c ToolCost) MonthlyAmount() decimal.Decimal {
	return MonthlyEquivalent(c.Amount, c.BillingPeriod)
}

// Normalize overlays a provider-specific partial record on the canonical
// defaults. Source is always set to the importing connector's name.
func Normalize(source string, partial ToolCost, now time.Time) ToolCost {
	out := partial
	out.Source = source
	if strings.TrimSpace(out.Category) == "" {
		out.Category = DefaultCategory
	}
	if strings.TrimSpace(out.Currency) == "" {
		out.Currency = DefaultCurrency
	}
	out.Currency = strings.ToUpper(strings.TrimSpace(out.Currency))
	if !out.BillingPeriod.Valid() {
		out.BillingPeriod = ParseBillingPeriod(string(out.BillingPeriod))
	}
	if strings.TrimSpace(out.Status) == "" {
		out.Status = DefaultStatus
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	} else {
		out.Metadata = maps.Clone(out.Metadata)
	}
	if out.ImportedAt.IsZero() {
		out.ImportedAt = now.UTC()
	}
	return out
}

// TimePtr returns a pointer to t in UTC, or nil for the zero time.
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
