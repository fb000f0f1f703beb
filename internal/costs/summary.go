package costs

import (
	"encoding/json"
	"slices"

	"github.com/shopspring/decimal"
)

const topToolsLimit = 10

type ToolSpend struct {
	ToolName string          `json:"toolName"`
	Vendor   string          `json:"vendor"`
	Monthly  decimal.Decimal `json:"monthlyAmount"`
}

func (t ToolSpend) MarshalJSON() ([]byte, error) {
	type plain ToolSpend
	return json.Marshal(struct {
		plain
		Monthly json.Number `json:"monthlyAmount"`
	}{plain(t), Number(t.Monthly)})
}

// Summary aggregates an organization's stored cost records.
type Summary struct {
	TotalTools   int                        `json:"totalTools"`
	ActiveTools  int                        `json:"activeTools"`
	TotalMonthly decimal.Decimal            `json:"totalMonthlySpend"`
	TotalAnnual  decimal.Decimal            `json:"totalAnnualSpend"`
	ByCategory   map[string]decimal.Decimal `json:"byCategory"`
	ByVendor     map[string]decimal.Decimal `json:"byVendor"`
	BySource     map[string]decimal.Decimal `json:"bySource"`
	TopTools     []ToolSpend                `json:"topTools"`
}

func (s Summary) MarshalJSON() ([]byte, error) {
	type plain Summary
	return json.Marshal(struct {
		plain
		TotalMonthly json.Number            `json:"totalMonthlySpend"`
		TotalAnnual  json.Number            `json:"totalAnnualSpend"`
		ByCategory   map[string]json.Number `json:"byCategory"`
		ByVendor     map[string]json.Number `json:"byVendor"`
		BySource     map[string]json.Number `json:"bySource"`
	}{
		plain:        plain(s),
		TotalMonthly: Number(s.TotalMonthly),
		TotalAnnual:  Number(s.TotalAnnual),
		ByCategory:   Numbers(s.ByCategory),
		ByVendor:     Numbers(s.ByVendor),
		BySource:     Numbers(s.BySource),
	})
}

// Summarize totals monthly-equivalent spend over active records only.
func Summarize(records []ToolCost) Summary {
	out := Summary{
		TotalTools:   len(records),
		TotalMonthly: decimal.Zero,
		ByCategory:   map[string]decimal.Decimal{},
		ByVendor:     map[string]decimal.Decimal{},
		BySource:     map[string]decimal.Decimal{},
		TopTools:     []ToolSpend{},
	}
	for _, c := range records {
		if c.Status != DefaultStatus {
			continue
		}
		out.ActiveTools++
		monthly := c.MonthlyAmount()
		out.TotalMonthly = out.TotalMonthly.Add(monthly)
		addTo(out.ByCategory, c.Category, monthly)
		addTo(out.ByVendor, c.Vendor, monthly)
		addTo(out.BySource, c.Source, monthly)
		out.TopTools = append(out.TopTools, ToolSpend{ToolName: c.ToolName, Vendor: c.Vendor, Monthly: monthly})
	}
	out.TotalAnnual = out.TotalMonthly.Mul(monthsPerYear)

	slices.SortStableFunc(out.TopTools, func(a, b ToolSpend) int {
		return b.Monthly.Cmp(a.Monthly)
	})
	if len(out.TopTools) > topToolsLimit {
		out.TopTools = out.TopTools[:topToolsLimit]
	}
	return out
}

func addTo(m map[string]decimal.Decimal, key string, v decimal.Decimal) {
	if key == "" {
		key = "Unknown"
	}
	m[key] = m[key].Add(v)
}
