package sync

import (
	"context"
	"encoding/json"

	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/open-sspm/open-spend/internal/costs"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const recentCostsLimit = 50

type Bucket struct {
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
}

func (b Bucket) MarshalJSON() ([]byte, error) {
	type plain Bucket
	return json.Marshal(struct {
		plain
		Total json.Number `json:"total"`
	}{plain(b), costs.Number(b.Total)})
}

func (b Bucket) add(monthly decimal.Decimal) Bucket {
	return Bucket{Count: b.Count + 1, Total: b.Total.Add(monthly)}
}

// Analytics is a live view over what the connected integrations report
// right now. Totals are monthly equivalents.
type Analytics struct {
	TotalMonthlySpend decimal.Decimal            `json:"totalMonthlySpend"`
	ByCategory        map[string]Bucket          `json:"byCategory"`
	ByVendor          map[string]Bucket          `json:"byVendor"`
	ByIntegration     map[string]Bucket          `json:"byIntegration"`
	RecentCosts       []costs.ToolCost           `json:"recentCosts"`
	UpcomingCharges   []registry.UpcomingCharges `json:"upcomingCharges"`
}

func (a Analytics) MarshalJSON() ([]byte, error) {
	type plain Analytics
	return json.Marshal(struct {
		plain
		TotalMonthlySpend json.Number `json:"totalMonthlySpend"`
	}{plain(a), costs.Number(a.TotalMonthlySpend)})
}

type liveReport struct {
	records  []costs.ToolCost
	upcoming *registry.UpcomingCharges
	ok       bool
}

// Analytics imports from every live connector and aggregates the results.
// Connectors that fail are logged and left out.
func (m *Manager) Analytics(ctx context.Context, opts registry.ImportOptions) Analytics {
	names, snapshot := m.liveSnapshot()
	reports := make([]liveReport, len(names))

	var g errgroup.Group
	g.SetLimit(m.workers)
	for i, name := range names {
		g.Go(func() error {
			reports[i] = m.liveReport(ctx, name, snapshot[name], opts)
			return nil
		})
	}
	_ = g.Wait()

	out := Analytics{
		TotalMonthlySpend: decimal.Zero,
		ByCategory:        map[string]Bucket{},
		ByVendor:          map[string]Bucket{},
		ByIntegration:     map[string]Bucket{},
		RecentCosts:       []costs.ToolCost{},
		UpcomingCharges:   []registry.UpcomingCharges{},
	}
	for i, name := range names {
		report := reports[i]
		if !report.ok {
			continue
		}
		integration := Bucket{Total: decimal.Zero}
		for _, c := range report.records {
			monthly := c.MonthlyAmount()
			out.TotalMonthlySpend = out.TotalMonthlySpend.Add(monthly)
			integration = integration.add(monthly)
			out.ByCategory[bucketKey(c.Category)] = out.ByCategory[bucketKey(c.Category)].add(monthly)
			out.ByVendor[bucketKey(c.Vendor)] = out.ByVendor[bucketKey(c.Vendor)].add(monthly)
			out.RecentCosts = append(out.RecentCosts, c)
		}
		out.ByIntegration[name] = integration
		if report.upcoming != nil {
			upcoming := *report.upcoming
			if upcoming.Source == "" {
				upcoming.Source = name
			}
			out.UpcomingCharges = append(out.UpcomingCharges, upcoming)
		}
	}

	costs.SortByBillingDateDesc(out.RecentCosts)
	if len(out.RecentCosts) > recentCostsLimit {
		out.RecentCosts = out.RecentCosts[:recentCostsLimit]
	}
	return out
}

func (m *Manager) liveReport(ctx context.Context, name string, conn registry.Connector, opts registry.ImportOptions) liveReport {
	records, err := conn.ImportToolCosts(ctx, opts)
	if err != nil {
		m.logger.Error("analytics import failed", "integration", name, "err", err)
		return liveReport{}
	}
	report := liveReport{records: records, ok: true}

	forecaster, ok := conn.(registry.ChargeForecaster)
	if !ok {
		return report
	}
	upcoming, err := forecaster.UpcomingCharges(ctx)
	if err != nil {
		m.logger.Warn("upcoming charges unavailable", "integration", name, "err", err)
		return report
	}
	report.upcoming = upcoming
	return report
}

func bucketKey(key string) string {
	if key == "" {
		return "Unknown"
	}
	return key
}
