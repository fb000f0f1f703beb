package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-sspm/open-spend/internal/connectors/registry"
)

// capability returns the live connector of name as T, or ErrUnsupported when
// the connector does not implement it.
func capability[T any](m *Manager, name, what string) (T, string, error) {
	var zero T
	conn, key, err := m.connector(name)
	if err != nil {
		return zero, key, err
	}
	c, ok := conn.(T)
	if !ok {
		return zero, key, fmt.Errorf("%w: %s does not provide %s", registry.ErrUnsupported, key, what)
	}
	return c, key, nil
}

func (m *Manager) BillingHistory(ctx context.Context, name string, months int) ([]registry.MonthlyTotal, error) {
	historian, key, err := capability[registry.BillingHistorian](m, name, "billing history")
	if err != nil {
		return nil, err
	}
	totals, err := historian.BillingHistory(ctx, months)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if totals == nil {
		totals = []registry.MonthlyTotal{}
	}
	return totals, nil
}

func (m *Manager) ExpenseReport(ctx context.Context, name string, opts registry.ImportOptions) (json.RawMessage, error) {
	reporter, key, err := capability[registry.ExpenseReporter](m, name, "an expense report")
	if err != nil {
		return nil, err
	}
	report, err := reporter.ExpenseReport(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return report, nil
}

func (m *Manager) Accounts(ctx context.Context, name string) ([]registry.Account, error) {
	lister, key, err := capability[registry.AccountLister](m, name, "accounts")
	if err != nil {
		return nil, err
	}
	accounts, err := lister.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if accounts == nil {
		accounts = []registry.Account{}
	}
	return accounts, nil
}
