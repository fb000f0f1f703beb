package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/open-sspm/open-spend/internal/costs"
	"github.com/shopspring/decimal"
)

const defaultSubscriptionStatus = "active"

// Connector imports subscriptions and one-off invoices from Stripe using a
// secret API key.
type Connector struct {
	cfg     Config
	vendors costs.VendorCatalog
	http    *http.Client
	now     func() time.Time

	mu        sync.RWMutex
	client    *Client
	connected bool
	lastSync  *time.Time
}

var (
	_ registry.Connector        = (*Connector)(nil)
	_ registry.Restorer         = (*Connector)(nil)
	_ registry.TokenSource      = (*Connector)(nil)
	_ registry.ChargeForecaster = (*Connector)(nil)
	_ registry.BillingHistorian = (*Connector)(nil)
	_ registry.AccountLister    = (*Connector)(nil)
)

func NewConnector(cfg Config, vendors costs.VendorCatalog, httpClient *http.Client) *Connector {
	if len(vendors) == 0 {
		vendors = DefaultVendors()
	}
	return &Connector{
		cfg:     cfg.Normalized(),
		vendors: vendors,
		http:    httpClient,
		now:     time.Now,
	}
}

func (c *Connector) Name() string { return Name }

func (c *Connector) initialize(apiKey string) error {
	client, err := New(c.cfg.APIBase, apiKey)
	if err != nil {
		return err
	}
	if c.http != nil {
		client.HTTP = c.http
	}
	c.mu.Lock()
	c.client = client
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *Connector) currentClient() (*Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, fmt.Errorf("stripe: %w", registry.ErrNotConnected)
	}
	return c.client, nil
}

func (c *Connector) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Connector) Authenticate(ctx context.Context, creds registry.Credentials) (registry.Tokens, error) {
	if customer := registry.ConfigValue(creds.Config, ConfigCustomerID); customer != "" {
		c.cfg.CustomerID = customer
	}
	if err := c.initialize(creds.APIKey); err != nil {
		return registry.Tokens{}, registry.AuthFailure(err)
	}
	if _, err := c.TestConnection(ctx); err != nil {
		return registry.Tokens{}, registry.AuthFailure(err)
	}
	slog.Info("stripe connector authenticated")
	return c.Tokens(), nil
}

// Restore re-initializes the client from a persisted key. The connection is
// not verified until TestConnection runs.
func (c *Connector) Restore(_ context.Context, tokens registry.Tokens) error {
	if err := c.initialize(tokens.APIKey); err != nil {
		return registry.AuthFailure(err)
	}
	return nil
}

func (c *Connector) TestConnection(ctx context.Context) (string, error) {
	client, err := c.currentClient()
	if err != nil {
		return "", err
	}
	balance, err := client.GetBalance(ctx)
	if err != nil {
		c.setConnected(false)
		slog.Warn("stripe connection test failed", "err", err)
		return "", err
	}
	c.setConnected(true)
	if balance.LiveMode {
		return "Connected to Stripe (live mode)", nil
	}
	return "Connected to Stripe (test mode)", nil
}

// RefreshAuth is a no-op: Stripe secret keys do not expire.
func (c *Connector) RefreshAuth(context.Context) (registry.Tokens, error) {
	return c.Tokens(), nil
}

func (c *Connector) Tokens() registry.Tokens {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return registry.Tokens{}
	}
	return registry.Tokens{APIKey: c.client.APIKey}
}

func (c *Connector) ImportToolCosts(ctx context.Context, opts registry.ImportOptions) ([]costs.ToolCost, error) {
	client, err := c.currentClient()
	if err != nil {
		return nil, err
	}
	customer := strings.TrimSpace(opts.Filters.CustomerID)
	if customer == "" {
		customer = c.cfg.CustomerID
	}
	status := strings.TrimSpace(opts.Filters.Status)
	if status == "" {
		status = defaultSubscriptionStatus
	}
	now := c.now()

	subs, err := client.ListSubscriptions(ctx, SubscriptionParams{Customer: customer, Status: status})
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	products := make(map[string]Product)
	out := make([]costs.ToolCost, 0, len(subs))
	for _, sub := range subs {
		if len(sub.Items.Data) == 0 {
			continue
		}
		product, err := c.resolveProduct(ctx, client, sub.Items.Data[0].Price.Product, products)
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", sub.ID, err)
		}
		if record, ok := mapSubscription(sub, product, c.vendors); ok {
			out = append(out, costs.Normalize(Name, record, now))
		}
	}

	invoices, err := client.ListInvoices(ctx, InvoiceParams{
		Customer:     customer,
		Status:       "paid",
		CreatedAfter: opts.StartDate,
		CreatedUntil: opts.EndDate,
	})
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	for _, inv := range invoices {
		// Subscription invoices are already counted by the subscription record.
		if inv.SubscriptionID() != "" {
			continue
		}
		if record, ok := mapInvoice(inv, c.vendors); ok {
			out = append(out, costs.Normalize(Name, record, now))
		}
	}

	slog.Info("stripe tool costs imported", "subscriptions", len(subs), "records", len(out))
	return out, nil
}

func (c *Connector) resolveProduct(ctx context.Context, client *Client, raw json.RawMessage, cache map[string]Product) (Product, error) {
	var expanded Product
	if err := jsonUnmarshalObject(raw, &expanded); err == nil && expanded.ID != "" {
		cache[expanded.ID] = expanded
		return expanded, nil
	}
	id := expandableID(raw)
	if id == "" {
		return Product{}, errors.New("price has no product")
	}
	if p, ok := cache[id]; ok {
		return p, nil
	}
	p, err := client.GetProduct(ctx, id)
	if err != nil {
		return Product{}, fmt.Errorf("get product %s: %w", id, err)
	}
	cache[id] = p
	return p, nil
}

func (c *Connector) Sync(ctx context.Context, opts registry.ImportOptions) registry.SyncResult {
	result := registry.RunSync(ctx, Name, func(ctx context.Context) ([]costs.ToolCost, error) {
		return c.ImportToolCosts(ctx, opts)
	})
	if result.Success {
		synced := result.SyncedAt
		c.mu.Lock()
		c.lastSync = &synced
		c.mu.Unlock()
	}
	return result
}

func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	c.client = nil
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *Connector) Status() registry.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return registry.Status{
		Name:        Name,
		DisplayName: displayName,
		Connected:   c.connected,
		LastSync:    c.lastSync,
	}
}

// UpcomingCharges previews the next invoice for the configured customer.
// Without a customer there is nothing to forecast and nil is returned.
func (c *Connector) UpcomingCharges(ctx context.Context) (*registry.UpcomingCharges, error) {
	client, err := c.currentClient()
	if err != nil {
		return nil, err
	}
	if c.cfg.CustomerID == "" {
		return nil, nil
	}
	inv, err := client.GetUpcomingInvoice(ctx, c.cfg.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("upcoming invoice: %w", err)
	}

	out := &registry.UpcomingCharges{
		Source:      Name,
		AmountDue:   fromMinorUnits(decimal.NewFromInt(inv.AmountDue), inv.Currency),
		Currency:    strings.ToUpper(inv.Currency),
		PeriodStart: unixPtr(inv.PeriodStart),
		PeriodEnd:   unixPtr(inv.PeriodEnd),
		Lines:       make([]registry.UpcomingLine, 0, len(inv.Lines.Data)),
	}
	if inv.NextPaymentAttempt != nil {
		out.NextPaymentAttempt = unixPtr(*inv.NextPaymentAttempt)
	}
	for _, line := range inv.Lines.Data {
		out.Lines = append(out.Lines, registry.UpcomingLine{
			Description: line.Description,
			Amount:      fromMinorUnits(decimal.NewFromInt(line.Amount), inv.Currency),
			PeriodStart: unixPtr(line.Period.Start),
			PeriodEnd:   unixPtr(line.Period.End),
		})
	}
	return out, nil
}

// BillingHistory totals paid invoices per calendar month (UTC) over the
// trailing months, oldest first.
func (c *Connector) BillingHistory(ctx context.Context, months int) ([]registry.MonthlyTotal, error) {
	client, err := c.currentClient()
	if err != nil {
		return nil, err
	}
	if months <= 0 {
		months = 12
	}
	since := c.now().UTC().AddDate(0, -months, 0)
	invoices, err := client.ListInvoices(ctx, InvoiceParams{
		Customer:     c.cfg.CustomerID,
		Status:       "paid",
		CreatedAfter: &since,
	})
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}

	totals := make(map[string]decimal.Decimal)
	for _, inv := range invoices {
		if inv.Status != "paid" {
			continue
		}
		key := time.Unix(inv.Created, 0).UTC().Format("2006-01")
		totals[key] = totals[key].Add(fromMinorUnits(decimal.NewFromInt(inv.AmountPaid), inv.Currency))
	}
	out := make([]registry.MonthlyTotal, 0, len(totals))
	for month, total := range totals {
		out = append(out, registry.MonthlyTotal{Month: month, Total: total})
	}
	slices.SortFunc(out, func(a, b registry.MonthlyTotal) int { return strings.Compare(a.Month, b.Month) })
	return out, nil
}

// Accounts lists the customers visible to the key.
func (c *Connector) Accounts(ctx context.Context) ([]registry.Account, error) {
	client, err := c.currentClient()
	if err != nil {
		return nil, err
	}
	customers, err := client.ListCustomers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	out := make([]registry.Account, 0, len(customers))
	for _, cust := range customers {
		name := strings.TrimSpace(cust.Name)
		if name == "" {
			name = cust.Email
		}
		out = append(out, registry.Account{ID: cust.ID, Name: name, Email: cust.Email, Active: true, Created: unixPtr(cust.Created)})
	}
	return out, nil
}
