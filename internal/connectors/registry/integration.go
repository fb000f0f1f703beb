package registry

import (
	"context"
	"encoding/json"
	"maps"
	"strings"
	"time"

	"github.com/open-sspm/open-spend/internal/costs"
	"github.com/shopspring/decimal"
)

// Connector is a live session with one external billing or accounting system.
type Connector interface {
	Name() string

	// Authenticate establishes the session. Expected failures wrap
	// ErrAuthentication.
	Authenticate(ctx context.Context, creds Credentials) (Tokens, error)
	// TestConnection performs a cheap authenticated call and returns a
	// human-readable description of the connected account.
	TestConnection(ctx context.Context) (string, error)
	// RefreshAuth renews short-lived credentials. Static keys succeed
	// without doing anything.
	RefreshAuth(ctx context.Context) (Tokens, error)

	ImportToolCosts(ctx context.Context, opts ImportOptions) ([]costs.ToolCost, error)
	// Sync wraps ImportToolCosts with timing. It never returns an error;
	// failures are reported in the result.
	Sync(ctx context.Context, opts ImportOptions) SyncResult

	Disconnect(ctx context.Context) error
	Status() Status
}

// Restorer rehydrates a connector from persisted tokens without running the
// interactive authentication flow.
type Restorer interface {
	Restore(ctx context.Context, tokens Tokens) error
}

// AuthorizationURLBuilder is implemented by OAuth connectors.
type AuthorizationURLBuilder interface {
	AuthorizationURL(state string) (string, error)
}

// TokenSource exposes the connector's current tokens so refreshed values
// can be persisted.
type TokenSource interface {
	Tokens() Tokens
}

// ChargeForecaster reports charges the provider will bill next.
type ChargeForecaster interface {
	UpcomingCharges(ctx context.Context) (*UpcomingCharges, error)
}

// BillingHistorian totals what the provider billed per month.
type BillingHistorian interface {
	// BillingHistory covers the trailing months, oldest first. months <= 0
	// means the connector's default window.
	BillingHistory(ctx context.Context, months int) ([]MonthlyTotal, error)
}

// ExpenseReporter returns the provider's own expense report for a date
// window, passed through unchanged.
type ExpenseReporter interface {
	ExpenseReport(ctx context.Context, opts ImportOptions) (json.RawMessage, error)
}

// AccountLister lists the billing counterparties visible to the session:
// customers for a billing provider, vendors for an accounting one.
type AccountLister interface {
	Accounts(ctx context.Context) ([]Account, error)
}

type Tokens struct {
	APIKey       string    `json:"apiKey,omitempty"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenExpiry  time.Time `json:"tokenExpiry,omitzero"`
	RealmID      string    `json:"realmId,omitempty"`
}

func (t Tokens) IsZero() bool {
	return t.APIKey == "" && t.AccessToken == "" && t.RefreshToken == "" && t.RealmID == "" && t.TokenExpiry.IsZero()
}

func (t Tokens) Equal(o Tokens) bool {
	return t.APIKey == o.APIKey &&
		t.AccessToken == o.AccessToken &&
		t.RefreshToken == o.RefreshToken &&
		t.RealmID == o.RealmID &&
		t.TokenExpiry.Equal(o.TokenExpiry)
}

// Credentials is the input to Authenticate. API key connectors read APIKey;
// OAuth connectors read Code and RealmID.
type Credentials struct {
	APIKey  string
	Code    string
	RealmID string
	Config  map[string]string
}

type Filters struct {
	CustomerID string   `json:"customerId,omitempty"`
	Status     string   `json:"status,omitempty"`
	VendorIDs  []string `json:"vendorIds,omitempty"`
}

type ImportOptions struct {
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`
	Filters   Filters    `json:"filters"`
}

type Status struct {
	Name        string     `json:"name"`
	DisplayName string     `json:"displayName"`
	Connected   bool       `json:"isConnected"`
	LastSync    *time.Time `json:"lastSync"`
}

type SyncResult struct {
	Success       bool
	Source        string
	ItemsImported int
	ToolCosts     []costs.ToolCost
	SyncDuration  time.Duration
	SyncedAt      time.Time
	Err           error
}

func (r SyncResult) MarshalJSON() ([]byte, error) {
	toolCosts := r.ToolCosts
	if toolCosts == nil {
		toolCosts = []costs.ToolCost{}
	}
	out := struct {
		Success       bool             `json:"success"`
		Source        string           `json:"source"`
		ItemsImported int              `json:"itemsImported"`
		ToolCosts     []costs.ToolCost `json:"toolCosts"`
		SyncDuration  int64            `json:"syncDuration"`
		SyncedAt      time.Time        `json:"syncedAt"`
		Error         string           `json:"error,omitempty"`
	}{
		Success:       r.Success,
		Source:        r.Source,
		ItemsImported: r.ItemsImported,
		ToolCosts:     toolCosts,
		SyncDuration:  r.SyncDuration.Milliseconds(),
		SyncedAt:      r.SyncedAt,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

type UpcomingLine struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	PeriodStart *time.Time      `json:"periodStart"`
	PeriodEnd   *time.Time      `json:"periodEnd"`
}

func (l UpcomingLine) MarshalJSON() ([]byte, error) {
	type plain UpcomingLine
	return json.Marshal(struct {
		plain
		Amount json.Number `json:"amount"`
	}{plain(l), costs.Number(l.Amount)})
}

type UpcomingCharges struct {
	Source             string          `json:"source"`
	AmountDue          decimal.Decimal `json:"amountDue"`
	Currency           string          `json:"currency"`
	PeriodStart        *time.Time      `json:"periodStart"`
	PeriodEnd          *time.Time      `json:"periodEnd"`
	NextPaymentAttempt *time.Time      `json:"nextPaymentAttempt"`
	Lines              []UpcomingLine  `json:"lines"`
}

func (u UpcomingCharges) MarshalJSON() ([]byte, error) {
	type plain UpcomingCharges
	return json.Marshal(struct {
		plain
		AmountDue json.Number `json:"amountDue"`
	}{plain(u), costs.Number(u.AmountDue)})
}

type MonthlyTotal struct {
	Month string          `json:"month"`
	Total decimal.Decimal `json:"total"`
}

func (t MonthlyTotal) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Month string      `json:"month"`
		Total json.Number `json:"total"`
	}{t.Month, costs.Number(t.Total)})
}

// Account is a customer or vendor as the provider reports it. Balance is
// set only by providers that track one.
type Account struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Email   string           `json:"email"`
	Company string           `json:"company,omitempty"`
	Balance *decimal.Decimal `json:"-"`
	Active  bool             `json:"active"`
	Created *time.Time       `json:"created,omitempty"`
}

func (a Account) MarshalJSON() ([]byte, error) {
	type plain Account
	out := struct {
		plain
		Balance *json.Number `json:"balance,omitempty"`
	}{plain: plain(a)}
	if a.Balance != nil {
		n := costs.Number(*a.Balance)
		out.Balance = &n
	}
	return json.Marshal(out)
}

// ConfigValue reads a trimmed value from a connection config map.
func ConfigValue(config map[string]string, key string) string {
	if config == nil {
		return ""
	}
	return strings.TrimSpace(config[key])
}

// CloneConfig copies a connection config map, never returning nil.
func CloneConfig(config map[string]string) map[string]string {
	if config == nil {
		return map[string]string{}
	}
	return maps.Clone(config)
}

// Reporter receives sync lifecycle events.
type Reporter interface {
	Report(Event)
}

// Event is emitted when an integration sync starts and when it ends. Done
// marks the end; Err is set when that sync failed.
type Event struct {
	Integration string
	Items       int
	Duration    time.Duration
	Done        bool
	Err         error
	At          time.Time
}
