package quickbooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/open-sspm/open-spend/internal/costs"
	"github.com/open-sspm/open-spend/internal/metrics"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const refreshKey = "refresh"

// Connector imports bills, purchases and recurring transactions from
// QuickBooks Online over OAuth2.
type Connector struct {
	cfg        Config
	oauth      *oauth2.Config
	categories costs.CategoryCatalog
	saas       costs.SaaSFilter
	http       *http.Client
	now        func() time.Time

	refreshGroup singleflight.Group

	mu        sync.RWMutex
	tokens    registry.Tokens
	connected bool
	lastSync  *time.Time
}

var (
	_ registry.Connector               = (*Connector)(nil)
	_ registry.Restorer                = (*Connector)(nil)
	_ registry.TokenSource             = (*Connector)(nil)
	_ registry.AuthorizationURLBuilder = (*Connector)(nil)
	_ registry.ExpenseReporter         = (*Connector)(nil)
	_ registry.AccountLister           = (*Connector)(nil)
)

// NewConnector builds an unauthenticated connector. Empty catalogs fall back
// to the built-in tables.
func NewConnector(cfg Config, categories costs.CategoryCatalog, saas *costs.SaaSFilter, httpClient *http.Client) *Connector {
	cfg = cfg.Normalized()
	if len(categories) == 0 {
		categories = DefaultCategories()
	}
	filter := DefaultSaaSFilter()
	if saas != nil {
		filter = *saas
	}
	return &Connector{
		cfg:        cfg,
		oauth:      cfg.OAuth2(),
		categories: categories,
		saas:       filter,
		http:       httpClient,
		now:        time.Now,
	}
}

func (c *Connector) Name() string { return Name }

// AuthorizationURL returns the Intuit consent page URL carrying state.
func (c *Connector) AuthorizationURL(state string) (string, error) {
	if c.oauth.ClientID == "" || c.oauth.RedirectURL == "" {
		return "", errors.New("QuickBooks OAuth client is not configured")
	}
	return c.oauth.AuthCodeURL(state), nil
}

// oauthContext routes token endpoint calls through the injected HTTP
// client. Cancellation is detached so one caller giving up does not fail a
// refresh shared with others.
func (c *Connector) oauthContext(ctx context.Context) context.Context {
	hc := c.http
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, hc)
}

func (c *Connector) Authenticate(ctx context.Context, creds registry.Credentials) (registry.Tokens, error) {
	code := strings.TrimSpace(creds.Code)
	realmID := strings.TrimSpace(creds.RealmID)
	if realmID == "" {
		realmID = registry.ConfigValue(creds.Config, ConfigRealmID)
	}
	if code == "" || realmID == "" {
		return registry.Tokens{}, registry.AuthFailure(errors.New("authorization code and realmId are required"))
	}

	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		slog.Warn("quickbooks code exchange failed", "err", err)
		return registry.Tokens{}, registry.AuthFailure(providerError(err))
	}
	if tok.AccessToken == "" {
		return registry.Tokens{}, registry.AuthFailure(errors.New("failed to obtain tokens"))
	}

	tokens := registry.Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenExpiry:  tok.Expiry.UTC(),
		RealmID:      realmID,
	}
	c.mu.Lock()
	c.tokens = tokens
	c.connected = true
	c.mu.Unlock()
	slog.Info("quickbooks connector authenticated", "realm_id", realmID)
	return tokens, nil
}

// Restore installs persisted tokens without contacting Intuit.
func (c *Connector) Restore(_ context.Context, tokens registry.Tokens) error {
	tokens.RealmID = strings.TrimSpace(tokens.RealmID)
	if tokens.RealmID == "" {
		return registry.AuthFailure(errors.New("realmId is required"))
	}
	if tokens.AccessToken == "" && tokens.RefreshToken == "" {
		return registry.AuthFailure(errors.New("access or refresh token is required"))
	}
	c.mu.Lock()
	c.tokens = tokens
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Connector) Tokens() registry.Tokens {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// expired treats a zero expiry as a token that never expires.
func (c *Connector) expired(tok registry.Tokens) bool {
	if tok.TokenExpiry.IsZero() {
		return false
	}
	return !c.now().Before(tok.TokenExpiry)
}

// accessToken returns a usable bearer token, refreshing an expired one first.
func (c *Connector) accessToken(ctx context.Context) (string, error) {
	tok := c.Tokens()
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return "", fmt.Errorf("quickbooks: %w", registry.ErrNotConnected)
	}
	if tok.AccessToken != "" && !c.expired(tok) {
		return tok.AccessToken, nil
	}
	fresh, err := c.refresh(ctx, tok.AccessToken)
	if err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

func (c *Connector) RefreshAuth(ctx context.Context) (registry.Tokens, error) {
	return c.refresh(ctx, "")
}

// refresh exchanges the refresh token for a new pair. Concurrent callers
// share one in-flight exchange. A caller that observed stale and arrives
// after another refresh already replaced it gets the current token back.
func (c *Connector) refresh(ctx context.Context, stale string) (registry.Tokens, error) {
	v, err, _ := c.refreshGroup.Do(refreshKey, func() (any, error) {
		cur := c.Tokens()
		if stale != "" && cur.AccessToken != stale && !c.expired(cur) {
			return cur, nil
		}
		if cur.RefreshToken == "" {
			c.setConnected(false)
			metrics.TokenRefreshesTotal.WithLabelValues(Name, "failure").Inc()
			return nil, fmt.Errorf("quickbooks: %w: no refresh token available", registry.ErrSessionExpired)
		}

		src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: cur.RefreshToken})
		tok, err := src.Token()
		if err != nil {
			c.setConnected(false)
			metrics.TokenRefreshesTotal.WithLabelValues(Name, "failure").Inc()
			slog.Warn("quickbooks token refresh failed", "err", err)
			return nil, fmt.Errorf("quickbooks: %w: %w", registry.ErrSessionExpired, providerError(err))
		}

		next := cur
		next.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			next.RefreshToken = tok.RefreshToken
		}
		next.TokenExpiry = tok.Expiry.UTC()

		c.mu.Lock()
		c.tokens = next
		c.connected = true
		c.mu.Unlock()
		metrics.TokenRefreshesTotal.WithLabelValues(Name, "success").Inc()
		slog.Info("quickbooks tokens refreshed")
		return next, nil
	})
	if err != nil {
		return registry.Tokens{}, err
	}
	return v.(registry.Tokens), nil
}

func (c *Connector) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Connector) client() (*Client, error) {
	tok := c.Tokens()
	if tok.RealmID == "" || (tok.AccessToken == "" && tok.RefreshToken == "") {
		return nil, fmt.Errorf("quickbooks: %w", registry.ErrNotConnected)
	}
	client, err := New(c.cfg.APIBase, tok.RealmID, c.accessToken)
	if err != nil {
		return nil, err
	}
	if c.http != nil {
		client.HTTP = c.http
	}
	return client, nil
}

func (c *Connector) TestConnection(ctx context.Context) (string, error) {
	client, err := c.client()
	if err != nil {
		return "", err
	}
	info, err := client.GetCompanyInfo(ctx)
	if err != nil {
		c.setConnected(false)
		slog.Warn("quickbooks connection test failed", "err", err)
		return "", err
	}
	c.setConnected(true)
	return "Connected to " + info.CompanyName, nil
}

// window resolves the import date range. The default is the trailing six
// months up to today.
func (c *Connector) window(opts registry.ImportOptions) (time.Time, time.Time) {
	end := c.now().UTC()
	if opts.EndDate != nil {
		end = opts.EndDate.UTC()
	}
	start := end.AddDate(0, -defaultLookbackMonth, 0)
	if opts.StartDate != nil {
		start = opts.StartDate.UTC()
	}
	return start, end
}

// recurringUnavailable reports whether the company's edition does not
// expose recurring transactions.
func recurringUnavailable(err error) bool {
	switch registry.StatusCode(err) {
	case http.StatusBadRequest, http.StatusForbidden:
		return true
	default:
		return false
	}
}

func (c *Connector) ImportToolCosts(ctx context.Context, opts registry.ImportOptions) ([]costs.ToolCost, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}
	start, end := c.window(opts)
	now := c.now()

	var out []costs.ToolCost
	keep := func(record costs.ToolCost) {
		if c.saas.Keep(record) {
			out = append(out, costs.Normalize(Name, record, now))
		}
	}

	bills, err := client.QueryBills(ctx, start, end, opts.Filters.VendorIDs)
	if err != nil {
		return nil, fmt.Errorf("query bills: %w", err)
	}
	for _, b := range bills {
		keep(mapBill(b, c.categories))
	}

	purchases, err := client.QueryPurchases(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("query purchases: %w", err)
	}
	for _, p := range purchases {
		keep(mapPurchase(p, c.categories))
	}

	recurring, err := client.QueryRecurringTransactions(ctx)
	if err != nil {
		if !recurringUnavailable(err) {
			return nil, fmt.Errorf("query recurring transactions: %w", err)
		}
		slog.Warn("quickbooks recurring transactions unavailable", "err", err)
		recurring = nil
	}
	for _, rt := range recurring {
		keep(mapRecurring(rt, c.categories))
	}

	slog.Info("quickbooks tool costs imported",
		"bills", len(bills), "purchases", len(purchases), "recurring", len(recurring), "records", len(out))
	if out == nil {
		out = []costs.ToolCost{}
	}
	return out, nil
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
	c.tokens = registry.Tokens{}
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

// ExpenseReport returns the month-by-month profit and loss report as
// returned by QuickBooks.
func (c *Connector) ExpenseReport(ctx context.Context, opts registry.ImportOptions) (json.RawMessage, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}
	start, end := c.window(opts)
	report, err := client.ProfitAndLoss(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("profit and loss report: %w", err)
	}
	return report, nil
}

// Accounts lists the company's active vendors.
func (c *Connector) Accounts(ctx context.Context) ([]registry.Account, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}
	vendors, err := client.QueryActiveVendors(ctx)
	if err != nil {
		return nil, fmt.Errorf("query vendors: %w", err)
	}
	out := make([]registry.Account, 0, len(vendors))
	for _, v := range vendors {
		balance := v.Balance
		a := registry.Account{
			ID:      v.ID,
			Name:    v.DisplayName,
			Company: v.CompanyName,
			Balance: &balance,
			Active:  v.Active,
		}
		if v.PrimaryEmailAddr != nil {
			a.Email = v.PrimaryEmailAddr.Address
		}
		out = append(out, a)
	}
	return out, nil
}

// providerError converts token endpoint failures into a ProviderError.
func providerError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	perr := &registry.ProviderError{Provider: "QuickBooks", Message: re.ErrorDescription}
	if re.Response != nil {
		perr.StatusCode = re.Response.StatusCode
	}
	if perr.Message == "" {
		perr.Message = re.ErrorCode
	}
	if perr.Message == "" {
		perr.Message = strings.Join(strings.Fields(string(re.Body)), " ")
	}
	return perr
}
