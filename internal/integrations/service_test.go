package integrations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/open-sspm/open-spend/internal/connectors/configstore"
	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/open-sspm/open-spend/internal/connectors/stripe"
	"github.com/open-sspm/open-spend/internal/costs"
	"github.com/shopspring/decimal"
)

const testStripeKey = "sk_test_e2e"

// stripeAPI serves one Slack subscription and no one-off invoices.
func stripeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer "+testStripeKey {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"Invalid API Key provided"}}`)
			return
		}
		switch r.URL.Path {
		case "/v1/balance":
			fmt.Fprint(w, `{"object":"balance"}`)
		case "/v1/subscriptions":
			fmt.Fprint(w, `{"object":"list","has_more":false,"data":[
				{"id":"sub_slack","customer":"cus_1","status":"active","current_period_start":1704067200,"current_period_end":1706745600,
				 "items":{"data":[{"id":"si_1","quantity":4,
				   "price":{"id":"price_1","currency":"usd","unit_amount":875,"product":"prod_sl","recurring":{"interval":"month","interval_count":1}}}]}}]}`)
		case "/v1/products/prod_sl":
			fmt.Fprint(w, `{"id":"prod_sl","name":"Slack Pro"}`)
		case "/v1/invoices":
			fmt.Fprint(w, `{"object":"list","has_more":false,"data":[]}`)
		case "/v1/customers":
			fmt.Fprint(w, `{"object":"list","has_more":false,"data":[{"id":"cus_1","name":"","email":"ap@example.com","created":1704067200}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"message":"no such route"}}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	registry *registry.ConnectorRegistry
	creds    *configstore.MemoryStore
	costs    *costs.MemoryStore
}

func newTestEnv(t *testing.T, defs ...registry.Definition) testEnv {
	t.Helper()
	reg := registry.NewRegistry()
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	return testEnv{registry: reg, creds: configstore.NewMemoryStore(), costs: costs.NewMemoryStore()}
}

func (e testEnv) service(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Registry:    e.registry,
		Credentials: e.creds,
		Costs:       e.costs,
		StateSecret: []byte("test-secret"),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestServiceStripeEndToEnd(t *testing.T) {
	t.Parallel()

	srv := stripeAPI(t)
	env := newTestEnv(t, stripe.NewDefinition(srv.URL, nil))
	svc := env.service(t)
	ctx := context.Background()

	resp, err := svc.ConnectAPIKey(ctx, "org-1", "user-1", "stripe", testStripeKey, map[string]string{"customerId": " "})
	if err != nil {
		t.Fatalf("ConnectAPIKey() error = %v", err)
	}
	if !resp.Success || resp.Integration != "stripe" || resp.Message != "Stripe connected successfully" {
		t.Fatalf("ConnectAPIKey() = %+v", resp)
	}
	stored, err := env.creds.Get(ctx, "org-1", "stripe")
	if err != nil {
		t.Fatalf("stored credentials missing: %v", err)
	}
	if stored.Tokens.APIKey != testStripeKey || stored.ConnectedBy != "user-1" || len(stored.Config) != 0 {
		t.Fatalf("stored = %+v", stored)
	}

	first, err := svc.Sync(ctx, "org-1", "stripe", registry.ImportOptions{})
	if err != nil || !first.Success || first.ItemsImported != 1 {
		t.Fatalf("Sync() = %+v, %v", first, err)
	}
	page, err := svc.ToolCosts(ctx, "org-1", costs.Query{})
	if err != nil {
		t.Fatalf("ToolCosts() error = %v", err)
	}
	if len(page.ToolCosts) != 1 || page.Pagination.Total != 1 {
		t.Fatalf("ToolCosts() = %+v", page)
	}
	record := page.ToolCosts[0]
	if record.ID == "" || record.ExternalID != "sub_slack" || record.Vendor != "Slack" || !record.Amount.Equal(decimal.NewFromInt(35)) {
		t.Fatalf("record = %+v", record)
	}

	// A service built over the same stores reconnects lazily and re-import
	// updates the record in place.
	restarted := env.service(t)
	second, err := restarted.Sync(ctx, "org-1", "stripe", registry.ImportOptions{})
	if err != nil || !second.Success {
		t.Fatalf("Sync() after restart = %+v, %v", second, err)
	}
	all, err := env.costs.All(ctx, "org-1")
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 1 || all[0].ID != record.ID {
		t.Fatalf("re-import duplicated or re-keyed records: %+v", all)
	}

	stored, _ = env.creds.Get(ctx, "org-1", "stripe")
	if stored.LastSync == nil {
		t.Fatal("LastSync not updated")
	}
	list, err := restarted.List(ctx, "org-1")
	if err != nil || len(list) != 1 || !list[0].Connected || list[0].LastSync == nil {
		t.Fatalf("List() = %+v, %v", list, err)
	}

	summary, err := restarted.Summary(ctx, "org-1")
	if err != nil || summary.ActiveTools != 1 || !summary.TotalMonthly.Equal(decimal.NewFromInt(35)) {
		t.Fatalf("Summary() = %+v, %v", summary, err)
	}
	analytics, err := restarted.Analytics(ctx, "org-1", registry.ImportOptions{})
	if err != nil || !analytics.TotalMonthlySpend.Equal(decimal.NewFromInt(35)) {
		t.Fatalf("Analytics() = %+v, %v", analytics, err)
	}
	history, err := restarted.History("org-1", 0)
	if err != nil || len(history) != 1 || history[0].Integration != "stripe" {
		t.Fatalf("History() = %+v, %v", history, err)
	}

	status, err := restarted.Status(ctx, "org-1", "stripe")
	if err != nil || status.Status != StateConnected || !status.Connected {
		t.Fatalf("Status() = %+v, %v", status, err)
	}

	if _, err := restarted.Disconnect(ctx, "org-1", "stripe"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if _, err := env.creds.Get(ctx, "org-1", "stripe"); !errors.Is(err, configstore.ErrNotFound) {
		t.Fatalf("credentials remain after disconnect: %v", err)
	}
	if _, err := restarted.Sync(ctx, "org-1", "stripe", registry.ImportOptions{}); !errors.Is(err, registry.ErrNotConnected) {
		t.Fatalf("Sync() after disconnect err = %v, want ErrNotConnected", err)
	}
	if all, _ := env.costs.All(ctx, "org-1"); len(all) != 1 {
		t.Fatalf("disconnect must not delete stored costs, got %d", len(all))
	}
	status, err = restarted.Status(ctx, "org-1", "stripe")
	if err != nil || status.Status != StateNotConnected {
		t.Fatalf("Status() after disconnect = %+v, %v", status, err)
	}
}

func TestServiceProviderReports(t *testing.T) {
	t.Parallel()

	srv := stripeAPI(t)
	env := newTestEnv(t, stripe.NewDefinition(srv.URL, nil))
	svc := env.service(t)
	ctx := context.Background()

	if _, err := svc.Accounts(ctx, "org-1", "stripe"); !errors.Is(err, registry.ErrNotConnected) {
		t.Fatalf("Accounts() before connect err = %v, want ErrNotConnected", err)
	}
	if _, err := svc.ConnectAPIKey(ctx, "org-1", "u", "stripe", testStripeKey, nil); err != nil {
		t.Fatalf("ConnectAPIKey() error = %v", err)
	}

	// A fresh service rebuilds the session from stored credentials.
	restarted := env.service(t)
	accounts, err := restarted.Accounts(ctx, "org-1", "Stripe")
	if err != nil || len(accounts) != 1 || accounts[0].Name != "ap@example.com" || !accounts[0].Active {
		t.Fatalf("Accounts() = %+v, %v", accounts, err)
	}
	history, err := restarted.BillingHistory(ctx, "org-1", "stripe", 0)
	if err != nil || history == nil || len(history) != 0 {
		t.Fatalf("BillingHistory() = %+v, %v", history, err)
	}
	if _, err := restarted.BillingHistory(ctx, "org-1", "stripe", MaxBillingHistoryMonths+1); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("BillingHistory(too many months) err = %v, want ErrInvalidRequest", err)
	}
	if _, err := restarted.ExpenseReport(ctx, "org-1", "stripe", registry.ImportOptions{}); !errors.Is(err, registry.ErrUnsupported) {
		t.Fatalf("ExpenseReport(stripe) err = %v, want ErrUnsupported", err)
	}
}

func TestServiceConnectAPIKeyFailures(t *testing.T) {
	t.Parallel()

	srv := stripeAPI(t)
	env := newTestEnv(t, stripe.NewDefinition(srv.URL, nil), &fakeDefinition{name: "ledger", authType: registry.AuthTypeOAuth2})
	svc := env.service(t)
	ctx := context.Background()

	if _, err := svc.ConnectAPIKey(ctx, "org-1", "u", "stripe", "sk_wrong", nil); !errors.Is(err, registry.ErrAuthentication) {
		t.Fatalf("ConnectAPIKey(bad key) err = %v, want ErrAuthentication", err)
	}
	if _, err := svc.ConnectAPIKey(ctx, "org-1", "u", "stripe", "  ", nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("ConnectAPIKey(empty) err = %v, want ErrInvalidRequest", err)
	}
	if _, err := svc.ConnectAPIKey(ctx, "org-1", "u", "xero", "k", nil); !errors.Is(err, registry.ErrUnknownIntegration) {
		t.Fatalf("ConnectAPIKey(xero) err = %v, want ErrUnknownIntegration", err)
	}
	if _, err := svc.ConnectAPIKey(ctx, "org-1", "u", "ledger", "k", nil); !errors.Is(err, registry.ErrUnsupported) {
		t.Fatalf("ConnectAPIKey(oauth) err = %v, want ErrUnsupported", err)
	}
	if _, err := svc.ConnectAPIKey(ctx, "", "u", "stripe", testStripeKey, nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("ConnectAPIKey(no org) err = %v, want ErrInvalidRequest", err)
	}
	if list, _ := env.creds.List(ctx, "org-1"); len(list) != 0 {
		t.Fatalf("failed connects stored credentials: %+v", list)
	}
}

func TestServiceTenantIsolation(t *testing.T) {
	t.Parallel()

	srv := stripeAPI(t)
	env := newTestEnv(t, stripe.NewDefinition(srv.URL, nil))
	svc := env.service(t)
	ctx := context.Background()

	if _, err := svc.ConnectAPIKey(ctx, "org-a", "u", "stripe", testStripeKey, nil); err != nil {
		t.Fatalf("ConnectAPIKey() error = %v", err)
	}
	if svc.Manager("org-b").IsConnected("stripe") {
		t.Fatal("org-b shares org-a's live session")
	}
	list, err := svc.List(ctx, "org-b")
	if err != nil || list[0].Connected {
		t.Fatalf("List(org-b) = %+v, %v", list, err)
	}
	if _, err := svc.Sync(ctx, "org-b", "stripe", registry.ImportOptions{}); !errors.Is(err, registry.ErrNotConnected) {
		t.Fatalf("Sync(org-b) err = %v, want ErrNotConnected", err)
	}
}

// fakeDefinition builds scripted connectors for flows the real providers
// make awkward to reach.
type fakeDefinition struct {
	name      string
	authType  registry.AuthType
	importErr atomic.Pointer[error]
	testErr   atomic.Pointer[error]
	refreshed atomic.Bool
	restores  atomic.Int32
	last      atomic.Pointer[fakeConnector]
}

func (d *fakeDefinition) Name() string                { return d.name }
func (d *fakeDefinition) DisplayName() string         { return strings.ToUpper(d.name[:1]) + d.name[1:] }
func (d *fakeDefinition) Description() string         { return "" }
func (d *fakeDefinition) AuthType() registry.AuthType { return d.authType }
func (d *fakeDefinition) Features() []string          { return nil }

func (d *fakeDefinition) New(config map[string]string) (registry.Connector, error) {
	conn := &fakeConnector{def: d, realm: registry.ConfigValue(config, "realmId")}
	d.last.Store(conn)
	return conn, nil
}

type fakeConnector struct {
	def     *fakeDefinition
	realm   string
	dropped atomic.Bool

	mu     gosync.Mutex
	tokens registry.Tokens
}

func (c *fakeConnector) Name() string { return c.def.name }

func (c *fakeConnector) Authenticate(_ context.Context, creds registry.Credentials) (registry.Tokens, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = registry.Tokens{AccessToken: "at-" + creds.Code, RefreshToken: "rt", RealmID: creds.RealmID, APIKey: creds.APIKey}
	return c.tokens, nil
}

func (c *fakeConnector) Restore(_ context.Context, tokens registry.Tokens) error {
	c.def.restores.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = tokens
	return nil
}

func (c *fakeConnector) Tokens() registry.Tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

func (c *fakeConnector) AuthorizationURL(state string) (string, error) {
	return "https://auth.example.test/authorize?state=" + url.QueryEscape(state), nil
}

func (c *fakeConnector) TestConnection(context.Context) (string, error) {
	if err := c.def.testErr.Load(); err != nil {
		return "", *err
	}
	return "Connected to " + c.def.name, nil
}

func (c *fakeConnector) RefreshAuth(context.Context) (registry.Tokens, error) {
	return c.Tokens(), nil
}

func (c *fakeConnector) ImportToolCosts(context.Context, registry.ImportOptions) ([]costs.ToolCost, error) {
	if err := c.def.importErr.Load(); err != nil {
		return nil, *err
	}
	if c.def.refreshed.Load() {
		c.mu.Lock()
		c.tokens.AccessToken = "at-refreshed"
		c.mu.Unlock()
	}
	billed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return []costs.ToolCost{costs.Normalize(c.def.name, costs.ToolCost{
		ExternalID:  c.def.name + "-1",
		ToolName:    "Figma",
		Vendor:      "Figma",
		Amount:      decimal.NewFromInt(45),
		BillingDate: &billed,
	}, billed)}, nil
}

func (c *fakeConnector) Sync(ctx context.Context, opts registry.ImportOptions) registry.SyncResult {
	return registry.RunSync(ctx, c.def.name, func(ctx context.Context) ([]costs.ToolCost, error) {
		return c.ImportToolCosts(ctx, opts)
	})
}

func (c *fakeConnector) Disconnect(context.Context) error { return nil }

func (c *fakeConnector) Status() registry.Status {
	return registry.Status{Name: c.def.name, Connected: !c.dropped.Load()}
}

func TestServiceOAuthFlow(t *testing.T) {
	t.Parallel()

	def := &fakeDefinition{name: "ledger", authType: registry.AuthTypeOAuth2}
	env := newTestEnv(t, def)
	svc := env.service(t)
	ctx := context.Background()

	auth, err := svc.AuthorizationURL("org-1", "user-1", "ledger")
	if err != nil {
		t.Fatalf("AuthorizationURL() error = %v", err)
	}
	if auth.State == "" || !strings.Contains(auth.AuthURL, url.QueryEscape(auth.State)) {
		t.Fatalf("AuthorizationURL() = %+v", auth)
	}

	if _, err := svc.CompleteOAuth(ctx, "org-2", "user-1", "ledger", "code", "realm-9", auth.State); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("CompleteOAuth(other org) err = %v, want ErrInvalidState", err)
	}
	if _, err := svc.CompleteOAuth(ctx, "org-1", "user-1", "ledger", "", "realm-9", auth.State); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("CompleteOAuth(no code) err = %v, want ErrInvalidRequest", err)
	}
	if _, err := svc.CompleteOAuth(ctx, "org-1", "user-1", "ledger", "code", "", auth.State); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("CompleteOAuth(no realm) err = %v, want ErrInvalidRequest", err)
	}

	resp, err := svc.CompleteOAuth(ctx, "org-1", "user-1", "ledger", "code", "realm-9", auth.State)
	if err != nil || !resp.Success || resp.Message != "Ledger connected successfully" {
		t.Fatalf("CompleteOAuth() = %+v, %v", resp, err)
	}
	stored, err := env.creds.Get(ctx, "org-1", "ledger")
	if err != nil {
		t.Fatalf("stored credentials missing: %v", err)
	}
	if stored.Tokens.AccessToken != "at-code" || stored.Tokens.RealmID != "realm-9" || stored.Config["realmId"] != "realm-9" {
		t.Fatalf("stored = %+v", stored)
	}

	// State is optional.
	if _, err := svc.CompleteOAuth(ctx, "org-3", "user-1", "ledger", "code", "realm-1", ""); err != nil {
		t.Fatalf("CompleteOAuth(no state) err = %v", err)
	}
}

func TestServiceSyncFailureKeepsStoredCosts(t *testing.T) {
	t.Parallel()

	def := &fakeDefinition{name: "ledger", authType: registry.AuthTypeOAuth2}
	env := newTestEnv(t, def)
	svc := env.service(t)
	ctx := context.Background()

	if _, err := svc.CompleteOAuth(ctx, "org-1", "u", "ledger", "code", "realm", ""); err != nil {
		t.Fatalf("CompleteOAuth() error = %v", err)
	}
	if result, err := svc.Sync(ctx, "org-1", "ledger", registry.ImportOptions{}); err != nil || !result.Success {
		t.Fatalf("Sync() = %+v, %v", result, err)
	}
	before, _ := env.creds.Get(ctx, "org-1", "ledger")

	failure := error(&registry.ProviderError{Provider: "Ledger", StatusCode: 502, Message: "bad gateway"})
	def.importErr.Store(&failure)
	result, err := svc.Sync(ctx, "org-1", "ledger", registry.ImportOptions{})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Success || registry.StatusCode(result.Err) != 502 {
		t.Fatalf("Sync() = %+v, want failed result", result)
	}
	if all, _ := env.costs.All(ctx, "org-1"); len(all) != 1 {
		t.Fatalf("stored costs changed on failure: %d", len(all))
	}
	after, _ := env.creds.Get(ctx, "org-1", "ledger")
	if after.LastSync == nil || !after.LastSync.Equal(*before.LastSync) {
		t.Fatalf("LastSync moved on failure: %v -> %v", before.LastSync, after.LastSync)
	}
}

func TestServiceSyncPersistsRefreshedTokens(t *testing.T) {
	t.Parallel()

	def := &fakeDefinition{name: "ledger", authType: registry.AuthTypeOAuth2}
	env := newTestEnv(t, def)
	svc := env.service(t)
	ctx := context.Background()

	if _, err := svc.CompleteOAuth(ctx, "org-1", "u", "ledger", "code", "realm", ""); err != nil {
		t.Fatalf("CompleteOAuth() error = %v", err)
	}
	def.refreshed.Store(true)
	if _, err := svc.Sync(ctx, "org-1", "ledger", registry.ImportOptions{}); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	stored, _ := env.creds.Get(ctx, "org-1", "ledger")
	if stored.Tokens.AccessToken != "at-refreshed" || stored.Tokens.RefreshToken != "rt" {
		t.Fatalf("refreshed tokens not persisted: %+v", stored.Tokens)
	}
}

func TestServiceSyncKeepsTokensRotatedElsewhere(t *testing.T) {
	t.Parallel()

	def := &fakeDefinition{name: "ledger", authType: registry.AuthTypeOAuth2}
	env := newTestEnv(t, def)
	a := env.service(t)
	b := env.service(t)
	ctx := context.Background()

	if _, err := a.CompleteOAuth(ctx, "org-1", "u", "ledger", "code", "realm", ""); err != nil {
		t.Fatalf("CompleteOAuth() error = %v", err)
	}
	if result, err := b.Sync(ctx, "org-1", "ledger", registry.ImportOptions{}); err != nil || !result.Success {
		t.Fatalf("Sync() on second service = %+v, %v", result, err)
	}

	stored, _ := env.creds.Get(ctx, "org-1", "ledger")
	stored.Tokens = registry.Tokens{AccessToken: "at-new", RefreshToken: "rt-new", RealmID: "realm"}
	if err := env.creds.Put(ctx, "org-1", stored); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	failure := error(&registry.ProviderError{Provider: "Ledger", StatusCode: 503, Message: "unavailable"})
	def.importErr.Store(&failure)
	if result, err := b.Sync(ctx, "org-1", "ledger", registry.ImportOptions{}); err != nil || result.Success {
		t.Fatalf("Sync() = %+v, %v, want failed result", result, err)
	}
	after, _ := env.creds.Get(ctx, "org-1", "ledger")
	if after.Tokens.AccessToken != "at-new" || after.Tokens.RefreshToken != "rt-new" {
		t.Fatalf("stored tokens overwritten with stale ones: %+v", after.Tokens)
	}

	def.importErr.Store(nil)
	if result, err := b.Sync(ctx, "org-1", "ledger", registry.ImportOptions{}); err != nil || !result.Success {
		t.Fatalf("Sync() = %+v, %v", result, err)
	}
	after, _ = env.creds.Get(ctx, "org-1", "ledger")
	if after.Tokens.RefreshToken != "rt-new" || after.LastSync == nil {
		t.Fatalf("successful sync without refresh rewrote tokens: %+v", after)
	}
}

func TestServiceSyncRestoresDroppedSession(t *testing.T) {
	t.Parallel()

	def := &fakeDefinition{name: "ledger", authType: registry.AuthTypeOAuth2}
	env := newTestEnv(t, def)
	svc := env.service(t)
	ctx := context.Background()

	if _, err := svc.CompleteOAuth(ctx, "org-1", "u", "ledger", "code", "realm", ""); err != nil {
		t.Fatalf("CompleteOAuth() error = %v", err)
	}
	first := def.last.Load()
	first.dropped.Store(true)
	if svc.Manager("org-1").IsConnected("ledger") {
		t.Fatal("connector with a dropped session reported as connected")
	}

	result, err := svc.Sync(ctx, "org-1", "ledger", registry.ImportOptions{})
	if err != nil || !result.Success {
		t.Fatalf("Sync() = %+v, %v", result, err)
	}
	if def.restores.Load() != 1 || def.last.Load() == first {
		t.Fatalf("dropped session not rebuilt from stored tokens (restores=%d)", def.restores.Load())
	}
	if !svc.Manager("org-1").IsConnected("ledger") {
		t.Fatal("restored connector not live")
	}
}

func TestServiceSyncAllReportsUnavailableIntegrations(t *testing.T) {
	t.Parallel()

	good := &fakeDefinition{name: "ledger", authType: registry.AuthTypeOAuth2}
	bad := &fakeDefinition{name: "books", authType: registry.AuthTypeOAuth2}
	env := newTestEnv(t, good, bad)
	ctx := context.Background()
	for _, name := range []string{"ledger", "books"} {
		if err := env.creds.Put(ctx, "org-1", configstore.ConnectionCredentials{
			Integration: name,
			Tokens:      registry.Tokens{AccessToken: "at", RefreshToken: "rt", RealmID: "r"},
		}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	revoked := fmt.Errorf("books: %w", registry.ErrSessionExpired)
	bad.testErr.Store(&revoked)

	svc := env.service(t)
	result, err := svc.SyncAll(ctx, "org-1", registry.ImportOptions{})
	if err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}
	if result.Success || len(result.Integrations) != 2 {
		t.Fatalf("SyncAll() = %+v", result)
	}
	if result.Integrations[0].Name != "books" || result.Integrations[0].Result.Success ||
		!errors.Is(result.Integrations[0].Result.Err, registry.ErrSessionExpired) {
		t.Fatalf("books result = %+v", result.Integrations[0])
	}
	if result.Integrations[1].Name != "ledger" || !result.Integrations[1].Result.Success {
		t.Fatalf("ledger result = %+v", result.Integrations[1])
	}
	if all, _ := env.costs.All(ctx, "org-1"); len(all) != 0 {
		t.Fatalf("partial SyncAll merged %d costs", len(all))
	}

	bad.testErr.Store(nil)
	result, err = svc.SyncAll(ctx, "org-1", registry.ImportOptions{})
	if err != nil || !result.Success || result.TotalImported != 2 {
		t.Fatalf("SyncAll() = %+v, %v", result, err)
	}
	if all, _ := env.costs.All(ctx, "org-1"); len(all) != 2 {
		t.Fatalf("SyncAll merged %d costs, want 2", len(all))
	}
	for _, name := range []string{"ledger", "books"} {
		stored, _ := env.creds.Get(ctx, "org-1", name)
		if stored.LastSync == nil {
			t.Fatalf("%s LastSync not updated", name)
		}
	}
}

func TestServiceHistoryLimit(t *testing.T) {
	t.Parallel()

	def := &fakeDefinition{name: "ledger", authType: registry.AuthTypeOAuth2}
	env := newTestEnv(t, def)
	svc := env.service(t)
	ctx := context.Background()
	if _, err := svc.CompleteOAuth(ctx, "org-1", "u", "ledger", "code", "realm", ""); err != nil {
		t.Fatalf("CompleteOAuth() error = %v", err)
	}
	for range 60 {
		if _, err := svc.Sync(ctx, "org-1", "ledger", registry.ImportOptions{}); err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
	}
	cases := map[int]int{0: DefaultHistoryLimit, 5: 5, 500: MaxHistoryLimit}
	for limit, want := range cases {
		got, err := svc.History("org-1", limit)
		if err != nil || len(got) != want {
			t.Fatalf("History(%d) len = %d, want %d (err %v)", limit, len(got), want, err)
		}
	}
	if got, _ := svc.History("org-2", 10); got == nil || len(got) != 0 {
		t.Fatalf("History(org-2) = %v", got)
	}
}

func TestStateSignerRejectsTamperingAndExpiry(t *testing.T) {
	t.Parallel()

	signer := NewStateSigner([]byte("k1"))
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	signer.now = func() time.Time { return now }

	token, err := signer.Sign(State{OrgID: "org-1", UserID: "u", Integration: "quickbooks"})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	st, err := signer.Verify(token, "org-1", "QuickBooks")
	if err != nil || st.UserID != "u" || st.Nonce == "" {
		t.Fatalf("Verify() = %+v, %v", st, err)
	}

	otherKey := NewStateSigner([]byte("k2"))
	otherKey.now = signer.now
	if _, err := otherKey.Verify(token, "org-1", "quickbooks"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Verify(other key) err = %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("Sign() = %q, want a three-part JWT", token)
	}
	forged, err := NewStateSigner([]byte("k2")).Sign(State{OrgID: "org-1", Integration: "quickbooks"})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	swapped := parts[0] + "." + strings.Split(forged, ".")[1] + "." + parts[2]
	if _, err := signer.Verify(swapped, "org-1", "quickbooks"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Verify(tampered claims) err = %v", err)
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"org_id": "org-1", "integration": "quickbooks", "iat": now.Unix(), "exp": now.Add(time.Minute).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString(none) error = %v", err)
	}
	if _, err := signer.Verify(unsigned, "org-1", "quickbooks"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Verify(alg none) err = %v", err)
	}
	if _, err := signer.Verify("garbage", "org-1", "quickbooks"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Verify(garbage) err = %v", err)
	}
	if _, err := signer.Verify(token, "org-1", "stripe"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Verify(other integration) err = %v", err)
	}

	now = now.Add(StateTTL + stateSkew/2)
	if _, err := signer.Verify(token, "org-1", "quickbooks"); err != nil {
		t.Fatalf("Verify(within skew) err = %v", err)
	}
	now = now.Add(stateSkew)
	if _, err := signer.Verify(token, "org-1", "quickbooks"); !errors.Is(err, ErrInvalidState) || !strings.Contains(err.Error(), "expired") {
		t.Fatalf("Verify(expired) err = %v", err)
	}

	early := NewStateSigner([]byte("k1"))
	early.now = func() time.Time { return now.Add(-StateTTL - 2*stateSkew - time.Minute) }
	if _, err := early.Verify(token, "org-1", "quickbooks"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Verify(issued in the future) err = %v", err)
	}
}
