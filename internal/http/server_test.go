package httpapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/open-sspm/open-spend/internal/costs"
	"github.com/open-sspm/open-spend/internal/http/handlers"
	"github.com/open-sspm/open-spend/internal/integrations"
	"github.com/open-sspm/open-spend/internal/sync"
	"github.com/shopspring/decimal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPErrorHandlerInternalErrorIsGeneric(t *testing.T) {
	e := echo.New()
	e.Logger = discardLogger()

	req := httptest.NewRequest(http.MethodGet, "http://example.com/test", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(handlers.ContextKeyRequestID, "req-123")

	es := &EchoServer{h: &handlers.Handlers{}, e: e}
	es.httpErrorHandler(c, errors.New("very sensitive error"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusInternalServerError)
	}

	body := rec.Body.String()
	if strings.Contains(body, "very sensitive") {
		t.Fatalf("response leaked error details: %q", body)
	}
	if !strings.Contains(body, "Internal server error") {
		t.Fatalf("response missing generic message: %q", body)
	}
	if !strings.Contains(body, "Reference: req-123") {
		t.Fatalf("response missing request reference: %q", body)
	}
	if !strings.Contains(body, handlers.InternalErrorCode) {
		t.Fatalf("response missing error code: %q", body)
	}
}

func TestHTTPErrorHandlerBadRequestUsesStatusText(t *testing.T) {
	e := echo.New()
	e.Logger = discardLogger()

	req := httptest.NewRequest(http.MethodGet, "http://example.com/bad", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	es := &EchoServer{h: &handlers.Handlers{}, e: e}
	es.httpErrorHandler(c, echo.NewHTTPError(http.StatusBadRequest, "leaky bad request"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusBadRequest)
	}
	body := rec.Body.String()
	if strings.Contains(body, "leaky") {
		t.Fatalf("response leaked error details: %q", body)
	}
	if !strings.Contains(body, http.StatusText(http.StatusBadRequest)) {
		t.Fatalf("body=%q missing status text", body)
	}
}

func TestHTTPStatusFromErrorUsesStatusCoder(t *testing.T) {
	if got := httpStatusFromError(echo.ErrNotFound); got != http.StatusNotFound {
		t.Fatalf("status=%d want %d", got, http.StatusNotFound)
	}
	if got := httpStatusFromError(echo.ErrForbidden); got != http.StatusForbidden {
		t.Fatalf("status=%d want %d", got, http.StatusForbidden)
	}
	if got := httpStatusFromError(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("status=%d want %d", got, http.StatusInternalServerError)
	}
}

// fakeService records calls and returns canned results.
type fakeService struct {
	err      error
	lastOrg  string
	lastUser string
	lastName string
	lastOpts registry.ImportOptions
	lastKey  string
	lastCfg  map[string]string
	lastCode string
	lastQ    costs.Query
	lastLim  int
}

func (f *fakeService) List(_ context.Context, orgID string) ([]integrations.IntegrationView, error) {
	f.lastOrg = orgID
	return []integrations.IntegrationView{{IntegrationInfo: sync.IntegrationInfo{
		DefinitionInfo: registry.DefinitionInfo{Name: "stripe", DisplayName: "Stripe", AuthType: registry.AuthTypeAPIKey, Features: []string{}},
	}}}, f.err
}

func (f *fakeService) Status(_ context.Context, orgID, name string) (integrations.StatusView, error) {
	f.lastOrg, f.lastName = orgID, name
	return integrations.StatusView{Name: name, Status: integrations.StateNotConnected}, f.err
}

func (f *fakeService) ConnectAPIKey(_ context.Context, orgID, userID, name, apiKey string, config map[string]string) (integrations.ConnectResponse, error) {
	f.lastOrg, f.lastUser, f.lastName, f.lastKey, f.lastCfg = orgID, userID, name, apiKey, config
	if f.err != nil {
		return integrations.ConnectResponse{}, f.err
	}
	return integrations.ConnectResponse{Success: true, Integration: name, Message: "Stripe connected successfully"}, nil
}

func (f *fakeService) AuthorizationURL(orgID, userID, name string) (integrations.AuthURL, error) {
	f.lastOrg, f.lastUser, f.lastName = orgID, userID, name
	return integrations.AuthURL{AuthURL: "https://appcenter.example.test/connect?state=s1", State: "s1"}, f.err
}

func (f *fakeService) CompleteOAuth(_ context.Context, orgID, userID, name, code, realmID, state string) (integrations.ConnectResponse, error) {
	f.lastOrg, f.lastUser, f.lastName, f.lastCode = orgID, userID, name, code
	if f.err != nil {
		return integrations.ConnectResponse{}, f.err
	}
	return integrations.ConnectResponse{Success: true, Integration: name}, nil
}

func (f *fakeService) Disconnect(_ context.Context, orgID, name string) (integrations.DisconnectResponse, error) {
	f.lastOrg, f.lastName = orgID, name
	return integrations.DisconnectResponse{Success: true, Integration: name}, f.err
}

func (f *fakeService) Sync(_ context.Context, orgID, name string, opts registry.ImportOptions) (registry.SyncResult, error) {
	f.lastOrg, f.lastName, f.lastOpts = orgID, name, opts
	if f.err != nil {
		return registry.SyncResult{}, f.err
	}
	return registry.SyncResult{
		Success:       true,
		Source:        name,
		ItemsImported: 1,
		ToolCosts: []costs.ToolCost{{
			ID: "tc_1", Source: name, ExternalID: "sub_1", ToolName: "Slack",
			Amount: decimal.RequireFromString("35.50"), BillingPeriod: costs.PeriodMonthly,
		}},
		SyncDuration: 1500 * time.Millisecond,
	}, nil
}

func (f *fakeService) SyncAll(_ context.Context, orgID string, opts registry.ImportOptions) (sync.AggregateResult, error) {
	f.lastOrg, f.lastOpts = orgID, opts
	return sync.AggregateResult{Success: true, Integrations: []sync.IntegrationResult{}, AllToolCosts: []costs.ToolCost{}}, f.err
}

func (f *fakeService) ToolCosts(_ context.Context, orgID string, q costs.Query) (costs.Page, error) {
	f.lastOrg, f.lastQ = orgID, q
	return costs.Page{ToolCosts: []costs.ToolCost{}, Pagination: costs.Pagination{Limit: q.Limit}}, f.err
}

func (f *fakeService) Analytics(_ context.Context, orgID string, opts registry.ImportOptions) (sync.Analytics, error) {
	f.lastOrg, f.lastOpts = orgID, opts
	return sync.Analytics{}, f.err
}

func (f *fakeService) Summary(_ context.Context, orgID string) (costs.Summary, error) {
	f.lastOrg = orgID
	return costs.Summary{}, f.err
}

func (f *fakeService) History(orgID string, limit int) ([]sync.HistoryEntry, error) {
	f.lastOrg, f.lastLim = orgID, limit
	return []sync.HistoryEntry{}, f.err
}

func (f *fakeService) BillingHistory(_ context.Context, orgID, name string, months int) ([]registry.MonthlyTotal, error) {
	f.lastOrg, f.lastName, f.lastLim = orgID, name, months
	if f.err != nil {
		return nil, f.err
	}
	if name != "stripe" {
		return nil, fmt.Errorf("%w: %s does not provide billing history", registry.ErrUnsupported, name)
	}
	return []registry.MonthlyTotal{{Month: "2024-01", Total: decimal.RequireFromString("140.25")}}, nil
}

func (f *fakeService) ExpenseReport(_ context.Context, orgID, name string, opts registry.ImportOptions) (json.RawMessage, error) {
	f.lastOrg, f.lastName, f.lastOpts = orgID, name, opts
	if f.err != nil {
		return nil, f.err
	}
	if name != "quickbooks" {
		return nil, fmt.Errorf("%w: %s does not provide an expense report", registry.ErrUnsupported, name)
	}
	return json.RawMessage(`{"Header":{"ReportName":"ProfitAndLoss"}}`), nil
}

func (f *fakeService) Accounts(_ context.Context, orgID, name string) ([]registry.Account, error) {
	f.lastOrg, f.lastName = orgID, name
	balance := decimal.RequireFromString("12.5")
	return []registry.Account{{ID: "56", Name: "Slack", Company: "Slack", Balance: &balance, Active: true}}, f.err
}

func doRequest(t *testing.T, es *EchoServer, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	es.ServeHTTP(rec, req)
	return rec
}

var orgHeaders = map[string]string{handlers.HeaderOrgID: "org-1", handlers.HeaderUserID: "user-1"}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestRoutesRequireOrganization(t *testing.T) {
	es := NewEchoServer(&fakeService{}, discardLogger())

	rec := doRequest(t, es, http.MethodGet, "/api/integrations", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusUnauthorized)
	}
	rec = doRequest(t, es, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rec.Code)
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Fatal("missing request id header")
	}
}

func TestListIntegrationsRoute(t *testing.T) {
	svc := &fakeService{}
	es := NewEchoServer(svc, discardLogger())

	rec := doRequest(t, es, http.MethodGet, "/api/integrations", "", orgHeaders)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	list, ok := body["integrations"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("integrations=%v", body["integrations"])
	}
	entry := list[0].(map[string]any)
	if entry["name"] != "stripe" || entry["isConnected"] != false || entry["authType"] != "api_key" {
		t.Fatalf("entry=%v", entry)
	}
	if svc.lastOrg != "org-1" {
		t.Fatalf("org=%q", svc.lastOrg)
	}
}

func TestStripeConnectRoute(t *testing.T) {
	svc := &fakeService{}
	es := NewEchoServer(svc, discardLogger())

	rec := doRequest(t, es, http.MethodPost, "/api/integrations/stripe/connect", `{"apiKey":"sk_test_1","customerId":"cus_9"}`, orgHeaders)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if svc.lastKey != "sk_test_1" || svc.lastCfg["customerId"] != "cus_9" || svc.lastUser != "user-1" || svc.lastName != "stripe" {
		t.Fatalf("service saw %+v", svc)
	}

	rec = doRequest(t, es, http.MethodPost, "/api/integrations/stripe/connect", `{}`, orgHeaders)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing key status=%d", rec.Code)
	}
	if body := decodeMap(t, rec); body["success"] != false || body["message"] != "Stripe API key is required" {
		t.Fatalf("body=%v", body)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"auth failure", registry.AuthFailure(&registry.ProviderError{Provider: "Stripe", StatusCode: 401, Message: "Invalid API Key"}), http.StatusBadRequest},
		{"not connected", fmt.Errorf("%w: stripe", registry.ErrNotConnected), http.StatusBadRequest},
		{"reconnect", fmt.Errorf("%w: stripe: %w", integrations.ErrReconnectFailed, registry.ErrSessionExpired), http.StatusBadRequest},
		{"unknown", fmt.Errorf("%w: xero", registry.ErrUnknownIntegration), http.StatusNotFound},
		{"state", fmt.Errorf("%w: organization mismatch", integrations.ErrInvalidState), http.StatusForbidden},
		{"internal", errors.New("pg: connection refused password=hunter2"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			es := NewEchoServer(&fakeService{err: tc.err}, discardLogger())
			rec := doRequest(t, es, http.MethodPost, "/api/integrations/stripe/sync", "", orgHeaders)
			if rec.Code != tc.want {
				t.Fatalf("status=%d want %d body=%s", rec.Code, tc.want, rec.Body.String())
			}
			body := decodeMap(t, rec)
			if body["success"] != false {
				t.Fatalf("body=%v", body)
			}
			if tc.want == http.StatusInternalServerError && strings.Contains(rec.Body.String(), "hunter2") {
				t.Fatalf("internal error leaked: %s", rec.Body.String())
			}
		})
	}
}

func TestSyncRouteParsesDates(t *testing.T) {
	svc := &fakeService{}
	es := NewEchoServer(svc, discardLogger())

	rec := doRequest(t, es, http.MethodPost, "/api/integrations/quickbooks/sync", `{"startDate":"2024-01-01","endDate":"2024-03-31T00:00:00Z"}`, orgHeaders)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if svc.lastName != "quickbooks" || svc.lastOpts.StartDate == nil || svc.lastOpts.EndDate == nil {
		t.Fatalf("service saw name=%q opts=%+v", svc.lastName, svc.lastOpts)
	}
	if !svc.lastOpts.StartDate.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start=%v", svc.lastOpts.StartDate)
	}
	body := decodeMap(t, rec)
	if body["syncDuration"] != float64(1500) || body["itemsImported"] != float64(1) {
		t.Fatalf("body=%v", body)
	}
	toolCosts := body["toolCosts"].([]any)
	if amount := toolCosts[0].(map[string]any)["amount"]; amount != 35.5 {
		t.Fatalf("amount=%v (%T), want JSON number", amount, amount)
	}

	rec = doRequest(t, es, http.MethodPost, "/api/integrations/quickbooks/sync", `{"startDate":"last tuesday"}`, orgHeaders)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date status=%d", rec.Code)
	}
	rec = doRequest(t, es, http.MethodPost, "/api/integrations/sync-all", `{"startDate":"2024-02-01","endDate":"2024-01-01"}`, orgHeaders)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("inverted range status=%d", rec.Code)
	}
}

func TestToolCostsAndHistoryValidateParams(t *testing.T) {
	svc := &fakeService{}
	es := NewEchoServer(svc, discardLogger())

	rec := doRequest(t, es, http.MethodGet, "/api/integrations/tool-costs?category=communication&limit=10&offset=5", "", orgHeaders)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if svc.lastQ.Category != "communication" || svc.lastQ.Limit != 10 || svc.lastQ.Offset != 5 {
		t.Fatalf("query=%+v", svc.lastQ)
	}
	for _, target := range []string{
		"/api/integrations/tool-costs?limit=0",
		"/api/integrations/tool-costs?limit=101",
		"/api/integrations/tool-costs?offset=-1",
		"/api/integrations/history?limit=51",
		"/api/integrations/history?limit=abc",
	} {
		if rec := doRequest(t, es, http.MethodGet, target, "", orgHeaders); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s status=%d want 400", target, rec.Code)
		}
	}

	rec = doRequest(t, es, http.MethodGet, "/api/integrations/history?limit=7", "", orgHeaders)
	if rec.Code != http.StatusOK || svc.lastLim != 7 {
		t.Fatalf("history status=%d limit=%d", rec.Code, svc.lastLim)
	}
	if _, ok := decodeMap(t, rec)["history"].([]any); !ok {
		t.Fatalf("history body=%s", rec.Body.String())
	}
}

func TestOAuthAndDisconnectRoutes(t *testing.T) {
	svc := &fakeService{}
	es := NewEchoServer(svc, discardLogger())

	rec := doRequest(t, es, http.MethodGet, "/api/integrations/quickbooks/auth-url", "", orgHeaders)
	if rec.Code != http.StatusOK {
		t.Fatalf("auth-url status=%d", rec.Code)
	}
	if body := decodeMap(t, rec); body["authUrl"] == "" || body["state"] != "s1" {
		t.Fatalf("auth-url body=%v", body)
	}

	rec = doRequest(t, es, http.MethodPost, "/api/integrations/quickbooks/callback", `{"code":"c1","realmId":"r1","state":"s1"}`, orgHeaders)
	if rec.Code != http.StatusOK || svc.lastCode != "c1" || svc.lastName != "quickbooks" {
		t.Fatalf("callback status=%d svc=%+v", rec.Code, svc)
	}

	rec = doRequest(t, es, http.MethodDelete, "/api/integrations/stripe", "", orgHeaders)
	if rec.Code != http.StatusOK || svc.lastName != "stripe" {
		t.Fatalf("disconnect status=%d name=%q", rec.Code, svc.lastName)
	}

	rec = doRequest(t, es, http.MethodGet, "/api/integrations/stripe/status", "", orgHeaders)
	if body := decodeMap(t, rec); rec.Code != http.StatusOK || body["status"] != "not_connected" {
		t.Fatalf("status route code=%d body=%v", rec.Code, body)
	}
}

func TestProviderReportRoutes(t *testing.T) {
	svc := &fakeService{}
	es := NewEchoServer(svc, discardLogger())

	rec := doRequest(t, es, http.MethodGet, "/api/integrations/stripe/billing-history?months=6", "", orgHeaders)
	if rec.Code != http.StatusOK || svc.lastLim != 6 {
		t.Fatalf("billing-history status=%d months=%d body=%s", rec.Code, svc.lastLim, rec.Body.String())
	}
	history := decodeMap(t, rec)["history"].([]any)
	if total := history[0].(map[string]any)["total"]; total != 140.25 {
		t.Fatalf("total=%v (%T), want JSON number", total, total)
	}
	if rec := doRequest(t, es, http.MethodGet, "/api/integrations/stripe/billing-history?months=37", "", orgHeaders); rec.Code != http.StatusBadRequest {
		t.Fatalf("months=37 status=%d want 400", rec.Code)
	}

	rec = doRequest(t, es, http.MethodGet, "/api/integrations/quickbooks/expense-report?startDate=2024-01-01&endDate=2024-06-30", "", orgHeaders)
	if rec.Code != http.StatusOK || svc.lastOpts.StartDate == nil || svc.lastOpts.EndDate == nil {
		t.Fatalf("expense-report status=%d opts=%+v", rec.Code, svc.lastOpts)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"Header":{"ReportName":"ProfitAndLoss"}}` {
		t.Fatalf("expense-report body=%s", got)
	}

	rec = doRequest(t, es, http.MethodGet, "/api/integrations/quickbooks/accounts", "", orgHeaders)
	if rec.Code != http.StatusOK || svc.lastName != "quickbooks" {
		t.Fatalf("accounts status=%d name=%q", rec.Code, svc.lastName)
	}
	accounts := decodeMap(t, rec)["accounts"].([]any)
	if balance := accounts[0].(map[string]any)["balance"]; balance != 12.5 {
		t.Fatalf("balance=%v (%T), want JSON number", balance, balance)
	}

	for _, target := range []string{
		"/api/integrations/quickbooks/billing-history",
		"/api/integrations/stripe/expense-report",
	} {
		rec := doRequest(t, es, http.MethodGet, target, "", orgHeaders)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s status=%d want 400", target, rec.Code)
		}
		if body := decodeMap(t, rec); body["success"] != false {
			t.Fatalf("%s body=%v", target, body)
		}
	}
}
