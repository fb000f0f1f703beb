package quickbooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 30 * time.Second
	maxRetriesOn429  = 3
	maxBodySize      = 16 << 20
	maxErrorBodySize = 4 << 10

	queryMaxResults     = 1000
	recurringMaxResults = 100

	dateLayout = "2006-01-02"

	// QuickBooks throttles each realm at 500 requests per minute.
	requestInterval = time.Minute / 500
	requestBurst    = 10
)

// TokenFunc returns a valid bearer token, refreshing it first if needed.
type TokenFunc func(ctx context.Context) (string, error)

// Client calls the QuickBooks Online accounting API for one company.
type Client struct {
	BaseURL string
	RealmID string
	HTTP    *http.Client
	Token   TokenFunc
	// Limiter paces outgoing requests. Nil disables pacing.
	Limiter *rate.Limiter
}

func New(baseURL, realmID string, token TokenFunc) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	realmID = strings.TrimSpace(realmID)
	if baseURL == "" {
		return nil, errors.New("QuickBooks API base URL is required")
	}
	if realmID == "" {
		return nil, errors.New("QuickBooks realm id is required")
	}
	if token == nil {
		return nil, errors.New("QuickBooks token source is required")
	}
	return &Client{
		BaseURL: baseURL,
		RealmID: realmID,
		HTTP:    &http.Client{Timeout: defaultTimeout},
		Token:   token,
		Limiter: rate.NewLimiter(rate.Every(requestInterval), requestBurst),
	}, nil
}

type Ref struct {
	Value string `json:"value"`
	Name  string `json:"name"`
}

type Line struct {
	ID          string          `json:"Id"`
	Description string          `json:"Description"`
	DetailType  string          `json:"DetailType"`
	Amount      decimal.Decimal `json:"Amount"`
}

type ScheduleInfo struct {
	IntervalType string `json:"IntervalType"`
	NumInterval  int    `json:"NumInterval"`
	StartDate    string `json:"StartDate"`
	NextDate     string `json:"NextDate"`
}

type RecurringInfo struct {
	Name         string       `json:"Name"`
	RecurType    string       `json:"RecurType"`
	Active       bool         `json:"Active"`
	ScheduleInfo ScheduleInfo `json:"ScheduleInfo"`
}

type Bill struct {
	ID            string          `json:"Id"`
	DocNumber     string          `json:"DocNumber"`
	VendorRef     *Ref            `json:"VendorRef"`
	CurrencyRef   *Ref            `json:"CurrencyRef"`
	Line          []Line          `json:"Line"`
	TotalAmt      decimal.Decimal `json:"TotalAmt"`
	Balance       decimal.Decimal `json:"Balance"`
	TxnDate       string          `json:"TxnDate"`
	DueDate       string          `json:"DueDate"`
	RecurringInfo *RecurringInfo  `json:"RecurringInfo"`
}

type Purchase struct {
	ID            string          `json:"Id"`
	PaymentType   string          `json:"PaymentType"`
	EntityRef     *Ref            `json:"EntityRef"`
	AccountRef    *Ref            `json:"AccountRef"`
	CurrencyRef   *Ref            `json:"CurrencyRef"`
	Line          []Line          `json:"Line"`
	TotalAmt      decimal.Decimal `json:"TotalAmt"`
	TxnDate       string          `json:"TxnDate"`
	RecurringInfo *RecurringInfo  `json:"RecurringInfo"`
}

// RecurringTransaction wraps a templated Bill or Purchase. The schedule is
// reported either on the wrapper or on the wrapped transaction.
type RecurringTransaction struct {
	ID            string         `json:"Id"`
	Name          string         `json:"Name"`
	RecurringInfo *RecurringInfo `json:"RecurringInfo"`
	Bill          *Bill          `json:"Bill"`
	Purchase      *Purchase      `json:"Purchase"`
}

type EmailAddress struct {
	Address string `json:"Address"`
}

type Vendor struct {
	ID               string          `json:"Id"`
	DisplayName      string          `json:"DisplayName"`
	CompanyName      string          `json:"CompanyName"`
	PrimaryEmailAddr *EmailAddress   `json:"PrimaryEmailAddr"`
	Balance          decimal.Decimal `json:"Balance"`
	Active           bool            `json:"Active"`
}

type CompanyInfo struct {
	CompanyName string `json:"CompanyName"`
	LegalName   string `json:"LegalName"`
	Country     string `json:"Country"`
}

type queryResponse struct {
	QueryResponse struct {
		Bill                 []Bill                 `json:"Bill"`
		Purchase             []Purchase             `json:"Purchase"`
		RecurringTransaction []RecurringTransaction `json:"RecurringTransaction"`
		Vendor               []Vendor               `json:"Vendor"`
	} `json:"QueryResponse"`
}

func (c *Client) GetCompanyInfo(ctx context.Context) (CompanyInfo, error) {
	var resp struct {
		CompanyInfo *CompanyInfo `json:"CompanyInfo"`
	}
	if err := c.getJSON(ctx, "/companyinfo/"+url.PathEscape(c.RealmID), nil, &resp); err != nil {
		return CompanyInfo{}, err
	}
	if resp.CompanyInfo == nil {
		return CompanyInfo{}, errors.New("QuickBooks company info missing from response")
	}
	return *resp.CompanyInfo, nil
}

// QueryBills returns bills dated within [start, end]. When vendorIDs is
// non-empty only bills for those vendors are returned.
func (c *Client) QueryBills(ctx context.Context, start, end time.Time, vendorIDs []string) ([]Bill, error) {
	q := fmt.Sprintf("SELECT * FROM Bill WHERE TxnDate >= '%s' AND TxnDate <= '%s'", start.Format(dateLayout), end.Format(dateLayout))
	if ids := quoteAll(vendorIDs); len(ids) > 0 {
		q += " AND VendorRef IN (" + strings.Join(ids, ", ") + ")"
	}
	q += fmt.Sprintf(" MAXRESULTS %d", queryMaxResults)

	resp, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}
	return resp.QueryResponse.Bill, nil
}

func (c *Client) QueryPurchases(ctx context.Context, start, end time.Time) ([]Purchase, error) {
	q := fmt.Sprintf("SELECT * FROM Purchase WHERE TxnDate >= '%s' AND TxnDate <= '%s' MAXRESULTS %d",
		start.Format(dateLayout), end.Format(dateLayout), queryMaxResults)
	resp, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}
	return resp.QueryResponse.Purchase, nil
}

func (c *Client) QueryRecurringTransactions(ctx context.Context) ([]RecurringTransaction, error) {
	resp, err := c.query(ctx, fmt.Sprintf("SELECT * FROM RecurringTransaction MAXRESULTS %d", recurringMaxResults))
	if err != nil {
		return nil, err
	}
	return resp.QueryResponse.RecurringTransaction, nil
}

func (c *Client) QueryActiveVendors(ctx context.Context) ([]Vendor, error) {
	resp, err := c.query(ctx, fmt.Sprintf("SELECT * FROM Vendor WHERE Active = true MAXRESULTS %d", queryMaxResults))
	if err != nil {
		return nil, err
	}
	return resp.QueryResponse.Vendor, nil
}

// ProfitAndLoss returns the raw monthly profit and loss report.
func (c *Client) ProfitAndLoss(ctx context.Context, start, end time.Time) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("start_date", start.Format(dateLayout))
	q.Set("end_date", end.Format(dateLayout))
	q.Set("summarize_column_by", "Month")
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/reports/ProfitAndLoss", q, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) query(ctx context.Context, statement string) (queryResponse, error) {
	q := url.Values{}
	q.Set("query", statement)
	var resp queryResponse
	if err := c.getJSON(ctx, "/query", q, &resp); err != nil {
		return queryResponse{}, err
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	endpoint, err := c.endpoint(path, q)
	if err != nil {
		return err
	}
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode quickbooks %s: %w", path, err)
	}
	return nil
}

func (c *Client) endpoint(path string, q url.Values) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(c.RealmID) + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	u.Fragment = ""
	return u.String(), nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetriesOn429; attempt++ {
		token, err := c.Token(ctx)
		if err != nil {
			return nil, err
		}
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "open-spend")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = formatAPIError(resp, body)
			if attempt == maxRetriesOn429 {
				return nil, lastErr
			}
			wait, ok := retryAfterDuration(resp.Header.Get("Retry-After"))
			if !ok {
				wait = time.Second
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, formatAPIError(resp, body)
		}
		return body, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("quickbooks request failed")
}

// quoteAll single-quotes ids for a query IN clause, escaping embedded quotes.
func quoteAll(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, "'"+strings.ReplaceAll(id, "'", `\'`)+"'")
	}
	return out
}

func retryAfterDuration(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func formatAPIError(resp *http.Response, body []byte) error {
	return &registry.ProviderError{
		Provider:   "QuickBooks",
		StatusCode: resp.StatusCode,
		Message:    extractAPIErrorMessage(resp.Status, body),
	}
}

// extractAPIErrorMessage reads the Fault envelope. Field matching is case
// insensitive, which covers both "Fault" and the "fault" used on 401s.
func extractAPIErrorMessage(status string, body []byte) string {
	if len(body) > maxErrorBodySize {
		body = body[:maxErrorBodySize]
	}
	var payload struct {
		Fault struct {
			Error []struct {
				Message string `json:"Message"`
				Detail  string `json:"Detail"`
				Code    string `json:"code"`
			} `json:"Error"`
			Type string `json:"type"`
		} `json:"Fault"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Fault.Error) > 0 {
		first := payload.Fault.Error[0]
		msg := strings.TrimSpace(first.Message)
		if detail := strings.TrimSpace(first.Detail); detail != "" && detail != msg {
			if msg == "" {
				msg = detail
			} else {
				msg += ": " + detail
			}
		}
		if msg != "" {
			return msg
		}
	}
	msg := strings.Join(strings.Fields(string(body)), " ")
	if msg == "" || strings.HasPrefix(msg, "<") {
		return status
	}
	const maxLen = 300
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "..."
	}
	return msg
}
