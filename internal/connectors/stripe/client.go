package stripe

import (
	"bytes"
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
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultPageSize  = 100
	maxPages         = 1000
	maxRetriesOn429  = 3
	maxErrorBodySize = 1 << 20 // 1 MiB
	maxBodySize      = 32 << 20

	// Stripe allows 25 read requests per second in test mode.
	defaultRequestsPerSecond = 25
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	// Limiter paces outgoing requests. Nil disables pacing.
	Limiter *rate.Limiter
}

// New creates a new Stripe client. It validates that baseURL and apiKey are provided.
func New(baseURL, apiKey string) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	apiKey = strings.TrimSpace(apiKey)

	if base == "" {
		return nil, errors.New("stripe base URL is required")
	}
	if apiKey == "" {
		return nil, errors.New("Stripe API key is required")
	}

	return &Client{
		BaseURL: base,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: defaultTimeout},
		Limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultRequestsPerSecond),
	}, nil
}

func (c *Client) ensureClient() error {
	if c == nil || c.BaseURL == "" {
		return errors.New("stripe base URL is required")
	}
	if c.APIKey == "" {
		return errors.New("Stripe API key is required")
	}
	if c.HTTP == nil {
		return errors.New("stripe http client is not configured")
	}
	return nil
}

type Balance struct {
	LiveMode bool `json:"livemode"`
}

type Recurring struct {
	Interval      string `json:"interval"`
	IntervalCount int64  `json:"interval_count"`
}

type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Price struct {
	ID                string          `json:"id"`
	Currency          string          `json:"currency"`
	UnitAmount        *int64          `json:"unit_amount"`
	UnitAmountDecimal string          `json:"unit_amount_decimal"`
	Product           json.RawMessage `json:"product"`
	Recurring         *Recurring      `json:"recurring"`
}

type SubscriptionItem struct {
	ID                 string `json:"id"`
	Quantity           int64  `json:"quantity"`
	Price              Price  `json:"price"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
}

type Subscription struct {
	ID                 string          `json:"id"`
	Customer           json.RawMessage `json:"customer"`
	Status             string          `json:"status"`
	CancelAtPeriodEnd  bool            `json:"cancel_at_period_end"`
	CurrentPeriodStart int64           `json:"current_period_start"`
	CurrentPeriodEnd   int64           `json:"current_period_end"`
	Items              struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
}

type Period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type InvoiceLine struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Period      Period `json:"period"`
}

type Invoice struct {
	ID                 string          `json:"id"`
	Customer           json.RawMessage `json:"customer"`
	Status             string          `json:"status"`
	Number             string          `json:"number"`
	Description        string          `json:"description"`
	InvoicePDF         string          `json:"invoice_pdf"`
	Currency           string          `json:"currency"`
	AmountPaid         int64           `json:"amount_paid"`
	AmountDue          int64           `json:"amount_due"`
	Created            int64           `json:"created"`
	PeriodStart        int64           `json:"period_start"`
	PeriodEnd          int64           `json:"period_end"`
	NextPaymentAttempt *int64          `json:"next_payment_attempt"`
	Subscription       json.RawMessage `json:"subscription"`
	Parent             *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []InvoiceLine `json:"data"`
	} `json:"lines"`
}

// SubscriptionID returns the subscription this invoice bills, from either
// the legacy top-level field or the parent details.
func (inv Invoice) SubscriptionID() string {
	if id := expandableID(inv.Subscription); id != "" {
		return id
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return expandableID(inv.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

type Customer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Created int64  `json:"created"`
}

type SubscriptionParams struct {
	Customer string
	Status   string
}

type InvoiceParams struct {
	Customer     string
	Status       string
	CreatedAfter *time.Time
	CreatedUntil *time.Time
}

func (c *Client) GetBalance(ctx context.Context) (Balance, error) {
	if err := c.ensureClient(); err != nil {
		return Balance{}, err
	}
	var out Balance
	if err := c.getJSON(ctx, "/v1/balance", nil, &out); err != nil {
		return Balance{}, err
	}
	return out, nil
}

func (c *Client) ListSubscriptions(ctx context.Context, params SubscriptionParams) ([]Subscription, error) {
	if err := c.ensureClient(); err != nil {
		return nil, err
	}
	q := url.Values{}
	if v := strings.TrimSpace(params.Status); v != "" {
		q.Set("status", v)
	}
	if v := strings.TrimSpace(params.Customer); v != "" {
		q.Set("customer", v)
	}
	return listAll[Subscription](ctx, c, "/v1/subscriptions", q, func(s Subscription) string { return s.ID })
}

func (c *Client) ListInvoices(ctx context.Context, params InvoiceParams) ([]Invoice, error) {
	if err := c.ensureClient(); err != nil {
		return nil, err
	}
	q := url.Values{}
	if v := strings.TrimSpace(params.Status); v != "" {
		q.Set("status", v)
	}
	if v := strings.TrimSpace(params.Customer); v != "" {
		q.Set("customer", v)
	}
	if params.CreatedAfter != nil {
		q.Set("created[gte]", strconv.FormatInt(params.CreatedAfter.Unix(), 10))
	}
	if params.CreatedUntil != nil {
		q.Set("created[lte]", strconv.FormatInt(params.CreatedUntil.Unix(), 10))
	}
	return listAll[Invoice](ctx, c, "/v1/invoices", q, func(inv Invoice) string { return inv.ID })
}

func (c *Client) GetProduct(ctx context.Context, id string) (Product, error) {
	if err := c.ensureClient(); err != nil {
		return Product{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Product{}, errors.New("stripe product id is required")
	}
	var out Product
	if err := c.getJSON(ctx, "/v1/products/"+url.PathEscape(id), nil, &out); err != nil {
		return Product{}, err
	}
	return out, nil
}

func (c *Client) GetUpcomingInvoice(ctx context.Context, customer string) (Invoice, error) {
	if err := c.ensureClient(); err != nil {
		return Invoice{}, err
	}
	customer = strings.TrimSpace(customer)
	if customer == "" {
		return Invoice{}, errors.New("stripe customer id is required")
	}
	var out Invoice
	if err := c.getJSON(ctx, "/v1/invoices/upcoming", url.Values{"customer": {customer}}, &out); err != nil {
		return Invoice{}, err
	}
	return out, nil
}

// ListCustomers returns the first page of customers.
func (c *Client) ListCustomers(ctx context.Context) ([]Customer, error) {
	if err := c.ensureClient(); err != nil {
		return nil, err
	}
	var page listPage[Customer]
	q := url.Values{"limit": {strconv.Itoa(defaultPageSize)}}
	if err := c.getJSON(ctx, "/v1/customers", q, &page); err != nil {
		return nil, err
	}
	return page.Data, nil
}

type listPage[T any] struct {
	Data    []T  `json:"data"`
	HasMore bool `json:"has_more"`
}

func listAll[T any](ctx context.Context, c *Client, path string, q url.Values, idOf func(T) string) ([]T, error) {
	var out []T
	cursor := ""
	for range maxPages {
		pageQuery := url.Values{}
		for k, v := range q {
			pageQuery[k] = v
		}
		pageQuery.Set("limit", strconv.Itoa(defaultPageSize))
		if cursor != "" {
			pageQuery.Set("starting_after", cursor)
		}

		var page listPage[T]
		if err := c.getJSON(ctx, path, pageQuery, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Data...)
		if !page.HasMore || len(page.Data) == 0 {
			return out, nil
		}
		next := idOf(page.Data[len(page.Data)-1])
		if next == "" || next == cursor {
			return out, nil
		}
		cursor = next
	}
	return nil, fmt.Errorf("stripe %s: pagination exceeded %d pages", path, maxPages)
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
		return fmt.Errorf("decode stripe %s: %w", path, err)
	}
	return nil
}

func (c *Client) endpoint(path string, q url.Values) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	u.Fragment = ""
	return u.String(), nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetriesOn429; attempt++ {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
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
	return nil, errors.New("stripe request failed")
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
		Provider:   "Stripe",
		StatusCode: resp.StatusCode,
		Message:    extractAPIErrorMessage(resp.Status, body),
	}
}

func extractAPIErrorMessage(status string, body []byte) string {
	if len(body) > maxErrorBodySize {
		body = body[:maxErrorBodySize]
	}
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if code := strings.TrimSpace(payload.Error.Code); code != "" {
			return code
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

// expandableID reads a Stripe field that is either an ID string or an
// expanded object carrying an "id".
func expandableID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.ID)
	}
	return ""
}

func jsonUnmarshalObject(raw json.RawMessage, out any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return errors.New("not an object")
	}
	return json.Unmarshal(raw, out)
}
