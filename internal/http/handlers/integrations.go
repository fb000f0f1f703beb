package handlers

import (
	"math"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"
	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/open-sspm/open-spend/internal/costs"
	"github.com/open-sspm/open-spend/internal/integrations"
)

const (
	stripeIntegration     = "stripe"
	quickbooksIntegration = "quickbooks"
	configCustomerID      = "customerId"
)

func (h *Handlers) HandleListIntegrations(c *echo.Context) error {
	list, err := h.Service.List(c.Request().Context(), orgID(c))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"integrations": list})
}

func (h *Handlers) HandleIntegrationStatus(c *echo.Context) error {
	view, err := h.Service.Status(c.Request().Context(), orgID(c), c.Param("name"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

type stripeConnectRequest struct {
	APIKey     string `json:"apiKey"`
	CustomerID string `json:"customerId"`
}

func (h *Handlers) HandleStripeConnect(c *echo.Context) error {
	var req stripeConnectRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	if strings.TrimSpace(req.APIKey) == "" {
		return badRequest(c, "Stripe API key is required")
	}
	resp, err := h.Service.ConnectAPIKey(c.Request().Context(), orgID(c), userID(c), stripeIntegration, req.APIKey,
		map[string]string{configCustomerID: req.CustomerID})
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handlers) HandleQuickBooksAuthURL(c *echo.Context) error {
	auth, err := h.Service.AuthorizationURL(orgID(c), userID(c), quickbooksIntegration)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, auth)
}

type oauthCallbackRequest struct {
	Code    string `json:"code"`
	RealmID string `json:"realmId"`
	State   string `json:"state"`
}

func (h *Handlers) HandleQuickBooksCallback(c *echo.Context) error {
	var req oauthCallbackRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	resp, err := h.Service.CompleteOAuth(c.Request().Context(), orgID(c), userID(c), quickbooksIntegration, req.Code, req.RealmID, req.State)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handlers) HandleDisconnect(c *echo.Context) error {
	resp, err := h.Service.Disconnect(c.Request().Context(), orgID(c), c.Param("name"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handlers) syncOptions(c *echo.Context) (registry.ImportOptions, error) {
	var body dateRange
	if err := decodeBody(c, &body); err != nil {
		return registry.ImportOptions{}, err
	}
	return body.importOptions()
}

// HandleSync returns the sync result as-is: a failed import is a 200 with
// success=false, since the request itself was valid.
func (h *Handlers) HandleSync(c *echo.Context) error {
	opts, err := h.syncOptions(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	result, err := h.Service.Sync(c.Request().Context(), orgID(c), c.Param("name"), opts)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handlers) HandleSyncAll(c *echo.Context) error {
	opts, err := h.syncOptions(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	result, err := h.Service.SyncAll(c.Request().Context(), orgID(c), opts)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handlers) HandleToolCosts(c *echo.Context) error {
	limit, err := parseIntParam(c, "limit", 1, costs.MaxPageLimit)
	if err != nil {
		return badRequest(c, err.Error())
	}
	offset, err := parseIntParam(c, "offset", 0, math.MaxInt)
	if err != nil {
		return badRequest(c, err.Error())
	}
	page, err := h.Service.ToolCosts(c.Request().Context(), orgID(c), costs.Query{
		Category: c.QueryParam("category"),
		Source:   c.QueryParam("source"),
		Status:   c.QueryParam("status"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// queryRange reads the optional startDate and endDate query parameters.
func queryRange(c *echo.Context) (registry.ImportOptions, error) {
	start, err := parseDate("startDate", c.QueryParam("startDate"))
	if err != nil {
		return registry.ImportOptions{}, err
	}
	end, err := parseDate("endDate", c.QueryParam("endDate"))
	if err != nil {
		return registry.ImportOptions{}, err
	}
	return registry.ImportOptions{StartDate: start, EndDate: end}, nil
}

func (h *Handlers) HandleAnalytics(c *echo.Context) error {
	opts, err := queryRange(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	analytics, err := h.Service.Analytics(c.Request().Context(), orgID(c), opts)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, analytics)
}

func (h *Handlers) HandleSummary(c *echo.Context) error {
	summary, err := h.Service.Summary(c.Request().Context(), orgID(c))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *Handlers) HandleHistory(c *echo.Context) error {
	limit, err := parseIntParam(c, "limit", 1, integrations.MaxHistoryLimit)
	if err != nil {
		return badRequest(c, err.Error())
	}
	history, err := h.Service.History(orgID(c), limit)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"history": history})
}

func (h *Handlers) HandleBillingHistory(c *echo.Context) error {
	months, err := parseIntParam(c, "months", 1, integrations.MaxBillingHistoryMonths)
	if err != nil {
		return badRequest(c, err.Error())
	}
	name := c.Param("name")
	totals, err := h.Service.BillingHistory(c.Request().Context(), orgID(c), name, months)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"integration": strings.ToLower(name), "history": totals})
}

// HandleExpenseReport passes the provider's report through untouched.
func (h *Handlers) HandleExpenseReport(c *echo.Context) error {
	opts, err := queryRange(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	report, err := h.Service.ExpenseReport(c.Request().Context(), orgID(c), c.Param("name"), opts)
	if err != nil {
		return h.respondError(c, err)
	}
	if len(report) == 0 {
		report = []byte("{}")
	}
	return c.JSONBlob(http.StatusOK, report)
}

func (h *Handlers) HandleAccounts(c *echo.Context) error {
	name := c.Param("name")
	accounts, err := h.Service.Accounts(c.Request().Context(), orgID(c), name)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"integration": strings.ToLower(name), "accounts": accounts})
}
