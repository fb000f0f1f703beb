// Package handlers contains the JSON handlers of the integrations API.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"
	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/open-sspm/open-spend/internal/costs"
	"github.com/open-sspm/open-spend/internal/integrations"
	"github.com/open-sspm/open-spend/internal/sync"
)

const (
	// ContextKeyRequestID stores the request id (X-Request-ID) for logging and client error references.
	ContextKeyRequestID = "request_id"

	// ContextKeyOrgID and ContextKeyUserID hold the caller identity set by RequireOrganization.
	ContextKeyOrgID  = "org_id"
	ContextKeyUserID = "user_id"

	// HeaderOrgID and HeaderUserID are set by the host's authentication layer.
	HeaderOrgID  = "X-Organization-ID"
	HeaderUserID = "X-User-ID"

	// InternalErrorCode is a stable error code safe to return to clients.
	InternalErrorCode = "INTERNAL_ERROR"
)

// IntegrationService is the subset of integrations.Service the handlers use.
type IntegrationService interface {
	List(ctx context.Context, orgID string) ([]integrations.IntegrationView, error)
	Status(ctx context.Context, orgID, name string) (integrations.StatusView, error)
	ConnectAPIKey(ctx context.Context, orgID, userID, name, apiKey string, config map[string]string) (integrations.ConnectResponse, error)
	AuthorizationURL(orgID, userID, name string) (integrations.AuthURL, error)
	CompleteOAuth(ctx context.Context, orgID, userID, name, code, realmID, state string) (integrations.ConnectResponse, error)
	Disconnect(ctx context.Context, orgID, name string) (integrations.DisconnectResponse, error)
	Sync(ctx context.Context, orgID, name string, opts registry.ImportOptions) (registry.SyncResult, error)
	SyncAll(ctx context.Context, orgID string, opts registry.ImportOptions) (sync.AggregateResult, error)
	ToolCosts(ctx context.Context, orgID string, q costs.Query) (costs.Page, error)
	Analytics(ctx context.Context, orgID string, opts registry.ImportOptions) (sync.Analytics, error)
	Summary(ctx context.Context, orgID string) (costs.Summary, error)
	History(orgID string, limit int) ([]sync.HistoryEntry, error)
	BillingHistory(ctx context.Context, orgID, name string, months int) ([]registry.MonthlyTotal, error)
	ExpenseReport(ctx context.Context, orgID, name string, opts registry.ImportOptions) (json.RawMessage, error)
	Accounts(ctx context.Context, orgID, name string) ([]registry.Account, error)
}

// Handlers groups all HTTP handlers and shared dependencies.
type Handlers struct {
	Service IntegrationService
}

func (h *Handlers) HandleHealthz(c *echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// RequireOrganization rejects requests without an organization header and
// stores the caller identity on the context.
func RequireOrganization(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		orgID := strings.TrimSpace(c.Request().Header.Get(HeaderOrgID))
		if orgID == "" {
			return c.JSON(http.StatusUnauthorized, errorBody{Message: "organization is required"})
		}
		c.Set(ContextKeyOrgID, orgID)
		c.Set(ContextKeyUserID, strings.TrimSpace(c.Request().Header.Get(HeaderUserID)))
		return next(c)
	}
}

func orgID(c *echo.Context) string {
	v, _ := c.Get(ContextKeyOrgID).(string)
	return v
}

func userID(c *echo.Context) string {
	v, _ := c.Get(ContextKeyUserID).(string)
	return v
}

// RenderError logs err and returns a generic 500 body.
func (h *Handlers) RenderError(c *echo.Context, err error) error {
	requestID, _ := c.Get(ContextKeyRequestID).(string)
	path := ""
	if req := c.Request(); req != nil && req.URL != nil {
		path = req.URL.Path
	}
	method := ""
	if req := c.Request(); req != nil {
		method = req.Method
	}
	c.Logger().Error("http error",
		"request_id", requestID,
		"method", method,
		"path", path,
		"org", orgID(c),
		"ip", c.RealIP(),
		"error", err,
	)

	msg := "Internal server error."
	if requestID != "" {
		msg = fmt.Sprintf("%s Reference: %s.", msg, requestID)
	}
	msg = fmt.Sprintf("%s Code: %s.", msg, InternalErrorCode)
	return c.JSON(http.StatusInternalServerError, errorBody{Message: msg, Code: InternalErrorCode})
}

// RenderNotFound returns a 404 response.
func RenderNotFound(c *echo.Context) error {
	return c.JSON(http.StatusNotFound, errorBody{Message: "not found"})
}
