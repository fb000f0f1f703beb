package httpapp

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/open-sspm/open-spend/internal/http/handlers"
)

const headerRequestID = "X-Request-ID"

// EchoServer is the HTTP server wrapper.
type EchoServer struct {
	h *handlers.Handlers
	e *echo.Echo
}

// NewEchoServer creates a new HTTP server.
func NewEchoServer(svc handlers.IntegrationService, logger *slog.Logger) *EchoServer {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.Logger = logger
	es := &EchoServer{h: &handlers.Handlers{Service: svc}, e: e}
	e.HTTPErrorHandler = es.httpErrorHandler
	es.registerRoutes()
	return es
}

func (es *EchoServer) registerRoutes() {
	es.e.Use(middleware.Recover())
	es.e.Use(requestID)
	es.e.Use(accessLog)

	es.e.GET("/healthz", es.h.HandleHealthz)

	api := es.e.Group("/api/integrations", handlers.RequireOrganization)
	api.GET("", es.h.HandleListIntegrations)
	api.POST("/stripe/connect", es.h.HandleStripeConnect)
	api.GET("/quickbooks/auth-url", es.h.HandleQuickBooksAuthURL)
	api.POST("/quickbooks/callback", es.h.HandleQuickBooksCallback)
	api.POST("/sync-all", es.h.HandleSyncAll)
	api.GET("/tool-costs", es.h.HandleToolCosts)
	api.GET("/analytics", es.h.HandleAnalytics)
	api.GET("/summary", es.h.HandleSummary)
	api.GET("/history", es.h.HandleHistory)
	api.GET("/:name/status", es.h.HandleIntegrationStatus)
	api.POST("/:name/sync", es.h.HandleSync)
	api.GET("/:name/billing-history", es.h.HandleBillingHistory)
	api.GET("/:name/expense-report", es.h.HandleExpenseReport)
	api.GET("/:name/accounts", es.h.HandleAccounts)
	api.DELETE("/:name", es.h.HandleDisconnect)
}

// ServeHTTP lets the server be mounted in another handler or tested directly.
func (es *EchoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	es.e.ServeHTTP(w, r)
}

// StartServer starts the HTTP server with a custom http.Server.
func (es *EchoServer) StartServer(server *http.Server) error {
	server.Handler = es.e
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestID propagates or assigns X-Request-ID.
func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := strings.TrimSpace(c.Request().Header.Get(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(handlers.ContextKeyRequestID, id)
		c.Response().Header().Set(headerRequestID, id)
		return next(c)
	}
}

func accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		started := time.Now()
		err := next(c)
		id, _ := c.Get(handlers.ContextKeyRequestID).(string)
		c.Logger().Debug("http request",
			"request_id", id,
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"duration_ms", time.Since(started).Milliseconds(),
			"err", err,
		)
		return err
	}
}

func (es *EchoServer) httpErrorHandler(c *echo.Context, err error) {
	if err == nil {
		return
	}
	status := httpStatusFromError(err)
	var writeErr error
	switch {
	case status >= http.StatusInternalServerError:
		writeErr = es.h.RenderError(c, err)
	case status == http.StatusNotFound:
		writeErr = handlers.RenderNotFound(c)
	default:
		writeErr = c.JSON(status, map[string]any{"success": false, "message": http.StatusText(status)})
	}
	if writeErr != nil {
		c.Logger().Error("write error response", "err", writeErr)
	}
}

type statusCoder interface {
	StatusCode() int
}

func httpStatusFromError(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code >= 400 && code <= 599 {
			return code
		}
	}
	return http.StatusInternalServerError
}
