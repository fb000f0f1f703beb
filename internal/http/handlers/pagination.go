package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/open-sspm/open-spend/internal/connectors/registry"
)

// parseIntParam reads an optional integer query parameter bounded to
// [lo, hi]. An absent parameter returns 0.
func parseIntParam(c *echo.Context, name string, lo, hi int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", name, lo, hi)
	}
	return n, nil
}

// dateRange is the optional body of sync requests.
type dateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// decodeBody reads an optional JSON body into dst. An empty body is not an
// error.
func decodeBody(c *echo.Context, dst any) error {
	body := c.Request().Body
	if body == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(body, 1<<20)).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("request body must be valid JSON")
	}
	return nil
}

// importOptions parses ISO 8601 dates (date or RFC 3339 timestamp).
func (r dateRange) importOptions() (registry.ImportOptions, error) {
	var opts registry.ImportOptions
	start, err := parseDate("startDate", r.StartDate)
	if err != nil {
		return opts, err
	}
	end, err := parseDate("endDate", r.EndDate)
	if err != nil {
		return opts, err
	}
	if start != nil && end != nil && end.Before(*start) {
		return opts, errors.New("endDate must not be before startDate")
	}
	opts.StartDate = start
	opts.EndDate = end
	return opts, nil
}

func parseDate(field, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%s must be an ISO 8601 date", field)
}
