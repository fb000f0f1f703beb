package stripe

import (
	"errors"
	"net/url"
	"strings"
)

const (
	Name           = "stripe"
	DefaultAPIBase = "https://api.stripe.com"

	ConfigCustomerID = "customerId"
)

// Config holds the per-connection settings for the Stripe connector.
type Config struct {
	APIBase    string
	CustomerID string
}

// Normalized returns a copy of the config with trimmed whitespace and defaults applied.
func (c Config) Normalized() Config {
	out := c
	out.APIBase = strings.TrimRight(strings.TrimSpace(out.APIBase), "/")
	out.CustomerID = strings.TrimSpace(out.CustomerID)
	if out.APIBase == "" {
		out.APIBase = DefaultAPIBase
	}
	return out
}

func (c Config) Validate() error {
	c = c.Normalized()
	u, err := url.Parse(c.APIBase)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("Stripe API base must be an absolute URL")
	}
	if c.CustomerID != "" && !strings.HasPrefix(c.CustomerID, "cus_") {
		return errors.New("Stripe customer id must start with cus_")
	}
	return nil
}
