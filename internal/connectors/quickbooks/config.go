package quickbooks

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

const (
	Name = "quickbooks"

	// Scope grants read access to the company's accounting data.
	Scope = "com.intuit.quickbooks.accounting"

	EnvironmentProduction = "production"
	EnvironmentSandbox    = "sandbox"

	AuthURL              = "https://appcenter.intuit.com/connect/oauth2"
	TokenURL             = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	ProductionAPIBase    = "https://quickbooks.api.intuit.com/v3/company"
	SandboxAPIBase       = "https://sandbox-quickbooks.api.intuit.com/v3/company"
	ConfigRealmID        = "realmId"
	ConfigEnvironment    = "environment"
	defaultLookbackMonth = 6
)

// Config holds the OAuth client and endpoint settings for QuickBooks Online.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Environment  string

	// APIBase, AuthURL and TokenURL override the environment defaults.
	APIBase  string
	AuthURL  string
	TokenURL string
}

// Normalized returns a copy of the config with trimmed whitespace and defaults applied.
func (c Config) Normalized() Config {
	out := c
	out.ClientID = strings.TrimSpace(out.ClientID)
	out.ClientSecret = strings.TrimSpace(out.ClientSecret)
	out.RedirectURI = strings.TrimSpace(out.RedirectURI)
	out.Environment = strings.ToLower(strings.TrimSpace(out.Environment))
	if out.Environment == "" {
		out.Environment = EnvironmentProduction
	}
	out.APIBase = strings.TrimRight(strings.TrimSpace(out.APIBase), "/")
	if out.APIBase == "" {
		out.APIBase = ProductionAPIBase
		if out.Environment == EnvironmentSandbox {
			out.APIBase = SandboxAPIBase
		}
	}
	out.AuthURL = strings.TrimSpace(out.AuthURL)
	if out.AuthURL == "" {
		out.AuthURL = AuthURL
	}
	out.TokenURL = strings.TrimSpace(out.TokenURL)
	if out.TokenURL == "" {
		out.TokenURL = TokenURL
	}
	return out
}

func (c Config) Validate() error {
	c = c.Normalized()
	var errs []error
	if c.ClientID == "" {
		errs = append(errs, errors.New("QuickBooks client id is required"))
	}
	if c.ClientSecret == "" {
		errs = append(errs, errors.New("QuickBooks client secret is required"))
	}
	if c.RedirectURI == "" {
		errs = append(errs, errors.New("QuickBooks redirect URI is required"))
	}
	switch c.Environment {
	case EnvironmentProduction, EnvironmentSandbox:
	default:
		errs = append(errs, fmt.Errorf("QuickBooks environment must be %s or %s", EnvironmentProduction, EnvironmentSandbox))
	}
	for _, raw := range []string{c.APIBase, c.AuthURL, c.TokenURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("QuickBooks endpoint %q must be an absolute URL", raw))
		}
	}
	return errors.Join(errs...)
}

// OAuth2 returns the authorization code flow configuration. Intuit expects
// client credentials in the Basic authorization header.
func (c Config) OAuth2() *oauth2.Config {
	c = c.Normalized()
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       []string{Scope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthURL,
			TokenURL:  c.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}
