package stripe

import (
	"net/http"

	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/open-sspm/open-spend/internal/costs"
)

const displayName = "Stripe"

type Definition struct {
	APIBase    string
	Vendors    costs.VendorCatalog
	HTTPClient *http.Client
}

func NewDefinition(apiBase string, vendors costs.VendorCatalog) *Definition {
	return &Definition{APIBase: apiBase, Vendors: vendors}
}

func (d *Definition) Name() string {
	return Name
}

func (d *Definition) DisplayName() string {
	return displayName
}

func (d *Definition) Description() string {
	return "Import subscription and invoice costs from Stripe"
}

func (d *Definition) AuthType() registry.AuthType {
	return registry.AuthTypeAPIKey
}

func (d *Definition) Features() []string {
	return []string{"subscriptions", "invoices", "upcoming_charges", "billing_history", "accounts"}
}

func (d *Definition) New(config map[string]string) (registry.Connector, error) {
	cfg := Config{
		APIBase:    d.APIBase,
		CustomerID: registry.ConfigValue(config, ConfigCustomerID),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewConnector(cfg, d.Vendors, d.HTTPClient), nil
}
