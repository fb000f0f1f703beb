package quickbooks

import (
	"net/http"

	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/open-sspm/open-spend/internal/costs"
)

const displayName = "QuickBooks Online"

// Definition creates QuickBooks connectors sharing one OAuth client.
type Definition struct {
	Config     Config
	Categories costs.CategoryCatalog
	SaaS       *costs.SaaSFilter
	HTTPClient *http.Client
}

func NewDefinition(cfg Config, categories costs.CategoryCatalog, saas *costs.SaaSFilter) *Definition {
	return &Definition{Config: cfg, Categories: categories, SaaS: saas}
}

func (d *Definition) Name() string {
	return Name
}

func (d *Definition) DisplayName() string {
	return displayName
}

func (d *Definition) Description() string {
	return "Import vendor bills and expenses from QuickBooks Online"
}

func (d *Definition) AuthType() registry.AuthType {
	return registry.AuthTypeOAuth2
}

func (d *Definition) Features() []string {
	return []string{"bills", "purchases", "recurring_transactions", "expense_report", "accounts"}
}

// New builds a connector. The connection's environment setting, when
// present, overrides the definition default.
func (d *Definition) New(config map[string]string) (registry.Connector, error) {
	cfg := d.Config
	if env := registry.ConfigValue(config, ConfigEnvironment); env != "" {
		cfg.Environment = env
		cfg.APIBase = ""
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewConnector(cfg, d.Categories, d.SaaS, d.HTTPClient), nil
}
