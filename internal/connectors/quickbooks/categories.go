package quickbooks

import "github.com/open-sspm/open-spend/internal/costs"

// DefaultCategories is the expense category table applied to vendor names
// and line descriptions. Earlier entries take precedence.
func DefaultCategories() costs.CategoryCatalog {
	return costs.CategoryCatalog{
		{Category: "Software", Keywords: []string{"software", "saas", "subscription", "cloud"}},
		{Category: "Development", Keywords: []string{"github", "aws", "azure", "google cloud", "heroku", "vercel"}},
		{Category: "Marketing", Keywords: []string{"hubspot", "mailchimp", "sendgrid", "intercom", "facebook", "google ads"}},
		{Category: "Productivity", Keywords: []string{"slack", "notion", "asana", "monday", "zoom", "microsoft 365"}},
		{Category: "Design", Keywords: []string{"figma", "adobe", "canva", "sketch"}},
		{Category: "Analytics", Keywords: []string{"mixpanel", "amplitude", "segment", "datadog", "new relic"}},
		{Category: "Security", Keywords: []string{"1password", "okta", "auth0", "crowdstrike"}},
	}
}

// DefaultSaaSFilter keeps expenses in software-like categories or whose
// vendor or tool name looks like a subscription product.
func DefaultSaaSFilter() costs.SaaSFilter {
	return costs.SaaSFilter{
		Categories: []string{"software", "development", "productivity", "design", "analytics", "security", "marketing"},
		Keywords:   []string{"software", "saas", "cloud", "subscription", "pro", "premium", "enterprise", "team", "business"},
	}
}
