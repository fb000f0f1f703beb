package stripe

import "github.com/open-sspm/open-spend/internal/costs"

// DefaultVendors is the built-in product keyword table. Order matters: the
// first keyword contained in a product's name or description wins.
func DefaultVendors() costs.VendorCatalog {
	return costs.VendorCatalog{
		{Keyword: "github", Category: "development", Vendor: "GitHub"},
		{Keyword: "gitlab", Category: "development", Vendor: "GitLab"},
		{Keyword: "bitbucket", Category: "development", Vendor: "Bitbucket"},
		{Keyword: "vercel", Category: "infrastructure", Vendor: "Vercel"},
		{Keyword: "netlify", Category: "infrastructure", Vendor: "Netlify"},
		{Keyword: "heroku", Category: "infrastructure", Vendor: "Heroku"},
		{Keyword: "digitalocean", Category: "infrastructure", Vendor: "DigitalOcean"},
		{Keyword: "aws", Category: "infrastructure", Vendor: "AWS"},
		{Keyword: "datadog", Category: "monitoring", Vendor: "Datadog"},
		{Keyword: "sentry", Category: "monitoring", Vendor: "Sentry"},

		{Keyword: "slack", Category: "communication", Vendor: "Slack"},
		{Keyword: "notion", Category: "productivity", Vendor: "Notion"},
		{Keyword: "asana", Category: "productivity", Vendor: "Asana"},
		{Keyword: "monday", Category: "productivity", Vendor: "Monday.com"},
		{Keyword: "jira", Category: "productivity", Vendor: "Atlassian"},
		{Keyword: "confluence", Category: "productivity", Vendor: "Atlassian"},
		{Keyword: "trello", Category: "productivity", Vendor: "Atlassian"},
		{Keyword: "airtable", Category: "productivity", Vendor: "Airtable"},
		{Keyword: "clickup", Category: "productivity", Vendor: "ClickUp"},

		{Keyword: "figma", Category: "design", Vendor: "Figma"},
		{Keyword: "canva", Category: "design", Vendor: "Canva"},
		{Keyword: "adobe", Category: "design", Vendor: "Adobe"},
		{Keyword: "sketch", Category: "design", Vendor: "Sketch"},
		{Keyword: "invision", Category: "design", Vendor: "InVision"},

		{Keyword: "hubspot", Category: "marketing", Vendor: "HubSpot"},
		{Keyword: "mailchimp", Category: "marketing", Vendor: "Mailchimp"},
		{Keyword: "intercom", Category: "support", Vendor: "Intercom"},
		{Keyword: "zendesk", Category: "support", Vendor: "Zendesk"},
		{Keyword: "salesforce", Category: "crm", Vendor: "Salesforce"},

		{Keyword: "mixpanel", Category: "analytics", Vendor: "Mixpanel"},
		{Keyword: "amplitude", Category: "analytics", Vendor: "Amplitude"},
		{Keyword: "segment", Category: "analytics", Vendor: "Segment"},
		{Keyword: "heap", Category: "analytics", Vendor: "Heap"},

		{Keyword: "1password", Category: "security", Vendor: "1Password"},
		{Keyword: "okta", Category: "security", Vendor: "Okta"},
		{Keyword: "auth0", Category: "security", Vendor: "Auth0"},
	}
}
