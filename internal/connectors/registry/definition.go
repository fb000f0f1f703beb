package registry

type AuthType string

const (
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeOAuth2 AuthType = "oauth2"
)

// Definition describes a connector type and builds unauthenticated
// instances of it.
type Definition interface {
	// Identity
	Name() string        // e.g., "stripe", "quickbooks"
	DisplayName() string // e.g., "Stripe", "QuickBooks"
	Description() string

	AuthType() AuthType
	Features() []string

	// New returns a fresh, unauthenticated connector. config carries
	// per-connection settings such as a default customer or realm.
	New(config map[string]string) (Connector, error)
}

// DefinitionInfo is the static, serializable part of a Definition.
type DefinitionInfo struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	Description string   `json:"description"`
	AuthType    AuthType `json:"authType"`
	Features    []string `json:"features"`
}

func Describe(def Definition) DefinitionInfo {
	features := def.Features()
	if features == nil {
		features = []string{}
	}
	return DefinitionInfo{
		Name:        def.Name(),
		DisplayName: def.DisplayName(),
		Description: def.Description(),
		AuthType:    def.AuthType(),
		Features:    features,
	}
}
