package configstore

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/open-sspm/open-spend/internal/connectors/registry"
)

var ErrNotFound = errors.New("integration credentials not found")

// ConnectionCredentials is what an organization keeps for one connected
// integration between sessions.
type ConnectionCredentials struct {
	Integration string            `json:"integration"`
	Tokens      registry.Tokens   `json:"tokens"`
	Config      map[string]string `json:"config"`
	ConnectedAt time.Time         `json:"connectedAt"`
	ConnectedBy string            `json:"connectedBy"`
	LastSync    *time.Time        `json:"lastSync"`
}

func (c ConnectionCredentials) Normalized() ConnectionCredentials {
	out := c
	out.Integration = strings.ToLower(strings.TrimSpace(out.Integration))
	out.ConnectedBy = strings.TrimSpace(out.ConnectedBy)
	out.Config = registry.CloneConfig(out.Config)
	if !out.ConnectedAt.IsZero() {
		out.ConnectedAt = out.ConnectedAt.UTC()
	}
	if out.LastSync != nil {
		t := out.LastSync.UTC()
		out.LastSync = &t
	}
	return out
}

func (c ConnectionCredentials) Validate() error {
	c = c.Normalized()
	if c.Integration == "" {
		return errors.New("integration name is required")
	}
	if c.Tokens.IsZero() {
		return errors.New("integration tokens are required")
	}
	return nil
}

// Masked returns a copy safe to display, with every secret shortened.
func (c ConnectionCredentials) Masked() ConnectionCredentials {
	out := c.Normalized()
	out.Tokens.APIKey = MaskSecret(out.Tokens.APIKey)
	out.Tokens.AccessToken = MaskSecret(out.Tokens.AccessToken)
	out.Tokens.RefreshToken = MaskSecret(out.Tokens.RefreshToken)
	return out
}

// Store persists connection credentials per organization.
type Store interface {
	// Get returns ErrNotFound when the integration has no stored credentials.
	Get(ctx context.Context, orgID, integration string) (ConnectionCredentials, error)
	// List returns the organization's credentials ordered by integration name.
	List(ctx context.Context, orgID string) ([]ConnectionCredentials, error)
	Put(ctx context.Context, orgID string, creds ConnectionCredentials) error
	// Delete removes stored credentials. Deleting a missing entry is not an error.
	Delete(ctx context.Context, orgID, integration string) error
}

func normalizeKey(orgID, integration string) (string, string, error) {
	orgID = strings.TrimSpace(orgID)
	integration = strings.ToLower(strings.TrimSpace(integration))
	if orgID == "" {
		return "", "", errors.New("organization id is required")
	}
	if integration == "" {
		return "", "", errors.New("integration name is required")
	}
	return orgID, integration, nil
}

func sortByIntegration(list []ConnectionCredentials) {
	slices.SortFunc(list, func(a, b ConnectionCredentials) int {
		return cmp.Compare(a.Integration, b.Integration)
	})
}

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	orgs map[string]map[string]ConnectionCredentials
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orgs: make(map[string]map[string]ConnectionCredentials)}
}

func (s *MemoryStore) Get(_ context.Context, orgID, integration string) (ConnectionCredentials, error) {
	orgID, integration, err := normalizeKey(orgID, integration)
	if err != nil {
		return ConnectionCredentials{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.orgs[orgID][integration]
	if !ok {
		return ConnectionCredentials{}, ErrNotFound
	}
	return creds.Normalized(), nil
}

func (s *MemoryStore) List(_ context.Context, orgID string) ([]ConnectionCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConnectionCredentials, 0, len(s.orgs[strings.TrimSpace(orgID)]))
	for _, creds := range s.orgs[strings.TrimSpace(orgID)] {
		out = append(out, creds.Normalized())
	}
	sortByIntegration(out)
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, orgID string, creds ConnectionCredentials) error {
	creds = creds.Normalized()
	if err := creds.Validate(); err != nil {
		return err
	}
	orgID, integration, err := normalizeKey(orgID, creds.Integration)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orgs[orgID] == nil {
		s.orgs[orgID] = make(map[string]ConnectionCredentials)
	}
	creds.Config = maps.Clone(creds.Config)
	s.orgs[orgID][integration] = creds
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, orgID, integration string) error {
	orgID, integration, err := normalizeKey(orgID, integration)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orgs[orgID], integration)
	return nil
}

func MaskSecret(secret string) string {
	s := strings.TrimSpace(secret)
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	tail := s[len(s)-4:]
	prefix := ""
	if idx := strings.Index(s, "_"); idx > 0 && idx <= 6 {
		prefix = s[:idx+1]
	}
	return prefix + "****" + tail
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
