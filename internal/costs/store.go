package costs

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// Store is the per-organization cost record collection.
type Store interface {
	// Merge folds records into the organization's collection by natural key.
	Merge(ctx context.Context, orgID string, records []ToolCost) (MergeStats, error)
	// All returns every stored record for the organization.
	All(ctx context.Context, orgID string) ([]ToolCost, error)
}

// Query filters and paginates a cost listing.
type Query struct {
	Category string
	Source   string
	Status   string
	Limit    int
	Offset   int
}

func (q Query) Normalized() Query {
	out := q
	out.Category = strings.TrimSpace(out.Category)
	out.Source = strings.TrimSpace(out.Source)
	out.Status = strings.TrimSpace(out.Status)
	if out.Limit <= 0 {
		out.Limit = DefaultPageLimit
	}
	if out.Limit > MaxPageLimit {
		out.Limit = MaxPageLimit
	}
	if out.Offset < 0 {
		out.Offset = 0
	}
	return out
}

type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

type Page struct {
	ToolCosts  []ToolCost `json:"toolCosts"`
	Pagination Pagination `json:"pagination"`
}

// List applies q to records: filter, newest billing date first, then slice.
func List(records []ToolCost, q Query) Page {
	q = q.Normalized()
	filtered := make([]ToolCost, 0, len(records))
	for _, c := range records {
		if q.Category != "" && c.Category != q.Category {
			continue
		}
		if q.Source != "" && c.Source != q.Source {
			continue
		}
		if q.Status != "" && c.Status != q.Status {
			continue
		}
		filtered = append(filtered, c)
	}
	SortByBillingDateDesc(filtered)

	total := len(filtered)
	start := min(q.Offset, total)
	end := min(start+q.Limit, total)
	page := filtered[start:end]
	return Page{
		ToolCosts: page,
		Pagination: Pagination{
			Total:   total,
			Limit:   q.Limit,
			Offset:  q.Offset,
			HasMore: q.Offset+len(page) < total,
		},
	}
}

// NewID generates a stored ToolCost identifier.
func NewID() string {
	return "tc_" + uuid.NewString()
}

// MemoryStore keeps cost records in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	byOrg map[string][]ToolCost
	newID func() string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOrg: make(map[string][]ToolCost),
		newID: NewID,
	}
}

func (s *MemoryStore) Merge(_ context.Context, orgID string, records []ToolCost) (MergeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged, stats := Merge(s.byOrg[orgID], records, s.newID)
	s.byOrg[orgID] = merged
	return stats, nil
}

func (s *MemoryStore) All(_ context.Context, orgID string) ([]ToolCost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.byOrg[orgID]), nil
}
