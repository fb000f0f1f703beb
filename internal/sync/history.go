package sync

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/open-sspm/open-spend/internal/connectors/registry"
)

const DefaultHistorySize = 100

// HistoryEntry is one recorded sync outcome.
type HistoryEntry struct {
	Integration string
	Result      registry.SyncResult
	Timestamp   time.Time
}

// MarshalJSON flattens the result next to the integration name and
// timestamp.
func (e HistoryEntry) MarshalJSON() ([]byte, error) {
	return withFields(e.Result, map[string]any{
		"integration": e.Integration,
		"timestamp":   e.Timestamp,
	})
}

// History is a fixed-capacity ring buffer of sync outcomes. Once full, each
// Add evicts the oldest entry.
type History struct {
	mu      sync.Mutex
	entries []HistoryEntry
	next    int
	full    bool
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{entries: make([]HistoryEntry, capacity)}
}

func (h *History) Add(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lenLocked()
}

func (h *History) lenLocked() int {
	if h.full {
		return len(h.entries)
	}
	return h.next
}

// Recent returns up to limit entries, newest first. A non-positive limit
// returns everything retained.
func (h *History) Recent(limit int) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.lenLocked()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]HistoryEntry, 0, limit)
	for i := range limit {
		idx := (h.next - 1 - i + len(h.entries)) % len(h.entries)
		out = append(out, h.entries[idx])
	}
	return out
}

// withFields encodes v and adds extra top-level keys to the resulting
// object. Values already encoded by v are kept byte for byte.
func withFields(v any, extra map[string]any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for key, value := range extra {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		fields[key] = encoded
	}
	return json.Marshal(fields)
}
