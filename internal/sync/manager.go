package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/open-sspm/open-spend/internal/costs"
	"github.com/open-sspm/open-spend/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 4

// Options tunes a Manager. Zero values pick defaults.
type Options struct {
	Workers     int
	HistorySize int
	Logger      *slog.Logger
	Reporter    registry.Reporter
}

// Manager owns the live connectors of one organization. Each integration
// name has at most one live connector; a name moves from unregistered to
// connected on Connect or Reconnect and back on Disconnect or a failed
// TestConnection.
type Manager struct {
	registry *registry.ConnectorRegistry
	logger   *slog.Logger
	reporter registry.Reporter
	workers  int
	history  *History

	mu   sync.RWMutex
	live map[string]registry.Connector
	// persisted holds the tokens each live connector was built from or last
	// written back with.
	persisted map[string]registry.Tokens
}

func NewManager(reg *registry.ConnectorRegistry, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = &LogReporter{Logger: logger}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Manager{
		registry: reg,
		logger:   logger,
		reporter: reporter,
		workers:  workers,
		history:  NewHistory(opts.HistorySize),
		live:      make(map[string]registry.Connector),
		persisted: make(map[string]registry.Tokens),
	}
}

// IntegrationInfo is one entry of the available integrations listing.
type IntegrationInfo struct {
	registry.DefinitionInfo
	Connected bool             `json:"isConnected"`
	Status    *registry.Status `json:"status"`
}

// ConnectResult is returned by Connect. Tokens must be persisted by the
// caller and are never serialized.
type ConnectResult struct {
	Integration string          `json:"integration"`
	Status      registry.Status `json:"status"`
	Tokens      registry.Tokens `json:"-"`
}

func canonicalName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (m *Manager) definition(name string) (registry.Definition, string, error) {
	def, err := m.registry.Lookup(name)
	if err != nil {
		return nil, "", err
	}
	return def, canonicalName(def.Name()), nil
}

func (m *Manager) connector(name string) (registry.Connector, string, error) {
	_, key, err := m.definition(name)
	if err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	conn, ok := m.live[key]
	m.mu.RUnlock()
	if !ok {
		return nil, key, fmt.Errorf("%w: %s", registry.ErrNotConnected, key)
	}
	return conn, key, nil
}

// register makes conn the live connector for name, releasing any previous
// session. tokens is what the caller stores for it.
func (m *Manager) register(ctx context.Context, name string, conn registry.Connector, tokens registry.Tokens) {
	m.mu.Lock()
	prev := m.live[name]
	m.live[name] = conn
	m.persisted[name] = tokens
	m.mu.Unlock()

	if prev != nil && prev != conn {
		if err := prev.Disconnect(ctx); err != nil {
			m.logger.Warn("release replaced connector", "integration", name, "err", err)
		}
	}
}

func (m *Manager) unregister(name string, conn registry.Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[name] == conn {
		delete(m.live, name)
		delete(m.persisted, name)
	}
}

// liveSnapshot returns the live connectors ordered by name.
func (m *Manager) liveSnapshot() ([]string, map[string]registry.Connector) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.live))
	snapshot := make(map[string]registry.Connector, len(m.live))
	for name, conn := range m.live {
		names = append(names, name)
		snapshot[name] = conn
	}
	slices.Sort(names)
	return names, snapshot
}

func (m *Manager) Available() []IntegrationInfo {
	defs := m.registry.All()
	out := make([]IntegrationInfo, 0, len(defs))
	for _, def := range defs {
		info := IntegrationInfo{DefinitionInfo: registry.Describe(def)}
		m.mu.RLock()
		conn, ok := m.live[canonicalName(def.Name())]
		m.mu.RUnlock()
		if ok {
			status := conn.Status()
			info.Connected = status.Connected
			info.Status = &status
		}
		out = append(out, info)
	}
	return out
}

// IsConnected reports whether name has a live connector that still holds a
// usable session. A connector whose token refresh failed is not connected.
func (m *Manager) IsConnected(name string) bool {
	conn, _, err := m.connector(name)
	return err == nil && conn.Status().Connected
}

// Connect builds a fresh connector and authenticates it. The connector is
// registered only when authentication succeeds.
func (m *Manager) Connect(ctx context.Context, name string, creds registry.Credentials) (ConnectResult, error) {
	def, key, err := m.definition(name)
	if err != nil {
		return ConnectResult{}, err
	}
	conn, err := def.New(creds.Config)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("%s: %w", key, err)
	}
	tokens, err := conn.Authenticate(ctx, creds)
	if err != nil {
		m.logger.Warn("integration connect failed", "integration", key, "err", err)
		return ConnectResult{}, err
	}
	m.register(ctx, key, conn, tokens)
	m.logger.Info("integration connected", "integration", key)
	return ConnectResult{Integration: key, Status: conn.Status(), Tokens: tokens}, nil
}

// Reconnect rehydrates a connector from persisted tokens and verifies it
// before registering it.
func (m *Manager) Reconnect(ctx context.Context, name string, tokens registry.Tokens, config map[string]string) (registry.Status, error) {
	def, key, err := m.definition(name)
	if err != nil {
		return registry.Status{}, err
	}
	conn, err := def.New(config)
	if err != nil {
		return registry.Status{}, fmt.Errorf("%s: %w", key, err)
	}
	restorer, ok := conn.(registry.Restorer)
	if !ok {
		return registry.Status{}, fmt.Errorf("%w: %s cannot restore stored tokens", registry.ErrUnsupported, key)
	}
	if err := restorer.Restore(ctx, tokens); err != nil {
		return registry.Status{}, err
	}
	if _, err := conn.TestConnection(ctx); err != nil {
		m.logger.Warn("integration reconnect failed", "integration", key, "err", err)
		return registry.Status{}, err
	}
	m.register(ctx, key, conn, tokens)
	m.logger.Info("integration reconnected", "integration", key)
	return conn.Status(), nil
}

func (m *Manager) Disconnect(ctx context.Context, name string) error {
	conn, key, err := m.connector(name)
	if err != nil {
		return err
	}
	m.unregister(key, conn)
	if err := conn.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect %s: %w", key, err)
	}
	m.logger.Info("integration disconnected", "integration", key)
	return nil
}

// TestConnection checks a live connector. A connector that fails the check
// is unregistered.
func (m *Manager) TestConnection(ctx context.Context, name string) (string, error) {
	conn, key, err := m.connector(name)
	if err != nil {
		return "", err
	}
	message, err := conn.TestConnection(ctx)
	if err != nil {
		m.unregister(key, conn)
		if derr := conn.Disconnect(ctx); derr != nil {
			m.logger.Warn("release failed connector", "integration", key, "err", derr)
		}
		m.logger.Warn("integration connection test failed", "integration", key, "err", err)
		return "", err
	}
	return message, nil
}

func (m *Manager) ImportFromIntegration(ctx context.Context, name string, opts registry.ImportOptions) (registry.SyncResult, error) {
	conn, key, err := m.connector(name)
	if err != nil {
		return registry.SyncResult{}, err
	}
	result := m.syncOne(ctx, key, conn, opts)
	m.history.Add(HistoryEntry{Integration: key, Result: result, Timestamp: time.Now().UTC()})
	return result, nil
}

func (m *Manager) syncOne(ctx context.Context, name string, conn registry.Connector, opts registry.ImportOptions) registry.SyncResult {
	m.reporter.Report(registry.Event{Integration: name, At: time.Now()})

	result := conn.Sync(ctx, opts)
	done := registry.Event{
		Integration: name,
		Items:       result.ItemsImported,
		Duration:    result.SyncDuration,
		Done:        true,
		At:          time.Now(),
	}

	metrics.SyncDuration.WithLabelValues(name).Observe(result.SyncDuration.Seconds())
	if !result.Success {
		metrics.SyncRunsTotal.WithLabelValues(name, "failure").Inc()
		done.Err = result.Err
		if done.Err == nil {
			done.Err = errors.New("sync failed")
		}
		m.reporter.Report(done)
		return result
	}
	metrics.SyncRunsTotal.WithLabelValues(name, "success").Inc()
	metrics.SyncLastSuccessTimestamp.WithLabelValues(name).Set(float64(result.SyncedAt.Unix()))
	metrics.ToolCostsImportedTotal.WithLabelValues(name).Add(float64(result.ItemsImported))
	m.reporter.Report(done)
	return result
}

// IntegrationResult is one connector's outcome within a SyncAll.
type IntegrationResult struct {
	Name   string
	Result registry.SyncResult
}

func (r IntegrationResult) MarshalJSON() ([]byte, error) {
	return withFields(r.Result, map[string]any{"name": r.Name})
}

// AggregateResult combines the outcome of syncing every live connector.
type AggregateResult struct {
	Success       bool                `json:"success"`
	TotalImported int                 `json:"totalImported"`
	Integrations  []IntegrationResult `json:"integrations"`
	AllToolCosts  []costs.ToolCost    `json:"allToolCosts"`
	SyncedAt      time.Time           `json:"syncedAt"`
}

// Succeeded returns the names of the integrations whose sync succeeded.
func (r AggregateResult) Succeeded() []string {
	var out []string
	for _, ir := range r.Integrations {
		if ir.Result.Success {
			out = append(out, ir.Name)
		}
	}
	return out
}

// SyncAll syncs every live connector concurrently. One connector failing
// never affects the others; it only clears the overall success flag.
// Results are ordered by integration name and the combined cost list is
// deduplicated by natural key.
func (m *Manager) SyncAll(ctx context.Context, opts registry.ImportOptions) AggregateResult {
	names, snapshot := m.liveSnapshot()
	out := AggregateResult{
		Success:      true,
		Integrations: make([]IntegrationResult, len(names)),
		SyncedAt:     time.Now().UTC(),
	}

	var g errgroup.Group
	g.SetLimit(m.workers)
	for i, name := range names {
		g.Go(func() error {
			out.Integrations[i] = IntegrationResult{Name: name, Result: m.syncOne(ctx, name, snapshot[name], opts)}
			return nil
		})
	}
	_ = g.Wait()

	var combined []costs.ToolCost
	for _, ir := range out.Integrations {
		m.history.Add(HistoryEntry{Integration: ir.Name, Result: ir.Result, Timestamp: ir.Result.SyncedAt})
		if !ir.Result.Success {
			out.Success = false
			continue
		}
		out.TotalImported += ir.Result.ItemsImported
		combined = append(combined, ir.Result.ToolCosts...)
	}
	out.AllToolCosts = costs.Dedupe(combined)
	if out.AllToolCosts == nil {
		out.AllToolCosts = []costs.ToolCost{}
	}

	m.logger.Info("sync complete",
		"items", out.TotalImported,
		"integrations", len(out.Integrations),
		"success", out.Success,
	)
	return out
}

// AuthorizationURL builds the consent URL of an OAuth integration using an
// unauthenticated helper instance.
func (m *Manager) AuthorizationURL(name, state string) (string, error) {
	def, key, err := m.definition(name)
	if err != nil {
		return "", err
	}
	if def.AuthType() != registry.AuthTypeOAuth2 {
		return "", fmt.Errorf("%w: %s does not use OAuth", registry.ErrUnsupported, key)
	}
	conn, err := def.New(nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	builder, ok := conn.(registry.AuthorizationURLBuilder)
	if !ok {
		return "", fmt.Errorf("%w: %s does not build authorization URLs", registry.ErrUnsupported, key)
	}
	return builder.AuthorizationURL(state)
}

// History returns up to limit recorded sync outcomes, newest first.
func (m *Manager) History(limit int) []HistoryEntry {
	return m.history.Recent(limit)
}

func (m *Manager) Statuses() map[string]registry.Status {
	names, snapshot := m.liveSnapshot()
	out := make(map[string]registry.Status, len(names))
	for _, name := range names {
		out[name] = snapshot[name].Status()
	}
	return out
}

// RefreshedTokens returns the live connector's tokens when they differ from
// the ones it was built from or last marked persisted, i.e. when this
// connector refreshed them itself.
func (m *Manager) RefreshedTokens(name string) (registry.Tokens, bool) {
	_, key, err := m.definition(name)
	if err != nil {
		return registry.Tokens{}, false
	}
	current, ok := m.Tokens(key)
	if !ok || current.IsZero() {
		return registry.Tokens{}, false
	}
	m.mu.RLock()
	base, known := m.persisted[key]
	m.mu.RUnlock()
	if known && current.Equal(base) {
		return registry.Tokens{}, false
	}
	return current, true
}

// MarkPersisted records tokens as stored for the live connector of name.
func (m *Manager) MarkPersisted(name string, tokens registry.Tokens) {
	_, key, err := m.definition(name)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[key]; ok {
		m.persisted[key] = tokens
	}
}

// Tokens returns the live connector's current tokens, which may have been
// refreshed since they were last persisted.
func (m *Manager) Tokens(name string) (registry.Tokens, bool) {
	conn, _, err := m.connector(name)
	if err != nil {
		return registry.Tokens{}, false
	}
	source, ok := conn.(registry.TokenSource)
	if !ok {
		return registry.Tokens{}, false
	}
	return source.Tokens(), true
}
