package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	gosync "sync"
	"time"

	"github.com/open-sspm/open-spend/internal/connectors/configstore"
	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/open-sspm/open-spend/internal/costs"
	"github.com/open-sspm/open-spend/internal/metrics"
	"github.com/open-sspm/open-spend/internal/sync"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 50

	MaxBillingHistoryMonths = 36

	configRealmID = "realmId"
)

var (
	// ErrInvalidRequest marks caller input that is missing or malformed.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrReconnectFailed wraps failures to restore a stored integration.
	ErrReconnectFailed = errors.New("reconnect failed")
)

type Config struct {
	Registry    *registry.ConnectorRegistry
	Credentials configstore.Store
	Costs       costs.Store
	StateSecret []byte
	Manager     sync.Options
	Logger      *slog.Logger
}

// Service runs integration flows for many organizations. Each organization
// gets its own sync.Manager, so live sessions are never shared across
// tenants.
type Service struct {
	registry    *registry.ConnectorRegistry
	credentials configstore.Store
	costs       costs.Store
	state       *StateSigner
	managerOpts sync.Options
	logger      *slog.Logger
	now         func() time.Time

	mu       gosync.Mutex
	managers map[string]*sync.Manager
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Registry == nil {
		return nil, errors.New("integrations service requires a connector registry")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("integrations service requires a credential store")
	}
	if cfg.Costs == nil {
		return nil, errors.New("integrations service requires a cost store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := cfg.Manager
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return &Service{
		registry:    cfg.Registry,
		credentials: cfg.Credentials,
		costs:       cfg.Costs,
		state:       NewStateSigner(cfg.StateSecret),
		managerOpts: opts,
		logger:      logger,
		now:         time.Now,
		managers:    make(map[string]*sync.Manager),
	}, nil
}

// Manager returns the organization's manager, creating it on first use.
func (s *Service) Manager(orgID string) *sync.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[orgID]
	if !ok {
		opts := s.managerOpts
		opts.Logger = s.managerOpts.Logger.With("org", orgID)
		m = sync.NewManager(s.registry, opts)
		s.managers[orgID] = m
	}
	return m
}

func requireOrg(orgID string) (string, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return "", fmt.Errorf("%w: organization id is required", ErrInvalidRequest)
	}
	return orgID, nil
}

func (s *Service) definition(name string) (registry.Definition, string, error) {
	def, err := s.registry.Lookup(name)
	if err != nil {
		return nil, "", err
	}
	return def, strings.ToLower(strings.TrimSpace(def.Name())), nil
}

// IntegrationView is a listing entry with the organization's stored state.
type IntegrationView struct {
	sync.IntegrationInfo
	LastSync *time.Time `json:"lastSync"`
}

// List describes every registered integration. isConnected reflects stored
// credentials, not whether a live session happens to exist.
func (s *Service) List(ctx context.Context, orgID string) ([]IntegrationView, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return nil, err
	}
	stored, err := s.credentials.List(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	byName := make(map[string]configstore.ConnectionCredentials, len(stored))
	for _, creds := range stored {
		byName[creds.Integration] = creds
	}

	available := s.Manager(orgID).Available()
	out := make([]IntegrationView, 0, len(available))
	for _, info := range available {
		view := IntegrationView{IntegrationInfo: info}
		creds, ok := byName[strings.ToLower(info.Name)]
		view.Connected = ok
		if ok {
			view.LastSync = creds.LastSync
		}
		out = append(out, view)
	}
	return out, nil
}

const (
	StateNotConnected = "not_connected"
	StateConnected    = "connected"
	StateError        = "error"
)

type StatusView struct {
	Name      string     `json:"name"`
	Connected bool       `json:"isConnected"`
	Status    string     `json:"status"`
	Message   string     `json:"message,omitempty"`
	LastSync  *time.Time `json:"lastSync,omitempty"`
}

// Status reconnects from stored credentials when needed and tests the
// connection. Provider failures are reported in the view, not as errors.
func (s *Service) Status(ctx context.Context, orgID, name string) (StatusView, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return StatusView{}, err
	}
	_, key, err := s.definition(name)
	if err != nil {
		return StatusView{}, err
	}
	creds, err := s.credentials.Get(ctx, orgID, key)
	if errors.Is(err, configstore.ErrNotFound) {
		return StatusView{Name: key, Status: StateNotConnected}, nil
	}
	if err != nil {
		return StatusView{}, fmt.Errorf("load %s credentials: %w", key, err)
	}

	view := StatusView{Name: key, LastSync: creds.LastSync}
	m := s.Manager(orgID)
	if err := s.ensureLive(ctx, m, creds); err != nil {
		view.Status = StateError
		view.Message = err.Error()
		return view, nil
	}
	message, err := m.TestConnection(ctx, key)
	if err != nil {
		view.Status = StateError
		view.Message = err.Error()
		return view, nil
	}
	s.writeBack(ctx, orgID, m, key, nil)
	view.Connected = true
	view.Status = StateConnected
	view.Message = message
	return view, nil
}

// ensureLive reconnects the stored integration unless a live session exists.
// A live connector whose session was lost is rebuilt from stored tokens.
func (s *Service) ensureLive(ctx context.Context, m *sync.Manager, creds configstore.ConnectionCredentials) error {
	if m.IsConnected(creds.Integration) {
		return nil
	}
	if _, err := m.Reconnect(ctx, creds.Integration, creds.Tokens, creds.Config); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrReconnectFailed, creds.Integration, err)
	}
	return nil
}

// writeBack updates the stored credentials of key with tokens the live
// connector refreshed itself and, when set, the last sync time. The record is
// re-read first so tokens rotated by another process are only replaced by a
// newer refresh from this one.
func (s *Service) writeBack(ctx context.Context, orgID string, m *sync.Manager, key string, lastSync *time.Time) {
	tokens, refreshed := m.RefreshedTokens(key)
	if !refreshed && lastSync == nil {
		return
	}
	creds, err := s.credentials.Get(ctx, orgID, key)
	if errors.Is(err, configstore.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("reload stored credentials", "org", orgID, "integration", key, "err", err)
		return
	}
	changed := false
	if refreshed && !tokens.Equal(creds.Tokens) {
		creds.Tokens = tokens
		changed = true
	}
	if lastSync != nil {
		creds.LastSync = lastSync
		changed = true
	}
	if changed {
		if err := s.credentials.Put(ctx, orgID, creds); err != nil {
			s.logger.Error("update stored credentials", "org", orgID, "integration", key, "err", err)
			return
		}
	}
	if refreshed {
		m.MarkPersisted(key, tokens)
	}
}

type ConnectResponse struct {
	Success     bool   `json:"success"`
	Integration string `json:"integration"`
	Message     string `json:"message"`
}

// ConnectAPIKey connects an API key integration and stores its credentials.
func (s *Service) ConnectAPIKey(ctx context.Context, orgID, userID, name, apiKey string, config map[string]string) (ConnectResponse, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return ConnectResponse{}, err
	}
	def, key, err := s.definition(name)
	if err != nil {
		return ConnectResponse{}, err
	}
	if def.AuthType() != registry.AuthTypeAPIKey {
		return ConnectResponse{}, fmt.Errorf("%w: %s does not use an API key", registry.ErrUnsupported, key)
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return ConnectResponse{}, fmt.Errorf("%w: %s API key is required", ErrInvalidRequest, def.DisplayName())
	}
	config = compactConfig(config)

	m := s.Manager(orgID)
	result, err := m.Connect(ctx, key, registry.Credentials{APIKey: apiKey, Config: config})
	if err != nil {
		return ConnectResponse{}, err
	}
	if err := s.store(ctx, orgID, userID, key, result.Tokens, config); err != nil {
		_ = m.Disconnect(ctx, key)
		return ConnectResponse{}, err
	}
	s.logger.Info("integration connected", "org", orgID, "integration", key, "user", userID)
	return ConnectResponse{Success: true, Integration: key, Message: def.DisplayName() + " connected successfully"}, nil
}

type AuthURL struct {
	AuthURL string `json:"authUrl"`
	State   string `json:"state"`
}

// AuthorizationURL issues a signed state bound to the organization and
// builds the provider consent URL around it.
func (s *Service) AuthorizationURL(orgID, userID, name string) (AuthURL, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return AuthURL{}, err
	}
	_, key, err := s.definition(name)
	if err != nil {
		return AuthURL{}, err
	}
	state, err := s.state.Sign(State{OrgID: orgID, UserID: userID, Integration: key})
	if err != nil {
		return AuthURL{}, err
	}
	url, err := s.Manager(orgID).AuthorizationURL(key, state)
	if err != nil {
		return AuthURL{}, err
	}
	return AuthURL{AuthURL: url, State: state}, nil
}

// CompleteOAuth finishes an authorization code flow. A non-empty state must
// have been issued by AuthorizationURL for the same organization within
// StateTTL.
func (s *Service) CompleteOAuth(ctx context.Context, orgID, userID, name, code, realmID, state string) (ConnectResponse, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return ConnectResponse{}, err
	}
	def, key, err := s.definition(name)
	if err != nil {
		return ConnectResponse{}, err
	}
	if def.AuthType() != registry.AuthTypeOAuth2 {
		return ConnectResponse{}, fmt.Errorf("%w: %s does not use OAuth", registry.ErrUnsupported, key)
	}
	code = strings.TrimSpace(code)
	realmID = strings.TrimSpace(realmID)
	if code == "" {
		return ConnectResponse{}, fmt.Errorf("%w: authorization code is required", ErrInvalidRequest)
	}
	if realmID == "" {
		return ConnectResponse{}, fmt.Errorf("%w: realm ID is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(state) != "" {
		if _, err := s.state.Verify(state, orgID, key); err != nil {
			s.logger.Warn("oauth state rejected", "org", orgID, "integration", key, "err", err)
			return ConnectResponse{}, err
		}
	}

	config := map[string]string{configRealmID: realmID}
	m := s.Manager(orgID)
	result, err := m.Connect(ctx, key, registry.Credentials{Code: code, RealmID: realmID, Config: config})
	if err != nil {
		return ConnectResponse{}, err
	}
	if err := s.store(ctx, orgID, userID, key, result.Tokens, config); err != nil {
		_ = m.Disconnect(ctx, key)
		return ConnectResponse{}, err
	}
	s.logger.Info("integration connected", "org", orgID, "integration", key, "user", userID)
	return ConnectResponse{Success: true, Integration: key, Message: def.DisplayName() + " connected successfully"}, nil
}

func (s *Service) store(ctx context.Context, orgID, userID, key string, tokens registry.Tokens, config map[string]string) error {
	err := s.credentials.Put(ctx, orgID, configstore.ConnectionCredentials{
		Integration: key,
		Tokens:      tokens,
		Config:      config,
		ConnectedAt: s.now().UTC(),
		ConnectedBy: strings.TrimSpace(userID),
	})
	if err != nil {
		return fmt.Errorf("store %s credentials: %w", key, err)
	}
	return nil
}

func compactConfig(config map[string]string) map[string]string {
	out := make(map[string]string, len(config))
	for k, v := range config {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	return out
}

type DisconnectResponse struct {
	Success     bool   `json:"success"`
	Integration string `json:"integration"`
	Message     string `json:"message"`
}

// Disconnect ends any live session and forgets the stored credentials.
func (s *Service) Disconnect(ctx context.Context, orgID, name string) (DisconnectResponse, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return DisconnectResponse{}, err
	}
	_, key, err := s.definition(name)
	if err != nil {
		return DisconnectResponse{}, err
	}
	if err := s.Manager(orgID).Disconnect(ctx, key); err != nil && !errors.Is(err, registry.ErrNotConnected) {
		return DisconnectResponse{}, err
	}
	if err := s.credentials.Delete(ctx, orgID, key); err != nil {
		return DisconnectResponse{}, fmt.Errorf("delete %s credentials: %w", key, err)
	}
	s.logger.Info("integration disconnected", "org", orgID, "integration", key)
	return DisconnectResponse{Success: true, Integration: key, Message: key + " disconnected successfully"}, nil
}

// Sync imports from one stored integration and merges the result into the
// organization's cost records. A failed sync leaves stored costs untouched
// and is reported through the returned result.
func (s *Service) Sync(ctx context.Context, orgID, name string, opts registry.ImportOptions) (registry.SyncResult, error) {
	orgID, m, key, err := s.live(ctx, orgID, name)
	if err != nil {
		return registry.SyncResult{}, err
	}
	result, err := m.ImportFromIntegration(ctx, key, opts)
	if err != nil {
		return registry.SyncResult{}, err
	}
	if !result.Success {
		s.writeBack(ctx, orgID, m, key, nil)
		return result, nil
	}

	if err := s.merge(ctx, orgID, result.ToolCosts); err != nil {
		return registry.SyncResult{}, err
	}
	synced := result.SyncedAt
	s.writeBack(ctx, orgID, m, key, &synced)
	s.logger.Info("integration synced", "org", orgID, "integration", key, "items", result.ItemsImported)
	return result, nil
}

// live returns the organization's manager with a live connector for the
// stored integration name.
func (s *Service) live(ctx context.Context, orgID, name string) (string, *sync.Manager, string, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return "", nil, "", err
	}
	_, key, err := s.definition(name)
	if err != nil {
		return "", nil, "", err
	}
	creds, err := s.credentials.Get(ctx, orgID, key)
	if errors.Is(err, configstore.ErrNotFound) {
		return "", nil, "", fmt.Errorf("%w: %s", registry.ErrNotConnected, key)
	}
	if err != nil {
		return "", nil, "", fmt.Errorf("load %s credentials: %w", key, err)
	}
	m := s.Manager(orgID)
	if err := s.ensureLive(ctx, m, creds); err != nil {
		return "", nil, "", err
	}
	return orgID, m, key, nil
}

func (s *Service) merge(ctx context.Context, orgID string, records []costs.ToolCost) error {
	if len(records) == 0 {
		return nil
	}
	stats, err := s.costs.Merge(ctx, orgID, records)
	if err != nil {
		return fmt.Errorf("store tool costs: %w", err)
	}
	metrics.ToolCostsMergedTotal.WithLabelValues("inserted").Add(float64(stats.Inserted))
	metrics.ToolCostsMergedTotal.WithLabelValues("updated").Add(float64(stats.Updated))
	return nil
}

// reconnectAll makes every stored integration live. Integrations that
// cannot reconnect are returned as failed results.
func (s *Service) reconnectAll(ctx context.Context, orgID string, m *sync.Manager) ([]configstore.ConnectionCredentials, []sync.IntegrationResult, error) {
	stored, err := s.credentials.List(ctx, orgID)
	if err != nil {
		return nil, nil, fmt.Errorf("list credentials: %w", err)
	}
	var failed []sync.IntegrationResult
	for _, creds := range stored {
		if _, ok := s.registry.Get(creds.Integration); !ok {
			continue
		}
		if err := s.ensureLive(ctx, m, creds); err != nil {
			s.logger.Warn("stored integration unavailable", "org", orgID, "integration", creds.Integration, "err", err)
			failed = append(failed, sync.IntegrationResult{
				Name: creds.Integration,
				Result: registry.SyncResult{
					Source:    creds.Integration,
					SyncedAt:  s.now().UTC(),
					ToolCosts: []costs.ToolCost{},
					Err:       err,
				},
			})
		}
	}
	return stored, failed, nil
}

// SyncAll syncs every stored integration of the organization. Costs are
// merged only when every integration succeeded.
func (s *Service) SyncAll(ctx context.Context, orgID string, opts registry.ImportOptions) (sync.AggregateResult, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return sync.AggregateResult{}, err
	}
	m := s.Manager(orgID)
	stored, failed, err := s.reconnectAll(ctx, orgID, m)
	if err != nil {
		return sync.AggregateResult{}, err
	}

	result := m.SyncAll(ctx, opts)
	if len(failed) > 0 {
		result.Success = false
		result.Integrations = append(result.Integrations, failed...)
		slices.SortStableFunc(result.Integrations, func(a, b sync.IntegrationResult) int {
			return strings.Compare(a.Name, b.Name)
		})
	}

	if result.Success {
		if err := s.merge(ctx, orgID, result.AllToolCosts); err != nil {
			return sync.AggregateResult{}, err
		}
	}
	succeeded := make(map[string]registry.SyncResult)
	for _, ir := range result.Integrations {
		if ir.Result.Success {
			succeeded[ir.Name] = ir.Result
		}
	}
	for _, creds := range stored {
		var lastSync *time.Time
		if r, ok := succeeded[creds.Integration]; ok && result.Success {
			synced := r.SyncedAt
			lastSync = &synced
		}
		s.writeBack(ctx, orgID, m, creds.Integration, lastSync)
	}

	s.logger.Info("organization synced", "org", orgID,
		"items", result.TotalImported,
		"integrations", len(result.Integrations),
		"success", result.Success,
	)
	return result, nil
}

func (s *Service) ToolCosts(ctx context.Context, orgID string, q costs.Query) (costs.Page, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return costs.Page{}, err
	}
	records, err := s.costs.All(ctx, orgID)
	if err != nil {
		return costs.Page{}, fmt.Errorf("load tool costs: %w", err)
	}
	return costs.List(records, q), nil
}

// Analytics aggregates what the organization's integrations report live.
func (s *Service) Analytics(ctx context.Context, orgID string, opts registry.ImportOptions) (sync.Analytics, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return sync.Analytics{}, err
	}
	m := s.Manager(orgID)
	if _, _, err := s.reconnectAll(ctx, orgID, m); err != nil {
		return sync.Analytics{}, err
	}
	return m.Analytics(ctx, opts), nil
}

// Summary aggregates the organization's stored cost records.
func (s *Service) Summary(ctx context.Context, orgID string) (costs.Summary, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return costs.Summary{}, err
	}
	records, err := s.costs.All(ctx, orgID)
	if err != nil {
		return costs.Summary{}, fmt.Errorf("load tool costs: %w", err)
	}
	return costs.Summarize(records), nil
}

// History returns recent sync outcomes, newest first. limit is clamped to
// 1..MaxHistoryLimit and defaults to DefaultHistoryLimit.
func (s *Service) History(orgID string, limit int) ([]sync.HistoryEntry, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)
	out := s.Manager(orgID).History(limit)
	if out == nil {
		out = []sync.HistoryEntry{}
	}
	return out, nil
}

// BillingHistory totals what a stored integration billed per month over the
// trailing months.
func (s *Service) BillingHistory(ctx context.Context, orgID, name string, months int) ([]registry.MonthlyTotal, error) {
	orgID, m, key, err := s.live(ctx, orgID, name)
	if err != nil {
		return nil, err
	}
	if months < 0 || months > MaxBillingHistoryMonths {
		return nil, fmt.Errorf("%w: months must be between 1 and %d", ErrInvalidRequest, MaxBillingHistoryMonths)
	}
	totals, err := m.BillingHistory(ctx, key, months)
	s.writeBack(ctx, orgID, m, key, nil)
	return totals, err
}

// ExpenseReport returns the provider's expense report for the window in opts.
func (s *Service) ExpenseReport(ctx context.Context, orgID, name string, opts registry.ImportOptions) (json.RawMessage, error) {
	orgID, m, key, err := s.live(ctx, orgID, name)
	if err != nil {
		return nil, err
	}
	report, err := m.ExpenseReport(ctx, key, opts)
	s.writeBack(ctx, orgID, m, key, nil)
	return report, err
}

// Accounts lists the customers or vendors a stored integration can see.
func (s *Service) Accounts(ctx context.Context, orgID, name string) ([]registry.Account, error) {
	orgID, m, key, err := s.live(ctx, orgID, name)
	if err != nil {
		return nil, err
	}
	accounts, err := m.Accounts(ctx, key)
	s.writeBack(ctx, orgID, m, key, nil)
	return accounts, err
}
