package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/open-sspm/open-spend/internal/config"
	"github.com/open-sspm/open-spend/internal/connectors/configstore"
	"github.com/open-sspm/open-spend/internal/connectors/quickbooks"
	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/open-sspm/open-spend/internal/connectors/stripe"
	"github.com/open-sspm/open-spend/internal/costs"
	"github.com/open-sspm/open-spend/internal/integrations"
	"github.com/open-sspm/open-spend/internal/sync"
)

// buildConnectorRegistry registers Stripe always and QuickBooks when its
// OAuth client is configured. Catalog overrides replace the defaults section
// by section.
func buildConnectorRegistry(cfg config.Config) (*registry.ConnectorRegistry, error) {
	catalog, err := costs.LoadCatalogFile(cfg.CatalogFile)
	if err != nil {
		return nil, err
	}

	reg := registry.NewRegistry()
	if err := reg.Register(stripe.NewDefinition(cfg.StripeAPIBase, catalog.Vendors)); err != nil {
		return nil, err
	}
	if !cfg.QuickBooksConfigured() {
		slog.Info("quickbooks integration disabled, oauth client not configured")
		return reg, nil
	}
	categories := catalog.ExpenseCategories
	if len(categories) == 0 {
		categories = quickbooks.DefaultCategories()
	}
	saas := catalog.SaaS
	if saas == nil {
		def := quickbooks.DefaultSaaSFilter()
		saas = &def
	}
	qb := quickbooks.NewDefinition(quickbooks.Config{
		ClientID:     cfg.QuickBooksClientID,
		ClientSecret: cfg.QuickBooksClientSecret,
		RedirectURI:  cfg.QuickBooksRedirectURI,
		Environment:  cfg.QuickBooksEnvironment,
	}, categories, saas)
	if err := reg.Register(qb); err != nil {
		return nil, err
	}
	return reg, nil
}

// app holds what every service-backed command needs.
type app struct {
	cfg         config.Config
	pool        *pgxpool.Pool
	credentials configstore.Store
	costs       costs.Store
	service     *integrations.Service
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// openApp connects the configured stores and builds the integrations
// service. Cost records live in Postgres whenever DATABASE_URL is set.
func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{cfg: cfg}
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.pool = pool
	}

	var err error
	a.credentials, err = openCredentialStore(cfg, a.pool)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.pool != nil {
		a.costs, err = costs.NewPostgresStore(a.pool)
		if err != nil {
			a.Close()
			return nil, err
		}
	} else {
		a.costs = costs.NewMemoryStore()
	}

	reg, err := buildConnectorRegistry(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.service, err = integrations.NewService(integrations.Config{
		Registry:    reg,
		Credentials: a.credentials,
		Costs:       a.costs,
		StateSecret: []byte(cfg.OAuthStateSecret),
		Manager: sync.Options{
			Workers:     cfg.SyncWorkers,
			HistorySize: cfg.SyncHistorySize,
			Logger:      logger,
			Reporter:    &sync.LogReporter{Logger: logger},
		},
		Logger: logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openCredentialStore(cfg config.Config, pool *pgxpool.Pool) (configstore.Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		if pool == nil {
			return nil, errors.New("postgres credential store requires DATABASE_URL")
		}
		return configstore.NewPostgresStore(pool)
	case config.StoreVault:
		return configstore.NewVaultStore(configstore.VaultConfig{
			Address:   cfg.VaultAddr,
			Namespace: cfg.VaultNamespace,
			Mount:     cfg.VaultMount,
			AuthType:  configstore.VaultAuthTypeToken,
			Token:     cfg.VaultToken,
		})
	default:
		slog.Warn("using in-memory credential store, connections are lost on exit")
		return configstore.NewMemoryStore(), nil
	}
}
