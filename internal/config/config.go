package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr        = ":8080"
	defaultMetricsAddr     = ":9090"
	defaultSyncInterval    = 6 * time.Hour
	defaultSyncWorkers     = 4
	defaultSyncHistorySize = 100
	defaultVaultMount      = "secret"
	defaultExportRegion    = "us-east-1"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreVault    = "vault"
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	MetricsAddr string

	// StoreBackend selects where integration credentials live.
	StoreBackend   string
	VaultAddr      string
	VaultToken     string
	VaultNamespace string
	VaultMount     string

	StripeAPIBase string

	QuickBooksClientID     string
	QuickBooksClientSecret string
	QuickBooksRedirectURI  string
	QuickBooksEnvironment  string

	OAuthStateSecret string

	SyncInterval    time.Duration
	SyncWorkers     int
	SyncHistorySize int

	CatalogFile string

	ExportBucket   string
	ExportRegion   string
	ExportEndpoint string
	ExportPrefix   string
}

type LoadOptions struct {
	RequireDatabaseURL bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true})
}

func LoadOptionalDB() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		HTTPAddr:               getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr:            getenvDefault("METRICS_ADDR", defaultMetricsAddr),
		StoreBackend:           strings.ToLower(strings.TrimSpace(getenvDefault("STORE_BACKEND", StoreMemory))),
		VaultAddr:              os.Getenv("VAULT_ADDR"),
		VaultToken:             os.Getenv("VAULT_TOKEN"),
		VaultNamespace:         os.Getenv("VAULT_NAMESPACE"),
		VaultMount:             getenvDefault("VAULT_MOUNT", defaultVaultMount),
		StripeAPIBase:          os.Getenv("STRIPE_API_BASE"),
		QuickBooksClientID:     os.Getenv("QUICKBOOKS_CLIENT_ID"),
		QuickBooksClientSecret: os.Getenv("QUICKBOOKS_CLIENT_SECRET"),
		QuickBooksRedirectURI:  os.Getenv("QUICKBOOKS_REDIRECT_URI"),
		QuickBooksEnvironment:  strings.ToLower(strings.TrimSpace(os.Getenv("QUICKBOOKS_ENVIRONMENT"))),
		OAuthStateSecret:       os.Getenv("OAUTH_STATE_SECRET"),
		SyncInterval:           defaultSyncInterval,
		SyncWorkers:            getenvIntDefault("SYNC_WORKERS", defaultSyncWorkers),
		SyncHistorySize:        getenvIntDefault("SYNC_HISTORY_SIZE", defaultSyncHistorySize),
		CatalogFile:            strings.TrimSpace(os.Getenv("CATALOG_FILE")),
		ExportBucket:           strings.TrimSpace(os.Getenv("EXPORT_BUCKET")),
		ExportRegion:           getenvDefault("EXPORT_REGION", defaultExportRegion),
		ExportEndpoint:         strings.TrimSpace(os.Getenv("EXPORT_ENDPOINT")),
		ExportPrefix:           strings.TrimSpace(os.Getenv("EXPORT_PREFIX")),
	}

	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SyncInterval = d
		}
	}

	switch cfg.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, errors.New("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	case StoreVault:
		if strings.TrimSpace(cfg.VaultAddr) == "" {
			return cfg, errors.New("VAULT_ADDR is required when STORE_BACKEND=vault")
		}
	default:
		return cfg, fmt.Errorf("STORE_BACKEND must be one of: %s, %s, %s", StoreMemory, StorePostgres, StoreVault)
	}

	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

// QuickBooksConfigured reports whether the OAuth client for QuickBooks is set up.
func (c Config) QuickBooksConfigured() bool {
	return strings.TrimSpace(c.QuickBooksClientID) != "" && strings.TrimSpace(c.QuickBooksClientSecret) != ""
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
