package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the credential store uses.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const selectCredentialColumns = `integration, tokens::text, config::text, connected_at, connected_by, last_sync`

const upsertCredentialsSQL = `
INSERT INTO integration_credentials (
	org_id, integration, tokens, config, connected_at, connected_by, last_sync, updated_at
) VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, $6, $7, now())
ON CONFLICT (org_id, integration) DO UPDATE SET
	tokens = EXCLUDED.tokens,
	config = EXCLUDED.config,
	connected_at = EXCLUDED.connected_at,
	connected_by = EXCLUDED.connected_by,
	last_sync = EXCLUDED.last_sync,
	updated_at = now()`

// PostgresStore keeps credentials in the integration_credentials table.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("credential store db is nil")
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Get(ctx context.Context, orgID, integration string) (ConnectionCredentials, error) {
	orgID, integration, err := normalizeKey(orgID, integration)
	if err != nil {
		return ConnectionCredentials{}, err
	}
	row := s.db.QueryRow(ctx,
		`SELECT `+selectCredentialColumns+` FROM integration_credentials WHERE org_id = $1 AND integration = $2`,
		orgID, integration)
	creds, err := scanCredentials(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConnectionCredentials{}, ErrNotFound
	}
	if err != nil {
		return ConnectionCredentials{}, fmt.Errorf("load %s credentials: %w", integration, err)
	}
	return creds, nil
}

func (s *PostgresStore) List(ctx context.Context, orgID string) ([]ConnectionCredentials, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+selectCredentialColumns+` FROM integration_credentials WHERE org_id = $1 ORDER BY integration`,
		orgID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []ConnectionCredentials
	for rows.Next() {
		creds, err := scanCredentials(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credentials: %w", err)
		}
		out = append(out, creds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Put(ctx context.Context, orgID string, creds ConnectionCredentials) error {
	creds = creds.Normalized()
	if err := creds.Validate(); err != nil {
		return err
	}
	orgID, integration, err := normalizeKey(orgID, creds.Integration)
	if err != nil {
		return err
	}
	tokens, err := json.Marshal(creds.Tokens)
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}
	config, err := json.Marshal(creds.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	connectedAt := creds.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = time.Now().UTC()
	}
	if _, err := s.db.Exec(ctx, upsertCredentialsSQL,
		orgID, integration, string(tokens), string(config), connectedAt, creds.ConnectedBy, creds.LastSync,
	); err != nil {
		return fmt.Errorf("save %s credentials: %w", integration, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, orgID, integration string) error {
	orgID, integration, err := normalizeKey(orgID, integration)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx,
		`DELETE FROM integration_credentials WHERE org_id = $1 AND integration = $2`,
		orgID, integration,
	); err != nil {
		return fmt.Errorf("delete %s credentials: %w", integration, err)
	}
	return nil
}

func scanCredentials(row pgx.Row) (ConnectionCredentials, error) {
	var (
		creds             ConnectionCredentials
		tokensRaw, cfgRaw string
		connectedAt       time.Time
		lastSync          *time.Time
	)
	if err := row.Scan(&creds.Integration, &tokensRaw, &cfgRaw, &connectedAt, &creds.ConnectedBy, &lastSync); err != nil {
		return ConnectionCredentials{}, err
	}
	if err := decodeJSON([]byte(tokensRaw), &creds.Tokens); err != nil {
		return ConnectionCredentials{}, fmt.Errorf("decode tokens: %w", err)
	}
	if err := decodeJSON([]byte(cfgRaw), &creds.Config); err != nil {
		return ConnectionCredentials{}, fmt.Errorf("decode config: %w", err)
	}
	creds.ConnectedAt = connectedAt
	creds.LastSync = lastSync
	return creds.Normalized(), nil
}
