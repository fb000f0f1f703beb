package costs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// DB is the subset of *pgxpool.Pool the Postgres stores use.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const upsertToolCostSQL = `
INSERT INTO tool_costs (
	id, org_id, source, external_id, tool_name, vendor, category,
	amount, currency, billing_period, billing_date, renewal_date,
	status, seats, metadata, imported_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	$8::numeric, $9, $10, $11, $12,
	$13, $14, $15::jsonb, $16
)
ON CONFLICT (org_id, source, external_id) DO UPDATE SET
	tool_name = EXCLUDED.tool_name,
	vendor = EXCLUDED.vendor,
	category = EXCLUDED.category,
	amount = EXCLUDED.amount,
	currency = EXCLUDED.currency,
	billing_period = EXCLUDED.billing_period,
	billing_date = EXCLUDED.billing_date,
	renewal_date = EXCLUDED.renewal_date,
	status = EXCLUDED.status,
	seats = EXCLUDED.seats,
	metadata = EXCLUDED.metadata,
	imported_at = EXCLUDED.imported_at
RETURNING (xmax = 0) AS inserted`

const selectToolCostsSQL = `
SELECT id, source, external_id, tool_name, vendor, category,
	amount::text, currency, billing_period, billing_date, renewal_date,
	status, seats, metadata::text, imported_at
FROM tool_costs
WHERE org_id = $1
ORDER BY imported_at, id`

// PostgresStore persists cost records in the tool_costs table.
type PostgresStore struct {
	db    DB
	newID func() string
}

func NewPostgresStore(db DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("cost store db is nil")
	}
	return &PostgresStore{db: db, newID: NewID}, nil
}

func (s *PostgresStore) Merge(ctx context.Context, orgID string, records []ToolCost) (MergeStats, error) {
	var stats MergeStats
	if len(records) == 0 {
		return stats, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("begin tool cost merge: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, c := range records {
		metadata, err := json.Marshal(c.Metadata)
		if err != nil {
			return MergeStats{}, fmt.Errorf("encode metadata for %s/%s: %w", c.Source, c.ExternalID, err)
		}
		id := c.ID
		if id == "" {
			id = s.newID()
		}
		var inserted bool
		err = tx.QueryRow(ctx, upsertToolCostSQL,
			id, orgID, c.Source, c.ExternalID, c.ToolName, c.Vendor, c.Category,
			c.Amount.String(), c.Currency, string(c.BillingPeriod), c.BillingDate, c.RenewalDate,
			c.Status, c.Seats, string(metadata), c.ImportedAt,
		).Scan(&inserted)
		if err != nil {
			return MergeStats{}, fmt.Errorf("upsert tool cost %s/%s: %w", c.Source, c.ExternalID, err)
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return MergeStats{}, fmt.Errorf("commit tool cost merge: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) All(ctx context.Context, orgID string) ([]ToolCost, error) {
	rows, err := s.db.Query(ctx, selectToolCostsSQL, orgID)
	if err != nil {
		return nil, fmt.Errorf("query tool costs: %w", err)
	}
	defer rows.Close()

	var out []ToolCost
	for rows.Next() {
		var (
			c           ToolCost
			amount      string
			period      string
			billingDate *time.Time
			renewalDate *time.Time
			metadata    string
		)
		if err := rows.Scan(
			&c.ID, &c.Source, &c.ExternalID, &c.ToolName, &c.Vendor, &c.Category,
			&amount, &c.Currency, &period, &billingDate, &renewalDate,
			&c.Status, &c.Seats, &metadata, &c.ImportedAt,
		); err != nil {
			return nil, fmt.Errorf("scan tool cost: %w", err)
		}
		c.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount for %s/%s: %w", c.Source, c.ExternalID, err)
		}
		c.BillingPeriod = BillingPeriod(period)
		c.BillingDate = billingDate
		c.RenewalDate = renewalDate
		if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s/%s: %w", c.Source, c.ExternalID, err)
		}
		if c.Metadata == nil {
			c.Metadata = map[string]any{}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool costs: %w", err)
	}
	return out, nil
}
