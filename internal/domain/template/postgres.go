package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/FACorreiaa/invoice-pricing/pkg/db"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore keeps one row per vendor with the rules as JSONB.
type PostgresStore struct {
	db db.Pool
}

// NewPostgresStore creates a new Postgres template store
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// Save upserts the vendor's row. The old rules are overwritten in the same statement,
// inside a transaction so a failed write leaves the previous template intact.
func (s *PostgresStore) Save(ctx context.Context, t *VendorTemplate) (bool, error) {
	rules, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("failed to encode template: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO vendor_templates (vendor_key, vendor, rules, trained_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (vendor_key) DO UPDATE SET
			vendor = EXCLUDED.vendor,
			rules = EXCLUDED.rules,
			trained_at = EXCLUDED.trained_at,
			updated_at = now()
		RETURNING (xmax <> 0) AS replaced
	`

	var replaced bool
	if err := tx.QueryRow(ctx, query, VendorKey(t.Vendor), t.Vendor, rules, t.TrainedAt).Scan(&replaced); err != nil {
		return false, fmt.Errorf("failed to upsert template: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit template: %w", err)
	}
	return replaced, nil
}

// Get loads the vendor's template.
func (s *PostgresStore) Get(ctx context.Context, vendor string) (*VendorTemplate, error) {
	query := `SELECT rules FROM vendor_templates WHERE vendor_key = $1`

	var rules []byte
	if err := s.db.QueryRow(ctx, query, VendorKey(vendor)).Scan(&rules); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, vendor)
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	var t VendorTemplate
	if err := json.Unmarshal(rules, &t); err != nil {
		return nil, fmt.Errorf("failed to decode template for %s: %w", vendor, err)
	}
	return &t, nil
}

// List returns all templates ordered by vendor.
func (s *PostgresStore) List(ctx context.Context) ([]*VendorTemplate, error) {
	query := `SELECT rules FROM vendor_templates ORDER BY vendor_key`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []*VendorTemplate
	for rows.Next() {
		var rules []byte
		if err := rows.Scan(&rules); err != nil {
			return nil, err
		}
		var t VendorTemplate
		if err := json.Unmarshal(rules, &t); err != nil {
			return nil, fmt.Errorf("failed to decode template: %w", err)
		}
		templates = append(templates, &t)
	}
	return templates, rows.Err()
}

// Delete removes the vendor's template.
func (s *PostgresStore) Delete(ctx context.Context, vendor string) error {
	result, err := s.db.Exec(ctx, `DELETE FROM vendor_templates WHERE vendor_key = $1`, VendorKey(vendor))
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, vendor)
	}
	return nil
}
