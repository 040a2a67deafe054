package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/FACorreiaa/invoice-pricing/pkg/db"
)

var _ Repository = (*PostgresRepository)(nil)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db db.Pool
}

// NewPostgresRepository creates a new catalog repository
func NewPostgresRepository(pool db.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool}
}

// FindAlias looks up a vendor's alias by key.
func (r *PostgresRepository) FindAlias(ctx context.Context, vendor, key string) (*Alias, error) {
	query := `
		SELECT part_id, vendor, raw_part_number, raw_description, norm_part_number, norm_description
		FROM part_aliases
		WHERE vendor = $1 AND alias_key = $2
	`

	var a Alias
	err := r.db.QueryRow(ctx, query, vendor, key).Scan(
		&a.PartID, &a.Vendor, &a.RawPartNumber, &a.RawDescription, &a.NormPartNumber, &a.NormDescription,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find alias: %w", err)
	}
	return &a, nil
}

// FindPartsByNormalized returns live Parts with a matching normalized alias.
func (r *PostgresRepository) FindPartsByNormalized(ctx context.Context, normPartNumber, normDescription string) ([]Part, error) {
	query := `
		SELECT DISTINCT p.id, p.canonical_part_number, p.description,
		       COALESCE(p.custom_description, ''), COALESCE(p.description_set_by, ''), p.merged_into, p.created_at
		FROM parts p
		JOIN part_aliases a ON a.part_id = p.id
		WHERE p.merged_into IS NULL
		  AND (($1 <> '' AND a.norm_part_number = $1) OR ($2 <> '' AND a.norm_description = $2))
		ORDER BY p.created_at, p.id
	`

	rows, err := r.db.Query(ctx, query, normPartNumber, normDescription)
	if err != nil {
		return nil, fmt.Errorf("failed to match parts: %w", err)
	}
	defer rows.Close()

	return scanParts(rows)
}

// DescriptionEntries returns every live Part's canonical and alias descriptions.
func (r *PostgresRepository) DescriptionEntries(ctx context.Context) ([]DescriptionEntry, error) {
	query := `
		SELECT id, description FROM parts
		WHERE merged_into IS NULL AND description <> ''
		UNION
		SELECT a.part_id, a.raw_description FROM part_aliases a
		JOIN parts p ON p.id = a.part_id
		WHERE p.merged_into IS NULL AND a.raw_description <> ''
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load descriptions: %w", err)
	}
	defer rows.Close()

	var entries []DescriptionEntry
	for rows.Next() {
		var e DescriptionEntry
		if err := rows.Scan(&e.PartID, &e.Text); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreatePart inserts a new Part.
func (r *PostgresRepository) CreatePart(ctx context.Context, p *Part) error {
	query := `
		INSERT INTO parts (id, canonical_part_number, description, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.db.Exec(ctx, query, p.ID, p.CanonicalPartNumber, p.Description, p.CreatedAt); err != nil {
		return fmt.Errorf("failed to create part: %w", err)
	}
	return nil
}

// GetPart retrieves a Part by id.
func (r *PostgresRepository) GetPart(ctx context.Context, id uuid.UUID) (*Part, error) {
	query := `
		SELECT id, canonical_part_number, description,
		       COALESCE(custom_description, ''), COALESCE(description_set_by, ''), merged_into, created_at
		FROM parts
		WHERE id = $1
	`

	var p Part
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.CanonicalPartNumber, &p.Description, &p.CustomDescription, &p.DescriptionSetBy, &p.MergedInto, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrPartNotFound, id)
		}
		return nil, fmt.Errorf("failed to get part: %w", err)
	}
	return &p, nil
}

// BindAlias inserts the alias or returns the binding that already holds its key.
func (r *PostgresRepository) BindAlias(ctx context.Context, a Alias) (*Alias, error) {
	query := `
		INSERT INTO part_aliases (vendor, alias_key, part_id, raw_part_number, raw_description, norm_part_number, norm_description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (vendor, alias_key) DO NOTHING
	`

	result, err := r.db.Exec(ctx, query,
		a.Vendor, a.Key(), a.PartID, a.RawPartNumber, a.RawDescription, a.NormPartNumber, a.NormDescription,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind alias: %w", err)
	}
	if result.RowsAffected() == 1 {
		return nil, nil
	}
	return r.FindAlias(ctx, a.Vendor, a.Key())
}

// Aliases lists a Part's aliases.
func (r *PostgresRepository) Aliases(ctx context.Context, partID uuid.UUID) ([]Alias, error) {
	query := `
		SELECT part_id, vendor, raw_part_number, raw_description, norm_part_number, norm_description
		FROM part_aliases
		WHERE part_id = $1
		ORDER BY vendor, alias_key
	`

	rows, err := r.db.Query(ctx, query, partID)
	if err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	defer rows.Close()

	var aliases []Alias
	for rows.Next() {
		var a Alias
		if err := rows.Scan(&a.PartID, &a.Vendor, &a.RawPartNumber, &a.RawDescription, &a.NormPartNumber, &a.NormDescription); err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// SetCustomDescription sets the description only if none is set yet.
func (r *PostgresRepository) SetCustomDescription(ctx context.Context, partID uuid.UUID, description, operator string) (bool, error) {
	query := `
		UPDATE parts
		SET custom_description = $2, description_set_by = $3, updated_at = now()
		WHERE id = $1 AND (custom_description IS NULL OR custom_description = '')
	`

	result, err := r.db.Exec(ctx, query, partID, description, operator)
	if err != nil {
		return false, fmt.Errorf("failed to set custom description: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// RecordConflict stores a conflict for review.
func (r *PostgresRepository) RecordConflict(ctx context.Context, c *Conflict) error {
	var candidates []byte
	if len(c.Candidates) > 0 {
		var err error
		if candidates, err = json.Marshal(c.Candidates); err != nil {
			return fmt.Errorf("failed to encode candidates: %w", err)
		}
	}

	query := `
		INSERT INTO resolution_conflicts (id, kind, part_id, other_part_id, vendor, raw_part_number, detail, candidates, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		c.ID, string(c.Kind), c.PartID, c.OtherPartID, c.Vendor, c.RawPartNumber, c.Detail, candidates, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}
	return nil
}

// Conflicts lists conflicts, newest first.
func (r *PostgresRepository) Conflicts(ctx context.Context, unresolvedOnly bool) ([]Conflict, error) {
	query := `
		SELECT id, kind, part_id, other_part_id, vendor, raw_part_number, detail, candidates, resolved, created_at
		FROM resolution_conflicts
		WHERE NOT $1 OR NOT resolved
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, unresolvedOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		var c Conflict
		var kind string
		var candidates []byte
		if err := rows.Scan(&c.ID, &kind, &c.PartID, &c.OtherPartID, &c.Vendor, &c.RawPartNumber, &c.Detail, &candidates, &c.Resolved, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Kind = ConflictKind(kind)
		if len(candidates) > 0 {
			if err := json.Unmarshal(candidates, &c.Candidates); err != nil {
				return nil, fmt.Errorf("failed to decode candidates: %w", err)
			}
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// MergeParts repoints aliases, line items and observations from source to target and
// marks the source merged, in one transaction.
func (r *PostgresRepository) MergeParts(ctx context.Context, sourceID, targetID uuid.UUID) error {
	return db.InTx(ctx, r.db, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `UPDATE parts SET merged_into = $2, updated_at = now() WHERE id = $1 AND merged_into IS NULL`, sourceID, targetID)
		if err != nil {
			return fmt.Errorf("failed to mark merged: %w", err)
		}
		if result.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrPartNotFound, sourceID)
		}

		statements := []string{
			`UPDATE part_aliases SET part_id = $2 WHERE part_id = $1`,
			`UPDATE line_items SET part_id = $2 WHERE part_id = $1`,
			`UPDATE price_observations SET part_id = $2 WHERE part_id = $1`,
			`UPDATE resolution_conflicts SET resolved = true, other_part_id = $2 WHERE kind = 'ambiguous_match' AND part_id = $1`,
		}
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt, sourceID, targetID); err != nil {
				return fmt.Errorf("failed to merge parts: %w", err)
			}
		}
		return nil
	})
}

func scanParts(rows pgx.Rows) ([]Part, error) {
	var parts []Part
	for rows.Next() {
		var p Part
		if err := rows.Scan(&p.ID, &p.CanonicalPartNumber, &p.Description, &p.CustomDescription, &p.DescriptionSetBy, &p.MergedInto, &p.CreatedAt); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}
