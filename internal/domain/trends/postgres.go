package trends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/FACorreiaa/invoice-pricing/pkg/db"
)

var _ AnalysisRepository = (*PostgresRepository)(nil)

// PostgresRepository stores analyses in the analyses table.
type PostgresRepository struct {
	db db.Pool
}

func NewPostgresRepository(pool db.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool}
}

func (r *PostgresRepository) SaveAnalysis(ctx context.Context, a *Analysis) error {
	digest, err := json.Marshal(a.Digest)
	if err != nil {
		return fmt.Errorf("failed to encode digest: %w", err)
	}
	flagged := a.FlaggedItems
	if flagged == nil {
		flagged = []string{}
	}

	query := `
		INSERT INTO analyses (id, kind, digest, prompt, response, flagged_items, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.Exec(ctx, query,
		a.ID, string(a.Kind), digest, a.Prompt, a.Response, flagged, string(a.Status), a.Error, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetAnalysis(ctx context.Context, id uuid.UUID) (*Analysis, error) {
	query := `
		SELECT id, kind, digest, prompt, response, flagged_items, status, error, created_at
		FROM analyses
		WHERE id = $1
	`
	a, err := scanAnalysis(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAnalysisNotFound
		}
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) ListAnalyses(ctx context.Context, limit int) ([]Analysis, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, kind, digest, prompt, response, flagged_items, status, error, created_at
		FROM analyses
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	var out []Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAnalysis(row pgx.Row) (*Analysis, error) {
	var (
		a      Analysis
		kind   string
		status string
		digest []byte
	)
	if err := row.Scan(&a.ID, &kind, &digest, &a.Prompt, &a.Response, &a.FlaggedItems, &status, &a.Error, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Kind = Kind(kind)
	a.Status = Status(status)
	if len(digest) > 0 {
		a.Digest = &Digest{}
		if err := json.Unmarshal(digest, a.Digest); err != nil {
			return nil, fmt.Errorf("failed to decode digest: %w", err)
		}
	}
	return &a, nil
}
