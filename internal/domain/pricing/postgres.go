package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/invoice-pricing/pkg/db"
	"github.com/FACorreiaa/invoice-pricing/pkg/money"
)

var _ Repository = (*PostgresRepository)(nil)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db    db.Pool
	locks KeyedMutex
	now   func() time.Time
}

// NewPostgresRepository creates a new pricing repository
func NewPostgresRepository(pool db.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool, now: time.Now}
}

// SaveInvoice upserts the invoice and its line items in one transaction. Line numbers
// past the new item count are removed so a re-extraction with fewer rows stays exact.
func (r *PostgresRepository) SaveInvoice(ctx context.Context, inv *Invoice, items []LineItem) error {
	if inv.ID == uuid.Nil {
		inv.ID = InvoiceID(inv.SourceHash, inv.Sequence)
	}
	if inv.ProcessedAt.IsZero() {
		inv.ProcessedAt = r.now().UTC()
	}

	return db.InTx(ctx, r.db, func(tx pgx.Tx) error {
		query := `
			INSERT INTO invoices (id, vendor, invoice_number, invoice_date, job_name, total_cents, currency,
			                      source_ref, source_hash, sequence, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				vendor = EXCLUDED.vendor,
				invoice_number = EXCLUDED.invoice_number,
				invoice_date = EXCLUDED.invoice_date,
				job_name = EXCLUDED.job_name,
				total_cents = EXCLUDED.total_cents,
				currency = EXCLUDED.currency,
				source_ref = EXCLUDED.source_ref,
				processed_at = EXCLUDED.processed_at
		`
		_, err := tx.Exec(ctx, query,
			inv.ID, inv.Vendor, inv.InvoiceNumber, inv.InvoiceDate, inv.JobName, centsOf(inv.Total), inv.Currency,
			inv.SourceRef, inv.SourceHash, inv.Sequence, inv.ProcessedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save invoice: %w", err)
		}

		itemQuery := `
			INSERT INTO line_items (id, invoice_id, line_no, raw_part_number, raw_description, quantity,
			                        unit_price, line_total_cents, currency, part_id, flags)
			VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7::text::numeric, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				raw_part_number = EXCLUDED.raw_part_number,
				raw_description = EXCLUDED.raw_description,
				quantity = EXCLUDED.quantity,
				unit_price = EXCLUDED.unit_price,
				line_total_cents = EXCLUDED.line_total_cents,
				currency = EXCLUDED.currency,
				part_id = EXCLUDED.part_id,
				flags = EXCLUDED.flags
		`
		for i := range items {
			item := &items[i]
			item.InvoiceID = inv.ID
			if item.ID == uuid.Nil {
				item.ID = LineItemID(inv.ID, item.LineNo)
			}
			flags := item.Flags
			if flags == nil {
				flags = []string{}
			}
			_, err := tx.Exec(ctx, itemQuery,
				item.ID, item.InvoiceID, item.LineNo, item.RawPartNumber, item.RawDescription, quantityText(item.Quantity),
				priceText(item.UnitPrice), centsOf(item.LineTotal), item.Currency, item.PartID, flags,
			)
			if err != nil {
				return fmt.Errorf("failed to save line item %d: %w", item.LineNo, err)
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM line_items WHERE invoice_id = $1 AND line_no > $2`, inv.ID, len(items)); err != nil {
			return fmt.Errorf("failed to trim line items: %w", err)
		}

		// Observations of rows whose date, part or price changed no longer describe the
		// invoice; reprocessing records them afresh.
		staleQuery := `
			DELETE FROM price_observations po
			USING line_items li, invoices i
			WHERE po.line_item_id = li.id AND li.invoice_id = i.id AND i.id = $1
			  AND (i.invoice_date IS NULL OR po.invoice_date <> i.invoice_date
			       OR li.part_id IS NULL OR po.part_id <> li.part_id
			       OR li.unit_price IS NULL OR po.unit_price <> li.unit_price
			       OR po.vendor <> i.vendor OR po.currency <> li.currency)
		`
		if _, err := tx.Exec(ctx, staleQuery, inv.ID); err != nil {
			return fmt.Errorf("failed to prune stale observations: %w", err)
		}
		return nil
	})
}

// GetInvoice retrieves an invoice by id
func (r *PostgresRepository) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	query := `
		SELECT i.id, i.vendor, i.invoice_number, i.invoice_date, i.job_name, i.total_cents, i.currency,
		       i.source_ref, i.source_hash, i.sequence, i.processed_at,
		       (SELECT count(*) FROM line_items li WHERE li.invoice_id = i.id)
		FROM invoices i
		WHERE i.id = $1
	`

	inv, err := scanInvoice(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrInvoiceNotFound, id)
		}
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

// LineItems lists an invoice's rows by line number
func (r *PostgresRepository) LineItems(ctx context.Context, invoiceID uuid.UUID) ([]LineItem, error) {
	query := `
		SELECT id, invoice_id, line_no, raw_part_number, raw_description, quantity::text,
		       unit_price::text, line_total_cents, currency, part_id, flags
		FROM line_items
		WHERE invoice_id = $1
		ORDER BY line_no
	`

	rows, err := r.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list line items: %w", err)
	}
	defer rows.Close()

	var items []LineItem
	for rows.Next() {
		var item LineItem
		var quantity, unitPrice *string
		var totalCents *int64
		if err := rows.Scan(
			&item.ID, &item.InvoiceID, &item.LineNo, &item.RawPartNumber, &item.RawDescription, &quantity,
			&unitPrice, &totalCents, &item.Currency, &item.PartID, &item.Flags,
		); err != nil {
			return nil, err
		}
		if quantity != nil {
			q, err := decimal.NewFromString(*quantity)
			if err != nil {
				return nil, fmt.Errorf("failed to parse quantity: %w", err)
			}
			item.Quantity = &q
		}
		if unitPrice != nil {
			unit, err := priceFrom(*unitPrice, item.Currency)
			if err != nil {
				return nil, err
			}
			item.UnitPrice = unit
		}
		item.LineTotal = fromCents(totalCents, item.Currency)
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeleteInvoice deletes an invoice; line items and observations follow by cascade.
func (r *PostgresRepository) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM invoices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete invoice: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrInvoiceNotFound, id)
	}
	return nil
}

// InvoicesByDate groups invoices by invoice date.
func (r *PostgresRepository) InvoicesByDate(ctx context.Context, from, to time.Time) ([]DateGroup, error) {
	query := `
		SELECT i.id, i.vendor, i.invoice_number, i.invoice_date, i.job_name, i.total_cents, i.currency,
		       i.source_ref, i.source_hash, i.sequence, i.processed_at,
		       (SELECT count(*) FROM line_items li WHERE li.invoice_id = i.id)
		FROM invoices i
		WHERE ($1::date IS NULL OR i.invoice_date >= $1)
		  AND ($2::date IS NULL OR i.invoice_date <= $2)
		ORDER BY i.invoice_date NULLS FIRST, i.vendor, i.invoice_number, i.sequence
	`

	rows, err := r.db.Query(ctx, query, optionalDate(from), optionalDate(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return GroupByDate(invoices), nil
}

// RecordObservation appends the observation under a per (part, vendor) lock: a process
// mutex for this repository and an advisory transaction lock for other processes.
func (r *PostgresRepository) RecordObservation(ctx context.Context, obs *PriceObservation) (bool, error) {
	if obs.ID == uuid.Nil {
		obs.ID = uuid.New()
	}
	if obs.RecordedAt.IsZero() {
		obs.RecordedAt = r.now().UTC()
	}

	unlock := r.locks.Lock(obs.Key())
	defer unlock()

	var inserted bool
	err := db.InTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, obs.Key()); err != nil {
			return fmt.Errorf("failed to lock price series: %w", err)
		}

		query := `
			INSERT INTO price_observations (id, part_id, vendor, invoice_date, unit_price, currency, line_item_id, recorded_at)
			VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8)
			ON CONFLICT (part_id, vendor, invoice_date, line_item_id) DO NOTHING
		`
		result, err := tx.Exec(ctx, query,
			obs.ID, obs.PartID, obs.Vendor, obs.InvoiceDate, priceText(obs.UnitPrice), obs.UnitPrice.Currency(),
			obs.LineItemID, obs.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to record observation: %w", err)
		}
		inserted = result.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

const observationColumns = `id, part_id, vendor, invoice_date, unit_price::text, currency, line_item_id, recorded_at`

// PriceHistory returns a part's observations in date order
func (r *PostgresRepository) PriceHistory(ctx context.Context, partID uuid.UUID, vendor *string) ([]PriceObservation, error) {
	query := `
		SELECT ` + observationColumns + `
		FROM price_observations
		WHERE part_id = $1 AND ($2::text IS NULL OR vendor = $2)
		ORDER BY invoice_date, recorded_at, id
	`

	rows, err := r.db.Query(ctx, query, partID, vendor)
	if err != nil {
		return nil, fmt.Errorf("failed to get price history: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

// CurrentPrice returns the vendor's most recent observation
func (r *PostgresRepository) CurrentPrice(ctx context.Context, partID uuid.UUID, vendor string) (*PriceObservation, error) {
	query := `
		SELECT ` + observationColumns + `
		FROM price_observations
		WHERE part_id = $1 AND vendor = $2
		ORDER BY invoice_date DESC, recorded_at DESC, id DESC
		LIMIT 1
	`

	rows, err := r.db.Query(ctx, query, partID, vendor)
	if err != nil {
		return nil, fmt.Errorf("failed to get current price: %w", err)
	}
	defer rows.Close()

	obs, err := scanObservations(rows)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, fmt.Errorf("%w: part %s, vendor %s", ErrNoObservations, partID, vendor)
	}
	return &obs[0], nil
}

// PriceAcrossVendors returns each vendor's latest observation as of a date
func (r *PostgresRepository) PriceAcrossVendors(ctx context.Context, partID uuid.UUID, asOf time.Time) ([]PriceObservation, error) {
	query := `
		SELECT DISTINCT ON (vendor) ` + observationColumns + `
		FROM price_observations
		WHERE part_id = $1 AND invoice_date <= $2
		ORDER BY vendor, invoice_date DESC, recorded_at DESC, id DESC
	`

	rows, err := r.db.Query(ctx, query, partID, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to get vendor prices: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

// ObservationsSince returns observations from a date on, optionally for some vendors
func (r *PostgresRepository) ObservationsSince(ctx context.Context, since time.Time, vendors []string) ([]PriceObservation, error) {
	if vendors == nil {
		vendors = []string{}
	}
	query := `
		SELECT ` + observationColumns + `
		FROM price_observations
		WHERE invoice_date >= $1 AND (cardinality($2::text[]) = 0 OR vendor = ANY($2))
		ORDER BY part_id, vendor, invoice_date, recorded_at, id
	`

	rows, err := r.db.Query(ctx, query, since, vendors)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var totalCents *int64
	err := row.Scan(
		&inv.ID, &inv.Vendor, &inv.InvoiceNumber, &inv.InvoiceDate, &inv.JobName, &totalCents, &inv.Currency,
		&inv.SourceRef, &inv.SourceHash, &inv.Sequence, &inv.ProcessedAt, &inv.ItemCount,
	)
	if err != nil {
		return nil, err
	}
	inv.Total = fromCents(totalCents, inv.Currency)
	return &inv, nil
}

func scanObservations(rows pgx.Rows) ([]PriceObservation, error) {
	var out []PriceObservation
	for rows.Next() {
		var o PriceObservation
		var price, currency string
		if err := rows.Scan(&o.ID, &o.PartID, &o.Vendor, &o.InvoiceDate, &price, &currency, &o.LineItemID, &o.RecordedAt); err != nil {
			return nil, err
		}
		unit, err := priceFrom(price, currency)
		if err != nil {
			return nil, err
		}
		o.UnitPrice = unit
		out = append(out, o)
	}
	return out, rows.Err()
}

func quantityText(q *decimal.Decimal) *string {
	if q == nil {
		return nil
	}
	s := q.String()
	return &s
}

func priceText(m *money.Money) *string {
	if m == nil {
		return nil
	}
	s := m.ToDecimal().String()
	return &s
}

func priceFrom(s, currency string) (*money.Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse unit price: %w", err)
	}
	return money.NewPrice(d, currency), nil
}

func optionalDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
