package template

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// FileStore
// ============================================================================

func TestFileStore_SaveGetReplace(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	first := validTemplate()
	first.TrainedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	replaced, err := store.Save(ctx, first)
	require.NoError(t, err)
	assert.False(t, replaced)

	got, err := store.Get(ctx, "acme electric supply")
	require.NoError(t, err)
	assert.Equal(t, first.Vendor, got.Vendor)
	assert.Equal(t, first.Summary, got.Summary)
	assert.Equal(t, first.LineItems, got.LineItems)
	assert.True(t, first.TrainedAt.Equal(got.TrainedAt))

	second := validTemplate()
	second.Summary[0].Anchor = "Date:"
	replaced, err = store.Save(ctx, second)
	require.NoError(t, err)
	assert.True(t, replaced)

	got, err = store.Get(ctx, first.Vendor)
	require.NoError(t, err)
	assert.Equal(t, "Date:", got.Summary[0].Anchor, "previous rules are discarded")
}

func TestFileStore_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, vendor := range []string{"Zeta Lighting", "ACME/Electric"} {
		tmpl := validTemplate()
		tmpl.Vendor = vendor
		_, err := store.Save(ctx, tmpl)
		require.NoError(t, err)
	}

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ACME/Electric", list[0].Vendor)

	require.NoError(t, store.Delete(ctx, "zeta lighting"))
	require.ErrorIs(t, store.Delete(ctx, "zeta lighting"), ErrTemplateNotFound)

	_, err = store.Get(ctx, "Zeta Lighting")
	require.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "acme_electric", fileName("ACME Electric"))
	assert.Equal(t, "a_b", fileName("a/b"))
	assert.Equal(t, "_", fileName("   "))
}

// ============================================================================
// PostgresStore
// ============================================================================

func TestPostgresStore_Save(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	tmpl := validTemplate()
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO vendor_templates`).
		WithArgs("acme electric supply", tmpl.Vendor, pgxmock.AnyArg(), tmpl.TrainedAt).
		WillReturnRows(pgxmock.NewRows([]string{"replaced"}).AddRow(true))
	mock.ExpectCommit()

	replaced, err := NewPostgresStore(mock).Save(context.Background(), tmpl)
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rules, err := json.Marshal(validTemplate())
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT rules FROM vendor_templates`).
		WithArgs("acme electric supply").
		WillReturnRows(pgxmock.NewRows([]string{"rules"}).AddRow(rules))

	got, err := NewPostgresStore(mock).Get(context.Background(), "ACME Electric Supply")
	require.NoError(t, err)
	assert.Equal(t, "ACME Electric Supply", got.Vendor)
	assert.Len(t, got.LineItems, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT rules FROM vendor_templates`).
		WithArgs("nobody").
		WillReturnRows(pgxmock.NewRows([]string{"rules"}))

	_, err = NewPostgresStore(mock).Get(context.Background(), "Nobody")
	require.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestPostgresStore_DeleteNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`DELETE FROM vendor_templates`).
		WithArgs("nobody").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err = NewPostgresStore(mock).Delete(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrTemplateNotFound)
}
