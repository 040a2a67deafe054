package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_UploadDownload(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	info, err := s.Upload(ctx, "abcdef", "invoices/acme 01.txt", "text/plain", strings.NewReader("INVOICE"))
	require.NoError(t, err)
	assert.Equal(t, FileID("abcdef"), info.ID)
	assert.Equal(t, int64(7), info.Size)
	assert.True(t, strings.HasPrefix(info.Path, "ab"))

	rc, got, err := s.Download(ctx, info.ID)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "INVOICE", string(body))
	assert.Equal(t, "invoices/acme 01.txt", got.Name)
}

func TestLocalStorage_UploadSameHashReplaces(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = s.Upload(ctx, "abcdef", "a.txt", "text/plain", strings.NewReader("one"))
	require.NoError(t, err)
	_, err = s.Upload(ctx, "abcdef", "a.txt", "text/plain", strings.NewReader("two"))
	require.NoError(t, err)

	files, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, int64(3), files[0].Size)
}

func TestLocalStorage_Delete(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	info, err := s.Upload(ctx, "123456", "a.json", "application/json", strings.NewReader("[]"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, info.ID))

	_, err = s.GetInfo(ctx, info.ID)
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.ErrorIs(t, s.Delete(ctx, uuid.New()), ErrFileNotFound)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a_b_c.txt", sanitizeFilename("a/b:c.txt"))
	assert.Equal(t, "_secret", sanitizeFilename("..secret"))
}

func TestNew(t *testing.T) {
	s, err := New(&Config{LocalPath: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, s)

	_, err = New(&Config{Type: "s3"})
	assert.Error(t, err)
}
