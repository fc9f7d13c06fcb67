package objstore

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKeyLayout(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	key := FileKey(12, 345, "charges.csv", at)
	assert.Equal(t, "hospitals/12/files/345/2026-03-14/charges.csv", key)

	// Path components in the filename are stripped.
	key = FileKey(12, 345, "/tmp/upload/charges.csv", at)
	assert.Equal(t, "hospitals/12/files/345/2026-03-14/charges.csv", key)

	key = FileKey(12, 345, "", at)
	assert.Equal(t, "hospitals/12/files/345/2026-03-14/file", key)
}

func TestExportKeyLayout(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	key := ExportKey(7, "csv", at)
	assert.Equal(t, "exports/7/prices-20260314T093000Z.csv", key)
}

func TestMemoryStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()

	body := "code,description\n99213,Office visit\n"
	require.NoError(t, m.Upload(ctx, "k1", strings.NewReader(body), int64(len(body)), "text/csv"))

	exists, err := m.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, m.Len())

	rc, err := m.Download(ctx, "k1")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, body, string(got))

	require.NoError(t, m.Delete(ctx, "k1"))
	exists, err = m.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = m.Download(ctx, "k1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NotFound")
}
