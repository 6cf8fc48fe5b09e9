package infra

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/txsync/internal/config"
	"github.com/dvloznov/txsync/internal/infra/bigquery"
	"github.com/dvloznov/txsync/internal/infra/sqlite"
)

func TestOpen_SQLite(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, "sqlite::memory:")
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Store{}, mem)
	require.NoError(t, mem.Close())

	path := filepath.Join(t.TempDir(), "txsync.db")
	file, err := Open(ctx, "sqlite://"+path)
	require.NoError(t, err)
	defer file.Close()
	assert.FileExists(t, path)
}

func TestOpen_RejectsUnknownSchemes(t *testing.T) {
	for _, u := range []string{"", "mysql://x/y", "just-a-path", "sqlite://"} {
		_, err := Open(context.Background(), u)
		require.Error(t, err, u)
		assert.True(t, config.IsConfigError(err), u)
	}
}

func TestParseDataset(t *testing.T) {
	ds, err := parseDataset("bigquery://my-project/monarch")
	require.NoError(t, err)
	assert.Equal(t, bigquery.Dataset{ProjectID: "my-project", DatasetID: "monarch"}, ds)

	for _, bad := range []string{"bigquery://my-project", "bigquery:///monarch", "bigquery://p/a/b"} {
		_, err := parseDataset(bad)
		assert.True(t, config.IsConfigError(err), bad)
	}
}
