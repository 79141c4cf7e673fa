package oplog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyflake/git-server/internal/config"
	"github.com/tinyflake/git-server/internal/db"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()

	sqlDB, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "oplog.db"))
	require.NoError(t, err)

	store, err := NewSQLStore(context.Background(), sqlDB, BackendSQLite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStoreAppendAndList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newSQLiteStore(t)

	records := sampleRecords()
	records[2].Details = map[string]string{"exit_code": "128"}
	records[2].BytesIn = 42
	records[2].DurationMS = 17
	require.NoError(t, store.Append(ctx, records...))

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "all", filter: Filter{}, want: []string{"4", "3", "2", "1"}},
		{name: "repository", filter: Filter{Repository: "tools"}, want: []string{"4", "3"}},
		{name: "user and operation", filter: Filter{User: "alice", Operation: OperationPush}, want: []string{"2"}},
		{name: "since", filter: Filter{Since: records[1].Timestamp}, want: []string{"4", "3", "2"}},
		{name: "limit", filter: Filter{Limit: 1}, want: []string{"4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}

	got, err := store.List(ctx, Filter{Repository: "tools", User: "bob"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, records[2], got[0])
}

func TestSQLStoreReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "oplog.db")

	store, err := OpenStore(ctx, &config.OperationLogConfig{Backend: config.OperationLogBackendSQLite, Path: path})
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, Record{Repository: "demo", Operation: OperationClone, Success: true}))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	require.ErrorIs(t, store.Append(ctx, Record{}), ErrStoreClosed)

	reopened, err := OpenStore(ctx, &config.OperationLogConfig{Backend: config.OperationLogBackendSQLite, Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "demo", got[0].Repository)
	assert.True(t, got[0].Success)
	assert.Nil(t, got[0].Details)
}

func TestOpenStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	store, err := OpenStore(ctx, &config.OperationLogConfig{Backend: config.OperationLogBackendNone})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = OpenStore(ctx, &config.OperationLogConfig{Path: filepath.Join(t.TempDir(), "oplog.json")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)
	require.NoError(t, store.Close())

	_, err = OpenStore(ctx, &config.OperationLogConfig{Backend: "redis"})
	require.Error(t, err)

	_, err = OpenStore(ctx, &config.OperationLogConfig{Backend: config.OperationLogBackendPostgreSQL})
	require.Error(t, err)
}

func TestNewSQLStoreUnsupportedBackend(t *testing.T) {
	t.Parallel()

	_, err := NewSQLStore(context.Background(), nil, Backend("oracle"))
	require.Error(t, err)
}
