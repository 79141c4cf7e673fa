package oplog_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/tinyflake/git-server/internal/oplog"
	"github.com/tinyflake/git-server/internal/oplog/mocks"
)

func fastRetry() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func TestAsyncRecorderWritesRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := oplog.NewFileStore(filepath.Join(t.TempDir(), "oplog.json"), 100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	recorder := oplog.NewAsyncRecorder(store)
	for range 5 {
		recorder.Record(ctx, oplog.Record{Repository: "demo", Operation: oplog.OperationClone, Success: true})
	}
	require.NoError(t, recorder.Close(ctx))

	records, err := store.List(ctx, oplog.Filter{})
	require.NoError(t, err)
	assert.Len(t, records, 5)
	for _, rec := range records {
		assert.NotEmpty(t, rec.ID)
		assert.False(t, rec.Timestamp.IsZero())
	}
	assert.Zero(t, recorder.Dropped())
	assert.Zero(t, recorder.Failed())
}

func TestAsyncRecorderRetriesFailedWrites(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	gomock.InOrder(
		store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("disk full")).Times(2),
		store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil),
	)

	recorder := oplog.NewAsyncRecorder(store, oplog.WithRetries(3, fastRetry))
	recorder.Record(context.Background(), oplog.Record{Repository: "demo"})
	require.NoError(t, recorder.Close(context.Background()))

	assert.Zero(t, recorder.Failed())
}

func TestAsyncRecorderGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("disk full")).Times(2)

	recorder := oplog.NewAsyncRecorder(store, oplog.WithRetries(2, fastRetry))
	recorder.Record(context.Background(), oplog.Record{Repository: "demo"})
	require.NoError(t, recorder.Close(context.Background()))

	assert.Equal(t, int64(1), recorder.Failed())
}

func TestAsyncRecorderDoesNotRetryClosedStore(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(oplog.ErrStoreClosed).Times(1)

	recorder := oplog.NewAsyncRecorder(store, oplog.WithRetries(5, fastRetry))
	recorder.Record(context.Background(), oplog.Record{Repository: "demo"})
	require.NoError(t, recorder.Close(context.Background()))

	assert.Equal(t, int64(1), recorder.Failed())
}

func TestAsyncRecorderNeverBlocks(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	release := make(chan struct{})
	var once sync.Once
	store.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, ...oplog.Record) error {
			<-release
			return nil
		}).AnyTimes()

	recorder := oplog.NewAsyncRecorder(store, oplog.WithQueueSize(1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 50 {
			recorder.Record(context.Background(), oplog.Record{Repository: "demo"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked on a slow store")
	}

	assert.Positive(t, recorder.Dropped())

	once.Do(func() { close(release) })
	require.NoError(t, recorder.Close(context.Background()))
}

func TestAsyncRecorderAfterClose(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	recorder := oplog.NewAsyncRecorder(store)
	require.NoError(t, recorder.Close(context.Background()))
	require.NoError(t, recorder.Close(context.Background()))

	recorder.Record(context.Background(), oplog.Record{Repository: "demo"})
	assert.Equal(t, int64(1), recorder.Dropped())
}

func TestAsyncRecorderCloseHonoursContext(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	release := make(chan struct{})
	store.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, ...oplog.Record) error {
			<-release
			return nil
		})

	recorder := oplog.NewAsyncRecorder(store)
	recorder.Record(context.Background(), oplog.Record{Repository: "demo"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, recorder.Close(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, recorder.Close(context.Background()))
}
