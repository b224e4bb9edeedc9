package rpgcpstoragestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"reflect"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var logger = logrus.New()

var stableTime = time.Date(2022, 11, 9, 10, 11, 12, 0, time.UTC)

// Builds a store without a real storage client so that tests exercise the
// store's logic against injected reader/writer functions only.
func newTestStore() *GCPStorageStore {
	return &GCPStorageStore{
		bucket:        "reloadpet_visitor",
		logger:        logger,
		name:          reflect.TypeOf(GCPStorageStore{}).Name(),
		timeNow:       func() time.Time { return stableTime },
		ttl:           1 * time.Hour,
		writeBackDone: make(chan string, 1),
	}
}

func TestGCPStorageStoreGetAndAdvance(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	var written bytes.Buffer
	store.storageWriter = func(_ context.Context, bucket, key string) io.WriteCloser {
		require.Equal(t, "reloadpet_visitor", bucket)
		require.Equal(t, "visitor-a", key)
		return &writeCloser{bufio.NewWriter(&written)}
	}

	// No object stored yet, so the visitor is fresh and gets frame zero.
	store.storageReader = func(_ context.Context, bucket, key string) (io.ReadCloser, error) {
		require.Equal(t, "reloadpet_visitor", bucket)
		require.Equal(t, "visitor-a", key)
		return nil, storage.ErrObjectNotExist
	}
	require.Equal(t, 0, store.GetAndAdvance(ctx, "visitor-a", 3))
	require.Equal(t, "visitor-a", <-store.writeBackDone)

	// The fire-and-forget write-back recorded the advanced position.
	var entryWritten serializedEntry
	require.NoError(t, json.Unmarshal(written.Bytes(), &entryWritten))
	require.Equal(t, 1, entryWritten.NextIndex)
	require.True(t, entryWritten.LastAccess.Equal(stableTime))

	// A second request reads back what was written and advances again.
	store.storageReader = func(_ context.Context, _, _ string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(mustJSONMarshal(t, &entryWritten))), nil
	}
	written.Reset()
	require.Equal(t, 1, store.GetAndAdvance(ctx, "visitor-a", 3))
	<-store.writeBackDone
}

func TestGCPStorageStoreGetAndAdvanceNoFrames(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	// Neither reader nor writer is installed; touching either would panic,
	// proving a frame count below one performs no storage traffic.
	require.Equal(t, 0, store.GetAndAdvance(ctx, "visitor-a", 0))
}

func TestGCPStorageStoreGetAndAdvanceStaleEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	entry := &serializedEntry{
		LastAccess: stableTime,
		NextIndex:  2,
	}
	store.storageReader = func(_ context.Context, _, _ string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(mustJSONMarshal(t, entry))), nil
	}
	store.storageWriter = func(_ context.Context, _, _ string) io.WriteCloser {
		return &writeCloser{bufio.NewWriter(&bytes.Buffer{})}
	}

	// When pushing time past the entry's TTL, the visitor starts over.
	store.timeNow = func() time.Time { return stableTime.Add(store.ttl).Add(10 * time.Minute) }
	require.Equal(t, 0, store.GetAndAdvance(ctx, "visitor-a", 3))
	<-store.writeBackDone
}

func TestGCPStorageStoreGetAndAdvanceReadError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	store.storageReader = func(_ context.Context, _, _ string) (io.ReadCloser, error) {
		return nil, io.ErrUnexpectedEOF
	}
	store.storageWriter = func(_ context.Context, _, _ string) io.WriteCloser {
		return &writeCloser{bufio.NewWriter(&bytes.Buffer{})}
	}

	// A backend failure degrades to fresh-visitor behavior instead of
	// failing the request.
	require.Equal(t, 0, store.GetAndAdvance(ctx, "visitor-a", 3))
	<-store.writeBackDone
}

type writeCloser struct {
	*bufio.Writer
}

func (wc *writeCloser) Close() error {
	return wc.Flush() //nolint:wrapcheck
}

func mustJSONMarshal(t *testing.T, v any) []byte {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
