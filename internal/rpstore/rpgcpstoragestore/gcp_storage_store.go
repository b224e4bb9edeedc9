// Package rpgcpstoragestore implements rpstore's `VisitorStore` against GCP's
// storage service, for deployments where several server instances need to
// share visitor positions. Note that idle expiry should be configured
// out-of-band via a "delete" lifecycle rule on the bucket matching the
// visitor TTL; the store also checks staleness on read in case the lifecycle
// is behind.
package rpgcpstoragestore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"time"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/reloadpet/reloadpet/internal/rpstore"
)

type GCPStorageStore struct {
	bucket        string
	logger        *logrus.Logger
	name          string
	storageClient *storage.Client
	ttl           time.Duration

	// All for purposes of testability.
	storageReader func(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	storageWriter func(ctx context.Context, bucket, key string) io.WriteCloser
	timeNow       func() time.Time
	writeBackDone chan string
}

func NewGCPStorageStore(ctx context.Context, logger *logrus.Logger, serviceAccountJSON, bucket string, ttl time.Duration) *GCPStorageStore { //nolint:lll
	storageClient, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(serviceAccountJSON)))
	if err != nil {
		panic(err)
	}
	storageClient.SetRetry(
		storage.WithBackoff(gax.Backoff{
			Initial: 1 * time.Second,
			Max:     5 * time.Second,
		}),
		// Always retries, even for non-idempotent operations.
		storage.WithPolicy(storage.RetryAlways),
	)

	return &GCPStorageStore{
		bucket:        bucket,
		logger:        logger,
		name:          reflect.TypeOf(GCPStorageStore{}).Name(),
		storageClient: storageClient,
		storageReader: func(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
			return storageClient.Bucket(bucket).Object(key).NewReader(ctx) //nolint:wrapcheck
		},
		storageWriter: func(ctx context.Context, bucket, key string) io.WriteCloser {
			return storageClient.Bucket(bucket).Object(key).NewWriter(ctx)
		},
		timeNow: time.Now,
		ttl:     ttl,
	}
}

// GetAndAdvance reads the visitor's current position synchronously, but
// dispatches the write-back of the advanced position without waiting on it,
// so bucket write latency never lands on the response path. A crash between
// read and write-back risks re-serving the same frame once, which is an
// accepted weakness for a novelty image. Any backend problem degrades to
// serving frame zero rather than failing the request.
func (s *GCPStorageStore) GetAndAdvance(ctx context.Context, key string, frameCount int) int {
	if frameCount < 1 {
		return 0
	}

	var current int
	if entry := s.read(ctx, key); entry != nil {
		current = entry.NextIndex % frameCount
	}

	go s.writeBack(key, &serializedEntry{
		LastAccess: s.timeNow(),
		NextIndex:  (current + 1) % frameCount,
	})

	return current
}

// read fetches the visitor's stored entry, or nil when the visitor should be
// treated as fresh.
func (s *GCPStorageStore) read(ctx context.Context, key string) *rpstore.Entry {
	reader, err := s.storageReader(ctx, s.bucket, key)
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotExist) {
			s.logger.Errorf(s.name+": Error getting key reader, treating %q as a fresh visitor: %v", key, err)
		}
		return nil
	}
	defer reader.Close()

	var entry serializedEntry
	if err := json.NewDecoder(reader).Decode(&entry); err != nil {
		s.logger.Errorf(s.name+": Error decoding entry, treating %q as a fresh visitor: %v", key, err)
		return nil
	}

	// Just in case lifecycle expiration is behind, aggressively forget idle
	// visitors.
	if s.timeNow().After(entry.LastAccess.Add(s.ttl)) {
		s.logger.Infof(s.name+": Treating stale key %q last accessed %v as a fresh visitor", key, entry.LastAccess)
		return nil
	}

	return entry.ToEntry()
}

func (s *GCPStorageStore) writeBack(key string, entry *serializedEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	defer func() {
		if s.writeBackDone != nil {
			s.writeBackDone <- key
		}
	}()

	writer := s.storageWriter(ctx, s.bucket, key)

	if err := json.NewEncoder(writer).Encode(entry); err != nil {
		s.logger.Errorf(s.name+": Error encoding entry for key %q: %v", key, err)
		return
	}

	if err := writer.Close(); err != nil {
		s.logger.Errorf(s.name+": Error closing writer for key %q: %v", key, err)
	}
}

// The specific serialized format stored to a GCP key as an object.
type serializedEntry struct {
	LastAccess time.Time `json:"last_access"`
	NextIndex  int       `json:"next_index"`
}

func (e *serializedEntry) ToEntry() *rpstore.Entry {
	return &rpstore.Entry{
		LastAccess: e.LastAccess,
		NextIndex:  e.NextIndex,
	}
}
