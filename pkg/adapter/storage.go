package adapter

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
	"google.golang.org/api/iterator"
)

const (
	DefaultObjectPrefix = "scans"

	handleScheme = "gs://"
)

// ObjectStore keeps encoded scan images. Handles returned by Put are opaque
// to callers and only meaningful to the same store.
type ObjectStore interface {
	// Put saves data under a new object and returns its handle. nameHint ends
	// up in the object name for readability but never decides uniqueness.
	Put(ctx context.Context, data []byte, nameHint string) (model.ImageHandle, error)
	// Get loads the object behind handle
	Get(ctx context.Context, handle model.ImageHandle) ([]byte, error)
	// DeleteAll removes every object this store has written and returns the count
	DeleteAll(ctx context.Context) (int, error)

	Close() error
}

// storageClient implements ObjectStore using Cloud Storage
type storageClient struct {
	bucketName string
	prefix     string
	client     *storage.Client
}

// StorageOption configures the Cloud Storage object store
type StorageOption func(*storageClient)

// WithObjectPrefix sets the object name prefix all scans are written under
func WithObjectPrefix(prefix string) StorageOption {
	return func(s *storageClient) {
		s.prefix = strings.Trim(prefix, "/")
	}
}

// NewStorage creates a new Cloud Storage client
func NewStorage(ctx context.Context, bucketName string, opts ...StorageOption) (ObjectStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	s := &storageClient{
		bucketName: bucketName,
		prefix:     DefaultObjectPrefix,
		client:     client,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *storageClient) Put(ctx context.Context, data []byte, nameHint string) (model.ImageHandle, error) {
	key := ObjectName(s.prefix, uuid.NewString(), nameHint)

	w := s.client.Bucket(s.bucketName).Object(key).NewWriter(ctx)
	w.ContentType = "image/jpeg"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", goerr.Wrap(model.Classify(model.ErrAdapterFailure, err), "failed to write object", goerr.V("key", key))
	}
	if err := w.Close(); err != nil {
		return "", goerr.Wrap(model.Classify(model.ErrAdapterFailure, err), "failed to commit object", goerr.V("key", key))
	}

	return NewHandle(s.bucketName, key), nil
}

func (s *storageClient) Get(ctx context.Context, handle model.ImageHandle) ([]byte, error) {
	bucket, key, err := ParseHandle(handle)
	if err != nil {
		return nil, err
	}

	reader, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, goerr.Wrap(model.ErrNotFound, "object does not exist", goerr.V("handle", handle))
		}
		return nil, goerr.Wrap(model.Classify(model.ErrAdapterFailure, err), "failed to read from storage", goerr.V("handle", handle))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, goerr.Wrap(model.Classify(model.ErrAdapterFailure, err), "failed to read object body", goerr.V("handle", handle))
	}
	return data, nil
}

func (s *storageClient) DeleteAll(ctx context.Context) (int, error) {
	bucket := s.client.Bucket(s.bucketName)
	it := bucket.Objects(ctx, &storage.Query{Prefix: s.prefix + "/"})

	deleted := 0
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, goerr.Wrap(model.Classify(model.ErrAdapterFailure, err), "failed to list objects", goerr.V("prefix", s.prefix))
		}

		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return deleted, goerr.Wrap(model.Classify(model.ErrAdapterFailure, err), "failed to delete object", goerr.V("key", attrs.Name))
		}
		deleted++
	}

	return deleted, nil
}

func (s *storageClient) Close() error {
	if err := s.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close storage client")
	}
	return nil
}

// ObjectName builds prefix/id/hint, with path separators in hint flattened
func ObjectName(prefix, id, hint string) string {
	hint = strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(hint)
	if hint == "" {
		hint = "scan.jpg"
	}
	return path.Join(prefix, id, hint)
}

// NewHandle formats a gs:// handle
func NewHandle(bucket, key string) model.ImageHandle {
	return model.ImageHandle(handleScheme + bucket + "/" + key)
}

// ParseHandle splits a gs:// handle into bucket and object key
func ParseHandle(handle model.ImageHandle) (string, string, error) {
	s := string(handle)
	if !strings.HasPrefix(s, handleScheme) {
		return "", "", goerr.Wrap(model.ErrMalformed, "image handle is not a gs:// reference", goerr.V("handle", handle))
	}

	bucket, key, ok := strings.Cut(strings.TrimPrefix(s, handleScheme), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", goerr.Wrap(model.ErrMalformed, "image handle has no object key", goerr.V("handle", handle))
	}
	return bucket, key, nil
}
