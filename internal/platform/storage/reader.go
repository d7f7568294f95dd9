package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
)

const defaultMaxObjectBytes = 1 << 20

var (
	// ErrObjectNotFound is returned when the bucket or object does not exist.
	ErrObjectNotFound = errors.New("storage: object not found")
	// ErrObjectTooLarge is returned when an object exceeds the reader's size limit.
	ErrObjectTooLarge = errors.New("storage: object too large")
)

type objectOpener func(ctx context.Context, bucket, object string) (io.ReadCloser, error)

// Reader loads small configuration objects (rule tables) from Cloud Storage.
type Reader struct {
	open     objectOpener
	maxBytes int64
}

// ReaderOption customises Reader behaviour.
type ReaderOption func(*Reader)

// WithMaxObjectBytes caps the number of bytes read from a single object.
func WithMaxObjectBytes(n int64) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// NewReader constructs a Reader backed by the provided Cloud Storage client.
func NewReader(client *gcs.Client, opts ...ReaderOption) (*Reader, error) {
	if client == nil {
		return nil, errors.New("storage reader: client is required")
	}
	open := func(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
		return client.Bucket(bucket).Object(object).NewReader(ctx)
	}
	return newReader(open, opts...), nil
}

func newReader(open objectOpener, opts ...ReaderOption) *Reader {
	r := &Reader{open: open, maxBytes: defaultMaxObjectBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// ReadObject returns the full object body.
func (r *Reader) ReadObject(ctx context.Context, bucket, object string) ([]byte, error) {
	bucket = strings.TrimSpace(bucket)
	object = strings.TrimSpace(object)
	if bucket == "" || object == "" {
		return nil, errors.New("storage reader: bucket and object must be provided")
	}

	body, err := r.open(ctx, bucket, object)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", ErrObjectNotFound, bucket, object)
		}
		return nil, fmt.Errorf("storage reader: open gs://%s/%s: %w", bucket, object, err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("storage reader: read gs://%s/%s: %w", bucket, object, err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("%w: gs://%s/%s exceeds %d bytes", ErrObjectTooLarge, bucket, object, r.maxBytes)
	}
	return data, nil
}
