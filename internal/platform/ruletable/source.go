package ruletable

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
)

//go:embed default_rules.yaml
var defaultRules []byte

// Source yields the raw bytes of a rule table document.
type Source interface {
	Name() string
	Read(ctx context.Context) ([]byte, error)
}

// EmbeddedSource serves the rule table compiled into the binary.
type EmbeddedSource struct{}

// Name implements Source.
func (EmbeddedSource) Name() string { return "embedded:default_rules.yaml" }

// Read implements Source.
func (EmbeddedSource) Read(context.Context) ([]byte, error) {
	out := make([]byte, len(defaultRules))
	copy(out, defaultRules)
	return out, nil
}

// FileSource reads the rule table from the local filesystem.
type FileSource struct {
	Path string
}

// Name implements Source.
func (s FileSource) Name() string { return "file:" + s.Path }

// Read implements Source.
func (s FileSource) Read(context.Context) ([]byte, error) {
	path := strings.TrimSpace(s.Path)
	if path == "" {
		return nil, errors.New("ruletable: file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ruletable: read %s: %w", path, err)
	}
	return data, nil
}

// ObjectReader fetches an object body from blob storage.
type ObjectReader interface {
	ReadObject(ctx context.Context, bucket, object string) ([]byte, error)
}

// ObjectSource reads the rule table from a Cloud Storage object.
type ObjectSource struct {
	Reader ObjectReader
	Bucket string
	Object string
}

// NewObjectSource builds an ObjectSource from a gs://bucket/object URI.
func NewObjectSource(reader ObjectReader, uri string) (ObjectSource, error) {
	if reader == nil {
		return ObjectSource{}, errors.New("ruletable: object reader is required")
	}
	bucket, object, err := ParseObjectURI(uri)
	if err != nil {
		return ObjectSource{}, err
	}
	return ObjectSource{Reader: reader, Bucket: bucket, Object: object}, nil
}

// Name implements Source.
func (s ObjectSource) Name() string { return fmt.Sprintf("gs://%s/%s", s.Bucket, s.Object) }

// Read implements Source.
func (s ObjectSource) Read(ctx context.Context) ([]byte, error) {
	if s.Reader == nil {
		return nil, errors.New("ruletable: object reader is required")
	}
	data, err := s.Reader.ReadObject(ctx, s.Bucket, s.Object)
	if err != nil {
		return nil, fmt.Errorf("ruletable: read %s: %w", s.Name(), err)
	}
	return data, nil
}

// ParseObjectURI splits gs://bucket/path/to/object into its bucket and object name.
func ParseObjectURI(uri string) (string, string, error) {
	trimmed := strings.TrimSpace(uri)
	if !strings.HasPrefix(trimmed, "gs://") {
		return "", "", fmt.Errorf("ruletable: object uri %q must use the gs:// scheme", uri)
	}
	rest := strings.TrimPrefix(trimmed, "gs://")
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || strings.TrimSpace(bucket) == "" || strings.Trim(object, "/") == "" {
		return "", "", fmt.Errorf("ruletable: object uri %q must name a bucket and an object", uri)
	}
	return bucket, strings.Trim(object, "/"), nil
}
