package ruletable

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type stubObjectReader struct {
	bucket, object string
	data           []byte
	err            error
}

func (s *stubObjectReader) ReadObject(_ context.Context, bucket, object string) ([]byte, error) {
	s.bucket, s.object = bucket, object
	return s.data, s.err
}

func TestParseObjectURI(t *testing.T) {
	bucket, object, err := ParseObjectURI("gs://config-bucket/shipping/rules.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bucket != "config-bucket" || object != "shipping/rules.yaml" {
		t.Fatalf("unexpected split %q %q", bucket, object)
	}

	for _, bad := range []string{"", "s3://b/o", "gs://", "gs://bucket", "gs://bucket/", "gs:///object"} {
		if _, _, err := ParseObjectURI(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestObjectSource_Read(t *testing.T) {
	reader := &stubObjectReader{data: []byte("rules:\n  - id: a\n")}
	src, err := NewObjectSource(reader, "gs://cfg/rules.yaml")
	if err != nil {
		t.Fatalf("new object source: %v", err)
	}
	table, err := Load(context.Background(), src, fixedTime())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reader.bucket != "cfg" || reader.object != "rules.yaml" {
		t.Fatalf("unexpected object read %s/%s", reader.bucket, reader.object)
	}
	if table.Source() != "gs://cfg/rules.yaml" {
		t.Fatalf("unexpected source %q", table.Source())
	}

	reader.err = errors.New("denied")
	if _, err := src.Read(context.Background()); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestFileSource_Read(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - id: file-rule\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	table, err := Load(context.Background(), FileSource{Path: path}, fixedTime())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if table.Rules()[0].ID != "file-rule" {
		t.Fatalf("unexpected rules %+v", table.Rules())
	}

	if _, err := (FileSource{Path: filepath.Join(dir, "missing.yaml")}).Read(context.Background()); err == nil {
		t.Fatalf("expected missing file error")
	}
}
