package objectstore

import (
	"context"
	"testing"
)

func TestOpenReturnsNilForEmptyURL(t *testing.T) {
	store, err := Open(context.Background(), "")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if store != nil {
		t.Fatal("expected nil store for unconfigured SNAPSHOT_URL")
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "ftp://example/bucket")
	if err == nil {
		t.Fatal("expected an error for an unrecognized scheme")
	}
}

func TestOpenGCSReturnsBuildTagError(t *testing.T) {
	_, err := Open(context.Background(), "gs://bucket/prefix")
	if err == nil {
		t.Fatal("expected the default build to reject gs:// without the gcs build tag")
	}
}
