// Package objectstore is the narrow cloud-snapshot-mirror interface spec.md
// §1 treats as an external collaborator: get/put/delete(key, bytes) against
// S3 or GCS, selected by the scheme of SNAPSHOT_URL.
package objectstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/ash-run/bridge/internal/apierr"
)

// Store is the cloud object-store abstraction workspace snapshots are
// mirrored to. Bucket/prefix addressing is entirely hidden behind key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte) error
	Delete(ctx context.Context, key string) error
}

// Open builds the Store named by snapshotURL's scheme ("s3://..." or
// "gs://..."). An empty snapshotURL means no cloud mirror is configured;
// callers should treat a nil, nil return as "disabled".
func Open(ctx context.Context, snapshotURL string) (Store, error) {
	if snapshotURL == "" {
		return nil, nil
	}
	switch {
	case strings.HasPrefix(snapshotURL, "s3://"):
		return newS3Store(ctx, snapshotURL)
	case strings.HasPrefix(snapshotURL, "gs://"):
		return newGCSStore(snapshotURL)
	default:
		return nil, fmt.Errorf("objectstore: unrecognized SNAPSHOT_URL scheme in %q", snapshotURL)
	}
}

func notFound(key string) error {
	return apierr.NotFound("object %q not found", key)
}
