//go:build !gcs

package objectstore

import "github.com/ash-run/bridge/internal/apierr"

// newGCSStore is the default build: GCS support requires
// cloud.google.com/go/storage, a heavy dependency tree pulled in only when
// the "gcs" build tag is set. Most deployments use the S3 mirror; this
// keeps the default binary lean while still accepting gs:// URLs with a
// clear error instead of silently mis-routing them.
func newGCSStore(snapshotURL string) (Store, error) {
	return nil, apierr.Io(nil, "gcs support requires build tag \"gcs\" (SNAPSHOT_URL=%s)", snapshotURL)
}
