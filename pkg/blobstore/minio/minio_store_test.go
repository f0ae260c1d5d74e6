package minio

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-segrep/pkg/blobstore"
)

// TestMinioStore_Integration needs a running MinIO server named by SEGREP_TEST_MINIO_ENDPOINT.
func TestMinioStore_Integration(t *testing.T) {
	endpoint := os.Getenv("SEGREP_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("SEGREP_TEST_MINIO_ENDPOINT not set")
	}

	ctx := context.Background()
	store, err := Dial(ctx, Options{
		Endpoint:  endpoint,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "segrep-test",
		Prefix:    "it/",
	})
	if err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	data := []byte("hello minio segment")
	require.NoError(t, store.Put(ctx, "logs/0/_0.cfs", data))

	got, err := blobstore.ReadAll(ctx, store, "logs/0/_0.cfs")
	require.NoError(t, err)
	require.Equal(t, data, got)

	names, err := store.List(ctx, "logs/")
	require.NoError(t, err)
	require.Contains(t, names, "logs/0/_0.cfs")

	require.NoError(t, store.Delete(ctx, "logs/0/_0.cfs"))
	_, err = store.Open(ctx, "logs/0/_0.cfs")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}
