package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "diagnostics/fundamentus/t1/abc.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://diagnostics/fundamentus/t1/abc.html", uri)

	payload[0] = 'C'
	stored, ok := store.Object("diagnostics/fundamentus/t1/abc.html")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))

	_, err = store.PutObject(context.Background(), " ", "text/html", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestBlobStorePrune(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	for _, p := range []string{"cotahist/COTAHIST_A2022.ZIP", "cotahist/COTAHIST_A2024.ZIP", "cotahist/COTAHIST_A2023.ZIP", "other/x"} {
		_, err := store.PutObject(ctx, p, "application/zip", bytes.NewReader([]byte("z")))
		require.NoError(t, err)
	}

	removed, err := store.Prune(ctx, "cotahist/", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"cotahist/COTAHIST_A2022.ZIP"}, removed)
	require.Equal(t, []string{"cotahist/COTAHIST_A2023.ZIP", "cotahist/COTAHIST_A2024.ZIP"}, store.Paths("cotahist/"))

	removed, err = store.Prune(ctx, "cotahist/", 5)
	require.NoError(t, err)
	require.Empty(t, removed)
}
