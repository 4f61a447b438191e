package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "test-bucket"})
	require.NoError(t, err)
	return store
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObject(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, "diagnostics/fundamentus/t1/abc.html", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<html>broken</html>")
		assert.Contains(t, string(body), "text/html")
		fmt.Fprintln(w, `{"name":"diagnostics/fundamentus/t1/abc.html","bucket":"test-bucket"}`)
	})
	store := newTestStore(t, handler)

	uri, err := store.PutObject(context.Background(), "diagnostics/fundamentus/t1/abc.html", "text/html", strings.NewReader("<html>broken</html>"))
	require.NoError(t, err)
	require.Equal(t, "gs://test-bucket/diagnostics/fundamentus/t1/abc.html", uri)

	_, err = store.PutObject(context.Background(), "", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}

func TestPutObjectServerError(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	_, err := store.PutObject(context.Background(), "a", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestPrune(t *testing.T) {
	var (
		mu      sync.Mutex
		deleted []string
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Contains(t, r.URL.Path, "/b/test-bucket/o")
			assert.Equal(t, "cotahist/", r.URL.Query().Get("prefix"))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintln(w, `{"kind":"storage#objects","items":[
				{"name":"cotahist/COTAHIST_A2023.ZIP","bucket":"test-bucket"},
				{"name":"cotahist/COTAHIST_A2021.ZIP","bucket":"test-bucket"},
				{"name":"cotahist/COTAHIST_A2022.ZIP","bucket":"test-bucket"}]}`)
		case http.MethodDelete:
			idx := strings.LastIndex(r.URL.EscapedPath(), "/o/")
			name, err := url.PathUnescape(r.URL.EscapedPath()[idx+3:])
			assert.NoError(t, err)
			mu.Lock()
			deleted = append(deleted, name)
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	store := newTestStore(t, handler)

	removed, err := store.Prune(context.Background(), "cotahist/", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"cotahist/COTAHIST_A2021.ZIP"}, removed)
	require.Equal(t, []string{"cotahist/COTAHIST_A2021.ZIP"}, deleted)
}
