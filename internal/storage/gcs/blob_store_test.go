package gcs

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newFakeClient(t *testing.T, status int, body string, seen *[]string) *storage.Client {
	t.Helper()
	var mu sync.Mutex
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{
			Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				mu.Lock()
				*seen = append(*seen, r.Method+" "+r.URL.Path)
				mu.Unlock()
				if r.Body != nil {
					_, _ = io.Copy(io.Discard, r.Body)
				}
				return &http.Response{
					StatusCode: status,
					Body:       io.NopCloser(strings.NewReader(body)),
					Header:     http.Header{"Content-Type": {"application/json"}},
					Request:    r,
				}, nil
			}),
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	var seen []string
	_, err = New(newFakeClient(t, http.StatusOK, `{}`, &seen), Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	var seen []string
	client := newFakeClient(t, http.StatusOK, `{"bucket":"snapshots-bucket","name":"lens/job-1.html"}`, &seen)
	store, err := New(client, Config{Bucket: "snapshots-bucket", Prefix: "/lens/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "job-1.html", "text/html", bytes.NewBufferString("<html></html>"))
	require.NoError(t, err)
	assert.Equal(t, "gs://snapshots-bucket/lens/job-1.html", uri)
	require.NotEmpty(t, seen)
	assert.Contains(t, seen[0], "/upload/storage/v1/b/snapshots-bucket/o")
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	var seen []string
	store, err := New(newFakeClient(t, http.StatusOK, `{}`, &seen), Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "text/html", bytes.NewBufferString("x"))
	require.Error(t, err)
	assert.Empty(t, seen)
}

func TestCheckBucket(t *testing.T) {
	t.Parallel()

	var seen []string
	store, err := New(newFakeClient(t, http.StatusOK, `{"name":"snapshots-bucket"}`, &seen), Config{Bucket: "snapshots-bucket"})
	require.NoError(t, err)
	require.NoError(t, store.CheckBucket(context.Background()))
	assert.Contains(t, seen[0], "/storage/v1/b/snapshots-bucket")

	var denied []string
	store, err = New(newFakeClient(t, http.StatusForbidden, `{"error":{"code":403,"message":"denied"}}`, &denied), Config{Bucket: "snapshots-bucket"})
	require.NoError(t, err)
	err = store.CheckBucket(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshots-bucket")
}
