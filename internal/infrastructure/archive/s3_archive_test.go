package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/erp/backoffice/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeS3 is a path-style object store good enough for the calls the archive makes.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		buckets: make(map[string]bool),
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case key == "" && r.Method == http.MethodHead:
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodPut:
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[bucket+"/"+key] = body
		f.types[bucket+"/"+key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		body, ok := f.objects[bucket+"/"+key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", f.types[bucket+"/"+key])
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestArchive(t *testing.T, prefix string) (*S3Archive, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	a, err := NewS3Archive(&config.ArchiveConfig{
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		Bucket:          "exports",
		Prefix:          prefix,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return a, fake
}

func TestNewS3Archive_Validation(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := NewS3Archive(nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "configuration is required")
	})

	t.Run("missing bucket", func(t *testing.T) {
		_, err := NewS3Archive(&config.ArchiveConfig{Region: "us-east-1"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "bucket is required")
	})
}

func TestS3Archive_EnsureBucket(t *testing.T) {
	a, fake := newTestArchive(t, "")
	ctx := context.Background()

	require.NoError(t, a.EnsureBucket(ctx))
	assert.True(t, fake.buckets["exports"])

	// second call finds the bucket
	require.NoError(t, a.EnsureBucket(ctx))
}

func TestS3Archive_ArchiveAndFetch(t *testing.T) {
	a, fake := newTestArchive(t, "/settings-exports/")
	ctx := context.Background()
	blob := []byte(`{"exportedAt":"2026-03-01T09:00:00Z","schemaVersion":3,"tree":{}}`)

	key, err := a.Archive(ctx, "u1/export.json", blob)
	require.NoError(t, err)
	assert.Equal(t, "settings-exports/u1/export.json", key)
	assert.Equal(t, blob, fake.objects["exports/"+key])
	assert.Equal(t, "application/json", fake.types["exports/"+key])

	got, err := a.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestS3Archive_Errors(t *testing.T) {
	a, _ := newTestArchive(t, "")
	ctx := context.Background()

	_, err := a.Archive(ctx, "", []byte("{}"))
	assert.Error(t, err)

	_, err = a.Fetch(ctx, "")
	assert.Error(t, err)

	_, err = a.Fetch(ctx, "missing.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Archive_DownloadURL(t *testing.T) {
	a, _ := newTestArchive(t, "")

	url, expires, err := a.DownloadURL(context.Background(), "settings-exports/a.json")
	require.NoError(t, err)
	assert.Contains(t, url, "/exports/settings-exports/a.json")
	assert.Contains(t, url, "X-Amz-Signature")
	assert.False(t, expires.IsZero())
	assert.Equal(t, "exports", a.Bucket())
}
