package profile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_GetProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/v1/users/u-1/profile":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"userId":"u-1","settings":{"preferences":{"theme":"dark"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "secret", Timeout: time.Second}, nil)

	tree, err := c.GetProfile(context.Background(), "u-1")
	require.NoError(t, err)
	theme, _ := tree.Lookup(settings.ParsePath("preferences.theme"))
	assert.Equal(t, "dark", theme)

	empty, err := c.GetProfile(context.Background(), "nobody")
	require.NoError(t, err, "missing profile is an empty tree")
	assert.Empty(t, empty)
}

func TestClient_UpdateProfile(t *testing.T) {
	var got updateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/v1/users/u-1/profile/settings/gridViews", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}, nil)
	patch := map[string]any{"orders": map[string]any{"pageSize": float64(50)}}
	require.NoError(t, c.UpdateProfile(context.Background(), "u-1", patch, "gridViews"))

	assert.Equal(t, "gridViews", got.Section)
	assert.Equal(t, patch, got.Patch)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   settings.ProbeKind
	}{
		{http.StatusUnauthorized, settings.ProbeKindAuth},
		{http.StatusForbidden, settings.ProbeKindAuth},
		{http.StatusTooManyRequests, settings.ProbeKindServer},
		{http.StatusBadGateway, settings.ProbeKindServer},
		{http.StatusUnprocessableEntity, settings.ProbeKindProtocol},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}, nil)
			err := c.UpdateProfile(context.Background(), "u-1", map[string]any{}, "preferences")

			var perr *settings.ProbeError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.want, perr.Kind)
			assert.Equal(t, tt.status, perr.StatusCode)
		})
	}
}

func TestClient_TransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, nil)
	_, err := c.GetProfile(context.Background(), "u-1")
	var perr *settings.ProbeError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, settings.ProbeKindTimeout, perr.Kind)

	closed := httptest.NewServer(http.NotFoundHandler())
	url := closed.URL
	closed.Close()

	c = NewClient(Config{BaseURL: url, Timeout: time.Second}, nil)
	err = c.UpdateProfile(context.Background(), "u-1", map[string]any{}, "preferences")
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, settings.ProbeKindNetwork, perr.Kind)
	assert.True(t, perr.Kind.Retryable())
}

func TestClient_SerializesWritesPerUser(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}, nil)
	var wg sync.WaitGroup
	for _, section := range settings.PersistedRoots {
		wg.Add(1)
		go func(section string) {
			defer wg.Done()
			assert.NoError(t, c.UpdateProfile(context.Background(), "u-1", map[string]any{}, section))
		}(section)
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}
