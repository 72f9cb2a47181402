package connector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appsettings "github.com/erp/backoffice/internal/application/settings"
	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/erp/backoffice/internal/infrastructure/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func configFor(i settings.Integration, fields map[string]any) settings.IntegrationConfig {
	tree := settings.Defaults()
	for k, v := range fields {
		tree = tree.With(settings.Path{settings.RootAPISettings, string(i), k}, v)
	}
	return settings.IntegrationConfigFrom(tree, i)
}

func newTestPool(opts ...Option) *Pool {
	return NewPool(append([]Option{WithClock(clock.NewFake(epoch))}, opts...)...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requireProbeError(t *testing.T, err error, kind settings.ProbeKind) *settings.ProbeError {
	t.Helper()
	var perr *settings.ProbeError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, kind, perr.Kind, perr.Message)
	return perr
}

func TestPool_MDM(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, mdmHealthPath, r.URL.Path)
		switch {
		case r.Header.Get("X-API-Key") == "k-123":
			writeJSON(w, http.StatusOK, mdmHealth{Status: "ok", Version: "2.4.1"})
		case strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "):
			writeJSON(w, http.StatusOK, mdmHealth{Status: "ok"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()
	p := newTestPool()
	ctx := context.Background()

	t.Run("api key", func(t *testing.T) {
		cfg := configFor(settings.IntegrationMDM, map[string]any{
			"url":       srv.URL + "/",
			"apiKey":    "k-123",
			"endpoints": []any{"products"},
		})
		result, err := p.Probe(ctx, settings.IntegrationMDM, cfg)
		require.NoError(t, err)
		assert.Equal(t, "2.4.1", result.Version)
		assert.Equal(t, []any{"products"}, result.Details["endpoints"])
	})

	t.Run("wrong api key", func(t *testing.T) {
		cfg := configFor(settings.IntegrationMDM, map[string]any{"url": srv.URL, "apiKey": "nope"})
		_, err := p.Probe(ctx, settings.IntegrationMDM, cfg)
		perr := requireProbeError(t, err, settings.ProbeKindAuth)
		assert.Equal(t, http.StatusUnauthorized, perr.StatusCode)
	})

	t.Run("valid bearer token", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(epoch.Add(time.Hour)),
		}).SignedString([]byte("test"))
		require.NoError(t, err)

		cfg := configFor(settings.IntegrationMDM, map[string]any{"url": srv.URL, "authMode": "bearer", "token": token})
		result, err := p.Probe(ctx, settings.IntegrationMDM, cfg)
		require.NoError(t, err)
		assert.Equal(t, "v1", result.Version, "falls back to the configured version")
	})

	t.Run("expired bearer token fails before any request", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(epoch.Add(-time.Minute)),
		}).SignedString([]byte("test"))
		require.NoError(t, err)

		before := calls.Load()
		cfg := configFor(settings.IntegrationMDM, map[string]any{"url": srv.URL, "authMode": "bearer", "token": token})
		_, err = p.Probe(ctx, settings.IntegrationMDM, cfg)
		requireProbeError(t, err, settings.ProbeKindAuth)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
		assert.Equal(t, before, calls.Load())
	})

	t.Run("missing fields fail validation before any request", func(t *testing.T) {
		before := calls.Load()
		cfg := configFor(settings.IntegrationMDM, map[string]any{"authMode": "basic", "url": srv.URL})
		_, err := p.Probe(ctx, settings.IntegrationMDM, cfg)
		perr := requireProbeError(t, err, settings.ProbeKindValidation)
		assert.Contains(t, perr.Message, "Username")
		assert.Contains(t, perr.Message, "Password")
		assert.Equal(t, before, calls.Load())
	})
}

func TestPool_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		want   settings.ProbeKind
	}{
		{"service unavailable", http.StatusServiceUnavailable, nil, settings.ProbeKindServer},
		{"rate limited", http.StatusTooManyRequests, nil, settings.ProbeKindServer},
		{"not found", http.StatusNotFound, nil, settings.ProbeKindProtocol},
		{"forbidden", http.StatusForbidden, nil, settings.ProbeKindAuth},
		{"request timeout", http.StatusRequestTimeout, nil, settings.ProbeKindTimeout},
		{"degraded health", http.StatusOK, mdmHealth{Status: "degraded"}, settings.ProbeKindServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))
			defer srv.Close()

			cfg := configFor(settings.IntegrationMDM, map[string]any{"url": srv.URL, "apiKey": "k"})
			_, err := newTestPool().Probe(context.Background(), settings.IntegrationMDM, cfg)
			requireProbeError(t, err, tt.want)
		})
	}
}

func TestPool_TransportFailures(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer slow.Close()
	defer close(release)

	cfg := configFor(settings.IntegrationMDM, map[string]any{"url": slow.URL, "apiKey": "k", "timeout": 0.02})
	_, err := newTestPool().Probe(context.Background(), settings.IntegrationMDM, cfg)
	perr := requireProbeError(t, err, settings.ProbeKindTimeout)
	assert.True(t, perr.Kind.Retryable())

	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.URL
	closed.Close()

	cfg = configFor(settings.IntegrationMDM, map[string]any{"url": addr, "apiKey": "k"})
	_, err = newTestPool().Probe(context.Background(), settings.IntegrationMDM, cfg)
	requireProbeError(t, err, settings.ProbeKindNetwork)
}

func TestPool_MagentoBasic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case magentoTokenPath:
			var creds map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
			if creds["username"] != "admin" || creds["password"] != "s3cret" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid login"})
				return
			}
			writeJSON(w, http.StatusOK, "tok-1")
		case magentoConfigPath:
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeJSON(w, http.StatusOK, []magentoStoreConfig{
				{Code: "admin", BaseURL: "https://shop.example.com/admin/"},
				{Code: "default", BaseURL: "https://shop.example.com/", BaseCurrencyCode: "EUR"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	p := newTestPool()

	cfg := configFor(settings.IntegrationMagento, map[string]any{
		"url": srv.URL, "authMode": "basic", "username": "admin", "password": "s3cret",
	})
	result, err := p.Probe(context.Background(), settings.IntegrationMagento, cfg)
	require.NoError(t, err)
	assert.Equal(t, float64(2), result.Details["stores"])
	assert.Equal(t, "default", result.Details["storeCode"])
	assert.Equal(t, "EUR", result.Details["currency"])

	cfg = configFor(settings.IntegrationMagento, map[string]any{
		"url": srv.URL, "authMode": "basic", "username": "admin", "password": "wrong",
	})
	_, err = p.Probe(context.Background(), settings.IntegrationMagento, cfg)
	requireProbeError(t, err, settings.ProbeKindAuth)
}

func TestPool_MagentoOAuth1(t *testing.T) {
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, []magentoStoreConfig{{Code: "default"}})
	}))
	defer srv.Close()

	cfg := configFor(settings.IntegrationMagento, map[string]any{
		"url":               srv.URL,
		"consumerKey":       "ck",
		"consumerSecret":    "cs",
		"accessToken":       "at",
		"accessTokenSecret": "ats",
	})
	_, err := newTestPool().Probe(context.Background(), settings.IntegrationMagento, cfg)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(header, "OAuth "))
	assert.Contains(t, header, `oauth_consumer_key="ck"`)
	assert.Contains(t, header, `oauth_token="at"`)
	assert.Contains(t, header, `oauth_signature_method="HMAC-SHA256"`)
	assert.Contains(t, header, `oauth_timestamp="1772355600"`)
}

const cegidVersionResponse = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <GetVersionResponse xmlns="http://www.cegid.fr/Retail/1.0">
      <GetVersionResult>12.1.0</GetVersionResult>
    </GetVersionResponse>
  </soap:Body>
</soap:Envelope>`

const cegidFaultTemplate = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <soap:Fault>
      <faultcode>soap:Client</faultcode>
      <faultstring>%s</faultstring>
    </soap:Fault>
  </soap:Body>
</soap:Envelope>`

func TestPool_Cegid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `"`+cegidAction+`"`, r.Header.Get("SOAPAction"))
		assert.Contains(t, r.Header.Get("Content-Type"), "text/xml")

		user, pass, _ := r.BasicAuth()
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		switch {
		case user != "cegid" || pass != "pw":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, strings.Replace(cegidFaultTemplate, "%s", "Authentication failed for user", 1))
		case !strings.Contains(string(body), "<database>RETAIL01</database>"):
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, strings.Replace(cegidFaultTemplate, "%s", "Unknown database", 1))
		default:
			_, _ = io.WriteString(w, cegidVersionResponse)
		}
	}))
	defer srv.Close()
	p := newTestPool()
	ctx := context.Background()

	fields := map[string]any{"url": srv.URL, "username": "cegid", "password": "pw", "database": "RETAIL01"}
	result, err := p.Probe(ctx, settings.IntegrationCegid, configFor(settings.IntegrationCegid, fields))
	require.NoError(t, err)
	assert.Equal(t, "12.1.0", result.Version)
	assert.Equal(t, "RETAIL01", result.Details["database"])

	fields["password"] = "bad"
	_, err = p.Probe(ctx, settings.IntegrationCegid, configFor(settings.IntegrationCegid, fields))
	perr := requireProbeError(t, err, settings.ProbeKindAuth)
	assert.Contains(t, perr.Message, "Authentication failed")

	fields["password"] = "pw"
	fields["database"] = "OTHER"
	_, err = p.Probe(ctx, settings.IntegrationCegid, configFor(settings.IntegrationCegid, fields))
	requireProbeError(t, err, settings.ProbeKindProtocol)
}

func TestPool_ConcurrencyCap(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		writeJSON(w, http.StatusOK, mdmHealth{Status: "ok"})
	}))
	defer srv.Close()

	p := newTestPool(WithLimit(2))
	cfg := configFor(settings.IntegrationMDM, map[string]any{"url": srv.URL, "apiKey": "k"})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Probe(context.Background(), settings.IntegrationMDM, cfg)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_Observe(t *testing.T) {
	ctx := context.Background()
	store := appsettings.NewStore()
	_, err := store.Seed(ctx, settings.Layers{settings.LayerDefault: settings.Defaults()})
	require.NoError(t, err)

	p := newTestPool(WithLimit(1))
	unsubscribe := p.Observe(store)
	defer unsubscribe()
	assert.Equal(t, 5, p.Limit(), "picked up from the current snapshot")

	_, err = store.Update(ctx, maxConcurrentPath, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Limit())

	p.client(configFor(settings.IntegrationMagento, map[string]any{"url": "https://a.example.com"}))
	p.client(configFor(settings.IntegrationCegid, map[string]any{"url": "https://b.example.com"}))
	_, err = store.Update(ctx, settings.ParsePath("apiSettings.magento.url"), "https://c.example.com")
	require.NoError(t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.NotContains(t, p.clients, settings.IntegrationMagento)
	assert.Contains(t, p.clients, settings.IntegrationCegid)
}

func TestPool_ClientRebuiltWhenStale(t *testing.T) {
	p := newTestPool()
	a := p.client(configFor(settings.IntegrationMDM, map[string]any{"url": "https://a.example.com"}))
	assert.Same(t, a, p.client(configFor(settings.IntegrationMDM, map[string]any{"url": "https://a.example.com/"})))

	b := p.client(configFor(settings.IntegrationMDM, map[string]any{"url": "https://b.example.com"}))
	assert.NotSame(t, a, b)
	assert.Equal(t, "https://b.example.com", b.BaseURL)
}
