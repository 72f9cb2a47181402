package connector

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOAuth1Signer_Header(t *testing.T) {
	s := oauth1Signer{
		consumerKey:    "ck",
		consumerSecret: "cs secret",
		token:          "at",
		tokenSecret:    "ats",
		now:            func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
		nonce:          func() string { return "n0nce" },
	}

	header, err := s.header("get", "https://shop.example.com:443/rest/V1/store/storeConfigs?searchCriteria[pageSize]=1")
	require.NoError(t, err)

	assert.Equal(t, `OAuth oauth_consumer_key="ck", oauth_nonce="n0nce", `+
		`oauth_signature="QGgTZrKPxkWqhpftugp75sJ%2B4Ql%2B5M6Zm%2FxB%2BYK4sy4%3D", `+
		`oauth_signature_method="HMAC-SHA256", oauth_timestamp="1772355600", `+
		`oauth_token="at", oauth_version="1.0"`, header)
}

func TestPercentEncode(t *testing.T) {
	tests := map[string]string{
		"abc-._~":  "abc-._~",
		"a b":      "a%20b",
		"a+b":      "a%2Bb",
		"key=v&x":  "key%3Dv%26x",
		"/rest/V1": "%2Frest%2FV1",
		"café":     "caf%C3%A9",
	}
	for in, want := range tests {
		assert.Equal(t, want, percentEncode(in), in)
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"HTTP://Shop.Example.com:80/rest/V1", "http://shop.example.com/rest/V1"},
		{"https://shop.example.com:443/a?b=c", "https://shop.example.com/a"},
		{"https://shop.example.com:8443/a", "https://shop.example.com:8443/a"},
		{"http://127.0.0.1:9000/a%20b", "http://127.0.0.1:9000/a%20b"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		require.NoError(t, err)
		assert.Equal(t, tt.want, baseURL(u))
	}
}
