package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiredFields(t *testing.T) {
	tests := []struct {
		integration Integration
		mode        AuthMode
		want        []string
	}{
		{IntegrationMDM, AuthAPIKey, []string{"url", "apiKey"}},
		{IntegrationMDM, AuthBearer, []string{"url", "token"}},
		{IntegrationMDM, AuthBasic, []string{"url", "username", "password"}},
		{IntegrationMagento, AuthBasic, []string{"url", "username", "password"}},
		{IntegrationMagento, AuthOAuth1, []string{"url", "consumerKey", "consumerSecret", "accessToken", "accessTokenSecret"}},
		{IntegrationCegid, AuthBasic, []string{"url", "username", "password", "database"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.integration)+"/"+string(tt.mode), func(t *testing.T) {
			got, ok := RequiredFields(tt.integration, tt.mode)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := RequiredFields(IntegrationCegid, AuthOAuth1)
	assert.False(t, ok)
}

func TestIntegrationConfig_CheckRequired(t *testing.T) {
	t.Run("aggregates every missing oauth1 field", func(t *testing.T) {
		tree := Defaults().
			With(ParsePath("apiSettings.magento.authMode"), "oauth1").
			With(ParsePath("apiSettings.magento.url"), "https://shop.example.com").
			With(ParsePath("apiSettings.magento.consumerKey"), "ck")

		perr := IntegrationConfigFrom(tree, IntegrationMagento).CheckRequired()
		require.NotNil(t, perr)
		assert.Equal(t, ProbeKindValidation, perr.Kind)
		assert.Equal(t, "Consumer Secret is required, Access Token is required, Access Token Secret is required", perr.Message)
	})

	t.Run("latent fields of other modes are ignored", func(t *testing.T) {
		tree := Defaults().
			With(ParsePath("apiSettings.mdm.authMode"), "bearer").
			With(ParsePath("apiSettings.mdm.url"), "https://mdm.example.com").
			With(ParsePath("apiSettings.mdm.token"), "tok").
			With(ParsePath("apiSettings.mdm.apiKey"), "")

		assert.Nil(t, IntegrationConfigFrom(tree, IntegrationMDM).CheckRequired())
	})

	t.Run("whitespace counts as missing", func(t *testing.T) {
		tree := Defaults().
			With(ParsePath("apiSettings.cegid.url"), "https://cegid.example.com/y2").
			With(ParsePath("apiSettings.cegid.username"), "admin").
			With(ParsePath("apiSettings.cegid.password"), "  ").
			With(ParsePath("apiSettings.cegid.database"), "PROD")

		perr := IntegrationConfigFrom(tree, IntegrationCegid).CheckRequired()
		require.NotNil(t, perr)
		assert.Equal(t, "Password is required", perr.Message)
	})
}

func TestIntegrationConfigFrom(t *testing.T) {
	obtained := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	tree := Defaults().
		With(ParsePath("apiSettings.mdm.timeout"), float64(5)).
		With(ParsePath("apiSettings.mdm.retryAttempts"), float64(2)).
		With(ParsePath("apiSettings.mdm.obtainedAt"), obtained).
		With(ParsePath("apiSettings.mdm.endpoints"), []any{"products", "customers"})

	cfg := IntegrationConfigFrom(tree, IntegrationMDM)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 2, cfg.RetryAttempts)
	assert.Equal(t, AuthAPIKey, cfg.AuthMode)
	assert.Equal(t, obtained, cfg.Credentials.ObtainedAt)
	assert.Equal(t, []string{"products", "customers"}, cfg.Endpoints)

	zero := IntegrationConfigFrom(Defaults().With(ParsePath("apiSettings.cegid.timeout"), float64(0)), IntegrationCegid)
	assert.Equal(t, DefaultProbeTimeout, zero.Timeout)
}

func TestLatentFieldPolicy(t *testing.T) {
	assert.Nil(t, PreserveLatentFields.LatentFieldsToClear(IntegrationMagento, AuthBasic))

	cleared := ClearLatentFieldsOnSwitch.LatentFieldsToClear(IntegrationMagento, AuthBasic)
	assert.Contains(t, cleared, "consumerKey")
	assert.Contains(t, cleared, "accessTokenSecret")
	assert.NotContains(t, cleared, "username")
	assert.NotContains(t, cleared, "password")
}

func TestConnectionStatus_RoundTrip(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	status := ConnectionStatus{
		Phase:         PhaseError,
		LastAttemptAt: at,
		LastOutcome:   PhaseError,
		AttemptID:     "a-1",
		Error:         &StatusError{Kind: "auth", Message: "denied"},
	}
	tree := NewTree().With(StatusPath("magento"), status.ToValue())

	assert.Equal(t, status, StatusFrom(tree, "magento"))
	assert.Equal(t, PhaseIdle, StatusFrom(tree, "cegid").Phase)
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want ProbeKind
	}{
		{401, ProbeKindAuth},
		{403, ProbeKindAuth},
		{408, ProbeKindTimeout},
		{429, ProbeKindServer},
		{500, ProbeKindServer},
		{503, ProbeKindServer},
		{404, ProbeKindProtocol},
		{422, ProbeKindProtocol},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyHTTPStatus(tt.code), "status %d", tt.code)
	}
	assert.True(t, ProbeKindServer.Retryable())
	assert.False(t, ProbeKindAuth.Retryable())
}
