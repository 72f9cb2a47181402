package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("loads default values when env vars not set", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "backoffice", cfg.App.Name)
		assert.Equal(t, "development", cfg.App.Env)
		assert.Equal(t, "8080", cfg.App.Port)
		assert.Equal(t, BackendSQLite, cfg.Persistence.Backend)
		assert.Equal(t, "settings", cfg.Persistence.Namespace)
		assert.Equal(t, 500*time.Millisecond, cfg.Persistence.Debounce)
		assert.Equal(t, time.Second, cfg.Profile.RetryBase)
		assert.Equal(t, 30*time.Second, cfg.Profile.RetryMax)
		assert.Equal(t, 5, cfg.Profile.RetryAttempts)
		assert.Equal(t, 30*time.Second, cfg.Tester.DefaultTimeout)
		assert.False(t, cfg.Telemetry.MetricsEnabled)
		assert.Equal(t, 60*time.Second, cfg.Telemetry.MetricsInterval)
	})

	t.Run("telemetry signals are switched separately", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("BACKOFFICE_TELEMETRY_METRICS_ENABLED", "true")
		t.Setenv("BACKOFFICE_TELEMETRY_METRICS_INTERVAL", "15s")
		t.Setenv("BACKOFFICE_TELEMETRY_LOGS_ENABLED", "true")

		cfg, err := Load()
		require.NoError(t, err)

		assert.False(t, cfg.Telemetry.Enabled)
		assert.True(t, cfg.Telemetry.MetricsEnabled)
		assert.Equal(t, 15*time.Second, cfg.Telemetry.MetricsInterval)
		assert.True(t, cfg.Telemetry.LogsEnabled)
	})

	t.Run("loads values from environment variables with BACKOFFICE prefix", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("BACKOFFICE_APP_PORT", "9000")
		t.Setenv("BACKOFFICE_PERSISTENCE_BACKEND", "redis")
		t.Setenv("BACKOFFICE_PERSISTENCE_REDIS_HOST", "cache.local")
		t.Setenv("BACKOFFICE_PERSISTENCE_DEBOUNCE", "250ms")
		t.Setenv("BACKOFFICE_PROFILE_ENABLED", "true")
		t.Setenv("BACKOFFICE_PROFILE_BASE_URL", "https://profiles.example.com")
		t.Setenv("BACKOFFICE_PROFILE_USER_ID", "u-42")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "9000", cfg.App.Port)
		assert.Equal(t, BackendRedis, cfg.Persistence.Backend)
		assert.Equal(t, "cache.local:6379", cfg.Persistence.Redis.Addr())
		assert.Equal(t, 250*time.Millisecond, cfg.Persistence.Debounce)
		assert.True(t, cfg.Profile.Enabled)
		assert.Equal(t, "u-42", cfg.Profile.UserID)
	})

	t.Run("rejects unknown backend", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("BACKOFFICE_PERSISTENCE_BACKEND", "floppy")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "persistence.backend")
	})

	t.Run("enabled profile requires a user", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("BACKOFFICE_PROFILE_ENABLED", "true")
		t.Setenv("BACKOFFICE_PROFILE_BASE_URL", "https://profiles.example.com")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "profile.user_id")
	})

	t.Run("profile retry cap below base is rejected", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("BACKOFFICE_PROFILE_RETRY_BASE", "10s")
		t.Setenv("BACKOFFICE_PROFILE_RETRY_MAX", "1s")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "profile")
	})

	t.Run("encryption without keyring needs a secret", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("BACKOFFICE_PERSISTENCE_ENCRYPTION_ENABLED", "true")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "encryption.secret")
	})

	t.Run("production forbids the memory backend", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("BACKOFFICE_APP_ENV", "production")
		t.Setenv("BACKOFFICE_PERSISTENCE_BACKEND", "memory")

		_, err := Load()
		require.Error(t, err)
	})
}

func TestLoadFile_DefaultsSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[app]
name = "backoffice-test"

[defaults.preferences]
theme = "dark"

[defaults.apiSettings.general]
timeout = 45

[defaults.apiSettings.magento]
url = "https://file.example.com"
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "backoffice-test", cfg.App.Name)

	layer, skipped := cfg.EnvLayer(settings.DefaultSchema(), []string{
		"BACKOFFICE_DEFAULTS_APISETTINGS_MAGENTO_URL=https://env.example.com",
		"BACKOFFICE_DEFAULTS_APISETTINGS_GENERAL_LOGGING=true",
		"BACKOFFICE_DEFAULTS_PREFERENCES_WALLPAPER=ocean",
		"BACKOFFICE_DEFAULTS_PREFERENCES_FONTSIZE=gigantic",
		"PATH=/usr/bin",
	})

	get := func(p string) any {
		v, _ := layer.Lookup(settings.ParsePath(p))
		return v
	}
	assert.Equal(t, "dark", get("preferences.theme"))
	assert.Equal(t, float64(45), get("apiSettings.general.timeout"))
	assert.Equal(t, "https://env.example.com", get("apiSettings.magento.url"))
	assert.Equal(t, true, get("apiSettings.general.logging"))
	assert.ElementsMatch(t, []string{"PREFERENCES.WALLPAPER", "PREFERENCES.FONTSIZE"}, skipped)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "app", Password: "p@ss word", DBName: "backoffice", SSLMode: "disable"}
	assert.Equal(t, "postgres://app:p%40ss%20word@db:5432/backoffice?sslmode=disable", d.DSN())
}
