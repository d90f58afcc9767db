package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/sshkey"
)

// isolateConfigEnv unsets every UIS_ env var so tests don't inherit values
// from the host environment. t.Setenv restores originals on cleanup.
func isolateConfigEnv(t *testing.T) {
	t.Helper()
	for key := range defaults {
		name := EnvPrefix + "_" + strings.ToUpper(key)
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestLoad_Defaults(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("UIS_JWT_SECRET", "s3cret")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "uis.db", cfg.DBPath)
	assert.Equal(t, model.StorageLocal, cfg.Storage)
	assert.Equal(t, 5, cfg.KeyQuota)
	assert.Equal(t, sshkey.AlgorithmED25519, cfg.KeyAlgorithm)
	assert.Equal(t, 4320*time.Hour, cfg.BastionValidity)
	assert.Zero(t, cfg.SliverValidity)
	assert.Equal(t, 720*time.Hour, cfg.RetentionPeriod)
	assert.Zero(t, cfg.SweepInterval)
	assert.Equal(t, 3, cfg.QueryMinLength)
	assert.Empty(t, cfg.FeedSecret)
	assert.False(t, cfg.SkipTokenValidation)
	assert.Equal(t, 10*time.Second, cfg.Registry.Timeout)
	assert.False(t, cfg.HasRegistry())
}

func TestLoad_FromEnv(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("UIS_LISTEN_ADDR", "0.0.0.0:9090")
	t.Setenv("UIS_LOG_LEVEL", "debug")
	t.Setenv("UIS_DB_PATH", "/tmp/uis-test.db")
	t.Setenv("UIS_SSH_KEY_STORAGE", "Mirrored")
	t.Setenv("UIS_SSH_KEY_QUOTA", "3")
	t.Setenv("UIS_SSH_KEY_ALGORITHM", "rsa")
	t.Setenv("UIS_BASTION_KEY_VALIDITY", "24h")
	t.Setenv("UIS_SLIVER_KEY_VALIDITY", "168h")
	t.Setenv("UIS_SSH_GARBAGE_COLLECT_AFTER", "48h")
	t.Setenv("UIS_SSH_SWEEP_INTERVAL", "5m")
	t.Setenv("UIS_QUERY_CHARACTER_MIN", "2")
	t.Setenv("UIS_SSH_KEY_SECRET", "feed")
	t.Setenv("UIS_SKIP_TOKEN_VALIDATION", "true")
	t.Setenv("UIS_CO_REGISTRY_URL", "https://registry.example.org/registry/")
	t.Setenv("UIS_COAPI_USER", "co_1.api")
	t.Setenv("UIS_COAPI_KEY", "apikey")
	t.Setenv("UIS_COID", "7")
	t.Setenv("UIS_CO_ACTIVE_USERS_COU", "42")
	t.Setenv("UIS_REGISTRY_TIMEOUT", "3s")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "/tmp/uis-test.db", cfg.DBPath)
	assert.Equal(t, model.StorageMirrored, cfg.Storage)
	assert.Equal(t, 3, cfg.KeyQuota)
	assert.Equal(t, sshkey.AlgorithmRSA, cfg.KeyAlgorithm)
	assert.Equal(t, 24*time.Hour, cfg.BastionValidity)
	assert.Equal(t, 168*time.Hour, cfg.SliverValidity)
	assert.Equal(t, 48*time.Hour, cfg.RetentionPeriod)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 2, cfg.QueryMinLength)
	assert.Equal(t, "feed", cfg.FeedSecret)
	assert.True(t, cfg.SkipTokenValidation)
	assert.Equal(t, RegistryConfig{
		URL:       "https://registry.example.org/registry/",
		User:      "co_1.api",
		Key:       "apikey",
		CoID:      "7",
		ActiveCOU: "42",
		Timeout:   3 * time.Second,
	}, cfg.Registry)
	assert.True(t, cfg.HasRegistry())
}

func TestLoad_File(t *testing.T) {
	isolateConfigEnv(t)
	path := filepath.Join(t.TempDir(), "uis.yaml")
	content := `
listen_addr: 127.0.0.1:7000
ssh_key_quota: 2
bastion_key_validity: 1h
jwt_secret: from-file
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("UIS_SSH_KEY_QUOTA", "9")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddr)
	assert.Equal(t, 9, cfg.KeyQuota, "env overrides file")
	assert.Equal(t, time.Hour, cfg.BastionValidity)
	assert.Equal(t, "from-file", cfg.JWTSecret)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing jwt secret", map[string]string{}},
		{"bad duration", map[string]string{"UIS_JWT_SECRET": "x", "UIS_BASTION_KEY_VALIDITY": "soon"}},
		{"negative duration", map[string]string{"UIS_JWT_SECRET": "x", "UIS_SSH_GARBAGE_COLLECT_AFTER": "-1h"}},
		{"zero retention", map[string]string{"UIS_JWT_SECRET": "x", "UIS_SSH_GARBAGE_COLLECT_AFTER": "0"}},
		{"zero quota", map[string]string{"UIS_JWT_SECRET": "x", "UIS_SSH_KEY_QUOTA": "0"}},
		{"zero query minimum", map[string]string{"UIS_JWT_SECRET": "x", "UIS_QUERY_CHARACTER_MIN": "0"}},
		{"non numeric quota", map[string]string{"UIS_JWT_SECRET": "x", "UIS_SSH_KEY_QUOTA": "many"}},
		{"unknown storage", map[string]string{"UIS_JWT_SECRET": "x", "UIS_SSH_KEY_STORAGE": "cloud"}},
		{"unknown algorithm", map[string]string{"UIS_JWT_SECRET": "x", "UIS_SSH_KEY_ALGORITHM": "dsa"}},
		{"unknown log level", map[string]string{"UIS_JWT_SECRET": "x", "UIS_LOG_LEVEL": "loud"}},
		{"bad bool", map[string]string{"UIS_JWT_SECRET": "x", "UIS_SKIP_TOKEN_VALIDATION": "maybe"}},
		{"mirrored without registry", map[string]string{"UIS_JWT_SECRET": "x", "UIS_SSH_KEY_STORAGE": "mirrored"}},
		{"registry url without scheme", map[string]string{"UIS_JWT_SECRET": "x", "UIS_CO_REGISTRY_URL": "registry.example.org", "UIS_COID": "7"}},
		{"registry without coid", map[string]string{"UIS_JWT_SECRET": "x", "UIS_CO_REGISTRY_URL": "https://registry.example.org/"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateConfigEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load("")

			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
			assert.Nil(t, cfg)
		})
	}
}

func TestLoad_SkipValidationWithoutSecret(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("UIS_SKIP_TOKEN_VALIDATION", "1")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.True(t, cfg.SkipTokenValidation)
}

func TestPolicies(t *testing.T) {
	cfg := &Config{BastionValidity: 72 * time.Hour}

	pols := cfg.Policies()

	assert.Equal(t, 72*time.Hour, pols.For(model.CategoryBastion).Validity)
	assert.False(t, pols.For(model.CategoryBastion).Mirrored)
	assert.False(t, pols.For(model.CategorySliver).Expires())
	assert.True(t, pols.For(model.CategorySliver).Mirrored)
}
