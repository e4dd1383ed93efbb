package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("GITLAB_HOSTNAME", "gitlab.example.com")
	t.Setenv("GITLAB_TOKEN", "glpat-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, warnings, err := Load()
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "gitlab.example.com", cfg.GitLabHostname)
	assert.Equal(t, 6*time.Hour, cfg.RefreshInterval)
	assert.Equal(t, 10, cfg.MaxConcurrentRequests)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Zero(t, cfg.RequestsPerSecond)
	assert.False(t, cfg.SkipUserTokens)
	assert.False(t, cfg.SkipNonExpiringTokens)
	assert.False(t, cfg.OwnedEntitiesOnly)
	assert.False(t, cfg.AcceptInvalidCerts)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
}

func TestLoadRequiresCredentials(t *testing.T) {
	t.Setenv("GITLAB_HOSTNAME", "gitlab.example.com")
	_, _, err := Load()
	require.Error(t, err)

	t.Setenv("GITLAB_TOKEN", "  ")
	_, _, err = Load()
	require.Error(t, err)
}

func TestRefreshHoursFallsBack(t *testing.T) {
	setRequired(t)

	for _, raw := range []string{"0", "25", "-3", "six", "1.5"} {
		t.Setenv("DATA_REFRESH_HOURS", raw)
		cfg, warnings, err := Load()
		require.NoError(t, err, raw)
		assert.Equal(t, 6*time.Hour, cfg.RefreshInterval, raw)
		require.Len(t, warnings, 1, raw)
		assert.Equal(t, "DATA_REFRESH_HOURS", warnings[0].Key)
	}

	for raw, want := range map[string]time.Duration{"1": time.Hour, "24": 24 * time.Hour, "12": 12 * time.Hour} {
		t.Setenv("DATA_REFRESH_HOURS", raw)
		cfg, warnings, err := Load()
		require.NoError(t, err)
		assert.Empty(t, warnings)
		assert.Equal(t, want, cfg.RefreshInterval)
	}
}

func TestMaxConcurrentRequests(t *testing.T) {
	setRequired(t)

	t.Setenv("MAX_CONCURRENT_REQUESTS", "3")
	cfg, _, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxConcurrentRequests)

	t.Setenv("MAX_CONCURRENT_REQUESTS", "0")
	cfg, warnings, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxConcurrentRequests, cfg.MaxConcurrentRequests)
	assert.Len(t, warnings, 1)
}

func TestSwitches(t *testing.T) {
	setRequired(t)
	t.Setenv("SKIP_USERS_TOKENS", "yes")
	t.Setenv("SKIP_NON_EXPIRING_TOKENS", "true")
	t.Setenv("OWNED_ENTITIES_ONLY", "1")
	t.Setenv("ACCEPT_INVALID_CERTS", "no")

	cfg, _, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.SkipUserTokens)
	assert.True(t, cfg.SkipNonExpiringTokens)
	assert.True(t, cfg.OwnedEntitiesOnly)
	assert.False(t, cfg.AcceptInvalidCerts)
}

func TestMalformedSwitchIsAnError(t *testing.T) {
	setRequired(t)
	t.Setenv("ACCEPT_INVALID_CERTS", "maybe")

	_, _, err := Load()
	require.ErrorIs(t, err, ErrInvalidSwitch)
}

func TestRequestsPerSecond(t *testing.T) {
	setRequired(t)
	t.Setenv("GITLAB_REQUESTS_PER_SECOND", "2.5")
	cfg, warnings, err := Load()
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.InDelta(t, 2.5, cfg.RequestsPerSecond, 1e-9)

	t.Setenv("GITLAB_REQUESTS_PER_SECOND", "-1")
	cfg, warnings, err = Load()
	require.NoError(t, err)
	assert.Zero(t, cfg.RequestsPerSecond)
	assert.Len(t, warnings, 1)
}
