package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBool(t *testing.T) {
	trues := []string{"y", "yes", "t", "true", "on", "1", "Y", "YES", "True", "ON"}
	for _, v := range trues {
		b, err := ParseBool(v)
		require.NoError(t, err, v)
		assert.True(t, b, v)
	}

	falses := []string{"n", "no", "f", "false", "off", "0", "N", "NO", "False", "OFF"}
	for _, v := range falses {
		b, err := ParseBool(v)
		require.NoError(t, err, v)
		assert.False(t, b, v)
	}

	for _, v := range []string{"", "maybe", "2", "truthy"} {
		_, err := ParseBool(v)
		assert.Error(t, err, v)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.True(t, cfg.UseSession)
	assert.True(t, cfg.AutoRegisterShutdown)
	assert.False(t, cfg.LogResponses)
	assert.False(t, cfg.UseOAuth)
	assert.Equal(t, 45, cfg.WsPingInterval)
	assert.Equal(t, 300, cfg.WsMaxPingInterval)
	assert.Equal(t, 5, cfg.WsTimeout)
	assert.Equal(t, 5, cfg.WsSubscriptionRetries)
	assert.Equal(t, 2, cfg.WsSubscriptionTimeout)
	assert.Equal(t, 60, cfg.TicklerInterval)
	assert.Equal(t, 2, cfg.OAuth1aDHGenerator)
	assert.Equal(t, "https://api.ibkr.com/v1/api/", cfg.OAuth1aRestURL)
	assert.Equal(t, "wss://api.ibkr.com/v1/api/ws", cfg.OAuth1aWsURL)
	assert.Equal(t, "oauth/live_session_token", cfg.OAuth1aLiveSessionTokenEndpoint)
	assert.Equal(t, "limited_poa", cfg.OAuth1aRealm)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvPrefix+"USE_SESSION", "off")
	t.Setenv(EnvPrefix+"WS_PING_INTERVAL", "15")
	t.Setenv(EnvPrefix+"ACCOUNT_ID", "DU123456")
	t.Setenv(EnvPrefix+"USE_OAUTH", "yes")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.False(t, cfg.UseSession)
	assert.Equal(t, 15, cfg.WsPingInterval)
	assert.Equal(t, "DU123456", cfg.AccountID)
	assert.True(t, cfg.UseOAuth)
}

func TestFromEnvMalformedBool(t *testing.T) {
	t.Setenv(EnvPrefix+"USE_SESSION", "definitely")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid bool value")
}

func TestFromEnvMalformedInt(t *testing.T) {
	t.Setenv(EnvPrefix+"WS_TIMEOUT", "soon")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid integer")
}

func TestFromEnvIdempotent(t *testing.T) {
	t.Setenv(EnvPrefix+"WS_TIMEOUT", "7")
	t.Setenv(EnvPrefix+"REST_URL", "https://localhost:5000/v1/api/")

	first, err := FromEnv()
	require.NoError(t, err)
	second, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
