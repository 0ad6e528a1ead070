package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WSCONN_ENDPOINT_HOST", "exchange.example.com")
	t.Setenv("WSCONN_ENDPOINT_PORT", "443")

	cfg, err := Load("/nonexistent/path.yaml", nil)
	require.NoError(t, err)
	require.Equal(t, "exchange.example.com", cfg.Endpoint.Host)
	require.Equal(t, 443, cfg.Endpoint.Port)
	require.Equal(t, "exponential", cfg.Reconnect.Strategy)
	require.Equal(t, 10_000, cfg.RequestTimeoutMs)
	require.Equal(t, "wss://exchange.example.com:443/", cfg.Endpoint.URL())
}

func TestValidateRejectsMissingHost(t *testing.T) {
	cfg := Config{Reconnect: ReconnectConfig{Strategy: "exponential", BaseMs: 1, CapMs: 1}, RateLimit: RateLimitConfig{Capacity: 1}}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsBadStrategy(t *testing.T) {
	cfg := Config{
		Endpoint:  Endpoint{Host: "h", Port: 1},
		Reconnect: ReconnectConfig{Strategy: "bogus", BaseMs: 1, CapMs: 1},
		RateLimit: RateLimitConfig{Capacity: 1},
	}
	err := cfg.Validate()
	require.Error(t, err)
}
