package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, ":9090", cfg.Backend.Addr)
	assert.Equal(t, 2*time.Second, cfg.Client.GracePeriod)
	assert.Equal(t, 200, cfg.Client.SuccessCode)
	assert.Equal(t, "default", cfg.Client.ModelType)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.False(t, cfg.AI.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:7000")
	t.Setenv("TAVERN_GRACE_PERIOD", "750ms")
	t.Setenv("TAVERN_USER_ID", "42")
	t.Setenv("TAVERN_RECONNECT_MAX_ATTEMPTS", "0")
	t.Setenv("ARK_MODEL", "doubao")
	t.Setenv("ARK_API_KEY", "key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
	assert.Equal(t, 750*time.Millisecond, cfg.Client.GracePeriod)
	assert.Equal(t, int64(42), cfg.Client.UserID)
	assert.Equal(t, 0, cfg.Reconnect.MaxAttempts)
	assert.True(t, cfg.AI.Enabled())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
	}{
		{name: "port with space", key: "PORT", val: "80 80"},
		{name: "negative reconnect", key: "TAVERN_RECONNECT_MAX_ATTEMPTS", val: "-1"},
		{name: "zero grace period", key: "TAVERN_GRACE_PERIOD", val: "0s"},
		{name: "http websocket url", key: "TAVERN_WS_URL", val: "http://example.com/ws"},
		{name: "api url without host", key: "TAVERN_API_BASE_URL", val: "http://"},
		{name: "unknown log format", key: "TAVERN_LOG_FORMAT", val: "xml"},
		{name: "unparsable duration", key: "TAVERN_REQUEST_TIMEOUT", val: "soon"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidateClampsPingInterval(t *testing.T) {
	t.Setenv("TAVERN_WS_READ_TIMEOUT", "10s")
	t.Setenv("TAVERN_WS_PING_INTERVAL", "20s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, cfg.Conn.PingInterval)
}
