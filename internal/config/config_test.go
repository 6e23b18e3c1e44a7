package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chatsync/internal/model/chat"
)

func parse(t *testing.T, vars map[string]string) (*Config, error) {
	t.Helper()
	return Parse(env.Options{Prefix: Prefix, Environment: vars})
}

func TestParseDefaults(t *testing.T) {
	cfg, err := parse(t, map[string]string{"CHATSYNC_IDENTITY_USER_ID": "u1"})
	require.NoError(t, err)

	require.Equal(t, chat.SenderAgent, cfg.Role())
	require.Equal(t, "u1", cfg.SelfID())
	require.Equal(t, "ws://localhost:8000", cfg.Relay.URL)

	opts := cfg.ConnectionOptions()
	require.Equal(t, time.Second, opts.BaseInterval)
	require.Equal(t, 30*time.Second, opts.MaxInterval)
	require.Equal(t, 5, opts.MaxAttempts)
	require.Equal(t, time.Second, opts.MinAttemptSpacing)
	require.Equal(t, 10*time.Second, opts.ConnectTimeout)
	require.Equal(t, 30*time.Second, opts.HeartbeatInterval)
	require.Equal(t, 60*time.Second, opts.PongTimeout)
	require.NotNil(t, opts.Jitter)

	typing := cfg.TypingOptions()
	require.Equal(t, time.Second, typing.IdleTimeout)
	require.Equal(t, 5*time.Second, typing.RemoteTTL)
	require.Equal(t, "u1", typing.SelfID)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := parse(t, map[string]string{
		"CHATSYNC_IDENTITY_ROLE":          "Visitor",
		"CHATSYNC_IDENTITY_WEBSITE_ID":    "site-9",
		"CHATSYNC_IDENTITY_VISITOR_ID":    "v 1",
		"CHATSYNC_RECONNECT_MAX_ATTEMPTS": "8",
		"CHATSYNC_HEARTBEAT_INTERVAL":     "15s",
		"CHATSYNC_FALLBACK_BASE_URL":      "http://api.local",
		"CHATSYNC_METRICS_ADDR":           ":9100",
	})
	require.NoError(t, err)

	require.Equal(t, chat.SenderVisitor, cfg.Role())
	require.Equal(t, "v 1", cfg.SelfID())
	require.Equal(t, 8, cfg.ConnectionOptions().MaxAttempts)
	require.Equal(t, 15*time.Second, cfg.ConnectionOptions().HeartbeatInterval)
	require.Equal(t, "http://api.local", cfg.Fallback.BaseURL)
	require.Equal(t, ":9100", cfg.Metrics.Addr)

	u, err := cfg.RelayURL()
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8000/ws/visitor/site-9?visitor_id=v+1", u)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"role":         {"CHATSYNC_IDENTITY_ROLE": "admin"},
		"attempts":     {"CHATSYNC_RECONNECT_MAX_ATTEMPTS": "0"},
		"intervals":    {"CHATSYNC_RECONNECT_BASE_INTERVAL": "10s", "CHATSYNC_RECONNECT_MAX_INTERVAL": "1s"},
		"bad duration": {"CHATSYNC_HEARTBEAT_INTERVAL": "soon"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parse(t, vars)
			require.Error(t, err)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CHATSYNC_IDENTITY_USER_ID=from-file\n"), 0o600))
	t.Setenv("CHATSYNC_IDENTITY_USER_ID", "")
	require.NoError(t, os.Unsetenv("CHATSYNC_IDENTITY_USER_ID"))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Identity.UserID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
}

func TestAgentURL(t *testing.T) {
	u, err := AgentURL("http://relay.example.com/", "agent-1", "a b&c")
	require.NoError(t, err)
	require.Equal(t, "ws://relay.example.com/ws/agent/agent-1?token=a+b%26c", u)

	u, err = AgentURL("https://relay.example.com", "agent-1", "")
	require.NoError(t, err)
	require.Equal(t, "wss://relay.example.com/ws/agent/agent-1", u)

	_, err = AgentURL("ftp://relay", "agent-1", "t")
	require.Error(t, err)
	_, err = AgentURL("ws://relay", "", "t")
	require.Error(t, err)
}

func TestVisitorURL(t *testing.T) {
	u, err := VisitorURL("wss://relay.example.com/base", "w1", "visitor-7")
	require.NoError(t, err)
	require.Equal(t, "wss://relay.example.com/base/ws/visitor/w1?visitor_id=visitor-7", u)

	_, err = VisitorURL("ws://relay", "", "v")
	require.Error(t, err)
}
