package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "discord,slack", cfg.Platforms)
	assert.Equal(t, "archive", cfg.ThreadCleanup)
	assert.Equal(t, 2, cfg.NotifyMaxRetries)
	assert.Equal(t, 50, cfg.WSMaxClients)
	assert.Equal(t, 900, cfg.IdleAfterSec)
	assert.Equal(t, 24, cfg.OrphanRetainHours)
	assert.Equal(t, 6, cfg.SnapshotIntervalHours)
	assert.Equal(t, 7, cfg.SnapshotRetentionDays)
	assert.Equal(t, ":8090", cfg.MgmtListenAddr)
}

func TestLoad_CustomPort(t *testing.T) {
	os.Clearenv()
	t.Setenv("HTTP_PORT", "9090")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTPPort)
}

func TestDiscordEnabled(t *testing.T) {
	cfg := &Config{Platforms: "discord"}
	assert.False(t, cfg.DiscordEnabled())
	cfg.DiscordBotToken = "tok"
	cfg.DiscordChannelID = "chan"
	assert.True(t, cfg.DiscordEnabled())
}

func TestSlackEnabledRespectsPlatformSelection(t *testing.T) {
	cfg := &Config{Platforms: "discord", SlackBotToken: "b", SlackAppToken: "a"}
	assert.False(t, cfg.SlackEnabled(), "slack not listed in PLATFORMS")
	cfg.Platforms = "discord,slack"
	assert.True(t, cfg.SlackEnabled())
}

func TestParseSSHHosts(t *testing.T) {
	cfg := &Config{SSHHosts: "dev@root@10.0.0.1:22, prod@deploy@example.com:2222"}
	hosts, err := cfg.ParseSSHHosts()
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, HostSpec{Name: "dev", User: "root", Addr: "10.0.0.1:22"}, hosts[0])
	assert.Equal(t, HostSpec{Name: "prod", User: "deploy", Addr: "example.com:2222"}, hosts[1])
}

func TestParseSSHHostsInvalidEntry(t *testing.T) {
	cfg := &Config{SSHHosts: "not-a-valid-entry"}
	_, err := cfg.ParseSSHHosts()
	assert.Error(t, err)
}

func TestParseSSHHostsEmpty(t *testing.T) {
	cfg := &Config{}
	hosts, err := cfg.ParseSSHHosts()
	require.NoError(t, err)
	assert.Nil(t, hosts)
}
