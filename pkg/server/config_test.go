package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTOMLConfigIncludesSSHSettings(t *testing.T) {
	cfg := DefaultTOMLConfig()

	if cfg.Server.SSHPort != 0 {
		t.Fatalf("expected SSH to be disabled by default, got port %d", cfg.Server.SSHPort)
	}

	if cfg.Server.SSHHostKey == "" {
		t.Fatal("expected default SSH host key path to be set")
	}
}

func TestToServerConfigMapsSSHSettings(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Server.SSHPort = 2222
	cfg.Server.SSHHostKey = "/tmp/host_key"

	serverCfg := cfg.ToServerConfig()

	if serverCfg.SSHPort != 2222 {
		t.Fatalf("expected SSHPort 2222, got %d", serverCfg.SSHPort)
	}

	if serverCfg.SSHHostKeyPath != "/tmp/host_key" {
		t.Fatalf("expected SSHHostKeyPath /tmp/host_key, got %s", serverCfg.SSHHostKeyPath)
	}
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var cfg TOMLConfig

	assert.Equal(t, DefaultConfig(), cfg.ToServerConfig())
}

func TestDefaultConfigTimeouts(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 60*time.Second, cfg.IdleTimeout())
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout())
	assert.Equal(t, 256, cfg.SendQueueSize)
	assert.Equal(t, 6465, cfg.TCPPort)
}

func TestLoadConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# relaychat server configuration")
	assert.Contains(t, string(data), "[limits]")

	// The written file loads back to the same values
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
tcp_port = 7000
http_port = 9090

[limits]
max_connections_per_ip = 3
message_rate_limit = 30
max_file_size = 1024
idle_timeout_seconds = 5
send_queue_size = 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	serverCfg := cfg.ToServerConfig()
	assert.Equal(t, 7000, serverCfg.TCPPort)
	assert.Equal(t, 9090, serverCfg.HTTPPort)
	assert.Equal(t, uint8(3), serverCfg.MaxConnectionsPerIP)
	assert.Equal(t, uint16(30), serverCfg.MessageRateLimit)
	assert.Equal(t, uint64(1024), serverCfg.MaxFileSize)
	assert.Equal(t, 5*time.Second, serverCfg.IdleTimeout())
	assert.Equal(t, 8, serverCfg.SendQueueSize)

	// Unset keys keep their defaults
	assert.Equal(t, DefaultConfig().MaxNameLength, serverCfg.MaxNameLength)
	assert.Equal(t, DefaultConfig().WriteTimeoutSeconds, serverCfg.WriteTimeoutSeconds)
}

func TestLoadConfigRejectsInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_port = "), 0644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestLoadConfigRejectsOutOfRangeValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"negative idle timeout", "[limits]\nidle_timeout_seconds = -1\n", "idle_timeout_seconds"},
		{"per-ip cap overflows uint8", "[limits]\nmax_connections_per_ip = 256\n", "max_connections_per_ip"},
		{"rate limit overflows uint16", "[limits]\nmessage_rate_limit = 65536\n", "message_rate_limit"},
		{"negative write timeout", "[limits]\nwrite_timeout_seconds = -5\n", "write_timeout_seconds"},
		{"tcp port out of range", "[server]\ntcp_port = 70000\n", "tcp_port"},
		{"ssh port below -1", "[server]\nssh_port = -2\n", "ssh_port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), path)
		})
	}
}

func TestLoadConfigAcceptsDisabledListeners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nhttp_port = -1\nssh_port = -1\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	serverCfg := cfg.ToServerConfig()
	assert.Equal(t, -1, serverCfg.HTTPPort)
	assert.Equal(t, -1, serverCfg.SSHPort)
	assert.NoError(t, serverCfg.Validate())
}

func TestServerConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(*ServerConfig)
		want   string
	}{
		{"idle timeout disabled", func(c *ServerConfig) { c.IdleTimeoutSeconds = -1 }, "idle timeout"},
		{"idle timeout zero", func(c *ServerConfig) { c.IdleTimeoutSeconds = 0 }, "idle timeout"},
		{"write timeout zero", func(c *ServerConfig) { c.WriteTimeoutSeconds = 0 }, "write timeout"},
		{"name length too long for hello", func(c *ServerConfig) { c.MaxNameLength = 70000 }, "max name length"},
		{"empty send queue", func(c *ServerConfig) { c.SendQueueSize = 0 }, "send queue size"},
		{"negative tcp port", func(c *ServerConfig) { c.TCPPort = -1 }, "tcp port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			assert.ErrorContains(t, config.Validate(), tt.want)
		})
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.TCPPort = 0
	config.HTTPPort = 0
	config.IdleTimeoutSeconds = -1

	srv := NewServer(config, "")
	assert.ErrorContains(t, srv.Start(), "idle timeout")
	assert.Nil(t, srv.Addr())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandHome("~/.relaychat/config.toml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".relaychat", "config.toml"), got)

	got, err = expandHome("/etc/relaychat.toml")
	require.NoError(t, err)
	assert.Equal(t, "/etc/relaychat.toml", got)
}
