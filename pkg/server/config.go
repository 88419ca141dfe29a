package server

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/relaychat/pkg/protocol"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort             int // 0 picks a free port
	HTTPPort            int // WebSocket, /metrics and /health; <= 0 disables
	SSHPort             int // <= 0 disables
	SSHHostKeyPath      string
	MaxConnectionsPerIP uint8  // 0 means unlimited
	MessageRateLimit    uint16 // per minute, 0 means unlimited
	MaxFileSize         uint64
	MaxNameLength       int
	IdleTimeoutSeconds  int
	WriteTimeoutSeconds int
	SendQueueSize       int
	ProtocolVersion     uint8
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:             6465,
		HTTPPort:            8080,
		SSHPort:             0,
		SSHHostKeyPath:      "~/.relaychat/ssh_host_key",
		MaxConnectionsPerIP: 10,
		MessageRateLimit:    120, // per minute
		MaxFileSize:         protocol.DefaultMaxFileSize,
		MaxNameLength:       32,
		IdleTimeoutSeconds:  60,
		WriteTimeoutSeconds: 10,
		SendQueueSize:       256,
		ProtocolVersion:     protocol.ProtocolVersion,
	}
}

// IdleTimeout is how long a connection may stay silent before it is closed
func (c ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// WriteTimeout bounds a single outbound frame write
func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// Validate rejects settings that would disable a mandatory timeout or that do
// not fit the wire fields they are advertised in
func (c ServerConfig) Validate() error {
	var problems []string

	if c.TCPPort < 0 || c.TCPPort > 65535 {
		problems = append(problems, fmt.Sprintf("tcp port %d out of range (0-65535)", c.TCPPort))
	}
	if c.HTTPPort > 65535 {
		problems = append(problems, fmt.Sprintf("http port %d out of range", c.HTTPPort))
	}
	if c.SSHPort > 65535 {
		problems = append(problems, fmt.Sprintf("ssh port %d out of range", c.SSHPort))
	}
	if c.IdleTimeoutSeconds <= 0 || int64(c.IdleTimeoutSeconds) > math.MaxUint32 {
		problems = append(problems, fmt.Sprintf("idle timeout must be positive, got %d", c.IdleTimeoutSeconds))
	}
	if c.WriteTimeoutSeconds <= 0 {
		problems = append(problems, fmt.Sprintf("write timeout must be positive, got %d", c.WriteTimeoutSeconds))
	}
	if c.MaxNameLength <= 0 || c.MaxNameLength > protocol.MaxStringLength {
		problems = append(problems, fmt.Sprintf("max name length must be 1-%d, got %d", protocol.MaxStringLength, c.MaxNameLength))
	}
	if c.SendQueueSize <= 0 {
		problems = append(problems, fmt.Sprintf("send queue size must be positive, got %d", c.SendQueueSize))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid server config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort    int    `toml:"tcp_port"`
	HTTPPort   int    `toml:"http_port"`
	SSHPort    int    `toml:"ssh_port"`
	SSHHostKey string `toml:"ssh_host_key"`
}

type LimitsSection struct {
	MaxConnectionsPerIP int    `toml:"max_connections_per_ip"`
	MessageRateLimit    int    `toml:"message_rate_limit"`
	MaxFileSize         uint64 `toml:"max_file_size"`
	MaxNameLength       int    `toml:"max_name_length"`
	IdleTimeoutSeconds  int    `toml:"idle_timeout_seconds"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
	SendQueueSize       int    `toml:"send_queue_size"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:    d.TCPPort,
			HTTPPort:   d.HTTPPort,
			SSHPort:    d.SSHPort,
			SSHHostKey: d.SSHHostKeyPath,
		},
		Limits: LimitsSection{
			MaxConnectionsPerIP: int(d.MaxConnectionsPerIP),
			MessageRateLimit:    int(d.MessageRateLimit),
			MaxFileSize:         d.MaxFileSize,
			MaxNameLength:       d.MaxNameLength,
			IdleTimeoutSeconds:  d.IdleTimeoutSeconds,
			WriteTimeoutSeconds: d.WriteTimeoutSeconds,
			SendQueueSize:       d.SendQueueSize,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A read-only home still gets a working server
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return TOMLConfig{}, fmt.Errorf("%s: %w", path, err)
	}

	return config, nil
}

// Validate checks file values before they are narrowed into ServerConfig.
// Zero means "use the default" everywhere; -1 disables the HTTP and SSH
// listeners.
func (c *TOMLConfig) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Server.TCPPort >= 0 && c.Server.TCPPort <= 65535, "[server].tcp_port %d out of range (0-65535)", c.Server.TCPPort)
	check(c.Server.HTTPPort >= -1 && c.Server.HTTPPort <= 65535, "[server].http_port %d out of range (-1 disables)", c.Server.HTTPPort)
	check(c.Server.SSHPort >= -1 && c.Server.SSHPort <= 65535, "[server].ssh_port %d out of range (-1 disables)", c.Server.SSHPort)

	check(c.Limits.MaxConnectionsPerIP >= 0 && c.Limits.MaxConnectionsPerIP <= math.MaxUint8,
		"[limits].max_connections_per_ip %d out of range (0-%d)", c.Limits.MaxConnectionsPerIP, math.MaxUint8)
	check(c.Limits.MessageRateLimit >= 0 && c.Limits.MessageRateLimit <= math.MaxUint16,
		"[limits].message_rate_limit %d out of range (0-%d)", c.Limits.MessageRateLimit, math.MaxUint16)
	check(c.Limits.MaxNameLength >= 0 && c.Limits.MaxNameLength <= protocol.MaxStringLength,
		"[limits].max_name_length %d out of range (0-%d)", c.Limits.MaxNameLength, protocol.MaxStringLength)
	check(c.Limits.IdleTimeoutSeconds >= 0 && int64(c.Limits.IdleTimeoutSeconds) <= math.MaxUint32,
		"[limits].idle_timeout_seconds %d must not be negative", c.Limits.IdleTimeoutSeconds)
	check(c.Limits.WriteTimeoutSeconds >= 0, "[limits].write_timeout_seconds %d must not be negative", c.Limits.WriteTimeoutSeconds)
	check(c.Limits.SendQueueSize >= 0, "[limits].send_queue_size %d must not be negative", c.Limits.SendQueueSize)

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# relaychat server configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values fall back
// to the defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.SSHPort != 0 {
		cfg.SSHPort = c.Server.SSHPort
	}
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if c.Limits.MaxConnectionsPerIP != 0 {
		cfg.MaxConnectionsPerIP = uint8(c.Limits.MaxConnectionsPerIP)
	}
	if c.Limits.MessageRateLimit != 0 {
		cfg.MessageRateLimit = uint16(c.Limits.MessageRateLimit)
	}
	if c.Limits.MaxFileSize != 0 {
		cfg.MaxFileSize = c.Limits.MaxFileSize
	}
	if c.Limits.MaxNameLength != 0 {
		cfg.MaxNameLength = c.Limits.MaxNameLength
	}
	if c.Limits.IdleTimeoutSeconds != 0 {
		cfg.IdleTimeoutSeconds = c.Limits.IdleTimeoutSeconds
	}
	if c.Limits.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeoutSeconds = c.Limits.WriteTimeoutSeconds
	}
	if c.Limits.SendQueueSize != 0 {
		cfg.SendQueueSize = c.Limits.SendQueueSize
	}

	return cfg
}

// expandHome expands a leading ~/ to the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
