package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type dialConfig struct {
	display string
	dial    func(ctx context.Context) (net.Conn, error)
}

const (
	defaultTCPPort            = "6465"
	defaultWebSocketPort      = "8080"
	defaultSecureWebPort      = "443"
	defaultSSHPort            = "6466"
	relayChatSSHVersionPrefix = "SSH-2.0-RelayChat"
)

func parseServerAddress(raw string, opts Options) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	path := ""
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}

		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}

		if u.User != nil {
			user = u.User.Username()
		}

		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		dial := func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", address)
			if err != nil {
				return nil, err
			}
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				tcpConn.SetNoDelay(true)
			}
			return conn, nil
		}

		return &dialConfig{
			display: address,
			dial:    dial,
		}, nil

	case "ws", "wss":
		defaultPort := defaultWebSocketPort
		if scheme == "wss" {
			defaultPort = defaultSecureWebPort
		}
		host, port, err := splitHostPortWithDefault(hostPort, defaultPort)
		if err != nil {
			return nil, err
		}
		if path == "" || path == "/" {
			path = "/ws"
		}

		u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: path}
		target := u.String()
		dial := func(ctx context.Context) (net.Conn, error) {
			conn, err := DialWebSocket(ctx, target)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}

		return &dialConfig{
			display: target,
			dial:    dial,
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}

		if opts.SSHUser != "" {
			user = opts.SSHUser
		}
		if user == "" {
			user = defaultSSHUser()
		}

		callback := opts.HostKeyCallback
		if callback == nil {
			callback, err = knownHostsCallback(knownHostPaths())
			if err != nil {
				return nil, err
			}
		}

		address := net.JoinHostPort(host, port)
		dial := func(ctx context.Context) (net.Conn, error) {
			return dialSSH(ctx, user, address, callback)
		}

		return &dialConfig{
			display: fmt.Sprintf("ssh://%s@%s", user, address),
			dial:    dial,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}

func defaultSSHUser() string {
	if user := os.Getenv("RELAYCHAT_SSH_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "anonymous"
}

func knownHostPaths() []string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		split := strings.Split(env, string(os.PathListSeparator))
		var paths []string
		for _, p := range split {
			p = strings.TrimSpace(p)
			if p != "" {
				paths = append(paths, p)
			}
		}
		return paths
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}
	return []string{filepath.Join(home, ".ssh", "known_hosts")}
}

// knownHostsCallback verifies host keys against the known_hosts files that exist
func knownHostsCallback(paths []string) (ssh.HostKeyCallback, error) {
	var existing []string
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		return nil, fmt.Errorf("ssh host key verification needs a known_hosts file (checked %s); add the server with `ssh-keyscan` or connect insecurely", strings.Join(paths, ", "))
	}

	callback, err := knownhosts.New(existing...)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := callback(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			if len(keyErr.Want) == 0 {
				return fmt.Errorf("ssh host key for %s (%s) is not in %s", hostname, ssh.FingerprintSHA256(key), strings.Join(existing, ", "))
			}
			return fmt.Errorf("ssh host key for %s changed: server presented %s but known_hosts expects %s. This could indicate a man-in-the-middle attack", hostname, ssh.FingerprintSHA256(key), ssh.FingerprintSHA256(keyErr.Want[0].Key))
		}
		return err
	}, nil
}

// appendKnownHost records key for hostname so later connections can verify it
func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	comment := fmt.Sprintf("relaychat server added=%s", time.Now().Format(time.RFC3339))
	_, err = fmt.Fprintf(f, "%s %s\n", line, comment)
	return err
}

// TrustOnFirstUse accepts and records unknown hosts in path, and still rejects
// keys that contradict an existing entry
func TrustOnFirstUse(path string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if _, err := os.Stat(path); err == nil {
			callback, err := knownhosts.New(path)
			if err != nil {
				return err
			}
			err = callback(hostname, remote, key)
			var keyErr *knownhosts.KeyError
			if err == nil || !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
				return err
			}
		}
		return appendKnownHost(path, hostname, key)
	}
}

func dialSSH(ctx context.Context, user, address string, callback ssh.HostKeyCallback) (net.Conn, error) {
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	// The relay's SSH endpoint is anonymous: "none" auth is all it needs
	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: callback,
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, err
	}

	serverBanner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(serverBanner, relayChatSSHVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("ssh handshake completed but remote server advertised %q; expected a relaychat server (banner prefix %q)", serverBanner, relayChatSSHVersionPrefix)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	netConn.SetDeadline(time.Time{})
	return &sshClientConn{
		channel: channel,
		client:  client,
		conn:    netConn,
	}, nil
}

// sshClientConn presents a session channel as a net.Conn. Deadlines apply
// to the underlying TCP connection.
type sshClientConn struct {
	channel ssh.Channel
	client  *ssh.Client
	conn    net.Conn
	once    sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshClientConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}

func (c *sshClientConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *sshClientConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *sshClientConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *sshClientConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *sshClientConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
