package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshHandshakeTimeout bounds the SSH key exchange before a session exists
const sshHandshakeTimeout = 10 * time.Second

// startSSHServer starts the SSH server on the configured port
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		debugLog.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	listener, err := listen(s.config.SSHPort)
	if err != nil {
		return err
	}

	if err := s.serveSSH(listener); err != nil {
		listener.Close()
		return err
	}
	log.Printf("SSH server listening on %s", listener.Addr())
	return nil
}

// serveSSH accepts SSH connections on an existing listener
func (s *Server) serveSSH(listener net.Listener) error {
	config, err := s.sshConfig()
	if err != nil {
		return err
	}

	s.sshListener = listener
	s.wg.Add(1)
	go s.acceptLoop(listener, "ssh", func(conn net.Conn) {
		s.handleSSHConnection(conn, config)
	})
	return nil
}

// handleSSHConnection performs the SSH handshake and runs one relay session
// on the first "session" channel. Session deadlines apply to the shared TCP
// connection, so further session channels are refused.
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(sshHandshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()
	conn.SetDeadline(time.Time{})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-done:
		}
	}()

	// Discard global out-of-band requests
	go ssh.DiscardRequests(reqs)

	started := false
	for newChannel := range chans {
		// We only accept "session" channels for our binary protocol
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		if started {
			newChannel.Reject(ssh.Prohibited, "one relay session per connection")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			errorLog.Printf("Could not accept SSH channel: %v", err)
			continue
		}
		started = true
		go handleSSHChannelRequests(requests)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// The SSH connection ends with its relay session
			defer sshConn.Close()
			s.handleConnection(&sshChannelConn{channel: channel, conn: conn}, "ssh")
		}()
	}
}

func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn presents an SSH channel as a net.Conn. Deadlines apply to
// the underlying TCP connection, which carries no other session.
type sshChannelConn struct {
	channel ssh.Channel
	conn    net.Conn
}

func (c *sshChannelConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshChannelConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshChannelConn) Close() error {
	return c.channel.Close()
}

func (c *sshChannelConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *sshChannelConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *sshChannelConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
// SetReadDeadline ignores deadlines that have already passed: one would tear
// down the SSH transport before the session's last frames flush. Closing the
// channel after the flush ends a blocked read instead.
func (c *sshChannelConn) SetReadDeadline(t time.Time) error {
	if !t.IsZero() && !t.After(time.Now()) {
		return nil
	}
	return c.conn.SetReadDeadline(t)
}
func (c *sshChannelConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	if strings.TrimSpace(s.config.SSHHostKeyPath) == "" {
		configTarget := "server config file"
		if strings.TrimSpace(s.configPath) != "" {
			configTarget = s.configPath
		}
		return nil, fmt.Errorf("ssh host key path is empty; update [server].ssh_host_key in %s or remove it to use the default (%s)", configTarget, DefaultConfig().SSHHostKeyPath)
	}

	keyPath, err := expandHome(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}

	// Try to load existing key
	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		log.Printf("Loaded SSH host key from %s", keyPath)
		return key, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s...", keyPath)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privateKeyPEM), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	log.Printf("Generated and saved new SSH host key")
	return key, nil
}
