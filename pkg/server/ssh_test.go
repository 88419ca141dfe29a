package server

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// startSSHTestServer starts a server with SSH on a random local port
func startSSHTestServer(t *testing.T) *Server {
	t.Helper()

	config := testConfig()
	config.SSHHostKeyPath = filepath.Join(t.TempDir(), "ssh_host_key")
	srv, _ := startTestServer(t, config)

	// SSHPort=0 disables SSH in Start, so attach a listener by hand
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.serveSSH(ln))
	return srv
}

// connectSSH opens an anonymous SSH connection and returns the raw TCP conn alongside it
func connectSSH(t *testing.T, addr string) (*ssh.Client, net.Conn) {
	t.Helper()

	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	config := &ssh.ClientConfig{
		User:            "relay",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	conn, chans, reqs, err := ssh.NewClientConn(raw, addr, config)
	require.NoError(t, err)

	client := ssh.NewClient(conn, chans, reqs)
	t.Cleanup(func() { client.Close() })
	return client, raw
}

// joinSSHClient opens a session channel and completes the relay handshake
func joinSSHClient(t *testing.T, srv *Server, name string) *testClient {
	t.Helper()

	client, raw := connectSSH(t, srv.SSHAddr().String())
	channel, requests, err := client.OpenChannel("session", nil)
	require.NoError(t, err)
	go ssh.DiscardRequests(requests)

	before := srv.Registry().Count()
	c := newTestClient(t, &sshChannelConn{channel: channel, conn: raw})
	c.handshake(t, name)
	waitForSessions(t, srv, before+1)
	return c
}

func TestSSHServerVersion(t *testing.T) {
	srv := startSSHTestServer(t)

	client, _ := connectSSH(t, srv.SSHAddr().String())
	assert.Equal(t, "SSH-2.0-RelayChat", string(client.ServerVersion()))
}

func TestSSHRelayWithTCPPeer(t *testing.T) {
	srv := startSSHTestServer(t)

	sshPeer := joinSSHClient(t, srv, "over-ssh")
	tcpPeer := joinClient(t, srv, srv.Addr().String(), "over-tcp")

	sshPeer.send(t, &protocol.TextMessage{Body: "from ssh"})
	text := tcpPeer.expect(t, protocol.TypeText).(*protocol.TextMessage)
	assert.Equal(t, "over-ssh", text.Sender)
	assert.Equal(t, "from ssh", text.Body)

	payload := bytes.Repeat([]byte("relay"), 4000)
	tcpPeer.send(t, &protocol.File{Name: "blob.bin", Data: payload})
	file := sshPeer.expect(t, protocol.TypeFileBegin).(*protocol.File)
	assert.Equal(t, "over-tcp", file.Sender)
	assert.Equal(t, payload, file.Data)

	sessions := srv.Registry().Snapshot()
	require.Len(t, sessions, 2)
	assert.Equal(t, "ssh", sessions[0].Transport)
	assert.Equal(t, "tcp", sessions[1].Transport)
}

func TestSSHInvalidChannelType(t *testing.T) {
	srv := startSSHTestServer(t)

	client, _ := connectSSH(t, srv.SSHAddr().String())
	_, _, err := client.OpenChannel("direct-tcpip", nil)

	var openErr *ssh.OpenChannelError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, ssh.UnknownChannelType, openErr.Reason)
}

func TestSSHOneSessionPerConnection(t *testing.T) {
	srv := startSSHTestServer(t)

	client, raw := connectSSH(t, srv.SSHAddr().String())
	channel, requests, err := client.OpenChannel("session", nil)
	require.NoError(t, err)
	go ssh.DiscardRequests(requests)
	first := newTestClient(t, &sshChannelConn{channel: channel, conn: raw})
	first.handshake(t, "first")
	waitForSessions(t, srv, 1)

	_, _, err = client.OpenChannel("session", nil)
	var openErr *ssh.OpenChannelError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, ssh.Prohibited, openErr.Reason)

	// The accepted session keeps working
	tcpPeer := joinClient(t, srv, srv.Addr().String(), "tcp")
	first.send(t, &protocol.TextMessage{Body: "still here"})
	assert.Equal(t, "still here", tcpPeer.expect(t, protocol.TypeText).(*protocol.TextMessage).Body)
}

func TestSSHConnectionEndsWithSession(t *testing.T) {
	srv := startSSHTestServer(t)

	client, raw := connectSSH(t, srv.SSHAddr().String())
	channel, requests, err := client.OpenChannel("session", nil)
	require.NoError(t, err)
	go ssh.DiscardRequests(requests)
	c := newTestClient(t, &sshChannelConn{channel: channel, conn: raw})
	c.handshake(t, "leaver")
	waitForSessions(t, srv, 1)

	c.send(t, &protocol.ControlMessage{Kind: protocol.ControlExit})

	closed := make(chan error, 1)
	go func() { closed <- client.Wait() }()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("SSH connection outlived its relay session")
	}
}

func TestSSHChannelClosedOnStop(t *testing.T) {
	srv := startSSHTestServer(t)
	c := joinSSHClient(t, srv, "alice")

	require.NoError(t, srv.Stop())
	c.expectClosed(t)
}

func TestSSHServerDisabled(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	assert.Nil(t, srv.SSHAddr())
}

func TestSSHLoadOrGenerateHostKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "keys", "ssh_host_key")

	srv1 := &Server{config: ServerConfig{SSHHostKeyPath: keyPath}}
	key1, err := srv1.loadOrGenerateHostKey()
	require.NoError(t, err)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// A second load returns the same key from disk
	srv2 := &Server{config: ServerConfig{SSHHostKeyPath: keyPath}}
	key2, err := srv2.loadOrGenerateHostKey()
	require.NoError(t, err)
	assert.Equal(t, key1.PublicKey().Marshal(), key2.PublicKey().Marshal())
}

func TestSSHEmptyHostKeyPath(t *testing.T) {
	srv := &Server{config: ServerConfig{SSHHostKeyPath: "  "}, configPath: "/etc/relaychat.toml"}

	_, err := srv.loadOrGenerateHostKey()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/etc/relaychat.toml")
}

func TestSSHCorruptHostKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "ssh_host_key")
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0600))

	srv := &Server{config: ServerConfig{SSHHostKeyPath: keyPath}}
	_, err := srv.loadOrGenerateHostKey()
	assert.ErrorContains(t, err, "failed to parse host key")
}
