package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/crypto/ssh"
)

var (
	debugLog = log.New(io.Discard, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	errorLog = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lmicroseconds)
)

var (
	// ErrServerShutdown is the close reason for sessions ended by Stop
	ErrServerShutdown = errors.New("server shutting down")

	errTooManyConnections = errors.New("too many connections from address")
)

const (
	maxAcceptBackoff = time.Second
	rejectTimeout    = time.Second
)

// Server accepts connections on every configured transport and relays
// messages between them
type Server struct {
	config     ServerConfig
	configPath string

	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	sshListener  net.Listener

	registry     *Registry
	dispatcher   *Dispatcher
	metrics      *Metrics
	promRegistry *prometheus.Registry

	nextID atomic.Uint64

	connMu     sync.Mutex
	live       map[uint64]*Session // every session, registered or not
	connsPerIP map[string]int

	shutdown  chan struct{}
	fatal     chan error
	stopping  atomic.Bool
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, configPath string) *Server {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(promRegistry)

	registry := NewRegistry()
	registry.SetMetrics(metrics)

	return &Server{
		config:       config,
		configPath:   configPath,
		registry:     registry,
		dispatcher:   NewDispatcher(registry, metrics),
		metrics:      metrics,
		promRegistry: promRegistry,
		live:         make(map[uint64]*Session),
		connsPerIP:   make(map[string]int),
		shutdown:     make(chan struct{}),
		fatal:        make(chan error, 1),
	}
}

// EnableDebugLogging turns on verbose per-frame logging
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// Start starts the TCP listener and, when configured, the HTTP and SSH listeners
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return err
	}
	s.startTime = time.Now()

	listener, err := listen(s.config.TCPPort)
	if err != nil {
		return err
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	if s.config.HTTPPort > 0 {
		if err := s.startHTTPServer(); err != nil {
			s.listener.Close()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	if err := s.startSSHServer(); err != nil {
		s.closeListeners()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	s.wg.Add(1)
	go s.monitorListenOverflows()

	s.wg.Add(1)
	go s.acceptLoop(listener, "tcp", func(conn net.Conn) {
		s.handleConnection(conn, "tcp")
	})

	return nil
}

// listen binds a TCP port with SO_REUSEADDR so a restarted relay can rebind
// while old connections sit in TIME_WAIT
func listen(port int) (net.Listener, error) {
	lc := net.ListenConfig{Control: controlSocket}
	addr := fmt.Sprintf(":%d", port)
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return listener, nil
}

func controlSocket(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = setReuseAddr(fd)
	}); err != nil {
		return err
	}
	return sockErr
}

// startHTTPServer listens on HTTPPort for WebSocket, /metrics and /health
func (s *Server) startHTTPServer() error {
	listener, err := listen(s.config.HTTPPort)
	if err != nil {
		return err
	}
	log.Printf("HTTP server listening on %s (ws://%s/ws)", listener.Addr(), listener.Addr())
	s.serveHTTP(listener)
	return nil
}

// serveHTTP serves the HTTP mux on an existing listener
func (s *Server) serveHTTP(listener net.Listener) {
	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           s.httpMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if !s.stopping.Load() {
				errorLog.Printf("HTTP server failed: %v", err)
				s.reportFatal(fmt.Errorf("http listener: %w", err))
			}
		}
	}()
}

// Addr returns the TCP listener address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the HTTP listener address, or nil when disabled
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// SSHAddr returns the SSH listener address, or nil when disabled
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// Fatal delivers a listener failure that happened outside of Stop
func (s *Server) Fatal() <-chan error {
	return s.fatal
}

func (s *Server) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// Registry exposes the set of joined sessions
func (s *Server) Registry() *Registry {
	return s.registry
}

// Stop closes listeners and sessions and waits for every goroutine
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		close(s.shutdown)

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.httpServer.Shutdown(ctx); err != nil {
				errorLog.Printf("HTTP shutdown: %v", err)
			}
			cancel()
		}
		s.closeListeners()

		// Joined sessions first, then anything still handshaking
		s.registry.CloseAll(ErrServerShutdown)
		s.connMu.Lock()
		pending := make([]*Session, 0, len(s.live))
		for _, sess := range s.live {
			pending = append(pending, sess)
		}
		s.connMu.Unlock()
		for _, sess := range pending {
			sess.Close(ErrServerShutdown)
		}

		s.wg.Wait()
	})
	return nil
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpListener != nil {
		s.httpListener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
}

// acceptLoop accepts connections until the listener closes. Transient errors
// back off; a closed listener outside Stop is fatal.
func (s *Server) acceptLoop(listener net.Listener, name string, handle func(net.Conn)) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.stopping.Load() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				errorLog.Printf("%s listener closed unexpectedly: %v", name, err)
				s.reportFatal(fmt.Errorf("%s listener: %w", name, err))
				return
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			errorLog.Printf("%s accept error: %v; retrying in %v", name, err, backoff)

			select {
			case <-time.After(backoff):
				continue
			case <-s.shutdown:
				return
			}
		}
		backoff = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handle(conn)
		}()
	}
}

// handleConnection runs one session on conn until it closes
func (s *Server) handleConnection(conn net.Conn, transport string) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	if s.stopping.Load() {
		conn.Close()
		return
	}

	ip := remoteIP(conn.RemoteAddr())
	if !s.acquireSlot(ip) {
		log.Printf("Rejecting %s connection from %s: per-address limit %d reached", transport, conn.RemoteAddr(), s.config.MaxConnectionsPerIP)
		s.metrics.RecordConnectionRejected("per_ip_limit")
		rejectConnection(conn, protocol.ErrCodeTooManyConnections, errTooManyConnections.Error())
		return
	}
	defer s.releaseSlot(ip)

	sess := newSession(s.nextID.Add(1), transport, conn, s.config, s.onSessionClose)
	s.track(sess)
	defer s.untrack(sess)

	s.metrics.RecordSessionCreated(transport)
	log.Printf("Session %d: new %s connection from %s", sess.ID, transport, sess.RemoteAddr)

	err := s.serveSession(sess)
	sess.Close(err)
	sess.Wait()

	log.Printf("Session %d: closed (%s)", sess.ID, describeClose(sess.CloseReason()))
}

// onSessionClose runs exactly once per session from Session.Close
func (s *Server) onSessionClose(sess *Session, reason error) {
	s.metrics.RecordSessionDisconnected()

	if !sess.Registered() {
		return
	}
	if _, ok := s.registry.Unregister(sess.ID); !ok {
		log.Panicf("registry corrupted: session %d marked registered but missing", sess.ID)
	}

	if s.stopping.Load() {
		return
	}
	leave := &protocol.ControlMessage{Kind: protocol.ControlLeave, Name: sess.Name()}
	if _, err := s.dispatcher.Broadcast(leave, sess.ID); err != nil {
		errorLog.Printf("Session %d: leave broadcast failed: %v", sess.ID, err)
	}
	log.Printf("Session %d: %q left", sess.ID, sess.Name())
}

func (s *Server) track(sess *Session) {
	s.connMu.Lock()
	s.live[sess.ID] = sess
	s.connMu.Unlock()
}

func (s *Server) untrack(sess *Session) {
	s.connMu.Lock()
	delete(s.live, sess.ID)
	s.connMu.Unlock()
}

// acquireSlot reserves a per-address connection slot
func (s *Server) acquireSlot(ip string) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	limit := int(s.config.MaxConnectionsPerIP)
	if limit > 0 && s.connsPerIP[ip] >= limit {
		return false
	}
	s.connsPerIP[ip]++
	return true
}

func (s *Server) releaseSlot(ip string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.connsPerIP[ip] <= 1 {
		delete(s.connsPerIP, ip)
		return
	}
	s.connsPerIP[ip]--
}

// rejectConnection writes a single ERROR frame and closes conn
func rejectConnection(conn net.Conn, code uint16, message string) {
	defer conn.Close()

	enc, err := protocol.Encode(&protocol.ErrorMessage{ErrorCode: code, Message: message})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(rejectTimeout))
	enc.WriteTo(conn)
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func describeClose(reason error) string {
	switch {
	case reason == nil:
		return "no reason"
	case errors.Is(reason, errClientExit):
		return "client exit"
	case errors.Is(reason, io.EOF):
		return "disconnected"
	default:
		return reason.Error()
	}
}

// sshConfig builds the SSH server config with the host key
func (s *Server) sshConfig() (*ssh.ServerConfig, error) {
	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		// Anonymous access, the relay has no accounts
		NoClientAuth: true,
	}
	config.ServerVersion = "SSH-2.0-RelayChat"
	config.AddHostKey(hostKey)
	return config, nil
}
