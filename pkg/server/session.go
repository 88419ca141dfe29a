package server

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"golang.org/x/time/rate"
)

var (
	// ErrSessionClosed is returned by Send once Close has been called
	ErrSessionClosed = errors.New("session closed")

	// ErrSendQueueFull is returned when a peer is not draining its queue
	ErrSendQueueFull = errors.New("send queue full")
)

// flushTimeout bounds how long a closing session keeps writing queued frames
const flushTimeout = time.Second

// SessionState is the lifecycle position of a session
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAwaitingHandshake
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session represents one client connection. Writes go through a bounded
// queue drained by a single writer goroutine, so frames to one peer never
// interleave.
type Session struct {
	ID         uint64
	Transport  string // tcp, websocket or ssh
	RemoteAddr string

	conn         net.Conn
	writeTimeout time.Duration
	idleTimeout  time.Duration
	limiter      *rate.Limiter

	mu     sync.RWMutex // Protects name and status
	name   string
	status string

	lifecycle  sync.Mutex // Orders activation against Close
	state      atomic.Int32
	registered atomic.Bool

	outbound   chan *protocol.Encoded
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error

	// onClose runs once, before the connection is torn down
	onClose func(sess *Session, reason error)
}

// newSession wraps conn and starts its writer goroutine
func newSession(id uint64, transport string, conn net.Conn, config ServerConfig, onClose func(*Session, error)) *Session {
	queueSize := config.SendQueueSize
	if queueSize <= 0 {
		queueSize = DefaultConfig().SendQueueSize
	}

	limit := rate.Inf
	burst := 0
	if config.MessageRateLimit > 0 {
		limit = rate.Limit(float64(config.MessageRateLimit) / 60.0)
		burst = int(config.MessageRateLimit)
	}

	sess := &Session{
		ID:           id,
		Transport:    transport,
		RemoteAddr:   conn.RemoteAddr().String(),
		conn:         conn,
		writeTimeout: config.WriteTimeout(),
		idleTimeout:  config.IdleTimeout(),
		limiter:      rate.NewLimiter(limit, burst),
		outbound:     make(chan *protocol.Encoded, queueSize),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		onClose:      onClose,
	}
	sess.state.Store(int32(StateConnecting))

	go sess.writeLoop()
	return sess
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// setState moves the session forward unless it is already closing
func (s *Session) setState(next SessionState) bool {
	for {
		cur := s.state.Load()
		if SessionState(cur) >= StateClosing {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// whileActive runs fn only if the session is active, holding off Close
// until fn returns
func (s *Session) whileActive(fn func()) bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() != StateActive {
		return false
	}
	fn()
	return true
}

// activate marks the session active and runs join while Close is held off.
// It returns false if the session is already closing.
func (s *Session) activate(join func(*Session)) bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.setState(StateActive) {
		return false
	}
	join(s)
	return true
}

// Name returns the display name assigned at handshake
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Status returns the last status string the client announced
func (s *Session) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Registered reports whether the session is currently in the registry
func (s *Session) Registered() bool {
	return s.registered.Load()
}

// Send queues a pre-encoded frame without blocking
func (s *Session) Send(enc *protocol.Encoded) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbound <- enc:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

// SendMessage encodes msg and queues it
func (s *Session) SendMessage(msg protocol.Message) error {
	enc, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.Send(enc)
}

// Close tears the session down. Only the first call has any effect.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.lifecycle.Lock()
		s.closeErr = reason
		s.setState(StateClosing)
		s.lifecycle.Unlock()
		close(s.done)

		// Wake the read loop now; unstick a writer blocked on a peer that
		// stopped reading once the flush window has passed
		s.conn.SetReadDeadline(time.Now())
		s.conn.SetWriteDeadline(time.Now().Add(flushTimeout))

		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
}

// Done is closed when Close has been called
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the writer has flushed and the connection is closed
func (s *Session) Wait() {
	<-s.writerDone
}

// CloseReason returns the error passed to the first Close
func (s *Session) CloseReason() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

// writeLoop is the only goroutine that writes to conn
func (s *Session) writeLoop() {
	defer func() {
		s.conn.Close()
		s.state.Store(int32(StateClosed))
		close(s.writerDone)
	}()

	for {
		select {
		case enc := <-s.outbound:
			if err := s.write(enc, s.writeTimeout); err != nil {
				debugLog.Printf("Session %d: write %s failed: %v", s.ID, protocol.TypeName(enc.Type), err)
				go s.Close(err)
				return
			}
		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush writes whatever is still queued, so a final Error or Leave reaches the peer
func (s *Session) flush() {
	deadline := time.Now().Add(flushTimeout)
	for {
		select {
		case enc := <-s.outbound:
			if time.Now().After(deadline) {
				return
			}
			if err := s.write(enc, time.Until(deadline)); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(enc *protocol.Encoded, timeout time.Duration) error {
	if timeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := enc.WriteTo(s.conn)
	return err
}

// allow reports whether the rate limiter admits one more message
func (s *Session) allow() bool {
	return s.limiter.Allow()
}

// reader returns a reader that extends the idle deadline before every read
func (s *Session) reader() *idleReader {
	return &idleReader{conn: s.conn, timeout: s.idleTimeout, done: s.done}
}

// idleReader closes silent connections by pushing the read deadline forward
// on every Read. Once done is closed it stops reading.
type idleReader struct {
	conn    net.Conn
	timeout time.Duration
	done    <-chan struct{}
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.timeout > 0 {
		r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	}
	// Close expires the deadline after closing done, so checking done after
	// extending it cannot leave a read blocked past Close
	select {
	case <-r.done:
		return 0, ErrSessionClosed
	default:
	}
	return r.conn.Read(p)
}
