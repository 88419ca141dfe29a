package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrClosed is returned by Send* after Close or a disconnect
	ErrClosed = errors.New("connection closed")

	// ErrSendQueueFull is returned when the outgoing queue cannot take another frame
	ErrSendQueueFull = errors.New("outgoing queue full")

	// ErrVersionMismatch is returned when the server speaks another protocol version
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrFileTooLarge is returned by SendFile for files the server would reject
	ErrFileTooLarge = errors.New("file exceeds server maximum size")

	// ErrServerUnresponsive is the disconnect reason when nothing, not even a
	// Pong, arrives for two ping intervals
	ErrServerUnresponsive = errors.New("server stopped responding")

	errUnexpectedHandshake = errors.New("unexpected message during handshake")
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultQueueSize    = 100
	defaultPingInterval = 30 * time.Second
)

// ConnectError reports a failure to dial or complete the handshake
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Options tunes a client connection. The zero value is usable.
type Options struct {
	// DialTimeout bounds dialing plus the handshake when ctx has no deadline
	DialTimeout time.Duration

	// WriteTimeout bounds each frame write
	WriteTimeout time.Duration

	// QueueSize is the capacity of the outgoing queue
	QueueSize int

	// PingInterval is the keepalive period. Zero uses half the server's idle
	// timeout; negative disables keepalives. The connection is dropped with
	// ErrServerUnresponsive when nothing arrives for two intervals.
	PingInterval time.Duration

	// HostKeyCallback verifies ssh:// servers. Nil means ~/.ssh/known_hosts.
	HostKeyCallback ssh.HostKeyCallback

	// SSHUser overrides the user name sent to ssh:// servers
	SSHUser string

	// OnFrame and OnDisconnect are installed before the read loop starts,
	// so no frame can arrive ahead of its handler
	OnFrame      func(protocol.Message)
	OnDisconnect func(error)

	Logger *log.Logger
}

// Client is a joined connection to a relay server
type Client struct {
	addr   string
	conn   net.Conn
	reader *countingReader
	dec    *protocol.Decoder
	name   string
	hello  protocol.HelloMessage
	logger *log.Logger

	writeTimeout time.Duration
	outgoing     chan *protocol.Encoded

	handlerMu    sync.RWMutex
	onFrame      func(protocol.Message)
	onDisconnect func(error)

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	closeOnce  sync.Once
	finishOnce sync.Once
	shutdown   chan struct{} // Close was called
	writerDone chan struct{}
	done       chan struct{} // connection is gone
	err        error
}

// Connect dials addr, completes the handshake as displayName and starts the
// read, write and keepalive goroutines. addr may be host[:port], tcp://,
// ws://, wss:// or ssh://.
func Connect(ctx context.Context, addr, displayName string, opts Options) (*Client, error) {
	dialCfg, err := parseServerAddress(addr, opts)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := &Client{
		addr:         dialCfg.display,
		logger:       opts.Logger,
		writeTimeout: opts.WriteTimeout,
		onFrame:      opts.OnFrame,
		onDisconnect: opts.OnDisconnect,
		shutdown:     make(chan struct{}),
		writerDone:   make(chan struct{}),
		done:         make(chan struct{}),
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = defaultWriteTimeout
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	c.outgoing = make(chan *protocol.Encoded, queueSize)

	c.logf("Connecting to %s...", c.addr)

	conn, err := dialCfg.dial(ctx)
	if err != nil {
		c.logf("Connection failed: %v", err)
		return nil, &ConnectError{Addr: c.addr, Err: err}
	}
	c.conn = conn
	c.reader = &countingReader{r: conn, counter: &c.bytesReceived}
	c.dec = protocol.NewDecoder(c.reader)

	if err := c.handshake(ctx, displayName); err != nil {
		conn.Close()
		return nil, &ConnectError{Addr: c.addr, Err: err}
	}
	c.logf("Joined %s as %q", c.addr, c.name)

	interval := opts.PingInterval
	if interval == 0 {
		interval = defaultPingInterval
		if c.hello.IdleTimeoutSeconds > 0 {
			interval = time.Duration(c.hello.IdleTimeoutSeconds) * time.Second / 2
		}
	}
	if interval > 0 {
		// Every ping is answered, so two silent intervals mean the server is gone
		c.reader.conn = conn
		c.reader.timeout = 2 * interval
	}

	go c.writeLoop()
	go c.readLoop()
	if interval > 0 {
		go c.keepalive(interval)
	}

	return c, nil
}

// handshake waits for HELLO, sends JOIN and reads the welcome
func (c *Client) handshake(ctx context.Context, displayName string) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	// Closing the connection unblocks the handshake if ctx is cancelled first
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	msg, err := c.dec.Decode()
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	switch m := msg.(type) {
	case *protocol.HelloMessage:
		c.hello = *m
	case *protocol.ErrorMessage:
		return m
	default:
		return fmt.Errorf("%w: %s", errUnexpectedHandshake, protocol.TypeName(msg.Type()))
	}

	if c.hello.ProtocolVersion != protocol.ProtocolVersion {
		return fmt.Errorf("%w: server %d, client %d", ErrVersionMismatch, c.hello.ProtocolVersion, protocol.ProtocolVersion)
	}
	if c.hello.MaxFileSize > 0 {
		c.dec.MaxFileSize = c.hello.MaxFileSize
	}

	join := &protocol.ControlMessage{Kind: protocol.ControlJoin, Name: displayName}
	if err := c.writeMessage(join); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	msg, err = c.dec.Decode()
	if err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	switch m := msg.(type) {
	case *protocol.ControlMessage:
		if m.Kind != protocol.ControlJoin {
			return fmt.Errorf("%w: control %s", errUnexpectedHandshake, m.Kind)
		}
		c.name = m.Name
		return nil
	case *protocol.ErrorMessage:
		return m
	default:
		return fmt.Errorf("%w: %s", errUnexpectedHandshake, protocol.TypeName(msg.Type()))
	}
}

func (c *Client) writeMessage(msg protocol.Message) error {
	enc, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.write(enc)
}

func (c *Client) write(enc *protocol.Encoded) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_, err := enc.WriteTo(&countingWriter{w: c.conn, counter: &c.bytesSent})
	return err
}

// logf logs a message if a logger is set
func (c *Client) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Name returns the display name the server assigned
func (c *Client) Name() string {
	return c.name
}

// Addr returns the normalized server address
func (c *Client) Addr() string {
	return c.addr
}

// MaxFileSize returns the server's announced file limit
func (c *Client) MaxFileSize() uint64 {
	return c.hello.MaxFileSize
}

// OnFrame replaces the handler for incoming frames. Handlers run on the read
// goroutine in arrival order and must not block for long.
func (c *Client) OnFrame(fn func(protocol.Message)) {
	c.handlerMu.Lock()
	c.onFrame = fn
	c.handlerMu.Unlock()
}

// OnDisconnect replaces the handler called once when the connection ends.
// The error is nil after Close.
func (c *Client) OnDisconnect(fn func(error)) {
	c.handlerMu.Lock()
	c.onDisconnect = fn
	c.handlerMu.Unlock()
}

// SendFrame queues a message for the server
func (c *Client) SendFrame(msg protocol.Message) error {
	enc, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(enc)
}

func (c *Client) enqueue(enc *protocol.Encoded) error {
	select {
	case <-c.shutdown:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.outgoing <- enc:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendFile reads the file at path and queues it under its base name
func (c *Client) SendFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if limit := c.hello.MaxFileSize; limit > 0 && uint64(info.Size()) > limit {
		return fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, info.Size(), limit)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.SendFrame(&protocol.File{Name: filepath.Base(path), Data: data})
}

// Done is closed when the connection has ended
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is up or after Close
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// BytesSent returns the total bytes written to the wire
func (c *Client) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the total bytes read from the wire
func (c *Client) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Close sends EXIT, flushes queued frames and closes the connection. It is
// safe to call more than once, but not from inside a frame handler.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if enc, err := protocol.Encode(&protocol.ControlMessage{Kind: protocol.ControlExit}); err == nil {
			select {
			case c.outgoing <- enc:
			default:
			}
		}
		close(c.shutdown)
		<-c.writerDone
		c.finish(nil)
	})
	return nil
}

// finish tears the connection down exactly once and notifies the handler
func (c *Client) finish(err error) {
	c.finishOnce.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()

		if err != nil {
			c.logf("Disconnected from %s: %v", c.addr, err)
		} else {
			c.logf("Disconnected from %s", c.addr)
		}

		c.handlerMu.RLock()
		fn := c.onDisconnect
		c.handlerMu.RUnlock()
		if fn != nil {
			fn(err)
		}
	})
}

// readLoop decodes frames and hands them to the frame handler
func (c *Client) readLoop() {
	for {
		msg, err := c.dec.Decode()
		if err != nil {
			select {
			case <-c.shutdown:
				c.finish(nil)
			default:
				var netErr net.Error
				switch {
				case errors.Is(err, io.EOF):
					c.logf("Connection closed by server (EOF)")
				case errors.As(err, &netErr) && netErr.Timeout():
					c.logf("No traffic for %v, giving up", c.reader.timeout)
					err = fmt.Errorf("%w: nothing received for %v", ErrServerUnresponsive, c.reader.timeout)
				}
				c.finish(fmt.Errorf("read: %w", err))
			}
			return
		}

		c.logf("← RECV: %s", protocol.TypeName(msg.Type()))
		if msg.Type() == protocol.TypePong {
			continue
		}

		c.handlerMu.RLock()
		fn := c.onFrame
		c.handlerMu.RUnlock()
		if fn != nil {
			fn(msg)
		}
	}
}

// writeLoop sends queued frames; after Close it drains what is left
func (c *Client) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case enc := <-c.outgoing:
			if err := c.send(enc); err != nil {
				return
			}
		case <-c.shutdown:
			for {
				select {
				case enc := <-c.outgoing:
					if err := c.send(enc); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) send(enc *protocol.Encoded) error {
	if err := c.write(enc); err != nil {
		c.logf("Write error: %v", err)
		c.finish(fmt.Errorf("write: %w", err))
		return err
	}
	c.logf("→ SEND: %s (%d bytes)", protocol.TypeName(enc.Type), enc.Len())
	return nil
}

// keepalive pings so an idle client survives the server's idle timeout
func (c *Client) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.SendFrame(&protocol.PingMessage{}); errors.Is(err, ErrClosed) {
				return
			}
		case <-c.shutdown:
			return
		case <-c.done:
			return
		}
	}
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter.
// With conn and timeout set, every Read also pushes the read deadline forward.
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64

	conn    net.Conn
	timeout time.Duration
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	if cr.conn != nil && cr.timeout > 0 {
		cr.conn.SetReadDeadline(time.Now().Add(cr.timeout))
	}
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}
