// Package wsconn carries the relay byte stream over binary WebSocket
// messages, so the same codec runs over ws:// and wss:// as over TCP.
package wsconn

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTextMessage is returned by Read when the peer sends a text message
var ErrTextMessage = errors.New("websocket: text message on a binary stream")

// closeGrace bounds how long Close waits to hand the peer a close frame
const closeGrace = time.Second

// Conn presents a WebSocket as a net.Conn. Message boundaries carry no
// meaning: a relay frame may span messages and one message may hold several
// frames. Messages are streamed, never buffered whole.
type Conn struct {
	ws *websocket.Conn

	readMu  sync.Mutex
	current io.Reader // rest of the message being read

	writeMu sync.Mutex
	closed  atomic.Bool
}

// New wraps an established WebSocket connection
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read reads stream bytes, moving to the next message when one runs out.
// A normal close from the peer reads as io.EOF.
func (c *Conn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.current == nil {
			kind, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				return 0, ErrTextMessage
			}
			c.current = r
		}

		n, err := c.current.Read(b)
		if err == io.EOF {
			c.current = nil
			if n == 0 {
				// Empty or exhausted message; a zero-byte Read would look like EOF
				continue
			}
			return n, nil
		}
		return n, err
	}
}

// Write sends b as one binary message
func (c *Conn) Write(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a normal-closure frame and closes the socket. Only the first
// call does anything.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	// The peer then reads io.EOF instead of an abnormal closure
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return c.ws.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
