package server

import (
	"errors"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// testSession creates a session over net.Pipe and returns the peer end
func testSession(t *testing.T, id uint64, config ServerConfig, onClose func(*Session, error)) (*Session, net.Conn) {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	sess := newSession(id, "test", serverSide, config, onClose)
	t.Cleanup(func() {
		sess.Close(nil)
		clientSide.Close()
		sess.Wait()
	})
	return sess, clientSide
}

func mustEncode(t *testing.T, msg protocol.Message) *protocol.Encoded {
	t.Helper()
	enc, err := protocol.Encode(msg)
	require.NoError(t, err)
	return enc
}

// readMessage decodes one message from conn with a deadline
func readMessage(t *testing.T, dec *protocol.Decoder, conn net.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	msg, err := dec.Decode()
	require.NoError(t, err)
	return msg
}

func TestSessionSendPreservesOrder(t *testing.T) {
	sess, peer := testSession(t, 1, DefaultConfig(), nil)
	dec := protocol.NewDecoder(peer)

	bodies := []string{"one", "two", "three"}
	for _, body := range bodies {
		require.NoError(t, sess.Send(mustEncode(t, &protocol.TextMessage{Sender: "a", Body: body})))
	}
	require.NoError(t, sess.Send(mustEncode(t, &protocol.File{Sender: "a", Name: "f.bin", Data: []byte("payload")})))

	for _, body := range bodies {
		msg := readMessage(t, dec, peer)
		require.IsType(t, &protocol.TextMessage{}, msg)
		assert.Equal(t, body, msg.(*protocol.TextMessage).Body)
	}

	msg := readMessage(t, dec, peer)
	require.IsType(t, &protocol.File{}, msg)
	assert.Equal(t, []byte("payload"), msg.(*protocol.File).Data)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	sess, _ := testSession(t, 1, DefaultConfig(), func(*Session, error) {
		calls.Add(1)
	})

	first := errors.New("first")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == 0 {
				sess.Close(first)
			} else {
				sess.Close(errors.New("later"))
			}
		}(i)
	}
	wg.Wait()
	sess.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateClosed, sess.State())
	assert.Error(t, sess.CloseReason())
	assert.ErrorIs(t, sess.Send(mustEncode(t, &protocol.PingMessage{})), ErrSessionClosed)
}

func TestSessionCloseWakesBlockedRead(t *testing.T) {
	sess, _ := testSession(t, 1, DefaultConfig(), nil)
	reader := sess.reader()

	readErr := make(chan error, 1)
	go func() {
		_, err := reader.Read(make([]byte, 16))
		readErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	sess.Close(errors.New("dropped"))

	select {
	case err := <-readErr:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("read still blocked after Close")
	}

	// Later reads never touch the connection
	_, err := reader.Read(make([]byte, 16))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionWhileActive(t *testing.T) {
	sess, _ := testSession(t, 1, DefaultConfig(), nil)

	ran := 0
	assert.False(t, sess.whileActive(func() { ran++ }))

	require.True(t, sess.activate(func(*Session) {}))
	assert.True(t, sess.whileActive(func() { ran++ }))

	sess.Close(nil)
	assert.False(t, sess.whileActive(func() { ran++ }))
	assert.Equal(t, 1, ran)
}

func TestSessionSendQueueFull(t *testing.T) {
	config := DefaultConfig()
	config.SendQueueSize = 1
	config.WriteTimeoutSeconds = 1
	sess, _ := testSession(t, 1, config, nil)

	// The peer never reads: one frame blocks in the writer, one fills the queue
	enc := mustEncode(t, &protocol.TextMessage{Sender: "a", Body: "x"})
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = sess.Send(enc)
	}
	assert.ErrorIs(t, err, ErrSendQueueFull)
}

func TestSessionWriteFailureCloses(t *testing.T) {
	closed := make(chan error, 1)
	sess, peer := testSession(t, 1, DefaultConfig(), func(_ *Session, reason error) {
		closed <- reason
	})

	peer.Close()
	require.NoError(t, sess.Send(mustEncode(t, &protocol.PingMessage{})))

	select {
	case reason := <-closed:
		assert.Error(t, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed after a write failure")
	}
}

func TestSessionFlushesQueuedFramesOnClose(t *testing.T) {
	sess, peer := testSession(t, 1, DefaultConfig(), nil)
	dec := protocol.NewDecoder(peer)

	require.NoError(t, sess.SendMessage(&protocol.ErrorMessage{ErrorCode: protocol.ErrCodeInvalidFrame, Message: "bye"}))
	sess.Close(errors.New("done"))

	msg := readMessage(t, dec, peer)
	require.IsType(t, &protocol.ErrorMessage{}, msg)
	assert.Equal(t, uint16(protocol.ErrCodeInvalidFrame), msg.(*protocol.ErrorMessage).ErrorCode)

	// Then the connection goes away
	_, err := dec.Decode()
	assert.Error(t, err)
}

func TestSessionStateTransitions(t *testing.T) {
	sess, _ := testSession(t, 1, DefaultConfig(), nil)
	assert.Equal(t, StateConnecting, sess.State())

	assert.True(t, sess.setState(StateAwaitingHandshake))
	assert.True(t, sess.activate(func(*Session) {}))
	assert.Equal(t, StateActive, sess.State())

	sess.Close(nil)
	assert.False(t, sess.setState(StateActive))
	assert.False(t, sess.activate(func(*Session) { t.Fatal("join ran on a closed session") }))
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "awaiting-handshake", StateAwaitingHandshake.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", SessionState(42).String())
}

func TestSessionRateLimit(t *testing.T) {
	config := DefaultConfig()
	config.MessageRateLimit = 2
	sess, _ := testSession(t, 1, config, nil)

	assert.True(t, sess.allow())
	assert.True(t, sess.allow())
	assert.False(t, sess.allow())
}

func TestSessionUnlimitedRate(t *testing.T) {
	config := DefaultConfig()
	config.MessageRateLimit = 0
	sess, _ := testSession(t, 1, config, nil)

	for i := 0; i < 1000; i++ {
		require.True(t, sess.allow())
	}
}

func TestIdleReaderTimesOut(t *testing.T) {
	sess, _ := testSession(t, 1, DefaultConfig(), nil)
	sess.idleTimeout = 50 * time.Millisecond

	_, err := sess.reader().Read(make([]byte, 1))
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestIdleReaderRefreshesDeadline(t *testing.T) {
	sess, peer := testSession(t, 1, DefaultConfig(), nil)
	sess.idleTimeout = 200 * time.Millisecond
	r := sess.reader()

	// Each byte arrives inside the window, so no read times out
	go func() {
		for i := 0; i < 4; i++ {
			time.Sleep(100 * time.Millisecond)
			if _, err := peer.Write([]byte{byte(i)}); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, 1)
	for i := 0; i < 4; i++ {
		_, err := io.ReadFull(r, buf)
		require.NoError(t, err)
		assert.Equal(t, byte(i), buf[0])
	}
}
