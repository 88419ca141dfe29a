package wsconn

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair returns a Conn on the server side of a real WebSocket and the raw
// client-side websocket.Conn that drives it
func pair(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- ws
	}))
	t.Cleanup(srv.Close)

	peer, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { peer.Close() })

	select {
	case ws := <-accepted:
		conn := New(ws)
		t.Cleanup(func() { conn.Close() })
		return conn, peer
	case <-time.After(3 * time.Second):
		t.Fatal("upgrade did not complete")
		return nil, nil
	}
}

func TestReadJoinsMessagesIntoOneStream(t *testing.T) {
	conn, peer := pair(t)

	require.NoError(t, peer.WriteMessage(websocket.BinaryMessage, []byte("hel")))
	require.NoError(t, peer.WriteMessage(websocket.BinaryMessage, nil))
	require.NoError(t, peer.WriteMessage(websocket.BinaryMessage, []byte("lo world")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len("hello world"))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))
}

func TestReadSmallBufferDrainsLargeMessage(t *testing.T) {
	conn, peer := pair(t)

	payload := strings.Repeat("abcdefgh", 16*1024)
	require.NoError(t, peer.WriteMessage(websocket.BinaryMessage, []byte(payload)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got strings.Builder
	buf := make([]byte, 1000)
	for got.Len() < len(payload) {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	assert.Equal(t, payload, got.String())
}

func TestReadRejectsTextMessages(t *testing.T) {
	conn, peer := pair(t)

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte("not binary")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 16))
	assert.ErrorIs(t, err, ErrTextMessage)
}

func TestPeerNormalCloseReadsAsEOF(t *testing.T) {
	conn, peer := pair(t)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, peer.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF)
}

func TestCloseSendsNormalClosure(t *testing.T) {
	conn, peer := pair(t)

	require.NoError(t, conn.Close())

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := peer.NextReader()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, _ := pair(t)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	_, err := conn.Write([]byte{1})
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestWriteSendsBinaryMessage(t *testing.T) {
	conn, peer := pair(t)

	n, err := conn.Write([]byte{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := peer.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte{0, 1, 2}, data)
}
