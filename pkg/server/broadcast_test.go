package server

import (
	"net"
	"testing"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPeer struct {
	sess *Session
	conn net.Conn
	dec  *protocol.Decoder
}

func newTestPeer(t *testing.T, reg *Registry, id uint64, config ServerConfig) *testPeer {
	t.Helper()

	sess, conn := testSession(t, id, config, func(s *Session, _ error) {
		if s.Registered() {
			reg.Unregister(s.ID)
		}
	})
	require.True(t, sess.activate(reg.Register))
	return &testPeer{sess: sess, conn: conn, dec: protocol.NewDecoder(conn)}
}

func TestBroadcastExcludesSender(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, nil)

	sender := newTestPeer(t, reg, 1, DefaultConfig())
	alice := newTestPeer(t, reg, 2, DefaultConfig())
	bob := newTestPeer(t, reg, 3, DefaultConfig())

	n, err := d.Broadcast(&protocol.TextMessage{Sender: "s", Body: "hi"}, sender.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, p := range []*testPeer{alice, bob} {
		msg := readMessage(t, p.dec, p.conn)
		assert.Equal(t, &protocol.TextMessage{Sender: "s", Body: "hi"}, msg)
	}

	// Nothing was queued for the sender
	sender.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err = sender.dec.Decode()
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestBroadcastSkipsInactiveSessions(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, nil)

	newTestPeer(t, reg, 1, DefaultConfig())

	// No close hook, so the closed session stays in the registry
	closing, _ := testSession(t, 2, DefaultConfig(), nil)
	require.True(t, closing.activate(reg.Register))
	closing.Close(nil)
	require.Equal(t, 2, reg.Count())

	n, err := d.Broadcast(&protocol.StatusMessage{Sender: "s", Status: "away"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBroadcastIsolatesFailedPeer(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	reg := NewRegistry()
	d := NewDispatcher(reg, metrics)

	stuckConfig := DefaultConfig()
	stuckConfig.SendQueueSize = 1
	stuckConfig.WriteTimeoutSeconds = 1

	healthy := newTestPeer(t, reg, 1, DefaultConfig())
	stuck := newTestPeer(t, reg, 2, stuckConfig)

	// Fill the stuck peer: the writer holds one frame on the unread pipe, the queue holds another
	filler := mustEncode(t, &protocol.PingMessage{})
	for stuck.sess.Send(filler) == nil {
	}

	received := make(chan protocol.Message, 1)
	go func() {
		healthy.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if msg, err := healthy.dec.Decode(); err == nil {
			received <- msg
		}
	}()

	n, err := d.Broadcast(&protocol.TextMessage{Sender: "x", Body: "still delivered"}, 99)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case msg := <-received:
		assert.Equal(t, "still delivered", msg.(*protocol.TextMessage).Body)
	case <-time.After(2 * time.Second):
		t.Fatal("healthy peer did not receive the broadcast")
	}

	require.Eventually(t, func() bool {
		return stuck.sess.State() >= StateClosing
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, stuck.sess.CloseReason(), ErrPeerSendFailure)
	assert.ErrorIs(t, stuck.sess.CloseReason(), ErrSendQueueFull)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sendFailures.WithLabelValues("queue_full")))
	assert.Equal(t, StateActive, healthy.sess.State())
}

func TestBroadcastEncodesOnce(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, nil)

	a := newTestPeer(t, reg, 1, DefaultConfig())
	b := newTestPeer(t, reg, 2, DefaultConfig())

	file := &protocol.File{Sender: "s", Name: "data.bin", Data: []byte{1, 2, 3, 4, 5}}
	enc := mustEncode(t, file)
	assert.Equal(t, 2, d.BroadcastEncoded(enc, 0))

	for _, p := range []*testPeer{a, b} {
		assert.Equal(t, file, readMessage(t, p.dec, p.conn))
	}
}

func TestBroadcastEncodeError(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil)

	_, err := d.Broadcast(&protocol.ControlMessage{Kind: 0}, 0)
	assert.ErrorIs(t, err, protocol.ErrUnknownControlKind)
}

func TestBroadcastMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	reg := NewRegistry()
	d := NewDispatcher(reg, metrics)

	a := newTestPeer(t, reg, 1, DefaultConfig())
	b := newTestPeer(t, reg, 2, DefaultConfig())
	_, err := d.Broadcast(&protocol.TextMessage{Sender: "s", Body: "m"}, 0)
	require.NoError(t, err)
	readMessage(t, a.dec, a.conn)
	readMessage(t, b.dec, b.conn)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messagesBroadcast.WithLabelValues("TEXT")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.messagesSent.WithLabelValues("TEXT")))
}
