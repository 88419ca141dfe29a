package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aeolun/relaychat/pkg/wsconn"
	"github.com/gorilla/websocket"
)

// DialWebSocket connects to a ws:// or wss:// URL and returns the relay
// stream carried over its binary messages
func DialWebSocket(ctx context.Context, target string) (*wsconn.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}

	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		// Improve error message for common TLS/handshake issues
		if strings.Contains(err.Error(), "bad handshake") {
			if strings.HasPrefix(target, "wss://") {
				return nil, fmt.Errorf("TLS handshake failed - server may not support WSS (try ws:// instead): %w", err)
			}
			return nil, fmt.Errorf("handshake failed - server may require WSS/TLS (try wss:// instead): %w", err)
		}
		return nil, err
	}

	return wsconn.New(ws), nil
}
