package server

import (
	"log"
	"net/http"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/aeolun/relaychat/pkg/wsconn"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Non-browser clients send no Origin; accept all
		return true
	},
}

// HandleWebSocket upgrades the request and runs a relay session over binary
// messages until it closes
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	// A client may send a whole file plus its envelope as one message
	ws.SetReadLimit(int64(s.config.MaxFileSize) + protocol.MaxFrameSize)

	s.wg.Add(1)
	defer s.wg.Done()
	s.handleConnection(wsconn.New(ws), "websocket")
}
