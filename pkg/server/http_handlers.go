package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// httpMux routes the WebSocket, metrics and health endpoints
func (s *Server) httpMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}

// HTTPHandler returns the HTTP surface for mounting on an external server
func (s *Server) HTTPHandler() http.Handler {
	return s.httpMux()
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	s.connMu.Lock()
	connections := len(s.live)
	s.connMu.Unlock()

	health := map[string]interface{}{
		"status":          "healthy",
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"active_sessions": s.registry.Count(),
		"connections":     connections,
		"tcp_port":        s.config.TCPPort,
		"ssh_enabled":     s.config.SSHPort > 0,
	}
	if s.stopping.Load() {
		health["status"] = "stopping"
	}

	// Return as JSON
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding health JSON: %v", err)
	}
}
