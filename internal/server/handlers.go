// Package server exposes HTTP handlers: the WebSocket gateway into the chat,
// the health check, and Prometheus metrics.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WebSocketHandler upgrades GET requests and serves the connection with the
// same worker used for TCP clients. The handler returns when the session ends.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.cfg.BufferSize,
		WriteBufferSize: s.cfg.BufferSize,
		CheckOrigin:     s.origins.checkOrigin,
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	s.ServeConn(newWSConn(ws))
}

// HealthHandler provides a simple health check endpoint that reports the
// number of active sessions and shared files.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat server is running! sessions=%d files=%d",
		s.hub.Sessions().Len(), s.catalog.Len())
}

// MetricsHandler serves the server's Prometheus registry.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})
}
