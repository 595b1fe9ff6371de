// Package server wires HTTP handlers into a ServeMux for the chat
// server's side channel via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all side-server routes.
// It sets up handlers for health check, WebSocket gateway, and metrics.
func SetupRoutes(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.Handle("/metrics", s.MetricsHandler())
	return mux
}
