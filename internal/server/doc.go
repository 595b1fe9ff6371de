// Package server implements the chat session manager and its embedded file
// transfer protocol.
//
// The implementation is organized into specialized files for configuration,
// broadcast (hub), per-connection workers (client), the upload/download
// sub-protocols (transfer), the TCP accept loop (server) and the HTTP side
// server that carries health, metrics and the WebSocket gateway.
package server
