// Package server implements the core of the wsbridge relay: token
// authentication, the connection registry, and request/response packet
// routing between named WebSocket clients.
//
// The implementation is organized into specialized files for configuration,
// the hub, sessions, the router, and HTTP handlers to keep the codebase
// maintainable and testable as the project grows.
package server
