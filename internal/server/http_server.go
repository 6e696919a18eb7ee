// Package server constructs and starts the relay HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// CreateServer creates and configures an HTTP server with the specified
// address and handler. It sets reasonable timeout values for production use.
// ReadTimeout is left unset because WebSocket connections are long-lived;
// the relay enforces its own per-frame deadlines.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     handler,
		IdleTimeout: 60 * time.Second,
	}
}

// StartHub starts the hub's run loop in a separate goroutine.
// This should be called before starting the HTTP server.
func StartHub(hub *Hub) {
	go hub.Run()
	logrus.Info("Hub started and ready to manage relay sessions")
}

// StartServer starts the HTTP server and begins listening for connections,
// over TLS when the configuration carries certificate material. It returns
// an error if the server fails to start.
func StartServer(server *http.Server, cfg *Config) error {
	if cfg != nil && cfg.CertFile != "" && cfg.KeyFile != "" {
		if _, err := os.Stat(cfg.CertFile); err != nil {
			return fmt.Errorf("TLS configured but cert file missing: %w", err)
		}
		if _, err := os.Stat(cfg.KeyFile); err != nil {
			return fmt.Errorf("TLS configured but key file missing: %w", err)
		}
		logrus.WithField("addr", server.Addr).Info("Relay listening with TLS")
		return server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
	}

	logrus.WithField("addr", server.Addr).Info("Relay listening")
	return server.ListenAndServe()
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	logrus.Info("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logrus.Warnf("HTTP server shutdown error: %v", err)
		return err
	}

	logrus.Info("HTTP server shutdown completed")
	return nil
}
