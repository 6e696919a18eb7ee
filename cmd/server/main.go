package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sglanz/wsbridge/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	closer, err := server.SetupLogging(cfg)
	if err != nil {
		logrus.Fatalf("Failed to set up logging: %v", err)
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	server.SetConfig(cfg)

	hub := server.NewHub(cfg)
	server.StartHub(hub)

	mux := server.SetupRoutes(hub)
	httpServer := server.CreateServer(cfg.Addr(), mux)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, cfg)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Server failed: %v", err)
		}
	case sig := <-sigCh:
		logrus.WithField("signal", sig.String()).Info("Shutting down on signal")
		if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
			logrus.Warnf("HTTP shutdown incomplete: %v", err)
		}
		if err := hub.Shutdown(shutdownTimeout); err != nil {
			logrus.Warnf("Hub shutdown incomplete: %v", err)
		}
	}
}
