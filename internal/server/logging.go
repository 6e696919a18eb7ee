// Package server configures the structured logging sink used by every relay
// component.
package server

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Log event kinds attached to every structured record so downstream tooling
// can filter without parsing the message text.
const (
	eventConnect        = "connect"
	eventAuthSuccess    = "auth_success"
	eventAuthFailure    = "auth_failure"
	eventDisconnect     = "disconnect"
	eventRoutingFailure = "routing_failure"
	eventForward        = "forward"
)

// SetupLogging points the process-wide logrus logger at the sink the
// configuration asks for: stdout for container deployments, a log file
// otherwise, or effectively nothing when logging is disabled. Rotation and
// retention of the file are handled outside the process.
func SetupLogging(cfg *Config) (io.Closer, error) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if !cfg.EnableLogging {
		logrus.SetOutput(io.Discard)
		logrus.SetLevel(logrus.ErrorLevel)
		return nil, nil
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
		logrus.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
	}
	logrus.SetLevel(level)

	if cfg.LogToStdout {
		logrus.SetOutput(os.Stdout)
		return nil, nil
	}

	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", cfg.LogFile, err)
	}
	logrus.SetOutput(file)
	return file, nil
}
