package core

import (
	log "github.com/sirupsen/logrus"
)

// globalLogger is the package-wide logger used by every component in core.
// Embedders can override it with SetLogger before starting the daemon.
var globalLogger = log.New()

// SetLogger replaces the package-wide logger.
func SetLogger(l *log.Logger) {
	if l != nil {
		globalLogger = l
	}
}

// Logger returns the package-wide logger.
func Logger() *log.Logger { return globalLogger }
