// Package logging configures the process-wide logrus logger that
// github.com/zitadel/logging's package-level helpers (WithFields,
// OnError, ...) write through.
package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/zitadel/projection-engine/internal/config"
)

// Configure sets the global logrus level and formatter from cfg, called
// once at process startup before anything logs.
func Configure(cfg config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
