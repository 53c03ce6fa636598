// Package logging sets up the project's structured logger: logrus with the
// prefixed console formatter and lumberjack file rotation, replacing
// EasyDarwin's raw log.New(os.Stdout, prefix, ...)-per-component pattern
// (rich-conn.go, rtsp-session.go, rtsp-server.go all embed a bare
// *log.Logger-derived SessionLogger) with one *logrus.Entry per component,
// carrying structured fields instead of a string prefix.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/qlstream/rtspd/internal/config"
)

// Init configures the package-wide logrus.Logger from cfg and returns it.
// Call once at process startup before deriving component loggers with For.
func Init(cfg config.Log) *logrus.Logger {
	root := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	root.SetLevel(level)
	root.SetFormatter(&prefixed.TextFormatter{
		FullTimestamp:   true,
		ForceFormatting: true,
	})

	var writers []io.Writer
	writers = append(writers, os.Stdout)
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}
	root.SetOutput(io.MultiWriter(writers...))

	return root
}

// For derives a component-scoped entry the way EasyDarwin embeds a
// prefixed SessionLogger in each long-lived object, expressed here as
// structured fields instead of a bracketed string prefix.
func For(root *logrus.Logger, component string) *logrus.Entry {
	return root.WithField("component", component)
}

// ForSession further scopes a component entry to one RTSP session,
// mirroring rtsp-session.go's per-connection log prefix.
func ForSession(root *logrus.Logger, component, sessionID, remoteAddr string) *logrus.Entry {
	return root.WithFields(logrus.Fields{
		"component":  component,
		"session_id": sessionID,
		"remote":     remoteAddr,
	})
}
