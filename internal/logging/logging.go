// Package logging configures logrus output and the gin request logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/router-for-me/GeminiRelay/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the standard logrus logger from cfg. The returned closer
// releases the rotating log file, if any.
func Setup(cfg config.LoggingConfig) (io.Closer, error) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	ApplyLevel(cfg.Level)

	file := strings.TrimSpace(cfg.File)
	if file == "" {
		log.SetOutput(os.Stdout)
		return nopCloser{}, nil
	}
	if errMkdir := os.MkdirAll(filepath.Dir(file), 0o755); errMkdir != nil {
		return nil, errMkdir
	}
	rotator := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return rotator, nil
}

// ApplyLevel sets the log level, keeping the current one when level is invalid.
func ApplyLevel(level string) {
	trimmed := strings.TrimSpace(level)
	if trimmed == "" {
		return
	}
	parsed, errParse := log.ParseLevel(trimmed)
	if errParse != nil {
		log.Warnf("invalid log level %q, keeping %s", trimmed, log.GetLevel())
		return
	}
	if parsed != log.GetLevel() {
		log.SetLevel(parsed)
		log.Infof("log level set to %s", parsed)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
