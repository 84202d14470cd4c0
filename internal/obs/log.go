package obs

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	loggerMu sync.RWMutex
	level    = new(slog.LevelVar)
	format   = "json"
	logger   = newLogger(os.Stdout)
)

func newLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With(slog.String("service", "authcore"))
}

// Logger returns the shared structured logger used across the service.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Configure sets the minimum level (debug, info, warn, error) and output
// format (json, text) of the shared logger.
func Configure(lvl, fmtName string, w io.Writer) {
	level.Set(ParseLevel(lvl))
	loggerMu.Lock()
	defer loggerMu.Unlock()
	format = strings.ToLower(strings.TrimSpace(fmtName))
	if w == nil {
		w = os.Stdout
	}
	logger = newLogger(w)
}

// SetOutput redirects the shared logger, returning a func that restores the
// previous one. Intended for tests.
func SetOutput(w io.Writer) (restore func()) {
	loggerMu.Lock()
	prev := logger
	logger = newLogger(w)
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// ParseLevel converts a textual level into slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
