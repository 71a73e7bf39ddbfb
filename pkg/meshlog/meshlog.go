// Package meshlog provides the structured logging setup shared by every
// component of the meshnet device runtime: a single slog.TextHandler
// rooted at os.Stderr, with stdlib log.Printf output redirected through
// it so no component can bypass the configured level.
package meshlog

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Configure installs the process-wide default logger at the given level
// ("debug", "info", "warn", "error"; unrecognized values fall back to
// "info") and redirects stdlib log.Printf through it.
func Configure(level string) {
	lvl := parseLevel(level)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))

	log.SetOutput(&stdlibBridge{level: lvl})
	log.SetFlags(0)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// stdlibBridge adapts log.Printf output to slog at a fixed level.
type stdlibBridge struct {
	level slog.Level
}

func (w *stdlibBridge) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	slog.Log(context.Background(), w.level, msg)
	return len(p), nil
}

// Component returns a logger with a "component" attribute set, the
// convention every package in this module uses instead of printing
// directly.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}
