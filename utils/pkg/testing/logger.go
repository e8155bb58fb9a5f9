package streamlaketesting

import (
	"log/slog"
	"os"
)

// NewLogger returns a logger for tests. DEBUG=1 shows info, DEBUG=2 shows debug,
// otherwise only errors are printed.
func NewLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
