// Package vmlog wires up the process-wide structured logger. It keeps the
// teaching kernel's InitLogger shape (multi-writer to stdout + file, level
// parsed from a config string) as a library call that returns an error
// instead of panicking, since vm-core is linked into a caller's process
// rather than being its own main.
package vmlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Setup configures the default slog logger to write to both stdout and
// logPath at the given level ("DEBUG", "INFO", "WARN", "ERROR").
func Setup(logPath string, logLevel string) error {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		return fmt.Errorf("vmlog: opening %s: %w", logPath, err)
	}

	multiWriter := io.MultiWriter(os.Stdout, logFile)

	level, levelErr := parseLevel(logLevel)
	handler := slog.NewTextHandler(multiWriter, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))

	if levelErr != nil {
		slog.Warn(levelErr.Error())
	}
	slog.Debug("vmlog configured", "path", logPath, "level", level.String())
	return nil
}

func parseLevel(levelStr string) (slog.Level, error) {
	switch levelStr {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("vmlog: unknown level %q, defaulting to INFO", levelStr)
	}
}
