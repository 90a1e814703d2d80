package common

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Named Logger Registry
// --------------------------------------------------------------------------

var (
	logLevel = &slog.LevelVar{} // shared by all named loggers
	loggers  = xsync.NewMapOf[string, *slog.Logger]()
)

// GetLogger returns the named logger, creating it on first use. All named
// loggers share one handler and one level.
func GetLogger(name string) *slog.Logger {
	l, _ := loggers.LoadOrCompute(name, func() *slog.Logger {
		h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
		return slog.New(h).With("logger", name)
	})
	return l
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// parseLogLevel converts a string level to a slog.Level
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warning", "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers applies the configured log level to all named loggers,
// existing and future.
func InitLoggers(config *ServerConfig) error {
	level, err := parseLogLevel(config.LogLevel)
	if err != nil {
		return err
	}
	logLevel.Set(level)
	return nil
}
