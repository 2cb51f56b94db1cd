// Package logging configures the daemon's structured logger from the
// SEATD_LOGLEVEL enum (silent, error, info, debug).
package logging

import (
	"io"
	"log/slog"
)

// Log is the process-wide logger. Init must run before any other package
// logs; until then Log is a discarding logger so early-startup code never
// nil-derefs.
var Log = slog.New(slog.NewTextHandler(io.Discard, nil))

// Init parses level and installs the package-wide logger, writing to w
// (typically os.Stderr). An unrecognised level falls back to "error",
// matching SEATD_LOGLEVEL's documented default.
func Init(level string, w io.Writer) {
	var logLevel slog.Level
	switch level {
	case "silent":
		logLevel = slog.LevelError + 4 // above Error, so nothing is emitted
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "error", "":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelError
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)
}

// Debug logs at debug level on the package-wide logger.
func Debug(msg string, args ...any) { Log.Debug(msg, args...) }

// Info logs at info level on the package-wide logger.
func Info(msg string, args ...any) { Log.Info(msg, args...) }

// Warn logs at warn level on the package-wide logger.
func Warn(msg string, args ...any) { Log.Warn(msg, args...) }

// Error logs at error level on the package-wide logger.
func Error(msg string, args ...any) { Log.Error(msg, args...) }
