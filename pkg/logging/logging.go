package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

func ParseLevel(logLevelStr string) slog.Level {
	switch strings.ToLower(logLevelStr) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs the default slog logger. format is text, json or console;
// console colours only when the destination is a terminal.
func Setup(logLevelStr, logPath, format string, defaultWriter io.Writer) *slog.Logger {
	level := ParseLevel(logLevelStr)

	logWriter := defaultWriter
	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			// Use a temporary logger to the default writer for this error message
			tempLogger := slog.New(slog.NewTextHandler(defaultWriter, nil))
			tempLogger.Error("Failed to open configured log file, falling back to default writer", "path", logPath, "error", err)
		} else {
			logWriter = logFile
		}
	}

	logger := slog.New(NewHandler(logWriter, level, format))
	slog.SetDefault(logger)
	return logger
}

func NewHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "console":
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  opts.AddSource,
			TimeFormat: time.Kitchen,
			NoColor:    !isTerminal(w),
		})
	default:
		return slog.NewTextHandler(w, opts)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// RequestEntry is one access log line.
type RequestEntry struct {
	RemoteAddr string
	Method     string
	Target     string
	Route      string // candidate used, e.g. "PROXY a:3128" or "DIRECT"
	Status     int
	BytesIn    int64
	BytesOut   int64
	Duration   time.Duration
	Err        error
}

func LogRequest(logger *slog.Logger, e RequestEntry) {
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"remote_addr", e.RemoteAddr,
		"method", e.Method,
		"target", e.Target,
		"route", e.Route,
		"status", e.Status,
		"bytes_in", e.BytesIn,
		"bytes_out", e.BytesOut,
		"duration", e.Duration.Round(time.Millisecond),
	}
	if e.Err != nil {
		logger.Warn("Request failed", append(attrs, "error", e.Err)...)
		return
	}
	logger.Info("Request", attrs...)
}
