package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	Logger *slog.Logger
	level  = new(slog.LevelVar) // dynamic level, adjusted by Init / SetLevel
)

func init() {
	Logger = newLogger(os.Stdout)
}

func newLogger(w io.Writer) *slog.Logger {
	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// Init re-reads LOG_FORMAT and LOG_LEVEL. Call it after .env files are loaded.
func Init() {
	SetLevel(os.Getenv("LOG_LEVEL"))
	Logger = newLogger(os.Stdout)
	slog.SetDefault(Logger)
}

func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// Shortcut helpers. They resolve Logger at call time so Init can swap it.
func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

func Fatal(msg string, args ...any) {
	Logger.Error(msg, args...)
	os.Exit(1)
}

// With returns a component logger, e.g. logging.With("component", "poller").
func With(args ...any) *slog.Logger { return Logger.With(args...) }

// Writer adapts the logger to an io.Writer for libraries that log through one
// (http access logs). Each write becomes one record at info level.
func Writer(msg string, args ...any) io.Writer {
	return &lineWriter{msg: msg, args: args}
}

type lineWriter struct {
	msg  string
	args []any
}

func (w *lineWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")
	Logger.Info(w.msg, append(append([]any{}, w.args...), "line", line)...)
	return len(p), nil
}
