// Package log wraps log/slog with the process-wide logger and the field
// helpers the workers and servers use to scope their output.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Options configures the process logger.
type Options struct {
	Level   string // debug, info, warn or error
	Format  string // json (default) or text
	Service string // added to every line when set
}

// Setup initializes the global logger on stdout.
func Setup(opts Options) {
	SetupWriter(os.Stdout, opts)
}

// SetupWriter initializes the global logger on w. Only the first call wins.
func SetupWriter(w io.Writer, opts Options) {
	once.Do(func() {
		logger = newLogger(w, opts)
		slog.SetDefault(logger)
	})
}

func newLogger(w io.Writer, opts Options) *slog.Logger {
	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level), ReplaceAttr: redact}
	var h slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		h = slog.NewTextHandler(w, ho)
	} else {
		h = slog.NewJSONHandler(w, ho)
	}
	l := slog.New(h)
	if opts.Service != "" {
		l = l.With(slog.String("service", opts.Service))
	}
	return l
}

// ParseLevel maps a config level string onto a slog level.
// Unknown levels fall back to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sensitiveKeys never reach the output with their value.
var sensitiveKeys = map[string]bool{
	"secret":        true,
	"token":         true,
	"signature":     true,
	"authorization": true,
	"api_key":       true,
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] && a.Value.Kind() == slog.KindString && a.Value.String() != "" {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

// Get returns the configured logger, setting up an INFO JSON logger on
// first use.
func Get() *slog.Logger {
	if logger == nil {
		Setup(Options{Level: "info"})
	}
	return logger
}

// WithComponent tags lines with the subsystem that wrote them.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithEvent scopes a logger to one ledger row.
func WithEvent(provider, eventID string) *slog.Logger {
	return Get().With(slog.String("provider", provider), slog.String("event_id", eventID))
}

func WithJob(id string) *slog.Logger {
	return Get().With(slog.String("job_id", id))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }
