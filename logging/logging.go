// Package logging builds the slog logger the stack components share. Output
// goes to stderr, a rotated file, or both; configuration comes from the
// caller or from LOG_* environment variables.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ----------------- Config -----------------

type Config struct {
	Level        slog.Level // default: Info
	Format       string     // "text" or "json" (default "text")
	File         string     // path to log file; empty = no file
	AlsoStderr   bool       // default true
	MaxSizeMB    int        // default 50
	MaxBackups   int        // default 3
	MaxAgeDays   int        // default 14
	Compress     bool       // default true
	SetAsDefault bool       // set slog.SetDefault
}

func DefaultConfig() Config {
	return Config{
		Level:      slog.LevelInfo,
		Format:     "text",
		AlsoStderr: true,
		MaxSizeMB:  50, MaxBackups: 3, MaxAgeDays: 14,
		Compress: true,
	}
}

// NewConfigFromEnv reads the LOG_* variables.
func NewConfigFromEnv() Config {
	cfg := DefaultConfig()

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "all":
		cfg.Level = slog.Level(-100)
	case "debug":
		cfg.Level = slog.LevelDebug
	case "warn", "warning":
		cfg.Level = slog.LevelWarn
	case "error":
		cfg.Level = slog.LevelError
	}

	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "json":
		cfg.Format = "json"
	case "text", "":
		cfg.Format = "text"
	}

	cfg.File = strings.TrimSpace(os.Getenv("LOG_FILE"))
	cfg.AlsoStderr = envBool(os.Getenv("LOG_STDERR"), true)
	cfg.MaxSizeMB = envInt(os.Getenv("LOG_MAX_SIZE_MB"), 50)
	cfg.MaxBackups = envInt(os.Getenv("LOG_MAX_BACKUPS"), 3)
	cfg.MaxAgeDays = envInt(os.Getenv("LOG_MAX_AGE_DAYS"), 14)
	cfg.Compress = envBool(os.Getenv("LOG_COMPRESS"), true)

	cfg.SetAsDefault = true
	return cfg
}

func envBool(s string, def bool) bool {
	if s == "" {
		return def
	}
	switch strings.ToLower(s) {
	case "1", "true", "t", "yes", "y":
		return true
	case "0", "false", "f", "no", "n":
		return false
	default:
		return def
	}
}

func envInt(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return def
}

// ----------------- Setup -----------------

// MultiHandler fans out to multiple slog.Handlers
type MultiHandler struct{ hs []slog.Handler }

func (m MultiHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range m.hs {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (m MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.hs {
		if err := h.Handle(ctx, r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(m.hs))
	for i, h := range m.hs {
		out[i] = h.WithAttrs(attrs)
	}
	return MultiHandler{hs: out}
}

func (m MultiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(m.hs))
	for i, h := range m.hs {
		out[i] = h.WithGroup(name)
	}
	return MultiHandler{hs: out}
}

// EnsureDir creates the parent directory of path if needed.
func EnsureDir(path string) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func newHandler(w io.Writer, cfg Config) slog.Handler {
	switch cfg.Format {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.Level})
	default:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.Level})
	}
}

// New builds a slog.Logger using cfg; returns the logger and the (optional)
// rotating file writer so callers can close it on shutdown.
func New(cfg Config) (*slog.Logger, io.WriteCloser) {
	handlers := make([]slog.Handler, 0, 2)

	var fileWriter io.WriteCloser
	if cfg.File != "" {
		fileWriter = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		handlers = append(handlers, newHandler(fileWriter, cfg))
	}

	if cfg.AlsoStderr {
		handlers = append(handlers, newHandler(os.Stderr, cfg))
	}

	var h slog.Handler
	if len(handlers) == 0 {
		h = newHandler(os.Stderr, cfg)
	} else if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = MultiHandler{hs: handlers}
	}

	l := slog.New(h)
	if cfg.SetAsDefault {
		slog.SetDefault(l)
	}
	return l, fileWriter
}

func NewFromEnv() (*slog.Logger, io.WriteCloser) {
	return New(NewConfigFromEnv())
}
