package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"healthtree/internal/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	ansiReset  = "\x1b[0m"
	ansiBlue   = "\x1b[34m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
	ansiGray   = "\x1b[90m"
)

// tokenPattern matches highlighted tokens of console lines; alternation order is match priority.
var tokenPattern = regexp.MustCompile(`(\bstate=Ok\b)|(\bstate=Warning\b)|(\bstate=Error\b)|("[^"\n]*")`)

// tokenColors is color of each tokenPattern group.
var tokenColors = []string{ansiGreen, ansiYellow, ansiRed, ansiGreen}

// New builds a logger for configured sinks and returns a cleanup function.
// Params: cfg contains console/file sink settings.
// Returns: slog logger, cleanup callback, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []io.Closer
	)
	if cfg.Console.Enabled {
		handler, err := sinkHandler(cfg.Console, consoleWriter(cfg.Console), true)
		if err != nil {
			return nil, nil, fmt.Errorf("build console handler: %w", err)
		}
		handlers = append(handlers, handler)
	}
	if cfg.File.Enabled {
		writer := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		handler, err := sinkHandler(cfg.File, writer, false)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("build file handler: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, writer)
	}

	switch len(handlers) {
	case 0:
		return nil, nil, errors.New("no log sinks enabled")
	case 1:
		return slog.New(handlers[0]), closeAll(closers), nil
	default:
		return slog.New(fanout(handlers)), closeAll(closers), nil
	}
}

// ForEnvironment scopes logger to one environment engine.
// Params: base logger, environment name, and its alert subscription.
// Returns: child logger carrying environment attributes.
func ForEnvironment(logger *slog.Logger, environment, subscriptionID string) *slog.Logger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger.With("environment", environment, "subscription_id", subscriptionID)
}

func consoleWriter(sink config.LogSinkConfig) io.Writer {
	if strings.EqualFold(strings.TrimSpace(sink.Format), "line") {
		return &colorLineWriter{dst: os.Stdout}
	}
	return os.Stdout
}

// sinkHandler builds slog handler for one sink writing to w.
// Console sinks drop timestamps; collectors add their own.
func sinkHandler(sink config.LogSinkConfig, w io.Writer, console bool) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if console {
		opts.ReplaceAttr = func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) == 0 && attr.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return attr
		}
	}
	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", sink.Format)
	}
}

func closeAll(closers []io.Closer) func() {
	return func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}
}

// parseLevel converts configuration level into slog.Level.
func parseLevel(value string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
	}
	return level, nil
}

// fanout writes every record to each handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range f {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle returns joined errors of failing sinks after offering record to all of them.
func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range f {
		if handler.Enabled(ctx, record.Level) {
			if err := handler.Handle(ctx, record.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, len(f))
	for i, handler := range f {
		next[i] = handler.WithAttrs(attrs)
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, len(f))
	for i, handler := range f {
		next[i] = handler.WithGroup(name)
	}
	return next
}

// colorLineWriter tints console lines by level and highlights element states.
type colorLineWriter struct {
	dst io.Writer
}

// Write reports len(payload) on success so slog does not treat escape codes as short writes.
func (w *colorLineWriter) Write(payload []byte) (int, error) {
	base := levelColor(payload)
	if base == "" {
		return w.dst.Write(payload)
	}
	if _, err := io.WriteString(w.dst, base+highlight(string(payload), base)+ansiReset); err != nil {
		return 0, err
	}
	return len(payload), nil
}

func levelColor(line []byte) string {
	switch {
	case strings.Contains(string(line), "level=DEBUG"):
		return ansiGray
	case strings.Contains(string(line), "level=INFO"):
		return ansiBlue
	case strings.Contains(string(line), "level=WARN"):
		return ansiYellow
	case strings.Contains(string(line), "level=ERROR"):
		return ansiRed
	default:
		return ""
	}
}

// highlight wraps matched tokens in their color and restores base color after each.
func highlight(line, base string) string {
	matches := tokenPattern.FindAllStringSubmatchIndex(line, -1)
	if len(matches) == 0 {
		return line
	}
	var b strings.Builder
	b.Grow(len(line) + len(matches)*12)
	cursor := 0
	for _, m := range matches {
		color := ""
		for group := range tokenColors {
			if m[2+2*group] >= 0 {
				color = tokenColors[group]
				break
			}
		}
		b.WriteString(line[cursor:m[0]])
		b.WriteString(color)
		b.WriteString(line[m[0]:m[1]])
		b.WriteString(ansiReset)
		b.WriteString(base)
		cursor = m[1]
	}
	b.WriteString(line[cursor:])
	return b.String()
}
