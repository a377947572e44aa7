// Package logger provides structured logging for the candle ingestor.
// It builds log/slog handlers from the logging configuration, rotates file
// output through lumberjack and carries per-cycle attributes on the context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-candle-ingestor/internal/config"
	ingesterrors "github.com/johnayoung/go-candle-ingestor/internal/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ContextKey represents keys for context values
type ContextKey string

const (
	// CycleIDKey is the context key for the ingestion cycle ID
	CycleIDKey ContextKey = "cycle_id"
	// SymbolKey is the context key for the exchange symbol
	SymbolKey ContextKey = "symbol"
	// TimeframeKey is the context key for the timeframe token
	TimeframeKey ContextKey = "timeframe"
	// WindowKey is the context key for the window start
	WindowKey ContextKey = "window_start"
)

var contextKeys = []ContextKey{CycleIDKey, SymbolKey, TimeframeKey, WindowKey}

// Manager owns the base logger and the writer behind it
type Manager struct {
	baseLogger *slog.Logger
	level      *slog.LevelVar
	writer     io.WriteCloser

	mu             sync.Mutex
	componentCache map[string]*slog.Logger
}

// NewManager creates a logger manager with the specified configuration
func NewManager(cfg config.LoggingConfig) (*Manager, error) {
	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}
	return newManager(cfg, writer), nil
}

// NewManagerWithWriter creates a manager that writes to w regardless of the
// configured output.
func NewManagerWithWriter(cfg config.LoggingConfig, w io.Writer) *Manager {
	return newManager(cfg, nopWriteCloser{w})
}

func newManager(cfg config.LoggingConfig, writer io.WriteCloser) *Manager {
	level := &slog.LevelVar{}
	level.Set(ParseLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level.Level() == slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToUpper(lvl.String()))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	return &Manager{
		baseLogger:     slog.New(&contextHandler{Handler: handler}),
		level:          level,
		writer:         writer,
		componentCache: make(map[string]*slog.Logger),
	}
}

// createWriter creates the appropriate writer based on configuration
func createWriter(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stderr":
		return nopWriteCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}

		dir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}, nil
	default:
		return nopWriteCloser{os.Stdout}, nil
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the base logger instance
func (m *Manager) Logger() *slog.Logger {
	return m.baseLogger
}

// Component returns a logger tagged with component=<name>
func (m *Manager) Component(component string) *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.componentCache[component]; ok {
		return cached
	}
	l := m.baseLogger.With(slog.String("component", component))
	m.componentCache[component] = l
	return l
}

// SetLevel changes the minimum level of every logger built by the manager.
func (m *Manager) SetLevel(level string) {
	m.level.Set(ParseLevel(level))
}

// Level returns the current minimum level.
func (m *Manager) Level() slog.Level {
	return m.level.Level()
}

// Close closes the logger and any associated resources
func (m *Manager) Close() error {
	if m.writer != nil {
		return m.writer.Close()
	}
	return nil
}

// contextHandler appends the attributes stored on the context to every
// record logged through a *Context method.
type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		r.AddAttrs(Attrs(ctx)...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// Attrs extracts logging attributes from context
func Attrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}

// WithCycleID adds a cycle ID to the context
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CycleIDKey, id)
}

// WithSymbol adds the exchange symbol to the context
func WithSymbol(ctx context.Context, symbol string) context.Context {
	return context.WithValue(ctx, SymbolKey, symbol)
}

// WithTimeframe adds the timeframe token to the context
func WithTimeframe(ctx context.Context, tf string) context.Context {
	return context.WithValue(ctx, TimeframeKey, tf)
}

// WithWindow adds the start of the window being processed to the context
func WithWindow(ctx context.Context, start time.Time) context.Context {
	return context.WithValue(ctx, WindowKey, start.UTC().Format(time.RFC3339))
}

// CycleID extracts the cycle ID from context
func CycleID(ctx context.Context) string {
	id, _ := ctx.Value(CycleIDKey).(string)
	return id
}

// LogError logs an error with structured context
func LogError(ctx context.Context, logger *slog.Logger, err error, msg string, args ...any) {
	attrs := []any{
		slog.Any("error", err),
		slog.String("error_type", string(ingesterrors.Classify(err))),
		slog.String("severity", ingesterrors.SeverityOf(err).String()),
	}
	logger.ErrorContext(ctx, msg, append(attrs, args...)...)
}

// TimedOperation logs an operation with automatic timing
func TimedOperation(ctx context.Context, logger *slog.Logger, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	if err != nil {
		logger.ErrorContext(ctx, "operation failed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
			slog.Any("error", err))
		return err
	}

	logger.DebugContext(ctx, "operation completed",
		slog.String("operation", operation),
		slog.Duration("duration", duration))
	return nil
}
