package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json", "text" or "traditional".
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "traditional":
		handler = NewTraditionalHandler(w, ParseLevel(level))
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures the default logger, adding a dated log file under logDir
// when logDir is not empty. The returned closer releases the log file.
func Setup(level, format, logDir string) (*slog.Logger, io.Closer, error) {
	writers := []io.Writer{os.Stderr}
	var closer io.Closer = nopCloser{}

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile := filepath.Join(logDir, fmt.Sprintf("image-retrieval-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)
		closer = file
	}

	logger := NewWithWriter(io.MultiWriter(writers...), level, format)
	slog.SetDefault(logger)

	logger.Debug("logging initialized",
		"level", level,
		"format", format,
		"log_dir", logDir,
	)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// TraditionalHandler implements slog.Handler with traditional log formatting:
// "[LEVEL] message [key=value ...]".
type TraditionalHandler struct {
	mu     *sync.Mutex
	logger *log.Logger
	level  slog.Level
	attrs  []string
	group  string
}

// NewTraditionalHandler writes records to w with the standard log prefix.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{
		mu:     &sync.Mutex{},
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := append([]string(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})

	msg := r.Message
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		out.attrs = append(out.attrs, h.format(a))
	}
	return &out
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	out := *h
	if out.group != "" {
		name = out.group + "." + name
	}
	out.group = name
	return &out
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

// ParseLevel converts a level name; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogGenerationStart logs the beginning of a database generation
func LogGenerationStart(logger *slog.Logger, dir string, files int, options map[string]any) {
	logger.Info("database generation started",
		"dir", dir,
		"files", humanize.Comma(int64(files)),
		"options", options,
	)
}

// LogGenerationComplete logs the outcome of a database generation
func LogGenerationComplete(logger *slog.Logger, dir string, entries, failures int, duration time.Duration) {
	logger.Info("database generation completed",
		"dir", dir,
		"entries", humanize.Comma(int64(entries)),
		"failures", failures,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
	)
}

// LogArchive logs a database archive read or write
func LogArchive(logger *slog.Logger, action, path string, entries int, size int64) {
	logger.Info("database archive "+action,
		"path", path,
		"entries", humanize.Comma(int64(entries)),
		"size", humanize.IBytes(uint64(max(size, 0))),
	)
}

// LogQuery logs a completed ranking request
func LogQuery(logger *slog.Logger, query string, candidates, results int, indexed bool, duration time.Duration) {
	logger.Info("query ranked",
		"query", query,
		"candidates", humanize.Comma(int64(candidates)),
		"results", results,
		"indexed", indexed,
		"duration_human", duration.String(),
	)
}
