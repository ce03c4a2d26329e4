package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// FileLogging implements InitFileLogging and StopLogging for backends.
// Embed it and log through Logger. Until InitFileLogging is called, records
// go to the default slog logger; in silent mode records below WARN are
// dropped.
type FileLogging struct {
	mu     sync.RWMutex
	logger *slog.Logger
	files  []*os.File
	silent bool
	attrs  []any
}

// SetLogContext sets attributes added to every record, e.g. the backend name.
func (l *FileLogging) SetLogContext(silent bool, attrs ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.silent = silent
	l.attrs = attrs
	l.logger = nil
}

// Logger returns the backend's logger.
func (l *FileLogging) Logger() *slog.Logger {
	l.mu.RLock()
	logger := l.logger
	silent, attrs := l.silent, l.attrs
	l.mu.RUnlock()
	if logger != nil {
		return logger
	}
	base := slog.Default()
	if silent {
		base = slog.New(&levelFilter{min: slog.LevelWarn, next: base.Handler()})
	}
	return base.With(attrs...)
}

// InitFileLogging routes records below ERROR to infoPath and ERROR records
// to errorPath. An empty path keeps the default logger for that stream.
func (l *FileLogging) InitFileLogging(infoPath, errorPath string) error {
	if infoPath == "" && errorPath == "" {
		return nil
	}

	var files []*os.File
	open := func(path string) (slog.Handler, error) {
		if path == "" {
			return slog.Default().Handler(), nil
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("opening log file %s: %w", path, err)
		}
		files = append(files, f)
		return slog.NewJSONHandler(f, nil), nil
	}

	info, err := open(infoPath)
	if err != nil {
		return err
	}
	errs, err := open(errorPath)
	if err != nil {
		closeAll(files)
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	closeAll(l.files)
	l.files = files
	l.logger = slog.New(&splitHandler{info: info, err: errs}).With(l.attrs...)
	return nil
}

// StopLogging closes any log files opened by InitFileLogging.
func (l *FileLogging) StopLogging() {
	l.mu.Lock()
	defer l.mu.Unlock()
	closeAll(l.files)
	l.files = nil
	l.logger = nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// splitHandler sends ERROR records to err and everything else to info.
type splitHandler struct {
	info slog.Handler
	err  slog.Handler
}

func (h *splitHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= slog.LevelError {
		return h.err.Enabled(ctx, level)
	}
	return h.info.Enabled(ctx, level)
}

func (h *splitHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		return h.err.Handle(ctx, r)
	}
	return h.info.Handle(ctx, r)
}

func (h *splitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &splitHandler{info: h.info.WithAttrs(attrs), err: h.err.WithAttrs(attrs)}
}

func (h *splitHandler) WithGroup(name string) slog.Handler {
	return &splitHandler{info: h.info.WithGroup(name), err: h.err.WithGroup(name)}
}

// levelFilter drops records below min.
type levelFilter struct {
	min  slog.Level
	next slog.Handler
}

func (h *levelFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.min && h.next.Enabled(ctx, level)
}

func (h *levelFilter) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *levelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelFilter{min: h.min, next: h.next.WithAttrs(attrs)}
}

func (h *levelFilter) WithGroup(name string) slog.Handler {
	return &levelFilter{min: h.min, next: h.next.WithGroup(name)}
}
