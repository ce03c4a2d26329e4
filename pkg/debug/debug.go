// Package debug sets up the process logger and gates verbose output per
// subsystem.
//
// AUTHCORE_DEBUG (or log.debug in the config file) names the subsystems
// whose debug records are emitted, comma separated; "all" enables every
// one. AUTHCORE_LOG_LEVEL (or log.level) sets the handler threshold, which
// still applies to those records:
//
//	AUTHCORE_DEBUG=totp,storage AUTHCORE_LOG_LEVEL=debug authcore serve
//
// Known subsystems are storage, totp, signingkeys, cron, transport and config.
package debug

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync/atomic"
)

// LevelTrace sits one step below slog.LevelDebug.
const LevelTrace = slog.LevelDebug - 4

const (
	envCategories = "AUTHCORE_DEBUG"
	envLevel      = "AUTHCORE_LOG_LEVEL"
	everything    = "all"
)

// categorySet is swapped as a whole, never mutated.
type categorySet map[string]struct{}

var active atomic.Pointer[categorySet]

func init() {
	setCategories(os.Getenv(envCategories))
}

// Init applies the logging config and installs the default slog logger.
// The environment variables win over the config values. format "json"
// selects JSON output; anything else is text.
func Init(configCategories, configLevel, format string) {
	setCategories(envOr(envCategories, configCategories))
	level := ParseLevel(envOr(envLevel, configLevel))
	slog.SetDefault(slog.New(NewHandler(os.Stderr, format, level)))
}

// NewHandler returns a JSON or text handler writing to w.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Enabled reports whether records of category are emitted.
func Enabled(category string) bool {
	set := *active.Load()
	_, all := set[everything]
	_, one := set[category]
	return all || one
}

// Log emits a debug record tagged with category.
func Log(category, msg string, args ...any) {
	emit(slog.LevelDebug, category, msg, args)
}

// Trace is Log at LevelTrace.
func Trace(category, msg string, args ...any) {
	emit(LevelTrace, category, msg, args)
}

func emit(level slog.Level, category, msg string, args []any) {
	if !Enabled(category) {
		return
	}
	slog.Default().Log(context.Background(), level, msg, append([]any{slog.String("debug", category)}, args...)...)
}

// ParseLevel reads a level name case-insensitively. TRACE and WARNING are
// accepted besides the slog names; anything unknown is INFO.
func ParseLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "TRACE":
		return LevelTrace
	case "WARNING":
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Categories returns the enabled categories, sorted.
func Categories() []string {
	return slices.Sorted(maps.Keys(*active.Load()))
}

func setCategories(list string) {
	set := parseCategories(list)
	active.Store(&set)
}

func parseCategories(list string) categorySet {
	set := categorySet{}
	for _, name := range strings.FieldsFunc(strings.ToLower(list), func(r rune) bool { return r == ',' }) {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
