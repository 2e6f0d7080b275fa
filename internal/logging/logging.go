// Package logging provides zerolog-based logging for mailbridge
package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the logging configuration
type Config struct {
	Level   string // "debug", "info", "warn", "error", "fatal"
	Console bool   // human-readable console output instead of JSON

	// DebugComponents selects per-component debug logging when Level is
	// debug. Empty means "all components" once debug is enabled.
	DebugComponents []string
}

var (
	mu         sync.RWMutex
	root       = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	debugComps map[string]bool
)

// Init configures the global logger. Safe to call more than once; the last
// call wins.
func Init(cfg Config) {
	level := zerolog.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "fatal":
		level = zerolog.FatalLevel
	}

	var out zerolog.Logger
	if cfg.Console {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		out = zerolog.New(os.Stderr)
	}

	mu.Lock()
	defer mu.Unlock()
	root = out.With().Timestamp().Logger().Level(level)
	if len(cfg.DebugComponents) > 0 {
		debugComps = make(map[string]bool, len(cfg.DebugComponents))
		for _, c := range cfg.DebugComponents {
			debugComps[strings.ToLower(c)] = true
		}
	} else {
		debugComps = nil
	}
}

// WithComponent returns a logger tagged with the given component name.
// Components not selected by Config.DebugComponents are capped at info level.
func WithComponent(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	log := root.With().Str("component", name).Logger()
	if debugComps != nil && !debugComps[strings.ToLower(name)] && root.GetLevel() < zerolog.InfoLevel {
		log = log.Level(zerolog.InfoLevel)
	}
	return log
}
