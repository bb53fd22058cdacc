// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omochice/dmsync/internal/config"
)

// ParseLevel converts a level name into a zerolog.Level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// New builds a logger writing to w. The auto format picks the console writer
// when w is a terminal.
func New(w io.Writer, cfg config.LogConfig) zerolog.Logger {
	out := w
	if useConsole(w, cfg.Format) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// Configure installs a logger on stderr as the global logger.
func Configure(cfg config.LogConfig) {
	logger := New(os.Stderr, cfg)
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	log.Logger = logger
}

func useConsole(w io.Writer, format string) bool {
	switch strings.ToLower(format) {
	case config.FormatConsole:
		return true
	case config.FormatJSON:
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
