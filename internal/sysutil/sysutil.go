// Package sysutil holds process-level helpers shared by cave-server and
// cavectl: global logger setup and flag/env fallbacks.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParseLevel maps debug|info|warn|error|fatal|panic (case-insensitive,
// "warning" accepted) to a zerolog level. Anything else is info.
func ParseLevel(lvl string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
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
	}
	return zerolog.InfoLevel
}

// SetLogLevel sets the global zerolog level from a string (see ParseLevel).
func SetLogLevel(lvl string) { zerolog.SetGlobalLevel(ParseLevel(lvl)) }

// ConfigureLogger installs the global logger: JSON lines to w (stderr when
// nil), or a human console writer when pretty. Every event carries
// component, so server and CLI output can be told apart when mixed.
func ConfigureLogger(level, component string, pretty bool, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	SetLogLevel(level)
}

// FirstNonEmpty returns the first argument that is not blank, unchanged.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
