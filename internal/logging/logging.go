// Package logging builds the zerolog.Logger used across ncp's sender,
// receiver, relay and discovery packages.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns a logger that pretty-prints to stderr when it is a TTY and
// falls back to structured JSON otherwise, matching zerolog's own
// idiomatic default (console.Writer is itself part of the rs/zerolog
// module).
func New(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	var out zerolog.ConsoleWriter
	if isTerminal(os.Stderr) {
		out = zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = os.Stderr
			w.TimeFormat = "15:04:05"
		})
		return zerolog.New(out).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
