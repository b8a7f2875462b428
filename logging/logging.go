// Package logging builds the zerolog logger used throughout the bridge,
// per the ambient logging surface described in the design specification.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to stderr at the given level
// ("debug", "info", "warn", "error"). An unrecognized level falls back
// to info rather than failing startup over a logging misconfiguration.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
