// Package rtlog configures the process-wide structured logger used by the
// composer runtime.
//
// Verbosity is controlled by the COMPOSER_LOG environment variable (one of
// zerolog's level names: trace, debug, info, warn, error, fatal, panic,
// disabled). It defaults to "info", matching the quietness of a library
// that is only interesting when something goes wrong.
package rtlog

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the runtime's shared logger. It is safe for concurrent use.
var Logger = newLogger()

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if s := strings.TrimSpace(os.Getenv("COMPOSER_LOG")); s != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(s)); err == nil {
			level = parsed
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		Level(level).
		With().
		Timestamp().
		Str("component", "composer").
		Logger()
}
