// Package logger configures the process-wide zerolog logger for fluxline.
// Info and below go to stdout, errors and above to stderr, so supervisor
// log collection can separate the two streams.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var root zerolog.Logger

func init() {
	writer := zerolog.MultiLevelWriter(
		SpecificLevelWriter{
			Writer: zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			},
			Levels: []zerolog.Level{
				zerolog.TraceLevel, zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel,
			},
		},
		SpecificLevelWriter{
			Writer: zerolog.ConsoleWriter{
				Out: os.Stderr,
			},
			Levels: []zerolog.Level{
				zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel,
			},
		},
	)
	root = zerolog.New(writer).With().Timestamp().Logger()
}

// SetLevel adjusts the global minimum level. Unknown names fall back to info.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "trace":
		root = root.Level(zerolog.TraceLevel)
	case "debug":
		root = root.Level(zerolog.DebugLevel)
	case "warn":
		root = root.Level(zerolog.WarnLevel)
	case "error":
		root = root.Level(zerolog.ErrorLevel)
	default:
		root = root.Level(zerolog.InfoLevel)
	}
}

// New returns a logger tagged with the component name. Every fluxline
// component receives its logger through this function instead of holding
// global state.
func New(component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}

// Root returns the untagged process logger.
func Root() zerolog.Logger {
	return root
}

// SpecificLevelWriter forwards only the configured levels to its writer.
type SpecificLevelWriter struct {
	io.Writer
	Levels []zerolog.Level
}

// WriteLevel implements zerolog.LevelWriter.
func (w SpecificLevelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	for _, l := range w.Levels {
		if l == level {
			return w.Write(p)
		}
	}
	return len(p), nil
}
