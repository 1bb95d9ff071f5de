// Package logging provides the structured, leveled logger used by every
// component of the consensus core.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the package default logger instance. Components that are
	// not given an explicit logger at construction fall back to this one.
	Logger zerolog.Logger
)

func init() {
	Init(Config{Level: InfoLevel})
}

// Level is a logging verbosity level.
type Level string

const (
	TraceLevel Level = "trace"
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the package logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init (re)configures the package-level Logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case TraceLevel:
		level = zerolog.TraceLevel
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with a component name, e.g.
// "node", "waiter", "future", "configsync".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID returns a child logger tagged with this node's id.
func WithNodeID(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}

// WithTerm returns a child logger tagged with the current term.
func WithTerm(logger zerolog.Logger, term uint64) zerolog.Logger {
	return logger.With().Uint64("term", term).Logger()
}

// WithPeer returns a child logger tagged with a peer id, for replication
// and RPC-dispatch logging.
func WithPeer(logger zerolog.Logger, peerID string) zerolog.Logger {
	return logger.With().Str("peer_id", peerID).Logger()
}

// Nop returns a logger that discards everything, for tests and callers
// that don't want to configure observability.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Package-level convenience helpers over the default Logger.

func Info(msg string) { Logger.Info().Msg(msg) }

func Debug(msg string) { Logger.Debug().Msg(msg) }

func Warn(msg string) { Logger.Warn().Msg(msg) }

func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) { Logger.Error().Err(err).Msg(format) }
