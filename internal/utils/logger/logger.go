// Package logger provides a global logger for the application
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

// Options carries the command line level overrides.
type Options struct {
	Debug bool
	Trace bool
	Info  bool
	Quiet bool
	Out   io.Writer
}

func initLogger(opts Options) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env not loaded; continuing with existing environment")
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out}).With().Caller().Logger()

	environment := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if environment == "" {
		environment = "prod"
	}

	var logLevel zerolog.Level
	switch environment {
	case "dev", "test":
		logLevel = zerolog.TraceLevel
		log.Info().Str("environment", environment).Msg("Development/Test environment detected - enabling all log levels")
	case "prod":
		logLevel = zerolog.InfoLevel
	default:
		logLevel = zerolog.InfoLevel
		log.Warn().Str("environment", environment).Msg("Unknown environment - defaulting to production log level (info and above)")
	}

	switch {
	case opts.Quiet:
		logLevel = zerolog.WarnLevel
	case opts.Debug:
		logLevel = zerolog.DebugLevel
		log.Info().Msg("Debug flag detected - overriding environment log level")
	case opts.Trace:
		logLevel = zerolog.TraceLevel
		log.Info().Msg("Trace flag detected - overriding environment log level")
	case opts.Info:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	switch logLevel {
	case zerolog.DebugLevel:
		log.Debug().Str("environment", environment).Msg("Debug logging enabled")
	case zerolog.TraceLevel:
		log.Trace().Str("environment", environment).Msg("Trace logging enabled")
	}
}

// Init initializes the global zerolog logger from the ENVIRONMENT variable and
// the command line level flags.
// Example usage:
//
//	logger.Init(logger.Options{Debug: debug}) <- inside the cobra PersistentPreRun
//
// Then, `phenocluster sweep --config pipeline.yaml --debug`
func Init(opts Options) {
	initLogger(opts)
}
