package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is stamped into every service log line. Overridden at build time with -ldflags.
var Version = "dev"

// NewLogger builds the service logger. LOG_LEVEL selects the level; LOG_FORMAT=console
// switches from JSON to the human-readable encoder for local runs.
func NewLogger(service string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "console") {
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	config.Level = parseLogLevel(os.Getenv("LOG_LEVEL"))
	config.InitialFields = map[string]interface{}{
		"service": service,
		"version": Version,
	}

	return config.Build()
}

// NewCLILogger builds a stderr logger for the command-line tool. It never writes
// to stdout so exported CSV and JSON reports stay clean.
func NewCLILogger(verbose bool) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.OutputPaths = []string{"stderr"}
	config.EncoderConfig.TimeKey = ""
	config.EncoderConfig.CallerKey = ""
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.DisableStacktrace = true
	switch env := os.Getenv("LOG_LEVEL"); {
	case verbose:
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case env == "":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	default:
		config.Level = parseLogLevel(env)
	}
	return config.Build()
}

// parseLogLevel maps LOG_LEVEL to a zap level. Unknown values fall back to info.
func parseLogLevel(s string) zap.AtomicLevel {
	var level zapcore.Level
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		level = zap.DebugLevel
	case "warn", "warning":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	default:
		level = zap.InfoLevel
	}
	return zap.NewAtomicLevelAt(level)
}
