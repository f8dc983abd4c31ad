package common

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process wide logger. It discards everything until
// SetupLogger replaces it, so packages can log unconditionally.
var Logger = zap.NewNop().Sugar()

// ValidLogLevels lists the levels accepted by SetupLogger.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// SetupLogger configures a Zap logger with console and/or file output.
// Parameters:
//   - logFile: path to log file (empty string disables file logging)
//   - logLevel: minimum log level ("debug", "info", "warn", "error")
//   - silent: if true, disables console output
//
// Returns a configured SugaredLogger instance.
func SetupLogger(logFile string, logLevel string, silent bool) (*zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	switch logLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level: %s. Valid levels are: debug, info, warn, error", logLevel)
	}

	cores := []zapcore.Core{}

	if !silent {
		consoleConfig := encoderConfig()
		consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores,
			zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.AddSync(os.Stdout), level),
		)
	}

	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file %s: %w", logFile, err)
		}
		cores = append(cores,
			zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(file), level),
		)
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Sugar(), nil
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "time",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stacktrace",
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
}
