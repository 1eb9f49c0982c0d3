package logger

import (
	zp "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/log/zap"
)

// Log is the process-global logger. Commands reconfigure it once flags are
// parsed; everything else just uses it.
var Log log.Logger = zap.Must(DefaultLoggerConfig(zapcore.InfoLevel))

func DefaultLoggerConfig(level zapcore.Level) zp.Config {
	return zp.Config{
		Level:            zp.NewAtomicLevelAt(level),
		Encoding:         "console",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:     "message",
			LevelKey:       "level",
			TimeKey:        "ts",
			NameKey:        "name",
			CallerKey:      "caller",
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
			LineEnding:     zapcore.DefaultLineEnding,
		},
	}
}

func JSONLoggerConfig(level zapcore.Level) zp.Config {
	cfg := zp.NewProductionConfig()
	cfg.Level = zp.NewAtomicLevelAt(level)
	return cfg
}

// ParseLevel maps the textual LOG_LEVEL / --log-level values onto zap levels.
func ParseLevel(lvl string) (zapcore.Level, bool) {
	switch lvl {
	case "panic", "PANIC":
		return zapcore.PanicLevel, true
	case "fatal", "FATAL":
		return zapcore.FatalLevel, true
	case "error", "ERROR":
		return zapcore.ErrorLevel, true
	case "warning", "warn", "WARNING", "WARN":
		return zapcore.WarnLevel, true
	case "info", "INFO":
		return zapcore.InfoLevel, true
	case "debug", "DEBUG":
		return zapcore.DebugLevel, true
	}
	return zapcore.InfoLevel, false
}
