package obs

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatJSON    = "JSON"
	FormatConsole = "CONSOLE"
)

var (
	loggerOnce sync.Once
	logger     *zap.Logger
)

func levelFromString(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		// INFO, PRODUCTION and anything unknown.
		return zapcore.InfoLevel
	}
}

// NewLogger builds a zap logger writing to stdout in JSON or console format.
func NewLogger(level, format string) *zap.Logger {
	return NewLoggerTo(os.Stdout, level, format)
}

// NewLoggerTo is NewLogger with an explicit destination.
func NewLoggerTo(out zapcore.WriteSyncer, level, format string) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToUpper(format) == FormatConsole {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, out, zap.NewAtomicLevelAt(levelFromString(level)))
	return zap.New(core, zap.AddCaller())
}

// InitLogger installs the process-wide logger. Only the first call has an effect.
func InitLogger(level, format string) *zap.Logger {
	loggerOnce.Do(func() {
		logger = NewLogger(level, format)
		zap.ReplaceGlobals(logger)
	})
	return logger
}
