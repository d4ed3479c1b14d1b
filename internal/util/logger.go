package util

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	once         sync.Once
)

// Init builds the process-wide logger. Production gets sampled JSON with
// ISO8601 timestamps; anything else gets a colorized console logger so
// decision traces stay readable during local runs. Safe to call more than
// once, only the first call wins.
func Init(environment, level, format string) *zap.Logger {
	once.Do(func() {
		lvl := parseLogLevel(level)

		var config zap.Config
		if environment == "production" {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
			config.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
			config.DisableStacktrace = true
			// Denial storms log one line per rejected request; sample so
			// an attack cannot flood the log pipeline.
			config.Sampling = &zap.SamplingConfig{
				Initial:    100,
				Thereafter: 100,
			}
		} else {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}

		config.Level = zap.NewAtomicLevelAt(lvl)
		if format == "json" {
			config.Encoding = "json"
		} else {
			config.Encoding = "console"
		}

		// Containers collect stdout/stderr directly.
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err := config.Build(
			zap.AddCaller(),
			zap.AddCallerSkip(1),
			zap.Fields(zap.String("service", "abuse-shield")),
		)
		if err != nil {
			panic("logger init: " + err.Error())
		}

		globalLogger = logger
		zap.ReplaceGlobals(globalLogger)
	})

	return globalLogger
}

// Get returns the global logger, initializing a production default when
// Init has not run yet (tests, one-off tools).
func Get() *zap.Logger {
	if globalLogger == nil {
		return Init("production", "info", "json")
	}
	return globalLogger
}

// Sync flushes buffered entries. Called on shutdown.
func Sync() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	case "panic":
		return zapcore.PanicLevel
	default:
		return zapcore.InfoLevel
	}
}

func Debug(msg string, fields ...zap.Field) { Get().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { Get().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { Get().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }

func Fatal(msg string, fields ...zap.Field) { Get().Fatal(msg, fields...) }

// Field helpers so call sites don't need to import zap directly.
func String(key, value string) zap.Field { return zap.String(key, value) }

func Bool(key string, value bool) zap.Field { return zap.Bool(key, value) }

func Int(key string, value int) zap.Field { return zap.Int(key, value) }

func Duration(key string, value time.Duration) zap.Field { return zap.Duration(key, value) }

// ErrorField wraps an error as a structured field. Named to avoid
// colliding with the Error log helper above.
func ErrorField(err error) zap.Field { return zap.Error(err) }
