package util

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is stamped on every log line.
const ServiceName = "portal-auth"

var (
	globalLogger *zap.Logger
	once         sync.Once
)

// loggerConfig picks the production or development preset for environment.
// Unknown levels fall back to info.
func loggerConfig(environment, level, format string) zap.Config {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.DisableStacktrace = true
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)

	cfg.Encoding = "console"
	if format == "json" {
		cfg.Encoding = "json"
		cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.InitialFields = map[string]interface{}{"service": ServiceName}
	return cfg
}

// Init builds the process-wide logger once and installs it as zap's global.
func Init(environment, level, format string) *zap.Logger {
	once.Do(func() {
		logger, err := loggerConfig(environment, level, format).Build(zap.AddCaller(), zap.AddCallerSkip(1))
		if err != nil {
			panic("failed to initialize logger: " + err.Error())
		}
		globalLogger = logger
		zap.ReplaceGlobals(logger)
	})
	return globalLogger
}

// Get returns the global logger, initializing a production one if Init was
// never called.
func Get() *zap.Logger {
	if globalLogger == nil {
		return Init("production", "info", "json")
	}
	return globalLogger
}

func Sync() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

func Debug(msg string, fields ...zap.Field) { Get().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { Get().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { Get().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Get().Fatal(msg, fields...) }

func String(key, value string) zap.Field { return zap.String(key, value) }
func Bool(key string, value bool) zap.Field { return zap.Bool(key, value) }
func Int(key string, value int) zap.Field { return zap.Int(key, value) }
func Strings(key string, values []string) zap.Field { return zap.Strings(key, values) }
func Duration(key string, d time.Duration) zap.Field { return zap.Duration(key, d) }
func ErrorField(err error) zap.Field { return zap.Error(err) }

// AccountID tags a log line with the account it concerns.
func AccountID(id string) zap.Field {
	return zap.String("account_id", id)
}

// SessionRef logs a short, non-reusable prefix of a session identifier.
func SessionRef(sessionID string) zap.Field {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return zap.String("session_ref", sessionID)
}
