// Package logging provides the structured logger used across the module.
//
// Logger wraps zap and redacts credentials (hub tokens, API keys) from every
// field before it reaches a sink. Output is teed to the console and to a
// size-rotated log file.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with sensitive data redaction.
//
// Example:
//
//	logger, err := NewLogger(false, "txt2img.log")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("model loaded", zap.String("model", "runwayml/stable-diffusion-v1-5"))
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger

	isDevelopment bool
	logFilePath   string
}

// NewLogger creates a Logger writing to the console and to logFilePath.
//
// Development mode logs at debug level with a colored console encoder;
// production mode logs JSON at info level. TXT2IMG_LOG_LEVEL overrides the
// level in both modes. The log file is rotated by lumberjack.
func NewLogger(isDevelopment bool, logFilePath string) (*Logger, error) {
	return NewLoggerWithConfig(isDevelopment, logFilePath, DefaultFileWriterConfig())
}

// NewLoggerWithConfig creates a Logger with custom file rotation settings.
func NewLoggerWithConfig(isDevelopment bool, logFilePath string, fileConfig FileWriterConfig) (*Logger, error) {
	if logFilePath == "" {
		return nil, fmt.Errorf("logging: log file path is required")
	}

	defaultLevel := zapcore.InfoLevel
	if isDevelopment {
		defaultLevel = zapcore.DebugLevel
	}
	level := ParseLogLevel(EnvLogLevel, defaultLevel)

	core, err := NewMultiCore(level, logFilePath, fileConfig, isDevelopment)
	if err != nil {
		return nil, fmt.Errorf("failed to create log core: %w", err)
	}

	l := newLogger(core, zap.AddCaller(), zap.AddCallerSkip(1))
	l.isDevelopment = isDevelopment
	l.logFilePath = logFilePath
	return l, nil
}

// NewLoggerWithCore builds a Logger on an existing core. Tests use this with
// a zaptest/observer core to assert on emitted entries.
func NewLoggerWithCore(core zapcore.Core) *Logger {
	return newLogger(core, zap.AddCallerSkip(1))
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() *Logger {
	return newLogger(zapcore.NewNopCore())
}

func newLogger(core zapcore.Core, opts ...zap.Option) *Logger {
	z := zap.New(core, opts...)
	return &Logger{zap: z, sugar: z.Sugar()}
}

// Sync flushes buffered entries. Safe on a nil Logger.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

// Debug logs at DebugLevel.
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, redactFields(fields)...)
}

// Info logs at InfoLevel.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, redactFields(fields)...)
}

// Warn logs at WarnLevel.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, redactFields(fields)...)
}

// Error logs at ErrorLevel.
func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, redactFields(fields)...)
}

// Fatal logs at FatalLevel then calls os.Exit(1).
func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	l.zap.Fatal(msg, redactFields(fields)...)
}

// Infow logs at InfoLevel with loosely-typed key-value pairs.
func (l *Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, redactKeysAndValues(keysAndValues)...)
}

// Warnw logs at WarnLevel with loosely-typed key-value pairs.
func (l *Logger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, redactKeysAndValues(keysAndValues)...)
}

// Errorw logs at ErrorLevel with loosely-typed key-value pairs.
func (l *Logger) Errorw(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, redactKeysAndValues(keysAndValues)...)
}

// Errorf logs a formatted message at ErrorLevel. The rendered message is
// scanned for credentials before it is written.
func (l *Logger) Errorf(template string, args ...interface{}) {
	l.zap.Error(RedactSensitiveData(fmt.Sprintf(template, args...)))
}

// Warnf logs a formatted message at WarnLevel.
func (l *Logger) Warnf(template string, args ...interface{}) {
	l.zap.Warn(RedactSensitiveData(fmt.Sprintf(template, args...)))
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	z := l.zap.With(redactFields(fields)...)
	return &Logger{
		zap:           z,
		sugar:         z.Sugar(),
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Named returns a child logger with a name segment appended.
func (l *Logger) Named(name string) *Logger {
	z := l.zap.Named(name)
	return &Logger{
		zap:           z,
		sugar:         z.Sugar(),
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Zap returns the underlying zap.Logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// IsDevelopment reports whether the logger was built in development mode.
func (l *Logger) IsDevelopment() bool {
	return l.isDevelopment
}

// LogFilePath returns the rotated log file path, empty for core-backed loggers.
func (l *Logger) LogFilePath() string {
	return l.logFilePath
}

func redactFields(fields []zap.Field) []zap.Field {
	if len(fields) == 0 {
		return fields
	}
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = redactField(f)
	}
	return out
}

func redactField(field zap.Field) zap.Field {
	if IsSensitiveField(field.Key) {
		return zap.String(field.Key, RedactedPlaceholder)
	}
	switch field.Type {
	case zapcore.StringType:
		if redacted := RedactSensitiveData(field.String); redacted != field.String {
			return zap.String(field.Key, redacted)
		}
	case zapcore.ErrorType:
		// Error messages often embed request URLs with tokens.
		if err, ok := field.Interface.(error); ok && err != nil {
			if redacted := RedactSensitiveData(err.Error()); redacted != err.Error() {
				return zap.String(field.Key, redacted)
			}
		}
	}
	return field
}

func redactKeysAndValues(keysAndValues []interface{}) []interface{} {
	if len(keysAndValues) == 0 {
		return keysAndValues
	}
	out := make([]interface{}, len(keysAndValues))
	copy(out, keysAndValues)

	for i := 0; i < len(out)-1; i += 2 {
		key, ok := out[i].(string)
		if !ok {
			continue
		}
		if IsSensitiveField(key) {
			out[i+1] = RedactedPlaceholder
			continue
		}
		if value, ok := out[i+1].(string); ok {
			out[i+1] = RedactSensitiveData(value)
		}
	}
	return out
}
