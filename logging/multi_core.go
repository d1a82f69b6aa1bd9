package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap/zapcore"
)

// NewMultiCore tees entries to stdout and to a rotated log file.
//
// The file always receives JSON. The console receives colored text in
// development mode and JSON otherwise.
func NewMultiCore(level zapcore.Level, filePath string, fileConfig FileWriterConfig, isDev bool) (zapcore.Core, error) {
	if dir := filepath.Dir(filePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory %s: %w", dir, err)
		}
	}
	return NewMultiCoreWithWriters(level, zapcore.Lock(os.Stdout), NewFileWriter(filePath, fileConfig), isDev), nil
}

// NewMultiCoreWithWriters is NewMultiCore over caller-supplied writers.
func NewMultiCoreWithWriters(level zapcore.Level, consoleWriter, fileWriter zapcore.WriteSyncer, isDev bool) zapcore.Core {
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(NewEncoderConfig()), fileWriter, level)

	var consoleEncoder zapcore.Encoder
	if isDev {
		consoleEncoder = zapcore.NewConsoleEncoder(NewConsoleEncoderConfig())
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(NewEncoderConfig())
	}
	consoleCore := zapcore.NewCore(consoleEncoder, consoleWriter, level)

	return zapcore.NewTee(consoleCore, fileCore)
}
