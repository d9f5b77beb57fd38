// Package logger provides leveled structured logging.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger provides leveled logging.
type Logger struct {
	zl zerolog.Logger
}

var defaultLogger *Logger

// Init initializes the default logger with the specified level and format.
// Format "json" writes one JSON object per line; "text" writes a human
// readable console line with the caller.
func Init(level string, format string) {
	InitWriter(os.Stderr, level, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level string, format string) {
	var l zerolog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = zerolog.DebugLevel
	case "info":
		l = zerolog.InfoLevel
	case "warn":
		l = zerolog.WarnLevel
	case "error":
		l = zerolog.ErrorLevel
	default:
		l = zerolog.InfoLevel
	}

	var zl zerolog.Logger
	if strings.ToLower(format) == "text" {
		cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.StampMicro}
		zl = zerolog.New(cw).With().Timestamp().CallerWithSkipFrameCount(3).Logger()
	} else {
		zl = zerolog.New(w).With().Timestamp().Logger()
	}

	defaultLogger = &Logger{zl: zl.Level(l)}
}

// With returns a child of the default logger carrying the given component
// name. Before Init, the returned logger discards everything.
func With(component string) zerolog.Logger {
	if defaultLogger == nil {
		return zerolog.Nop()
	}
	return defaultLogger.zl.With().Str("component", component).Logger()
}

func Debug(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.zl.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

func Info(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.zl.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.zl.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.zl.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if defaultLogger != nil {
		defaultLogger.zl.WithLevel(zerolog.FatalLevel).Msg(msg)
	} else {
		fmt.Fprintln(os.Stderr, "[FATAL] "+msg)
	}
	os.Exit(1)
}
