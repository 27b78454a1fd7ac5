package log

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type LoggerType uint8

const (
	ConsoleLogger LoggerType = iota
	JSONLogger
)

// Component loggers. They are usable before Init is called and log JSON to
// stderr at info level until then.
var (
	Root    = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	Relay   = Root.With().Str("component", "relay").Logger()
	Session = Root.With().Str("component", "session").Logger()
	Queue   = Root.With().Str("component", "queue").Logger()
	HTTP    = Root.With().Str("component", "http").Logger()
)

// Options for Init
type Options struct {
	LogLevel zerolog.Level
	Type     LoggerType
}

func ParseLogLevel(loglevel string) (zerolog.Level, error) {
	return zerolog.ParseLevel(loglevel)
}

// ParseLoggerType maps "console" and "json" to a LoggerType.
func ParseLoggerType(s string) (LoggerType, error) {
	switch strings.ToLower(s) {
	case "", "console":
		return ConsoleLogger, nil
	case "json":
		return JSONLogger, nil
	}
	return ConsoleLogger, fmt.Errorf("unknown log format %q", s)
}

func Init(opts Options) {
	switch opts.Type {
	case ConsoleLogger:
		Root = zerolog.New(newConsoleWriter()).Level(opts.LogLevel).
			With().Timestamp().Logger()
	default:
		Root = zerolog.New(os.Stdout).Level(opts.LogLevel).
			With().Timestamp().Logger()
	}
	Relay = Root.With().Str("component", "relay").Logger()
	Session = Root.With().Str("component", "session").Logger()
	Queue = Root.With().Str("component", "queue").Logger()
	HTTP = Root.With().Str("component", "http").Logger()
}

// Disable silences every component logger. Used by tests.
func Disable() {
	Root = zerolog.Nop()
	Relay = zerolog.Nop()
	Session = zerolog.Nop()
	Queue = zerolog.Nop()
	HTTP = zerolog.Nop()
}

func newConsoleWriter() zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true, TimeFormat: time.RFC3339}

	cw.FormatLevel = func(i interface{}) string {
		return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
	}
	cw.FormatMessage = func(i interface{}) string {
		return fmt.Sprintf("message: \"%s\" |", i)
	}
	cw.FormatFieldName = func(i interface{}) string {
		return fmt.Sprintf("\"%s\": ", i)
	}
	cw.FormatFieldValue = func(i interface{}) string {
		return fmt.Sprintf("\"%s\" |", i)
	}
	cw.FormatErrFieldValue = func(i interface{}) string {
		return fmt.Sprintf(" %s |", i)
	}
	return cw
}
