// Package logging provides structured, leveled logging for the chain coordination daemon.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Level is a log severity.
type Level = log.Level

const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// Logger is a charmbracelet logger whose children are named by component.
type Logger struct {
	*log.Logger
}

// Config controls how New builds a logger. Zero values fall back to info
// level, stderr and a time-only timestamp.
type Config struct {
	Level      string
	TimeFormat string
	Prefix     string
	Output     io.Writer
}

// New builds a logger from cfg. A nil cfg is the zero Config.
func New(cfg *Config) *Logger {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.Output == nil {
		c.Output = os.Stderr
	}
	if c.TimeFormat == "" {
		c.TimeFormat = time.TimeOnly
	}

	l := log.NewWithOptions(c.Output, log.Options{
		Level:           ParseLevel(c.Level),
		ReportTimestamp: true,
		TimeFormat:      c.TimeFormat,
		Prefix:          c.Prefix,
	})
	return &Logger{Logger: l}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return New(&Config{Level: "fatal", Output: io.Discard})
}

// ParseLevel maps a config string to a Level. Unknown strings mean info.
func ParseLevel(s string) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := log.ParseLevel(s)
	if err != nil {
		return InfoLevel
	}
	return lvl
}

// With returns a child logger carrying keyvals on every line.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...)}
}

// Component returns a child logger whose prefix is the parent prefix
// joined with name, e.g. "chaincoord/backend".
func (l *Logger) Component(name string) *Logger {
	if parent := l.GetPrefix(); parent != "" {
		name = parent + "/" + name
	}
	return &Logger{Logger: l.Logger.WithPrefix(name)}
}

// Network tags every line with a network key.
func (l *Logger) Network(key string) *Logger {
	return l.With("network", key)
}

var defaultLogger = New(nil)

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) { defaultLogger = l }

// GetDefault returns the process-wide logger.
func GetDefault() *Logger { return defaultLogger }
