package rawrepl

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger interface for control-channel protocol logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// ZerologLogger adapts a zerolog.Logger to Logger
type ZerologLogger struct {
	log    zerolog.Logger
	closer io.Closer
}

// NewZerologLogger wraps an existing zerolog logger.
func NewZerologLogger(log zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{log: log}
}

// NewConsoleLogger creates a human-readable logger on w at the given level.
func NewConsoleLogger(w io.Writer, level zerolog.Level, noColor bool) *ZerologLogger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
	log := zerolog.New(output).Level(level).With().Timestamp().Str("component", "rawrepl").Logger()
	return &ZerologLogger{log: log}
}

// NewFileLogger creates a logger that appends JSON lines to a file
func NewFileLogger(path string) (*ZerologLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	log := zerolog.New(file).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	return &ZerologLogger{log: log, closer: file}, nil
}

func (l *ZerologLogger) Debug(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l *ZerologLogger) Info(format string, args ...interface{}) {
	l.log.Info().Msgf(format, args...)
}

func (l *ZerologLogger) Warn(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l *ZerologLogger) Error(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

// Zerolog exposes the underlying logger for callers that log structured fields.
func (l *ZerologLogger) Zerolog() zerolog.Logger {
	return l.log
}

// WithLevel returns a copy of l filtering below level. The copy shares the
// log file, if any.
func (l *ZerologLogger) WithLevel(level zerolog.Level) *ZerologLogger {
	return &ZerologLogger{log: l.log.Level(level), closer: l.closer}
}

// Close closes the log file, if any.
func (l *ZerologLogger) Close() error {
	if l != nil && l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// NoopLogger does nothing
type NoopLogger struct{}

func (NoopLogger) Debug(format string, args ...interface{}) {}
func (NoopLogger) Info(format string, args ...interface{})  {}
func (NoopLogger) Warn(format string, args ...interface{})  {}
func (NoopLogger) Error(format string, args ...interface{}) {}

// LoggingChannel wraps a Channel and logs all traffic
type LoggingChannel struct {
	channel Channel
	logger  Logger
	name    string
}

// NewLoggingChannel wraps ch so every read and write is logged at debug level.
func NewLoggingChannel(ch Channel, logger Logger, name string) *LoggingChannel {
	return &LoggingChannel{
		channel: ch,
		logger:  logger,
		name:    name,
	}
}

func (lc *LoggingChannel) Read(timeout time.Duration) ([]byte, error) {
	data, err := lc.channel.Read(timeout)
	if len(data) > 0 {
		if len(data) > 128 {
			lc.logger.Debug("%s: Read %d bytes: %q...[truncated]", lc.name, len(data), data[:128])
		} else {
			lc.logger.Debug("%s: Read %d bytes: %q", lc.name, len(data), data)
		}
	}
	if err != nil {
		lc.logger.Error("%s: Read error: %v", lc.name, err)
	}
	return data, err
}

func (lc *LoggingChannel) Write(p []byte) error {
	err := lc.channel.Write(p)
	if len(p) > 128 {
		lc.logger.Debug("%s: Wrote %d bytes: %q...[truncated]", lc.name, len(p), p[:128])
	} else {
		lc.logger.Debug("%s: Wrote %d bytes: %q", lc.name, len(p), p)
	}
	if err != nil {
		lc.logger.Error("%s: Write error: %v", lc.name, err)
	}
	return err
}

func (lc *LoggingChannel) Close() error {
	lc.logger.Debug("%s: Close", lc.name)
	return lc.channel.Close()
}
