package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Log *Logger

func init() {
	Log = NewLogger(&LogOptions{
		Level:  "info",
		Format: "text",
	})
}

// LogOptions configures the behavior of the logging system.
type LogOptions struct {
	Level  string `yaml:"level"`  // Log level (e.g., "debug", "info", "warn", "error") default "info"
	Format string `yaml:"format"` // Format is the output format of the logs (e.g., "json", "text")

	// File switches output from stdout to a size-rotated file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"` // default 100
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func Info(msg string, keyValues ...interface{}) {
	Log.LogInfo(msg, keyValues...)
}

func Debug(msg string, keyValues ...interface{}) {
	Log.LogDebug(msg, keyValues...)
}

func Warn(msg string, keyValues ...interface{}) {
	Log.LogWarn(msg, keyValues...)
}

func Error(err error, msg string, keyValues ...interface{}) {
	Log.LogError(err, msg, keyValues...)
}

func Fatal(err error, msg string, keyValues ...interface{}) {
	Log.LogFatal(err, msg, keyValues...)
}

// IsDebugEnabled reports whether debug events are emitted. Callers use it to skip
// building expensive debug payloads.
func IsDebugEnabled() bool {
	return Log.IsDebugEnabled()
}

// Logger is a wrapper around zerolog.Logger providing a configuration-driven
// logging utility.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger initializes and returns a new Logger instance based on the provided LogOptions.
// It configures the log level, the sink (stdout or rotated file), the output format
// (JSON/Console), and adds a timestamp.
func NewLogger(opts *LogOptions) *Logger {

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
		if opts.Level != "" {
			log.Warn().Str("config_level", opts.Level).Msg("Invalid log level configured, defaulting to Info.")
		}
	}

	// Log calls below the global level are skipped before any field is encoded.
	zerolog.SetGlobalLevel(level)

	var sink io.Writer = os.Stdout
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		sink = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
	}

	var output io.Writer = sink
	if opts.Format != "json" {
		output = zerolog.ConsoleWriter{
			Out:        sink,
			NoColor:    opts.File != "",
			TimeFormat: "2006-01-02 15:04:05", // Custom time format for readability
		}
	}

	return &Logger{
		logger: zerolog.New(output).With().Timestamp().Logger(),
	}
}

// IsDebugEnabled reports whether this logger emits debug events.
func (l Logger) IsDebugEnabled() bool {
	return l.logger.Debug().Enabled()
}

// LogDebug records a debugging message. Nothing is built when debug is disabled.
func (l Logger) LogDebug(msg string, keyValues ...interface{}) {
	if e := l.logger.Debug(); e.Enabled() {
		// Fields() takes the variadic (key1, val1, key2, val2...) form directly.
		e.Fields(keyValues).Msg(msg)
	}
}

// LogInfo records informational messages about normal application flow.
func (l Logger) LogInfo(msg string, keyValues ...interface{}) {
	l.logger.Info().Fields(keyValues).Msg(msg)
}

// LogWarn records messages about potential issues that do not immediately stop the application.
func (l Logger) LogWarn(msg string, keyValues ...interface{}) {
	l.logger.Warn().Fields(keyValues).Msg(msg)
}

// LogError records messages about failures, including an explicit error object.
func (l Logger) LogError(err error, msg string, keyValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keyValues).Msg(msg)
}

// LogFatal records a critical error and then exits the application with os.Exit(1).
func (l Logger) LogFatal(err error, msg string, keyValues ...interface{}) {
	l.logger.Fatal().Err(err).Fields(keyValues).Msg(msg)
}
