// Package logger configures the process-wide zerolog logger used by
// streamstore components. Host applications that already manage their own
// zerolog setup can skip Init and hand loggers to the store directly.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger configuration
type Config struct {
	Level      string
	Format     string
	Output     string
	Rotation   bool
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

// Init initializes the global logger based on configuration
func Init(cfg *Config) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var writer io.Writer

	if cfg.Output == "" || cfg.Output == "stdout" {
		writer = os.Stdout
	} else {
		if cfg.Rotation {
			writer = &lumberjack.Logger{
				Filename:   cfg.Output,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			}
		} else {
			file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				return err
			}
			writer = file
		}
	}

	if strings.EqualFold(cfg.Format, "text") {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.RFC3339,
		}
	}

	log.Logger = zerolog.New(writer).With().
		Timestamp().
		Str("component", "streamstore").
		Logger()

	return nil
}

// Logger returns a logger instance with additional context
func Logger() zerolog.Logger {
	return log.Logger
}

// WithComponent returns a logger with a component name
func WithComponent(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}
