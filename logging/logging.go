package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/breez/partial-sync/config"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the process logger from LOG_LEVEL, LOG_FORMAT and LOG_OUTPUT.
// A file output is rotated by lumberjack.
func New(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var writer io.Writer = output(cfg.LogOutput)
	if strings.ToLower(cfg.LogFormat) != "json" {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	if level <= zerolog.DebugLevel {
		logger = logger.With().Caller().Logger()
	}
	return logger
}

func output(dest string) io.Writer {
	switch strings.ToLower(dest) {
	case "", "stderr":
		return os.Stderr
	case "stdout":
		return os.Stdout
	case "discard", "none":
		return io.Discard
	default:
		return &lumberjack.Logger{
			Filename:   dest,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		}
	}
}
