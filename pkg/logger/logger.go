package logger

import (
	"log/slog"
	"os"
)

var defaultLogger *slog.Logger

func Init(format string) {
	var handler slog.Handler

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

func LoggerWrapper() *slog.Logger {
	if defaultLogger == nil {
		// lazy initialize a text logger to avoid nil pointer panics
		Init("text")
	}
	return defaultLogger
}
