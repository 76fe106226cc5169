package app

import (
	"io"
	"log/slog"
	"strings"

	"pbp/go-pbp/internal/config"
	"pbp/go-pbp/internal/platform/privacylog"
)

const componentName = "app"

// NewLogger builds the process logger. Output always passes through the
// privacy sanitizer.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(privacylog.WrapHandler(h))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func (s *Service) logInfo(action Action, message string, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", string(action),
		"result", "ok",
	}
	s.logger.Info(message, append(base, attrs...)...)
}

func (s *Service) recordError(action Action, err error, attrs ...any) {
	if err == nil {
		return
	}
	base := []any{
		"component", componentName,
		"operation", string(action),
		"result", "error",
		"category", errorCategory(err),
		"error", err.Error(),
	}
	s.logger.Warn("action failed", append(base, attrs...)...)
}
