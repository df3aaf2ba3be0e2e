package logger

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pterm/pterm"

	"github.com/relaycore/relay/theme"
)

// StyledLogger wraps slog.Logger with theme-aware formatting helpers for the
// proxy's request/origin lifecycle.
type StyledLogger struct {
	logger *slog.Logger
	theme  *theme.Theme
}

// NewStyledLogger creates a new styled logger with the given theme.
func NewStyledLogger(logger *slog.Logger, appTheme *theme.Theme) *StyledLogger {
	return &StyledLogger{
		logger: logger,
		theme:  appTheme,
	}
}

// NewWithTheme creates both a regular slog.Logger and a styled logger sharing
// the same handlers.
func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	logInstance, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	styledLogger := NewStyledLogger(logInstance, appTheme)

	return logInstance, styledLogger, cleanup, nil
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

// InfoWithOrigin logs an info message with the origin key highlighted.
func (sl *StyledLogger) InfoWithOrigin(msg string, origin string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.theme.Highlight.Sprint(origin))
	sl.logger.Info(styledMsg, args...)
}

// WarnWithOrigin logs a warn message with the origin key highlighted.
func (sl *StyledLogger) WarnWithOrigin(msg string, origin string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.NewStyle(sl.theme.Warning).Sprint(origin))
	sl.logger.Warn(styledMsg, args...)
}

// ErrorWithOrigin logs an error message with the origin key highlighted.
func (sl *StyledLogger) ErrorWithOrigin(msg string, origin string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.NewStyle(sl.theme.Danger).Sprint(origin))
	sl.logger.Error(styledMsg, args...)
}

// InfoWithDuration logs an info message annotated with an elapsed duration.
func (sl *StyledLogger) InfoWithDuration(msg string, d time.Duration, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.theme.Muted.Sprint(d.String()))
	sl.logger.Info(styledMsg, args...)
}

// GetUnderlying returns the underlying slog.Logger for cases where direct
// access is needed.
func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

// WithRequestID returns a child logger carrying the request's correlation ID.
func (sl *StyledLogger) WithRequestID(requestID string) *StyledLogger {
	return sl.With("request_id", requestID)
}

// WithAttrs returns a child logger with additional structured attributes.
func (sl *StyledLogger) WithAttrs(attrs ...slog.Attr) *StyledLogger {
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}

	return &StyledLogger{
		logger: sl.logger.With(args...),
		theme:  sl.theme,
	}
}

// With returns a child logger with additional key-value pairs.
func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{
		logger: sl.logger.With(args...),
		theme:  sl.theme,
	}
}
