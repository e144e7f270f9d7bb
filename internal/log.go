package internal

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattn/go-isatty"
)

var _logger = newLogger()

func newLogger() *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})

	if isatty.IsTerminal(os.Stderr.Fd()) {
		styles := log.DefaultStyles()
		styles.Keys["err"] = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
		styles.Values["err"] = lipgloss.NewStyle().Bold(true)
		styles.Keys["book"] = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
		logger.SetStyles(styles)
	} else {
		logger.SetFormatter(log.LogfmtFormatter)
	}

	return logger
}

// SetLogLevel adjusts the level of the package's logger.
func SetLogLevel(l log.Level) {
	_logger.SetLevel(l)
}

// Log returns a logger for the given context, annotated with the request ID
// if one is present.
func Log(ctx context.Context) *log.Logger {
	if id := middleware.GetReqID(ctx); id != "" {
		return _logger.With("req", id)
	}
	return _logger
}

// Slogger adapts our logger for libraries that speak log/slog (supervision,
// message router).
func Slogger() *slog.Logger {
	return slog.New(_logger)
}
