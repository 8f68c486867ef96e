// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jacentio/pizzeria/internal/config"
)

// New returns a logger writing to w at the configured level. The console
// format is meant for development; Lambda and log pipelines want JSON.
func New(cfg config.LogConfig, w io.Writer, service string) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level: %w", err)
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger(), nil
}

// Setup builds the logger on stdout and installs it as the global logger.
func Setup(cfg config.LogConfig, service string) (zerolog.Logger, error) {
	logger, err := New(cfg, os.Stdout, service)
	if err != nil {
		return logger, err
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = logger
	return logger, nil
}
