package cli

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/bingosuite/debugbridge/config"
)

func newLogger(cfg config.LoggingConfig, out io.Writer) (*log.Entry, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logger := log.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	switch cfg.Format {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	// Packages that log through the standard logger follow the same settings.
	log.SetOutput(out)
	log.SetLevel(level)
	log.SetFormatter(logger.Formatter)

	return log.NewEntry(logger), nil
}
