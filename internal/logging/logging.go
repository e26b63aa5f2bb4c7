// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Setup applies level and format ("text" or "json") to logger and sends
// its output to out. A nil out leaves the output unchanged.
func Setup(logger *logrus.Logger, level, format string, out io.Writer) error {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return errors.Wrap(err, "log.level")
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("log.format: unknown format %q", format)
	}

	if out != nil {
		logger.SetOutput(out)
	}
	return nil
}
