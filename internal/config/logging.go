package config

import (
	"io"
	"log/slog"

	"github.com/forge-labs/forge-go/internal/platform/logging"
)

func logLevel(level string) (slog.Level, error) { return logging.ParseLevel(level) }

// Logger builds the process logger with the service attribute set once.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	l, err := logging.New(c.Log.Level, c.Log.Format, w)
	if err != nil {
		return nil, err
	}
	return l.With("service", c.HTTP.Service), nil
}
