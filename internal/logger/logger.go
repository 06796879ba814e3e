// Package logger builds the zap loggers used by the logweave commands.
package logger

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and minimum level of a logger.
type Config struct {
	// Format is "console", "json" or "auto" (console).
	Format string
	Level  zapcore.Level
}

// NewConfig returns a Config with defaults.
func NewConfig() Config {
	return Config{Format: "auto", Level: zapcore.InfoLevel}
}

// New returns a logger writing to w. Timestamps are RFC3339 in UTC.
func New(w io.Writer, c Config) (*zap.Logger, error) {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	config.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}

	var encoder zapcore.Encoder
	switch c.Format {
	case "", "auto", "console":
		encoder = zapcore.NewConsoleEncoder(config)
	case "json":
		encoder = zapcore.NewJSONEncoder(config)
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}

	return zap.New(zapcore.NewCore(
		encoder,
		zapcore.Lock(zapcore.AddSync(w)),
		c.Level,
	)), nil
}
