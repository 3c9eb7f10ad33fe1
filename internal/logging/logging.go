// Package logging builds the zap logger used by the copen binary.
package logging

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Paintersrp/copen/internal/config"
)

// New returns a logger for cfg. Output goes to the rotating file named by
// cfg.File, or to fallback when no file is configured. The returned closer
// flushes and releases the sink.
func New(cfg config.LogConfig, fallback io.Writer) (*zap.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level: %w", err)
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "json":
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case "", "console":
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var sink zapcore.WriteSyncer
	closeSink := func() error { return nil }
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		}
		sink = zapcore.AddSync(rotator)
		closeSink = rotator.Close
	} else {
		sink = zapcore.Lock(zapcore.AddSync(fallback))
	}

	logger := zap.New(zapcore.NewCore(encoder, sink, level))
	closer := func() error {
		_ = logger.Sync()
		return closeSink()
	}
	return logger, closer, nil
}
