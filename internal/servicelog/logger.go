// Package servicelog builds the process-wide zap.Logger: production JSON
// encoding routed through a lumberjack-backed rotating sink, or a
// human-readable development config in debug mode. Grounded on the
// teacher's internal/driver/servicelog/logger.go, which wires the same
// lumberjack rotation underneath a structured logger; this repo's sink is
// always zap, so the teacher's extra indirection through a platform/OS
// service logger is not carried forward (there is no OS-service management
// mode in this repository — see DESIGN.md).
package servicelog

import (
	"fmt"
	"net/url"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type lumberjackSink struct {
	*lumberjack.Logger
}

func (lumberjackSink) Sync() error { return nil }

// sinkSeq numbers the sink scheme registered by each New call.
var sinkSeq int64

// Options controls log file rotation and verbosity.
type Options struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Debug      bool
}

func (o *Options) setDefaults() {
	if o.Filename == "" {
		o.Filename = "mjpegd.log"
	}
	if o.MaxSizeMB <= 0 {
		o.MaxSizeMB = 50
	}
	if o.MaxBackups <= 0 {
		o.MaxBackups = 5
	}
	if o.MaxAgeDays <= 0 {
		o.MaxAgeDays = 28
	}
}

// New builds the process-wide *zap.Logger: production JSON encoding with a
// lumberjack-backed rotating sink, or a human-readable development config
// when Debug is set.
func New(opts Options) (*zap.Logger, error) {
	opts.setDefaults()

	// zap keeps the first factory registered under a scheme, so each call
	// registers its own scheme to have its Options take effect.
	sinkName := fmt.Sprintf("mjpegd-lumberjack-%d", atomic.AddInt64(&sinkSeq, 1))
	_ = zap.RegisterSink(sinkName, func(u *url.URL) (zap.Sink, error) {
		return lumberjackSink{
			Logger: &lumberjack.Logger{
				Filename:   opts.Filename,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
			},
		}, nil
	})

	var cfg zap.Config
	if opts.Debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.OutputPaths = []string{sinkName + "://" + opts.Filename}
	return cfg.Build()
}
