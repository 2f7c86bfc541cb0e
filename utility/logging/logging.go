package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	rootOnce sync.Once
	root     *zap.Logger
)

func rootLogger() *zap.Logger {
	rootOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = level
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.Sampling = nil
		l, err := cfg.Build(zap.AddCaller())
		if err != nil {
			// fallback when stderr sink cannot be opened
			l = zap.NewNop()
		}
		root = l
	})
	return root
}

// GetLogger returns a named logger. Names are joined with '.'.
// All loggers share the level controlled by SetLevel.
func GetLogger(names ...string) *zap.SugaredLogger {
	l := rootLogger()
	for _, n := range names {
		l = l.Named(n)
	}
	return l.Sugar()
}

// SetLevel changes the level of every logger returned by GetLogger.
func SetLevel(lvl string) error {
	parsed, err := zapcore.ParseLevel(lvl)
	if err != nil {
		return err
	}
	level.SetLevel(parsed)
	return nil
}

func Sync() {
	_ = rootLogger().Sync()
}
