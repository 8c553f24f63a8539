package util

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// LogConfig selects the encoder and level of the process logger
type LogConfig struct {
	Service string
	Env     string
	// Level is a zap level name; empty means debug in development and
	// info in production
	Level string
}

// InitLogger builds the process logger, stamps every entry with the service
// and environment, and installs it as the zap global.
func InitLogger(cfg LogConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Env == "production" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}

	built, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	logger = built.With(
		zap.String("service", cfg.Service),
		zap.String("env", cfg.Env))

	zap.ReplaceGlobals(logger)
	return logger, nil
}

// GetLogger returns the process logger, or a development logger before
// InitLogger ran
func GetLogger() *zap.Logger {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}
