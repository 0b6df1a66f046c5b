package app

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"basebot/internal/domain"
	"basebot/internal/infra/telemetry"
)

// NewLogger builds the process logger from the logging section. A non-empty
// levelOverride wins over the configured level.
func NewLogger(cfg domain.LoggingConfig, levelOverride string) (*zap.Logger, error) {
	levelText := strings.TrimSpace(levelOverride)
	if levelText == "" {
		levelText = cfg.Level
	}
	if levelText == "" {
		levelText = domain.DefaultLogLevel
	}
	level, err := zapcore.ParseLevel(strings.ToLower(levelText))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var zcfg zap.Config
	switch strings.ToLower(cfg.Format) {
	case "console":
		zcfg = zap.NewDevelopmentConfig()
	case "", "json":
		zcfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String(telemetry.FieldLogSource, telemetry.LogSourceCore)), nil
}
