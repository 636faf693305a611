package infra

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger собирает zap логгер по LoggerConfig.
func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logger: invalid level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	switch cfg.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "json", "":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("logger: unknown format %q", cfg.Format)
	}
	zc.Level = level

	return zc.Build()
}
