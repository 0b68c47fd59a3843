package bootstrap

import (
	"papertrade/internal/config"
	"papertrade/internal/core"
	"papertrade/pkg/logging"
)

// InitLogger builds the process root logger from config.
func InitLogger(cfg *config.Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, err
	}
	return logger.WithField("app", cfg.App.Name), nil
}
