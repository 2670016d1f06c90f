package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EnsureStream creates the stream described by cfg unless it already exists
func EnsureStream(js nats.JetStreamContext, cfg *nats.StreamConfig, logger *zap.Logger) error {
	_, err := js.StreamInfo(cfg.Name)
	if err == nil {
		logger.Debug("Using existing stream", zap.String("name", cfg.Name))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if cfg.Storage == 0 {
		cfg.Storage = nats.FileStorage
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if _, err := js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}
	logger.Info("Created stream",
		zap.String("name", cfg.Name),
		zap.Strings("subjects", cfg.Subjects))
	return nil
}
