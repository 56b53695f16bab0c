// Package alerting provides the always-on log alerter and fan-out to optional channels.
package alerting

import (
	"context"
	"errors"
	"log/slog"

	"PaperDigest/internal/ports"
)

// Log writes alerts to the structured log at error level.
type Log struct {
	logger *slog.Logger
}

var _ ports.Alerter = (*Log)(nil)

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "alerting")}
}

func (l *Log) Alert(_ context.Context, message string) error {
	l.logger.Error("operational alert", "message", message)
	return nil
}

// Multi delivers every alert to all channels and joins their errors.
type Multi []ports.Alerter

var _ ports.Alerter = Multi(nil)

func (m Multi) Alert(ctx context.Context, message string) error {
	var errs []error
	for _, a := range m {
		if a == nil {
			continue
		}
		if err := a.Alert(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
