package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds the retry loop around a Publisher.
type RetryConfig struct {
	MaxAttempts     int           // Total attempts including the first. Default 3.
	AttemptTimeout  time.Duration // Per-attempt deadline. Default 15s.
	InitialInterval time.Duration // First backoff delay. Default 500ms.
	MaxInterval     time.Duration // Backoff ceiling. Default 5s.
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		AttemptTimeout:  15 * time.Second,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Retrying wraps a Publisher with bounded exponential backoff and surfaces
// every failure as ErrPublishFailed.
type Retrying struct {
	inner   Publisher
	cfg     RetryConfig
	logger  *slog.Logger
	backend string
	observe Observer
}

// Observer is told the outcome of every individual publish attempt.
type Observer func(backend string, err error)

// NewRetrying wraps inner. Zero fields in cfg take their defaults.
func NewRetrying(inner Publisher, cfg RetryConfig, logger *slog.Logger) *Retrying {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{inner: inner, cfg: cfg, logger: logger}
}

// WithObserver reports each attempt against backend to fn.
func (r *Retrying) WithObserver(backend string, fn Observer) *Retrying {
	r.backend = backend
	r.observe = fn
	return r
}

// Publish calls the wrapped publisher until it succeeds, a permanent error
// is returned, the attempts run out or ctx is done.
func (r *Retrying) Publish(ctx context.Context, name string, content []byte) (string, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.MaxInterval = r.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.MaxAttempts-1)), ctx)

	var cid string
	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()

		out, err := r.inner.Publish(actx, name, content)
		if r.observe != nil {
			r.observe(r.backend, err)
		}
		if err != nil {
			if IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		cid = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("publish attempt failed, retrying",
			"name", name,
			"attempt", attempt,
			"wait", wait.String(),
			"error", err)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if errors.Is(err, ErrPublishFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w after %d attempt(s): %w", ErrPublishFailed, attempt, err)
	}
	return cid, nil
}
