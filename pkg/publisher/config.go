package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Backend selects the content-addressed store.
type Backend string

const (
	BackendPinata Backend = "pinata"
	BackendS3     Backend = "s3"
	BackendMemory Backend = "memory"
)

// Config selects and configures a backend plus its retry policy.
type Config struct {
	Backend Backend
	Pinata  PinataConfig
	S3      S3Config
	Retry   RetryConfig
	// Observe, when set, receives the result of every attempt.
	Observe Observer
}

// New builds the configured backend wrapped in the retry policy.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Publisher, error) {
	var inner Publisher
	backend := Backend(strings.ToLower(string(cfg.Backend)))
	if backend == "" {
		backend = BackendMemory
	}
	switch backend {
	case BackendPinata:
		p, err := NewPinata(cfg.Pinata, nil)
		if err != nil {
			return nil, err
		}
		inner = p
	case BackendS3:
		p, err := NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		inner = p
	case BackendMemory:
		inner = NewMemory()
	default:
		return nil, fmt.Errorf("unknown publisher backend %q", cfg.Backend)
	}
	return NewRetrying(inner, cfg.Retry, logger).WithObserver(string(backend), cfg.Observe), nil
}
