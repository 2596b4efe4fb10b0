package cache

import "time"

// Config holds configuration for the response cache.
type Config struct {
	// Enabled controls whether caching is active. When false, New returns
	// nil and the middleware passes every request through.
	Enabled bool

	// TTL bounds how long an entry is served.
	TTL time.Duration

	// MaxSize is the maximum number of cached responses.
	MaxSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		TTL:     5 * time.Minute,
		MaxSize: 1000,
	}
}
