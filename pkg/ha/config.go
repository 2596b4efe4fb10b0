// Package ha provides primitives for running several API replicas against
// one database: migration locking and a database lease that elects the
// replica running singleton background loops.
package ha

import (
	"os"
	"time"
)

// HAConfig holds configuration for high-availability features.
type HAConfig struct {
	// LeaderElectionEnabled controls whether the database lease is used.
	// When false, the instance behaves as the sole leader.
	LeaderElectionEnabled bool

	// LeaseName is the primary key of the lease row.
	LeaseName string

	// LeaseDuration is how long a lease stays valid without renewal.
	LeaseDuration time.Duration

	// RetryPeriod is the interval between acquire or renew attempts.
	// It must be shorter than LeaseDuration.
	RetryPeriod time.Duration

	// MigrationLockEnabled controls whether schema migration is serialized
	// across replicas.
	MigrationLockEnabled bool

	// Identity names this replica. Defaults to POD_NAME or the hostname.
	Identity string
}

// DefaultHAConfig returns an HAConfig with sensible defaults.
func DefaultHAConfig() *HAConfig {
	return &HAConfig{
		LeaderElectionEnabled: false,
		LeaseName:             "spinachchain-leader",
		LeaseDuration:         15 * time.Second,
		RetryPeriod:           2 * time.Second,
		MigrationLockEnabled:  true,
		Identity:              DefaultIdentity(),
	}
}

// DefaultIdentity returns POD_NAME when set, otherwise the hostname.
func DefaultIdentity() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "unknown"
	}
	return hostname
}
