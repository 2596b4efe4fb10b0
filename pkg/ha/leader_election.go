package ha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
)

// leaseRecord is the single row contended for by replicas.
type leaseRecord struct {
	Name      string    `gorm:"primaryKey;column:name;type:varchar(100)"`
	Holder    string    `gorm:"column:holder;type:varchar(255);not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
	RenewedAt time.Time `gorm:"column:renewed_at;not null"`
}

func (leaseRecord) TableName() string { return "leader_leases" }

// LeaderElector elects one replica to run singleton background loops such
// as audit retention and stuck-job cleanup. Leadership is a row in
// leader_leases that the holder renews every RetryPeriod; another replica
// takes over once the row has expired.
type LeaderElector struct {
	config   *HAConfig
	db       *gorm.DB
	identity string
	isLeader bool
	mu       sync.RWMutex
	logger   *slog.Logger
	onStart  func(ctx context.Context)
	onStop   func()
	now      func() time.Time
}

// NewLeaderElector creates a new LeaderElector. The identity should be unique
// per replica (typically the pod name or hostname).
func NewLeaderElector(cfg *HAConfig, db *gorm.DB, identity string, logger *slog.Logger) *LeaderElector {
	if cfg == nil {
		cfg = DefaultHAConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderElector{
		config:   cfg,
		db:       db,
		identity: identity,
		logger:   logger,
		now:      time.Now,
	}
}

// AutoMigrate creates the lease table.
func (le *LeaderElector) AutoMigrate() error {
	return le.db.AutoMigrate(&leaseRecord{})
}

// OnStartLeading registers a callback invoked when this instance becomes leader.
// The provided context is cancelled when leadership is lost.
func (le *LeaderElector) OnStartLeading(fn func(ctx context.Context)) {
	le.onStart = fn
}

// OnStopLeading registers a callback invoked when this instance loses leadership.
func (le *LeaderElector) OnStopLeading(fn func()) {
	le.onStop = fn
}

// IsLeader returns true if this instance is the current leader.
func (le *LeaderElector) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

// Run starts leader election. It blocks until the context is cancelled,
// then releases the lease if held.
func (le *LeaderElector) Run(ctx context.Context) {
	le.logger.Info("starting leader election",
		"identity", le.identity,
		"lease", le.config.LeaseName,
		"leaseDuration", le.config.LeaseDuration,
		"retryPeriod", le.config.RetryPeriod,
	)

	ticker := time.NewTicker(le.config.RetryPeriod)
	defer ticker.Stop()

	var cancelLeading context.CancelFunc
	var leading sync.WaitGroup
	stopLeading := func() {
		if cancelLeading == nil {
			return
		}
		cancelLeading()
		leading.Wait()
		cancelLeading = nil
		le.setLeader(false)
		le.logger.Info("lost leadership", "identity", le.identity)
		if le.onStop != nil {
			le.onStop()
		}
	}

	for {
		held, err := le.tryAcquireOrRenew(ctx)
		if err != nil && ctx.Err() == nil {
			le.logger.Warn("lease renewal failed", "identity", le.identity, "error", err)
		}
		switch {
		case held && cancelLeading == nil:
			le.setLeader(true)
			le.logger.Info("elected as leader", "identity", le.identity)
			var leaderCtx context.Context
			leaderCtx, cancelLeading = context.WithCancel(ctx)
			if le.onStart != nil {
				leading.Add(1)
				go func() {
					defer leading.Done()
					le.onStart(leaderCtx)
				}()
			}
		case !held && cancelLeading != nil:
			stopLeading()
		}

		select {
		case <-ctx.Done():
			wasLeader := cancelLeading != nil
			stopLeading()
			if wasLeader {
				le.release()
			}
			return
		case <-ticker.C:
		}
	}
}

func (le *LeaderElector) setLeader(v bool) {
	le.mu.Lock()
	le.isLeader = v
	le.mu.Unlock()
}

// tryAcquireOrRenew extends the lease when this replica holds it or it has
// expired, and inserts it when absent. It reports whether the lease is held.
func (le *LeaderElector) tryAcquireOrRenew(ctx context.Context) (bool, error) {
	now := le.now().UTC()
	expires := now.Add(le.config.LeaseDuration)
	db := le.db.WithContext(ctx)

	res := db.Model(&leaseRecord{}).
		Where("name = ? AND (holder = ? OR expires_at < ?)", le.config.LeaseName, le.identity, now).
		Updates(map[string]any{"holder": le.identity, "expires_at": expires, "renewed_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("renew lease: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var existing leaseRecord
	err := db.Where("name = ?", le.config.LeaseName).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("load lease: %w", err)
	}
	if err := db.Create(&leaseRecord{
		Name:      le.config.LeaseName,
		Holder:    le.identity,
		ExpiresAt: expires,
		RenewedAt: now,
	}).Error; err != nil {
		// Another replica inserted first.
		return false, nil
	}
	return true, nil
}

// release expires the lease so a peer can take over without waiting.
func (le *LeaderElector) release() {
	err := le.db.Model(&leaseRecord{}).
		Where("name = ? AND holder = ?", le.config.LeaseName, le.identity).
		Update("expires_at", le.now().UTC().Add(-time.Second)).Error
	if err != nil {
		le.logger.Warn("failed to release lease", "identity", le.identity, "error", err)
	}
}
