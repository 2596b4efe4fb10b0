package ha

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"
)

// MigrationLocker serializes AutoMigrate across replicas sharing a database.
type MigrationLocker interface {
	// WithLock blocks until the lock is held, runs fn, then releases the
	// lock whatever fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// migrationLockName seeds the advisory lock key and names the lock row.
const migrationLockName = "spinachchain-migration"

// NewMigrationLocker picks the lock for db's dialect: a session advisory
// lock on PostgreSQL, a lock row elsewhere. holder is recorded on the lock
// row; empty means DefaultIdentity.
func NewMigrationLocker(db *gorm.DB, holder string) MigrationLocker {
	if db == nil {
		return &noopMigrationLock{}
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte(migrationLockName))),
		}
	}
	if holder == "" {
		holder = DefaultIdentity()
	}
	// The lock table must exist before the first WithLock, or concurrent
	// callers race on creating it.
	_ = db.AutoMigrate(&migrationLockRecord{})
	return &rowMigrationLock{
		db:         db,
		holder:     holder,
		retryEvery: time.Second,
		maxRetries: 30,
		staleAfter: 5 * time.Minute,
	}
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

// pgAdvisoryLock holds pg_advisory_lock on one pinned connection, since
// advisory locks belong to the session that took them.
type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("migration advisory lock: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration advisory lock: reserve connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.lockID); err != nil {
		return fmt.Errorf("failed to acquire migration advisory lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", l.lockID)
	}()

	return fn()
}

// migrationLockRecord is the single lock row used on MySQL and SQLite.
type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id;type:varchar(64)"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by;type:varchar(255)"`
}

func (migrationLockRecord) TableName() string { return "migration_lock" }

// rowMigrationLock takes the lock by inserting the row; the primary key
// makes a second insert fail. Rows older than staleAfter are treated as
// left behind by a crashed holder and removed.
type rowMigrationLock struct {
	db         *gorm.DB
	holder     string
	retryEvery time.Duration
	maxRetries uint64
	staleAfter time.Duration
}

func (l *rowMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	acquire := func() error {
		db := l.db.WithContext(ctx)
		db.Where("id = ? AND locked_at < ?", "migration", time.Now().Add(-l.staleAfter)).
			Delete(&migrationLockRecord{})
		return db.Create(&migrationLockRecord{
			ID:       "migration",
			LockedAt: time.Now(),
			LockedBy: l.holder,
		}).Error
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.retryEvery), l.maxRetries),
		ctx,
	)
	if err := backoff.Retry(acquire, policy); err != nil {
		return fmt.Errorf("failed to acquire migration lock as %s: %w", l.holder, err)
	}
	defer func() {
		l.db.WithContext(context.WithoutCancel(ctx)).
			Where("id = ? AND locked_by = ?", "migration", l.holder).
			Delete(&migrationLockRecord{})
	}()

	return fn()
}
