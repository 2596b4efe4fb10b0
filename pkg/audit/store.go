package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/spinachchain/spinachchain/pkg/pagination"
)

// Store provides append-only operations for audit events.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the audit_events table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Event{})
}

// Append creates a new immutable audit event.
func (s *Store) Append(ctx context.Context, event *Event) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListFilter narrows ListFiltered.
type ListFilter struct {
	BatchID   string
	Actor     string
	EventType string
	Outcome   string
}

// ListByBatch returns paginated events for one batch, newest first.
func (s *Store) ListByBatch(ctx context.Context, batchID string, pageSize int, pageToken string) ([]Event, string, int, error) {
	return s.ListFiltered(ctx, ListFilter{BatchID: batchID}, pageSize, pageToken)
}

// ListFiltered returns paginated events ordered by created_at DESC.
// pageToken is the opaque cursor returned with the previous page.
func (s *Store) ListFiltered(ctx context.Context, filter ListFilter, pageSize int, pageToken string) ([]Event, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&Event{})
		if filter.BatchID != "" {
			q = q.Where("batch_id = ?", filter.BatchID)
		}
		if filter.Actor != "" {
			q = q.Where("actor = ?", filter.Actor)
		}
		if filter.EventType != "" {
			q = q.Where("event_type = ?", filter.EventType)
		}
		if filter.Outcome != "" {
			q = q.Where("outcome = ?", filter.Outcome)
		}
		return q
	}

	db := s.db.WithContext(ctx)
	var totalSize int64
	if err := buildQuery(db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count audit events: %w", err)
	}

	query := pagination.Newest(buildQuery(db), "created_at").Limit(pageSize + 1)
	if pageToken != "" {
		c, err := pagination.Decode(pageToken)
		if err != nil {
			return nil, "", 0, err
		}
		query = pagination.After(query, "created_at", c)
	}

	var records []Event
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list audit events: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		last := records[pageSize-1]
		nextToken = pagination.Cursor{At: last.CreatedAt, ID: last.ID}.Encode()
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// GetByID returns one event, or nil if it does not exist.
func (s *Store) GetByID(ctx context.Context, id string) (*Event, error) {
	var e Event
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	return &e, nil
}

// PurgeRequestsBefore deletes "request" access events created before
// cutoff. Domain events (custody, integrity, analysis) are the batch's
// provenance and are never purged.
func (s *Store) PurgeRequestsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("event_type = ? AND created_at < ?", EventRequest, cutoff).
		Delete(&Event{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge audit request events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
