package audit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded against a batch.
const (
	EventRequest            = "request"
	EventBatchCreated       = "batch.created"
	EventCustodyTransferred = "custody.transferred"
	EventBatchRejected      = "batch.rejected"
	EventBatchDeleted       = "batch.deleted"
	EventColdChainViolated  = "cold_chain.violated"
	EventIntegrityFinalized = "integrity.finalized"
	EventAnchorRecorded     = "anchor.recorded"
	EventAnalysisCompleted  = "analysis.completed"
	EventFarmCreated        = "farm.created"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// JSONStringSlice is a custom GORM type for []string stored as JSON.
type JSONStringSlice []string

// Scan implements the sql.Scanner interface for JSONStringSlice.
func (s *JSONStringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONStringSlice: %T", value)
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the driver.Valuer interface for JSONStringSlice.
func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// JSONAny is a custom GORM type for map[string]any stored as JSON.
type JSONAny map[string]any

// Scan implements the sql.Scanner interface for JSONAny.
func (m *JSONAny) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONAny: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONAny.
func (m JSONAny) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Event is an immutable audit record. BatchID is the business id and is
// kept after the batch itself is deleted.
type Event struct {
	ID            string          `gorm:"primaryKey;column:id;type:varchar(36)"`
	BatchID       string          `gorm:"column:batch_id;type:varchar(100);index:idx_audit_batch_time,priority:1"`
	EventType     string          `gorm:"column:event_type;index:idx_audit_type_time,priority:1;not null"`
	Actor         string          `gorm:"column:actor;index:idx_audit_actor_time,priority:1;not null"`
	Outcome       string          `gorm:"column:outcome;not null"`
	Reason        string          `gorm:"column:reason"`
	OldValue      JSONAny         `gorm:"column:old_value;type:text"`
	NewValue      JSONAny         `gorm:"column:new_value;type:text"`
	EventMetadata JSONAny         `gorm:"column:metadata;type:text"`
	RequestID     string          `gorm:"column:request_id;index"`
	ResourceType  string          `gorm:"column:resource_type"`
	ResourceIDs   JSONStringSlice `gorm:"column:resource_ids;type:text"`
	Action        string          `gorm:"column:action"`
	StatusCode    int             `gorm:"column:status_code"`
	CreatedAt     time.Time       `gorm:"column:created_at;index:idx_audit_batch_time,priority:2;index:idx_audit_type_time,priority:2;index:idx_audit_actor_time,priority:2"`
}

// TableName returns the GORM table name.
func (Event) TableName() string { return "audit_events" }
