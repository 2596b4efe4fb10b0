package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/spinachchain/spinachchain/pkg/pagination"
)

// Store provides database operations for batches, readings and farms.
type Store struct {
	db      *gorm.DB
	machine *LifecycleMachine
}

// NewStore creates a Store. A nil machine defaults to strict mode.
func NewStore(db *gorm.DB, machine *LifecycleMachine) *Store {
	if machine == nil {
		machine = NewLifecycleMachine(ModeStrict)
	}
	return &Store{db: db, machine: machine}
}

// Machine returns the lifecycle machine the store enforces.
func (s *Store) Machine() *LifecycleMachine { return s.machine }

// AutoMigrate creates or updates the farms, batches and sensor_readings tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Farm{}, &Batch{}, &SensorReading{})
}

// CreateInput carries the caller-supplied fields of a new batch.
type CreateInput struct {
	BatchID       string
	FarmerAddress string
	FarmID        string
}

// Create inserts a batch in the harvested state with the farmer as its
// first custodian. A duplicate batch id fails with ErrConflict.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Batch, error) {
	in.BatchID = strings.TrimSpace(in.BatchID)
	in.FarmerAddress = strings.TrimSpace(in.FarmerAddress)
	if in.BatchID == "" {
		return nil, fmt.Errorf("%w: batch_id is required", ErrValidation)
	}
	if len(in.BatchID) > 100 {
		return nil, fmt.Errorf("%w: batch_id exceeds 100 characters", ErrValidation)
	}
	if in.FarmerAddress == "" {
		return nil, fmt.Errorf("%w: farmer_address is required", ErrValidation)
	}

	now := time.Now().UTC()
	b := &Batch{
		BatchID:         in.BatchID,
		State:           StateHarvested,
		FarmerAddress:   in.FarmerAddress,
		CurrentOwner:    in.FarmerAddress,
		IntegrityStatus: IntegrityPending,
		HarvestedAt:     &now,
	}
	if in.FarmID != "" {
		farmID := in.FarmID
		b.FarmID = &farmID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if b.FarmID != nil {
			var n int64
			if err := tx.Model(&Farm{}).Where("id = ?", *b.FarmID).Count(&n).Error; err != nil {
				return fmt.Errorf("check farm: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("%w: farm %q does not exist", ErrValidation, *b.FarmID)
			}
		}

		var existing int64
		if err := tx.Model(&Batch{}).Where("batch_id = ?", b.BatchID).Count(&existing).Error; err != nil {
			return fmt.Errorf("check batch id: %w", err)
		}
		if existing > 0 {
			return fmt.Errorf("%w: batch %q already exists", ErrConflict, b.BatchID)
		}

		if err := tx.Create(b).Error; err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: batch %q already exists", ErrConflict, b.BatchID)
			}
			return fmt.Errorf("create batch: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Get retrieves a batch by its business id.
func (s *Store) Get(ctx context.Context, batchID string) (*Batch, error) {
	var b Batch
	if err := s.db.WithContext(ctx).Where("batch_id = ?", batchID).First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: batch %q", ErrNotFound, batchID)
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return &b, nil
}

// ListFilter defines filters for listing batches.
type ListFilter struct {
	State  State
	Owner  string
	Farmer string
}

// List returns paginated batches ordered by created_at DESC.
// pageToken is the opaque cursor returned with the previous page.
func (s *Store) List(ctx context.Context, filter ListFilter, pageSize int, pageToken string) ([]Batch, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&Batch{})
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		if filter.Owner != "" {
			q = q.Where("current_owner = ?", filter.Owner)
		}
		if filter.Farmer != "" {
			q = q.Where("farmer_address = ?", filter.Farmer)
		}
		return q
	}

	db := s.db.WithContext(ctx)
	var totalSize int64
	if err := buildQuery(db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count batches: %w", err)
	}

	query := pagination.Newest(buildQuery(db), "created_at").Limit(pageSize + 1)
	if pageToken != "" {
		c, err := pagination.Decode(pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		query = pagination.After(query, "created_at", c)
	}

	var records []Batch
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list batches: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		last := records[pageSize-1]
		nextToken = pagination.Cursor{At: last.CreatedAt, ID: last.ID}.Encode()
		records = records[:pageSize]
	}
	return records, nextToken, int(totalSize), nil
}

// TransitionRequest asks to move a batch to Target and hand custody to
// NewOwner. An empty NewOwner keeps the current custodian.
type TransitionRequest struct {
	BatchID   string
	Requester string
	Target    State
	NewOwner  string
}

// TransitionResult describes a committed transition.
type TransitionResult struct {
	Batch         *Batch
	FromState     State
	PreviousOwner string
}

// Transition validates and applies a custody transfer under a row lock.
func (s *Store) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	if !req.Target.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrValidation, req.Target)
	}

	var result TransitionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := lockBatch(tx, req.BatchID)
		if err != nil {
			return err
		}
		if b.CurrentOwner != req.Requester {
			return fmt.Errorf("%w: %q cannot transfer batch %q held by %q", ErrNotOwner, req.Requester, b.BatchID, b.CurrentOwner)
		}
		if err := s.machine.ValidateTransition(b.State, req.Target); err != nil {
			return err
		}

		newOwner := strings.TrimSpace(req.NewOwner)
		if newOwner == "" {
			newOwner = b.CurrentOwner
		}

		updates := map[string]any{
			"state":         req.Target,
			"current_owner": newOwner,
		}
		if b.StageTimestamp(req.Target) == nil {
			updates[stageColumn(req.Target)] = time.Now().UTC()
		}
		if err := tx.Model(&Batch{}).Where("id = ?", b.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update batch state: %w", err)
		}

		result.FromState = b.State
		result.PreviousOwner = b.CurrentOwner
		var updated Batch
		if err := tx.First(&updated, "id = ?", b.ID).Error; err != nil {
			return fmt.Errorf("reload batch: %w", err)
		}
		result.Batch = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Delete removes a batch and its readings. Only the custodian may delete.
func (s *Store) Delete(ctx context.Context, batchID, requester string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := lockBatch(tx, batchID)
		if err != nil {
			return err
		}
		if b.CurrentOwner != requester {
			return fmt.Errorf("%w: %q cannot delete batch %q", ErrNotOwner, requester, batchID)
		}
		if err := tx.Where("batch_ref_id = ?", b.ID).Delete(&SensorReading{}).Error; err != nil {
			return fmt.Errorf("delete readings: %w", err)
		}
		if err := tx.Delete(&Batch{}, "id = ?", b.ID).Error; err != nil {
			return fmt.Errorf("delete batch: %w", err)
		}
		return nil
	})
}

// AppendReading stores r against the batch. When violatesColdChain is true
// the batch's cold-chain flag is set in the same transaction; the flag is
// never cleared.
func (s *Store) AppendReading(ctx context.Context, batchID string, r *SensorReading, violatesColdChain bool) (*SensorReading, error) {
	if r.DataHash == "" {
		return nil, fmt.Errorf("%w: reading has no data hash", ErrValidation)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var b Batch
		if err := tx.Select("id", "batch_id").Where("batch_id = ?", batchID).First(&b).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: batch %q", ErrNotFound, batchID)
			}
			return fmt.Errorf("load batch: %w", err)
		}
		r.ID = 0
		r.BatchRefID = b.ID
		r.BatchID = b.BatchID
		if err := tx.Create(r).Error; err != nil {
			return fmt.Errorf("insert reading: %w", err)
		}
		if violatesColdChain {
			if err := tx.Model(&Batch{}).Where("id = ?", b.ID).Update("cold_chain_violated", true).Error; err != nil {
				return fmt.Errorf("flag cold chain: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListReadings returns the batch's readings in storage order.
func (s *Store) ListReadings(ctx context.Context, batchID string) ([]SensorReading, error) {
	b, err := s.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	var readings []SensorReading
	if err := s.db.WithContext(ctx).Where("batch_ref_id = ?", b.ID).Order("id ASC").Find(&readings).Error; err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	return readings, nil
}

// FinalizeRecord is the digest written back onto a batch.
type FinalizeRecord struct {
	MerkleRoot    string
	ContentID     string
	PayloadDigest string
	LeafCount     int
}

// CommitFinalize persists the digest in one UPDATE under a row lock. If
// the number of hashed readings no longer equals rec.LeafCount a reading
// was ingested after the root was computed and ErrConflict is returned.
func (s *Store) CommitFinalize(ctx context.Context, batchID string, rec FinalizeRecord) (*Batch, error) {
	if rec.MerkleRoot == "" || rec.ContentID == "" {
		return nil, fmt.Errorf("%w: merkle root and content id are both required", ErrValidation)
	}
	var out Batch
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := lockBatch(tx, batchID)
		if err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&SensorReading{}).
			Where("batch_ref_id = ? AND data_hash <> ''", b.ID).
			Count(&n).Error; err != nil {
			return fmt.Errorf("count readings: %w", err)
		}
		if int(n) != rec.LeafCount {
			return fmt.Errorf("%w: batch %q has %d readings, root covers %d", ErrConflict, batchID, n, rec.LeafCount)
		}

		now := time.Now().UTC()
		if err := tx.Model(&Batch{}).Where("id = ?", b.ID).Updates(map[string]any{
			"merkle_root":      rec.MerkleRoot,
			"content_id":       rec.ContentID,
			"payload_digest":   rec.PayloadDigest,
			"leaf_count":       rec.LeafCount,
			"finalized_at":     now,
			"integrity_status": IntegrityFinalized,
		}).Error; err != nil {
			return fmt.Errorf("write digest: %w", err)
		}
		return tx.First(&out, "id = ?", b.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordAnchor stores the external ledger transaction hash for a finalized
// batch. Only the custodian may record it.
func (s *Store) RecordAnchor(ctx context.Context, batchID, requester, txHash string) (*Batch, error) {
	var out Batch
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := lockBatch(tx, batchID)
		if err != nil {
			return err
		}
		if b.CurrentOwner != requester {
			return fmt.Errorf("%w: %q cannot anchor batch %q", ErrNotOwner, requester, batchID)
		}
		if !b.Finalized() {
			return fmt.Errorf("%w: batch %q", ErrNotFinalized, batchID)
		}
		if err := tx.Model(&Batch{}).Where("id = ?", b.ID).Update("anchor_tx_hash", txHash).Error; err != nil {
			return fmt.Errorf("record anchor: %w", err)
		}
		return tx.First(&out, "id = ?", b.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Analytics holds the derived scores written by an analysis run.
type Analytics struct {
	PredictedYield     float64
	DiseaseProbability float64
	HealthScore        float64
	AnomalyDetected    bool
}

// UpdateAnalytics overwrites the analytics fields of a batch.
func (s *Store) UpdateAnalytics(ctx context.Context, batchID string, a Analytics) (*Batch, error) {
	b, err := s.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&Batch{}).Where("id = ?", b.ID).Updates(map[string]any{
		"predicted_yield":     a.PredictedYield,
		"disease_probability": a.DiseaseProbability,
		"health_score":        a.HealthScore,
		"anomaly_detected":    a.AnomalyDetected,
		"analyzed_at":         now,
	}).Error; err != nil {
		return nil, fmt.Errorf("update analytics: %w", err)
	}
	return s.Get(ctx, batchID)
}

// CreateFarm inserts a farm owned by farm.Farmer.
func (s *Store) CreateFarm(ctx context.Context, farm *Farm) (*Farm, error) {
	farm.FarmName = strings.TrimSpace(farm.FarmName)
	if farm.FarmName == "" {
		return nil, fmt.Errorf("%w: farm_name is required", ErrValidation)
	}
	if farm.Farmer == "" {
		return nil, fmt.Errorf("%w: farmer is required", ErrValidation)
	}
	if err := s.db.WithContext(ctx).Create(farm).Error; err != nil {
		return nil, fmt.Errorf("create farm: %w", err)
	}
	return farm, nil
}

// ListFarms returns farms, optionally restricted to one farmer.
func (s *Store) ListFarms(ctx context.Context, farmer string) ([]Farm, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if farmer != "" {
		q = q.Where("farmer = ?", farmer)
	}
	var farms []Farm
	if err := q.Find(&farms).Error; err != nil {
		return nil, fmt.Errorf("list farms: %w", err)
	}
	return farms, nil
}

// lockBatch loads a batch by business id holding a row lock for the rest
// of tx. SQLite has no row locks; its single-writer transactions serialize.
func lockBatch(tx *gorm.DB, batchID string) (*Batch, error) {
	q := tx
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var b Batch
	if err := q.Where("batch_id = ?", batchID).First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: batch %q", ErrNotFound, batchID)
		}
		return nil, fmt.Errorf("lock batch: %w", err)
	}
	return &b, nil
}
