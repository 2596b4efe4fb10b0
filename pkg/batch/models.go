package batch

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// State is the lifecycle state of a batch.
type State string

const (
	StateHarvested     State = "harvested"
	StateInTransit     State = "in_transit"
	StateInColdStorage State = "in_cold_storage"
	StateDelivered     State = "delivered"
	StateRejected      State = "rejected"
)

// AllStates lists every known state in lifecycle order.
var AllStates = []State{StateHarvested, StateInTransit, StateInColdStorage, StateDelivered, StateRejected}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, k := range AllStates {
		if s == k {
			return true
		}
	}
	return false
}

// ParseState accepts the canonical names plus the CamelCase and dashed
// spellings older clients send ("InTransit", "in-transit").
func ParseState(raw string) (State, bool) {
	norm := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(raw)))
	for _, s := range AllStates {
		if strings.ReplaceAll(string(s), "_", "") == norm {
			return s, true
		}
	}
	return "", false
}

// IntegrityStatus tracks the integrity pipeline independently of State.
type IntegrityStatus string

const (
	IntegrityPending   IntegrityStatus = "pending"
	IntegrityFinalized IntegrityStatus = "finalized"
)

// Batch is the GORM model for a tracked batch of produce.
type Batch struct {
	ID            string  `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	BatchID       string  `gorm:"column:batch_id;type:varchar(100);uniqueIndex:idx_batch_business_id;not null" json:"batch_id"`
	State         State   `gorm:"column:state;type:varchar(32);index:idx_batch_state;not null;default:harvested" json:"state"`
	FarmerAddress string  `gorm:"column:farmer_address;type:varchar(255);index:idx_batch_farmer;not null" json:"farmer_address"`
	CurrentOwner  string  `gorm:"column:current_owner;type:varchar(255);index:idx_batch_owner;not null" json:"current_owner"`
	FarmID        *string `gorm:"column:farm_id;type:varchar(36);index" json:"farm_id,omitempty"`

	MerkleRoot      *string         `gorm:"column:merkle_root;type:varchar(64)" json:"merkle_root"`
	ContentID       *string         `gorm:"column:content_id;type:varchar(255)" json:"content_id"`
	PayloadDigest   *string         `gorm:"column:payload_digest;type:varchar(64)" json:"payload_digest,omitempty"`
	LeafCount       int             `gorm:"column:leaf_count;not null;default:0" json:"leaf_count"`
	FinalizedAt     *time.Time      `gorm:"column:finalized_at" json:"finalized_at,omitempty"`
	IntegrityStatus IntegrityStatus `gorm:"column:integrity_status;type:varchar(16);not null;default:pending" json:"integrity_status"`
	AnchorTxHash    *string         `gorm:"column:anchor_tx_hash;type:varchar(66)" json:"anchor_tx_hash,omitempty"`

	ColdChainViolated bool `gorm:"column:cold_chain_violated;not null;default:false" json:"cold_chain_violated"`

	HarvestedAt     *time.Time `gorm:"column:harvested_at" json:"harvested_at,omitempty"`
	InTransitAt     *time.Time `gorm:"column:in_transit_at" json:"in_transit_at,omitempty"`
	InColdStorageAt *time.Time `gorm:"column:in_cold_storage_at" json:"in_cold_storage_at,omitempty"`
	DeliveredAt     *time.Time `gorm:"column:delivered_at" json:"delivered_at,omitempty"`
	RejectedAt      *time.Time `gorm:"column:rejected_at" json:"rejected_at,omitempty"`

	PredictedYield     *float64   `gorm:"column:predicted_yield" json:"predicted_yield,omitempty"`
	DiseaseProbability *float64   `gorm:"column:disease_probability" json:"disease_probability,omitempty"`
	HealthScore        *float64   `gorm:"column:health_score" json:"health_score,omitempty"`
	AnomalyDetected    *bool      `gorm:"column:anomaly_detected" json:"anomaly_detected,omitempty"`
	AnalyzedAt         *time.Time `gorm:"column:analyzed_at" json:"analyzed_at,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;index:idx_batch_created" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`

	Readings []SensorReading `gorm:"foreignKey:BatchRefID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the GORM table name.
func (Batch) TableName() string { return "batches" }

// BeforeCreate assigns the internal UUID.
func (b *Batch) BeforeCreate(_ *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// Finalized reports whether the integrity digest has been persisted.
func (b *Batch) Finalized() bool {
	return b.MerkleRoot != nil && b.ContentID != nil
}

// StageTimestamp returns the stamp recorded when the batch entered s.
func (b *Batch) StageTimestamp(s State) *time.Time {
	switch s {
	case StateHarvested:
		return b.HarvestedAt
	case StateInTransit:
		return b.InTransitAt
	case StateInColdStorage:
		return b.InColdStorageAt
	case StateDelivered:
		return b.DeliveredAt
	case StateRejected:
		return b.RejectedAt
	}
	return nil
}

// stageColumn maps a state to the column holding its entry timestamp.
func stageColumn(s State) string {
	switch s {
	case StateHarvested:
		return "harvested_at"
	case StateInTransit:
		return "in_transit_at"
	case StateInColdStorage:
		return "in_cold_storage_at"
	case StateDelivered:
		return "delivered_at"
	case StateRejected:
		return "rejected_at"
	}
	return ""
}

// SensorReading is one telemetry sample attached to a batch. ID is
// auto-incremented and defines storage order for Merkle aggregation.
type SensorReading struct {
	ID         uint   `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	BatchRefID string `gorm:"column:batch_ref_id;type:varchar(36);index:idx_reading_batch;not null" json:"-"`
	BatchID    string `gorm:"column:batch_id;type:varchar(100);not null" json:"batch_id"`

	Temperature  float64 `gorm:"column:temperature;not null" json:"temperature"`
	Humidity     float64 `gorm:"column:humidity;not null" json:"humidity"`
	SoilMoisture float64 `gorm:"column:soil_moisture;not null" json:"soil_moisture"`
	Nitrogen     float64 `gorm:"column:nitrogen;not null" json:"nitrogen"`
	Phosphorus   float64 `gorm:"column:phosphorus;not null" json:"phosphorus"`
	Potassium    float64 `gorm:"column:potassium;not null" json:"potassium"`

	PHLevel              *float64 `gorm:"column:ph_level" json:"ph_level,omitempty"`
	LightIntensity       *float64 `gorm:"column:light_intensity" json:"light_intensity,omitempty"`
	ColdChainTemperature *float64 `gorm:"column:cold_chain_temperature" json:"cold_chain_temperature,omitempty"`

	DataHash  string    `gorm:"column:data_hash;type:varchar(64);not null" json:"data_hash"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName returns the GORM table name.
func (SensorReading) TableName() string { return "sensor_readings" }

// Fields returns the measured values keyed by field name. Optional fields
// are present only when set. This map is what gets hashed.
func (r *SensorReading) Fields() map[string]any {
	m := map[string]any{
		"temperature":   r.Temperature,
		"humidity":      r.Humidity,
		"soil_moisture": r.SoilMoisture,
		"nitrogen":      r.Nitrogen,
		"phosphorus":    r.Phosphorus,
		"potassium":     r.Potassium,
	}
	if r.PHLevel != nil {
		m["ph_level"] = *r.PHLevel
	}
	if r.LightIntensity != nil {
		m["light_intensity"] = *r.LightIntensity
	}
	if r.ColdChainTemperature != nil {
		m["cold_chain_temperature"] = *r.ColdChainTemperature
	}
	return m
}

// Farm is off-chain metadata about where a batch was grown.
type Farm struct {
	ID               string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Farmer           string    `gorm:"column:farmer;type:varchar(255);index;not null" json:"farmer"`
	FarmName         string    `gorm:"column:farm_name;type:varchar(200);not null" json:"farm_name"`
	Location         string    `gorm:"column:location;type:varchar(255)" json:"location,omitempty"`
	OrganicCertified bool      `gorm:"column:organic_certified;not null;default:false" json:"organic_certified"`
	CreatedAt        time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName returns the GORM table name.
func (Farm) TableName() string { return "farms" }

// BeforeCreate assigns the UUID.
func (f *Farm) BeforeCreate(_ *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return nil
}
