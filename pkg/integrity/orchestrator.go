// Package integrity runs the batch integrity pipeline: readings are hashed
// on ingestion, and finalize aggregates the stored hashes into a Merkle
// root, publishes the batch payload to a content-addressed store and writes
// root and content id back onto the batch in one update.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spinachchain/spinachchain/pkg/audit"
	"github.com/spinachchain/spinachchain/pkg/batch"
	"github.com/spinachchain/spinachchain/pkg/digest"
	"github.com/spinachchain/spinachchain/pkg/jobs"
	"github.com/spinachchain/spinachchain/pkg/merkle"
	"github.com/spinachchain/spinachchain/pkg/metrics"
	"github.com/spinachchain/spinachchain/pkg/publisher"
)

var (
	// ErrNoReadings is returned by Finalize when the batch has no hashed readings.
	ErrNoReadings = errors.New("batch has no hashed readings")
	// ErrNotFinalized is returned by operations that need a persisted root.
	ErrNotFinalized = batch.ErrNotFinalized
)

// Config tunes the orchestrator.
type Config struct {
	// ColdChainThreshold is the cold-chain temperature in °C above which a
	// reading flags its batch.
	ColdChainThreshold float64
	// CommitAttempts bounds how often Finalize recomputes after losing the
	// write-back race to a new reading.
	CommitAttempts int
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		ColdChainThreshold: 8.0,
		CommitAttempts:     3,
	}
}

// Orchestrator coordinates hashing, aggregation, publishing and persistence.
type Orchestrator struct {
	store     *batch.Store
	publisher publisher.Publisher
	recorder  *audit.Recorder
	metrics   *metrics.Metrics
	cfg       Config
	logger    *slog.Logger
	onChange  []func(batchID string)
}

// New creates an Orchestrator. recorder and m may be nil.
func New(store *batch.Store, pub publisher.Publisher, recorder *audit.Recorder, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CommitAttempts <= 0 {
		cfg.CommitAttempts = DefaultConfig().CommitAttempts
	}
	return &Orchestrator{
		store:     store,
		publisher: pub,
		recorder:  recorder,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
	}
}

// OnChange registers fn to run after a finalize or anchor write commits
// for a batch, whether or not it came through the HTTP API.
func (o *Orchestrator) OnChange(fn func(batchID string)) {
	o.onChange = append(o.onChange, fn)
}

func (o *Orchestrator) changed(batchID string) {
	for _, fn := range o.onChange {
		fn(batchID)
	}
}

// ReadingInput is a raw sensor sample. Pointer fields distinguish a
// missing measurement from a zero one.
type ReadingInput struct {
	Temperature          *float64 `json:"temperature"`
	Humidity             *float64 `json:"humidity"`
	SoilMoisture         *float64 `json:"soil_moisture"`
	Nitrogen             *float64 `json:"nitrogen"`
	Phosphorus           *float64 `json:"phosphorus"`
	Potassium            *float64 `json:"potassium"`
	PHLevel              *float64 `json:"ph_level,omitempty"`
	LightIntensity       *float64 `json:"light_intensity,omitempty"`
	ColdChainTemperature *float64 `json:"cold_chain_temperature,omitempty"`
}

// Validate checks that every required measurement is present.
func (in ReadingInput) Validate() error {
	required := []struct {
		name  string
		value *float64
	}{
		{"temperature", in.Temperature},
		{"humidity", in.Humidity},
		{"soil_moisture", in.SoilMoisture},
		{"nitrogen", in.Nitrogen},
		{"phosphorus", in.Phosphorus},
		{"potassium", in.Potassium},
	}
	for _, f := range required {
		if f.value == nil {
			return fmt.Errorf("%w: %s is required", batch.ErrValidation, f.name)
		}
	}
	return nil
}

func (in ReadingInput) reading() *batch.SensorReading {
	return &batch.SensorReading{
		Temperature:          *in.Temperature,
		Humidity:             *in.Humidity,
		SoilMoisture:         *in.SoilMoisture,
		Nitrogen:             *in.Nitrogen,
		Phosphorus:           *in.Phosphorus,
		Potassium:            *in.Potassium,
		PHLevel:              in.PHLevel,
		LightIntensity:       in.LightIntensity,
		ColdChainTemperature: in.ColdChainTemperature,
	}
}

// Ingest validates and hashes a reading and stores it against the batch.
// A cold-chain temperature above the threshold flags the batch in the same
// transaction.
func (o *Orchestrator) Ingest(ctx context.Context, batchID string, in ReadingInput) (*batch.SensorReading, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	r := in.reading()
	hash, err := digest.HashRecord(r.Fields())
	if err != nil {
		return nil, fmt.Errorf("hash reading: %w", err)
	}
	r.DataHash = hash

	violates := r.ColdChainTemperature != nil && *r.ColdChainTemperature > o.cfg.ColdChainThreshold
	stored, err := o.store.AppendReading(ctx, batchID, r, violates)
	if err != nil {
		return nil, err
	}
	o.metrics.ReadingIngested(violates)

	if violates {
		o.logger.Warn("cold chain violated",
			"batchID", batchID,
			"temperature", *r.ColdChainTemperature,
			"threshold", o.cfg.ColdChainThreshold)
		o.recorder.Record(ctx, &audit.Event{
			BatchID:   batchID,
			EventType: audit.EventColdChainViolated,
			NewValue: audit.JSONAny{
				"cold_chain_temperature": *r.ColdChainTemperature,
				"threshold":              o.cfg.ColdChainThreshold,
				"data_hash":              hash,
			},
		})
	}
	return stored, nil
}

// Readings returns the batch's readings in storage order.
func (o *Orchestrator) Readings(ctx context.Context, batchID string) ([]batch.SensorReading, error) {
	return o.store.ListReadings(ctx, batchID)
}

// FinalizeResult is the digest persisted by Finalize.
type FinalizeResult struct {
	BatchID       string       `json:"batch_id"`
	MerkleRoot    string       `json:"merkle_root"`
	ContentID     string       `json:"content_id"`
	PayloadDigest string       `json:"payload_digest"`
	LeafCount     int          `json:"leaf_count"`
	FinalizedAt   *time.Time   `json:"finalized_at"`
	Batch         *batch.Batch `json:"batch"`
}

// Finalize computes the Merkle root over the batch's hashed readings,
// publishes the payload and persists root and content id together. Nothing
// is written when publishing fails. If a reading lands between computing
// the root and writing it back, the whole computation is repeated.
func (o *Orchestrator) Finalize(ctx context.Context, batchID string) (*FinalizeResult, error) {
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= o.cfg.CommitAttempts; attempt++ {
		res, err := o.finalizeOnce(ctx, batchID)
		if err == nil {
			o.changed(batchID)
			o.metrics.Finalize("ok", time.Since(start))
			o.recorder.Record(ctx, &audit.Event{
				BatchID:   batchID,
				EventType: audit.EventIntegrityFinalized,
				NewValue: audit.JSONAny{
					"merkle_root":    res.MerkleRoot,
					"content_id":     res.ContentID,
					"payload_digest": res.PayloadDigest,
					"leaf_count":     res.LeafCount,
				},
			})
			o.logger.Info("batch finalized",
				"batchID", batchID,
				"merkleRoot", res.MerkleRoot,
				"contentID", res.ContentID,
				"leafCount", res.LeafCount)
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, batch.ErrConflict) {
			break
		}
		o.logger.Info("readings changed during finalize, recomputing", "batchID", batchID, "attempt", attempt)
	}
	o.metrics.Finalize(finalizeResultLabel(lastErr), time.Since(start))
	return nil, lastErr
}

func (o *Orchestrator) finalizeOnce(ctx context.Context, batchID string) (*FinalizeResult, error) {
	b, err := o.store.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	readings, err := o.store.ListReadings(ctx, batchID)
	if err != nil {
		return nil, err
	}
	hashed := hashedReadings(readings)
	if len(hashed) == 0 {
		return nil, fmt.Errorf("%w: batch %q", ErrNoReadings, batchID)
	}

	leaves := make([]string, len(hashed))
	summaries := make([]any, len(hashed))
	for i := range hashed {
		leaves[i] = hashed[i].DataHash
		summaries[i] = readingSummary(&hashed[i])
	}
	root, err := merkle.Root(leaves)
	if err != nil {
		return nil, fmt.Errorf("merkle root: %w", err)
	}

	payload := map[string]any{
		"batch_id":        b.BatchID,
		"farmer":          b.FarmerAddress,
		"current_owner":   b.CurrentOwner,
		"state":           string(b.State),
		"sensor_readings": summaries,
		"merkle_root":     root,
		"leaf_count":      len(leaves),
	}
	content, err := digest.Canonical(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	payloadDigest, err := digest.HashPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("digest payload: %w", err)
	}

	cid, err := o.publisher.Publish(ctx, "spinachchain-"+b.BatchID, content)
	if err != nil {
		if !errors.Is(err, publisher.ErrPublishFailed) {
			err = fmt.Errorf("%w: %w", publisher.ErrPublishFailed, err)
		}
		o.logger.Error("publish failed", "batchID", batchID, "error", err)
		return nil, err
	}

	updated, err := o.store.CommitFinalize(ctx, batchID, batch.FinalizeRecord{
		MerkleRoot:    root,
		ContentID:     cid,
		PayloadDigest: payloadDigest,
		LeafCount:     len(leaves),
	})
	if err != nil {
		return nil, err
	}
	return &FinalizeResult{
		BatchID:       updated.BatchID,
		MerkleRoot:    root,
		ContentID:     cid,
		PayloadDigest: payloadDigest,
		LeafCount:     len(leaves),
		FinalizedAt:   updated.FinalizedAt,
		Batch:         updated,
	}, nil
}

// FinalizeBatch runs Finalize for the async job worker.
func (o *Orchestrator) FinalizeBatch(ctx context.Context, batchID string) (jobs.Outcome, error) {
	res, err := o.Finalize(ctx, batchID)
	if err != nil {
		return jobs.Outcome{}, err
	}
	return jobs.Outcome{
		MerkleRoot: res.MerkleRoot,
		ContentID:  res.ContentID,
		LeafCount:  res.LeafCount,
	}, nil
}

// ProofResult is an inclusion proof for one reading hash.
type ProofResult struct {
	BatchID   string             `json:"batch_id"`
	Leaf      string             `json:"leaf"`
	LeafIndex int                `json:"leaf_index"`
	Root      string             `json:"merkle_root"`
	Proof     []merkle.ProofStep `json:"proof"`
	Verified  bool               `json:"verified"`
}

// Proof returns the inclusion proof of hash against the batch's persisted
// root. The tree is rebuilt from the first LeafCount hashed readings, which
// are the ones the root covers.
func (o *Orchestrator) Proof(ctx context.Context, batchID, hash string) (*ProofResult, error) {
	leaf, err := digest.Normalize(hash)
	if err != nil {
		return nil, err
	}
	b, err := o.store.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !b.Finalized() {
		return nil, fmt.Errorf("%w: batch %q", ErrNotFinalized, batchID)
	}
	readings, err := o.store.ListReadings(ctx, batchID)
	if err != nil {
		return nil, err
	}
	hashed := hashedReadings(readings)
	if len(hashed) < b.LeafCount {
		return nil, fmt.Errorf("%w: batch %q has %d readings, root covers %d", batch.ErrConflict, batchID, len(hashed), b.LeafCount)
	}
	leaves := make([]string, b.LeafCount)
	for i := range leaves {
		leaves[i] = hashed[i].DataHash
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, fmt.Errorf("merkle tree: %w", err)
	}
	if tree.Root() != *b.MerkleRoot {
		return nil, fmt.Errorf("%w: stored root does not match readings of batch %q", batch.ErrConflict, batchID)
	}
	idx := tree.IndexOf(leaf)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", merkle.ErrLeafNotFound, leaf)
	}
	steps, err := tree.Proof(idx)
	if err != nil {
		return nil, err
	}
	return &ProofResult{
		BatchID:   b.BatchID,
		Leaf:      leaf,
		LeafIndex: idx,
		Root:      tree.Root(),
		Proof:     steps,
		Verified:  merkle.Verify(leaf, steps, tree.Root()),
	}, nil
}

// AnchorPayload is what a ledger client submits for a finalized batch.
type AnchorPayload struct {
	BatchID       string  `json:"batch_id"`
	MerkleRoot    string  `json:"merkle_root"`
	ContentID     string  `json:"content_id"`
	PayloadDigest string  `json:"payload_digest,omitempty"`
	AnchorTxHash  *string `json:"anchor_tx_hash,omitempty"`
}

// AnchorPayload returns the bytes32 root and content id of a finalized batch.
func (o *Orchestrator) AnchorPayload(ctx context.Context, batchID string) (*AnchorPayload, error) {
	b, err := o.store.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !b.Finalized() {
		return nil, fmt.Errorf("%w: batch %q", ErrNotFinalized, batchID)
	}
	root, err := digest.LedgerHex(*b.MerkleRoot)
	if err != nil {
		return nil, err
	}
	out := &AnchorPayload{
		BatchID:      b.BatchID,
		MerkleRoot:   root,
		ContentID:    *b.ContentID,
		AnchorTxHash: b.AnchorTxHash,
	}
	if b.PayloadDigest != nil {
		out.PayloadDigest, err = digest.LedgerHex(*b.PayloadDigest)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RecordAnchor stores the ledger transaction that anchored the batch.
func (o *Orchestrator) RecordAnchor(ctx context.Context, batchID, requester, txHash string) (*batch.Batch, error) {
	tx, err := digest.LedgerHex(txHash)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction hash: %w", batch.ErrValidation, err)
	}
	b, err := o.store.RecordAnchor(ctx, batchID, requester, tx)
	if err != nil {
		return nil, err
	}
	o.changed(batchID)
	o.recorder.Record(ctx, &audit.Event{
		BatchID:   batchID,
		EventType: audit.EventAnchorRecorded,
		NewValue:  audit.JSONAny{"anchor_tx_hash": tx},
	})
	o.logger.Info("anchor recorded", "batchID", batchID, "txHash", tx)
	return b, nil
}

func hashedReadings(readings []batch.SensorReading) []batch.SensorReading {
	out := readings[:0:0]
	for _, r := range readings {
		if r.DataHash != "" {
			out = append(out, r)
		}
	}
	return out
}

func readingSummary(r *batch.SensorReading) map[string]any {
	m := r.Fields()
	m["id"] = r.ID
	m["data_hash"] = r.DataHash
	m["created_at"] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	return m
}

func finalizeResultLabel(err error) string {
	switch {
	case errors.Is(err, publisher.ErrPublishFailed):
		return "publish_failed"
	case errors.Is(err, ErrNoReadings):
		return "no_readings"
	case errors.Is(err, batch.ErrConflict):
		return "conflict"
	case errors.Is(err, batch.ErrNotFound):
		return "not_found"
	}
	return "error"
}
