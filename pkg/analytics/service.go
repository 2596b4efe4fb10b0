package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spinachchain/spinachchain/pkg/audit"
	"github.com/spinachchain/spinachchain/pkg/batch"
)

// ErrNoReadings is returned when a batch has nothing to analyze.
var ErrNoReadings = errors.New("no sensor readings to analyze")

// Service runs an Analyzer over a batch's readings and stores the result.
type Service struct {
	store    *batch.Store
	analyzer Analyzer
	recorder *audit.Recorder
	logger   *slog.Logger
}

// NewService creates a Service. A nil analyzer uses the default
// StatisticalAnalyzer.
func NewService(store *batch.Store, analyzer Analyzer, recorder *audit.Recorder, logger *slog.Logger) *Service {
	if analyzer == nil {
		analyzer = NewStatisticalAnalyzer(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, analyzer: analyzer, recorder: recorder, logger: logger}
}

// Analyze scores the batch and overwrites its analytics fields.
func (s *Service) Analyze(ctx context.Context, batchID string) (Result, *batch.Batch, error) {
	readings, err := s.store.ListReadings(ctx, batchID)
	if err != nil {
		return Result{}, nil, err
	}
	if len(readings) == 0 {
		return Result{}, nil, fmt.Errorf("%w: batch %q", ErrNoReadings, batchID)
	}

	res := s.analyzer.Analyze(SamplesFromReadings(readings))
	b, err := s.store.UpdateAnalytics(ctx, batchID, res.Analytics())
	if err != nil {
		return Result{}, nil, err
	}

	s.recorder.Record(ctx, &audit.Event{
		BatchID:   batchID,
		EventType: audit.EventAnalysisCompleted,
		NewValue: audit.JSONAny{
			"predicted_yield":     res.PredictedYield,
			"disease_probability": res.DiseaseProbability,
			"health_score":        res.HealthScore,
			"anomaly_detected":    res.AnomalyDetected,
		},
		EventMetadata: audit.JSONAny{"samples": len(readings)},
	})
	s.logger.Info("batch analyzed",
		"batchID", batchID,
		"samples", len(readings),
		"anomaly", res.AnomalyDetected)
	return res, b, nil
}
