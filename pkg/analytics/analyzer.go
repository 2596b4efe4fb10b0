package analytics

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/spinachchain/spinachchain/pkg/batch"
)

// Sample is the subset of a sensor reading that analysis consumes.
type Sample struct {
	Temperature  float64
	Humidity     float64
	SoilMoisture float64
	Nitrogen     float64
	Phosphorus   float64
	Potassium    float64
}

// SamplesFromReadings converts stored readings to samples, preserving order.
func SamplesFromReadings(readings []batch.SensorReading) []Sample {
	out := make([]Sample, 0, len(readings))
	for _, r := range readings {
		out = append(out, Sample{
			Temperature:  r.Temperature,
			Humidity:     r.Humidity,
			SoilMoisture: r.SoilMoisture,
			Nitrogen:     r.Nitrogen,
			Phosphorus:   r.Phosphorus,
			Potassium:    r.Potassium,
		})
	}
	return out
}

// Result is the outcome of one analysis run.
type Result struct {
	PredictedYield     float64 `json:"predicted_yield"`
	DiseaseProbability float64 `json:"disease_probability"`
	HealthScore        float64 `json:"health_score"`
	AnomalyDetected    bool    `json:"anomaly_detected"`
}

// Analytics converts r to the form persisted on a batch.
func (r Result) Analytics() batch.Analytics {
	return batch.Analytics{
		PredictedYield:     r.PredictedYield,
		DiseaseProbability: r.DiseaseProbability,
		HealthScore:        r.HealthScore,
		AnomalyDetected:    r.AnomalyDetected,
	}
}

// Analyzer scores a batch from its samples.
type Analyzer interface {
	Analyze(samples []Sample) Result
}

// YieldWeights are the per-feature coefficients of the yield estimate.
type YieldWeights struct {
	SoilMoisture float64 `yaml:"soilMoisture"`
	Nitrogen     float64 `yaml:"nitrogen"`
	Phosphorus   float64 `yaml:"phosphorus"`
	Potassium    float64 `yaml:"potassium"`
}

// DiseaseRule assigns Probability when every configured bound holds.
// Zero bounds are ignored.
type DiseaseRule struct {
	MinTemperature  float64 `yaml:"minTemperature"`
	MinHumidity     float64 `yaml:"minHumidity"`
	MaxSoilMoisture float64 `yaml:"maxSoilMoisture"`
	Probability     float64 `yaml:"probability"`
}

func (d DiseaseRule) matches(f features) bool {
	if d.MinTemperature != 0 && !(f.avgTemp > d.MinTemperature) {
		return false
	}
	if d.MinHumidity != 0 && !(f.avgHumidity > d.MinHumidity) {
		return false
	}
	if d.MaxSoilMoisture != 0 && !(f.avgMoisture < d.MaxSoilMoisture) {
		return false
	}
	return true
}

// Thresholds configures StatisticalAnalyzer. A batch is anomalous when any
// Max/Min bound is crossed; MaxTemperatureVariation bounds the sample
// standard deviation of temperature. Disease rules are evaluated in order
// and the first match wins.
type Thresholds struct {
	MaxAvgTemperature       float64       `yaml:"maxAvgTemperature"`
	MinAvgSoilMoisture      float64       `yaml:"minAvgSoilMoisture"`
	MaxTemperatureVariation float64       `yaml:"maxTemperatureVariation"`
	AnomalyPenalty          float64       `yaml:"anomalyPenalty"`
	Yield                   YieldWeights  `yaml:"yield"`
	Disease                 []DiseaseRule `yaml:"disease"`
}

// DefaultThresholds returns the built-in scoring rules.
func DefaultThresholds() *Thresholds {
	return &Thresholds{
		MaxAvgTemperature:       35,
		MinAvgSoilMoisture:      20,
		MaxTemperatureVariation: 10,
		AnomalyPenalty:          15,
		Yield: YieldWeights{
			SoilMoisture: 0.6,
			Nitrogen:     1.5,
			Phosphorus:   1.2,
			Potassium:    1.3,
		},
		Disease: []DiseaseRule{
			{MinTemperature: 32, MinHumidity: 70, Probability: 0.75},
			{MaxSoilMoisture: 25, Probability: 0.5},
			{MinTemperature: 30, Probability: 0.3},
		},
	}
}

// LoadThresholds loads thresholds from a YAML file. An empty path or a
// missing file yields the defaults. Keys absent from the file keep their
// default values.
func LoadThresholds(path string) (*Thresholds, error) {
	if path == "" {
		return DefaultThresholds(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultThresholds(), nil
		}
		return nil, fmt.Errorf("read analytics thresholds: %w", err)
	}
	return ParseThresholds(data)
}

// ParseThresholds decodes YAML over the defaults and validates the result.
func ParseThresholds(data []byte) (*Thresholds, error) {
	t := DefaultThresholds()
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse analytics thresholds: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate rejects probabilities outside [0, 1] and negative penalties.
func (t *Thresholds) Validate() error {
	if t.AnomalyPenalty < 0 {
		return fmt.Errorf("analytics thresholds: anomalyPenalty must be >= 0")
	}
	for i, d := range t.Disease {
		if d.Probability < 0 || d.Probability > 1 {
			return fmt.Errorf("analytics thresholds: disease[%d].probability must be within [0, 1]", i)
		}
	}
	return nil
}

// StatisticalAnalyzer scores batches with fixed rules over averaged features.
type StatisticalAnalyzer struct {
	t Thresholds
}

// NewStatisticalAnalyzer creates a StatisticalAnalyzer. A nil t uses
// DefaultThresholds.
func NewStatisticalAnalyzer(t *Thresholds) *StatisticalAnalyzer {
	if t == nil {
		t = DefaultThresholds()
	}
	return &StatisticalAnalyzer{t: *t}
}

type features struct {
	avgTemp, avgHumidity, avgMoisture float64
	avgN, avgP, avgK                  float64
	tempVariation                     float64
}

func extract(samples []Sample) features {
	n := float64(len(samples))
	var f features
	for _, s := range samples {
		f.avgTemp += s.Temperature
		f.avgHumidity += s.Humidity
		f.avgMoisture += s.SoilMoisture
		f.avgN += s.Nitrogen
		f.avgP += s.Phosphorus
		f.avgK += s.Potassium
	}
	f.avgTemp /= n
	f.avgHumidity /= n
	f.avgMoisture /= n
	f.avgN /= n
	f.avgP /= n
	f.avgK /= n

	if len(samples) > 1 {
		var ss float64
		for _, s := range samples {
			d := s.Temperature - f.avgTemp
			ss += d * d
		}
		f.tempVariation = math.Sqrt(ss / (n - 1))
	}
	return f
}

// Analyze implements Analyzer. No samples yields the zero Result.
func (a *StatisticalAnalyzer) Analyze(samples []Sample) Result {
	if len(samples) == 0 {
		return Result{}
	}
	f := extract(samples)
	t := a.t

	anomaly := f.avgTemp > t.MaxAvgTemperature ||
		f.avgMoisture < t.MinAvgSoilMoisture ||
		f.tempVariation > t.MaxTemperatureVariation

	yield := f.avgMoisture*t.Yield.SoilMoisture +
		f.avgN*t.Yield.Nitrogen +
		f.avgP*t.Yield.Phosphorus +
		f.avgK*t.Yield.Potassium

	var disease float64
	for _, rule := range t.Disease {
		if rule.matches(f) {
			disease = rule.Probability
			break
		}
	}

	health := 100 - disease*100
	if anomaly {
		health -= t.AnomalyPenalty
	}

	return Result{
		PredictedYield:     round2(yield),
		DiseaseProbability: disease,
		HealthScore:        math.Max(0, round2(health)),
		AnomalyDetected:    anomaly,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
