package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"
)

// Scorer rates a feature vector. Implementations must be safe to call from
// a single goroutine; the scoring detector never calls them concurrently.
type Scorer interface {
	Score(features []float64) (isAnomaly bool, confidence float64)
}

// BaselineModel flags vectors whose largest upward z-score against the
// training baseline exceeds Threshold.
type BaselineModel struct {
	Features  []string  `json:"features"`
	Mean      []float64 `json:"mean"`
	Std       []float64 `json:"std"`
	Threshold float64   `json:"threshold"`
	Samples   int       `json:"samples"`
	TrainedAt time.Time `json:"trained_at"`
}

func Train(features []string, samples [][]float64, threshold float64) (*BaselineModel, error) {
	if len(samples) < 2 {
		return nil, errors.New("need at least two training samples")
	}
	if threshold <= 0 {
		return nil, errors.New("threshold must be positive")
	}
	dim := len(features)
	mean := make([]float64, dim)
	for _, s := range samples {
		if len(s) != dim {
			return nil, fmt.Errorf("sample has %d features, want %d", len(s), dim)
		}
		for i, v := range s {
			mean[i] += v
		}
	}
	n := float64(len(samples))
	for i := range mean {
		mean[i] /= n
	}
	std := make([]float64, dim)
	for _, s := range samples {
		for i, v := range s {
			d := v - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / (n - 1))
		if std[i] == 0 {
			std[i] = 1e-9
		}
	}
	return &BaselineModel{
		Features:  append([]string(nil), features...),
		Mean:      mean,
		Std:       std,
		Threshold: threshold,
		Samples:   len(samples),
		TrainedAt: time.Now().UTC(),
	}, nil
}

// Score returns isAnomaly and a confidence in [0,1) that crosses 0.5 exactly
// at the threshold.
func (m *BaselineModel) Score(x []float64) (bool, float64) {
	if len(x) != len(m.Mean) {
		return false, 0
	}
	maxZ := 0.0
	for i, v := range x {
		if z := (v - m.Mean[i]) / m.Std[i]; z > maxZ {
			maxZ = z
		}
	}
	confidence := maxZ / (maxZ + m.Threshold)
	return maxZ > m.Threshold, confidence
}

func (m *BaselineModel) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func LoadModel(path string) (*BaselineModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m BaselineModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if len(m.Mean) == 0 || len(m.Mean) != len(m.Std) {
		return nil, fmt.Errorf("model %s is incomplete", path)
	}
	return &m, nil
}

// LoadOrTrain loads the persisted model at path. When there is none it trains
// one from baseline() and persists it. An empty path never persists.
func LoadOrTrain(path string, features []string, threshold float64, baseline func() [][]float64) (*BaselineModel, bool, error) {
	if path != "" {
		m, err := LoadModel(path)
		if err == nil {
			return m, false, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, false, err
		}
	}
	m, err := Train(features, baseline(), threshold)
	if err != nil {
		return nil, false, err
	}
	if path != "" {
		if err := m.Save(path); err != nil {
			return nil, false, fmt.Errorf("save model: %w", err)
		}
	}
	return m, true, nil
}

// BaselineTraffic generates n vectors of ordinary web traffic:
// request rate and distinct URIs per client over one interval.
func BaselineTraffic(n int, seed uint64) [][]float64 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([][]float64, 0, n)
	for i := 0; i < n; i++ {
		rate := (1 + 9*r.Float64()) * (0.5 + r.Float64())
		uris := float64(1 + r.IntN(10))
		out = append(out, []float64{rate, uris})
	}
	return out
}
