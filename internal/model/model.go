// Package model hosts the prediction models behind a uniform scoring
// contract: score(FeatureVector) -> (signal, confidence). Models are loaded
// from immutable JSON artifacts at startup and hot-swapped atomically on an
// operator reload; in-flight scores complete against the model they started
// with.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// Model is one scoring engine. Score must be safe for concurrent use.
type Model interface {
	ID() string
	Kind() string
	Score(fv types.FeatureVector) (types.Signal, float64, error)
}

// Artifact kinds.
const (
	KindGBT    = "gbt"
	KindRNN    = "rnn"
	KindPolicy = "policy"
)

type artifactHeader struct {
	Kind    string `json:"kind"`
	Version int    `json:"version"`
}

// Load reads a model artifact and builds the matching implementation. The
// artifact's kind must agree with the config entry.
func Load(cfg config.ModelConfig) (Model, error) {
	raw, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", cfg.Path, err)
	}

	var header artifactHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", cfg.Path, err)
	}
	if header.Kind != cfg.Kind {
		return nil, fmt.Errorf("artifact %s is kind %q, config %s expects %q",
			cfg.Path, header.Kind, cfg.ID, cfg.Kind)
	}

	switch header.Kind {
	case KindGBT:
		return newGBT(cfg.ID, raw)
	case KindRNN:
		return newRNN(cfg.ID, raw)
	case KindPolicy:
		return newPolicy(cfg.ID, raw)
	default:
		return nil, fmt.Errorf("artifact %s: unknown kind %q", cfg.Path, header.Kind)
	}
}

// resolveFeatures validates that every artifact feature name maps to a
// FeatureVector field, so a typo fails at load instead of scoring zeros.
func resolveFeatures(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("artifact lists no features")
	}
	var probe types.FeatureVector
	for _, name := range names {
		if _, ok := probe.Value(name); !ok {
			return fmt.Errorf("unknown feature %q", name)
		}
	}
	return nil
}

// inputs extracts the named features in artifact order.
func inputs(fv types.FeatureVector, names []string) []float64 {
	x := make([]float64, len(names))
	for i, name := range names {
		x[i], _ = fv.Value(name)
	}
	return x
}

// normalization is an optional per-feature standardization block. Entries
// with zero std pass through unscaled.
type normalization struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func (n *normalization) validate(features int) error {
	if n == nil {
		return nil
	}
	if len(n.Mean) != features || len(n.Std) != features {
		return fmt.Errorf("norm block has %d/%d entries, want %d",
			len(n.Mean), len(n.Std), features)
	}
	return nil
}

func (n *normalization) apply(x []float64) {
	if n == nil {
		return
	}
	for i := range x {
		if n.Std[i] > 0 {
			x[i] = (x[i] - n.Mean[i]) / n.Std[i]
		}
	}
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

// softmax is numerically stable under large logits.
func softmax(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// classIndex orders of the three-way heads: buy, sell, flat.
const (
	classBuy = iota
	classSell
	classFlat
	classCount
)

// classify turns three class probabilities into the contract output.
// Confidence rescales the winning probability from [1/3, 1] to [0, 1], so a
// uniform head scores (flat, 0). Ties resolve to flat.
func classify(probs []float64) (types.Signal, float64) {
	best := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}
	for i, p := range probs {
		if i != best && p == probs[best] {
			best = classFlat
			break
		}
	}

	conf := (probs[best] - 1.0/3.0) / (2.0 / 3.0)
	if conf < 0 {
		conf = 0
	}
	switch best {
	case classBuy:
		return types.SignalBuy, conf
	case classSell:
		return types.SignalSell, conf
	default:
		return types.SignalFlat, conf
	}
}
