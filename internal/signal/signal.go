// Package signal combines model scores into trade intents via weighted
// majority with a confidence floor. The policy is pure: the same scores and
// config always produce the same decision, which keeps journal replays
// faithful.
package signal

import (
	"log/slog"
	"time"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// Suppression reasons, journaled verbatim.
const (
	ReasonAllFlat               = "all_flat"
	ReasonTie                   = "tie"
	ReasonInsufficientAgreement = "insufficient_agreement"
	ReasonLowConfidence         = "low_confidence"
)

// Engine applies the consensus policy. Weights come from the model config
// and must sum to 1 (validated at load).
type Engine struct {
	weights   map[string]float64
	minAgree  int
	threshold float64
	logger    *slog.Logger
}

// NewEngine builds the consensus engine from the models config.
func NewEngine(cfg config.ModelsConfig, logger *slog.Logger) *Engine {
	weights := make(map[string]float64, len(cfg.Models))
	for _, m := range cfg.Models {
		weights[m.ID] = m.Weight
	}
	return &Engine{
		weights:   weights,
		minAgree:  cfg.MinAgree(),
		threshold: cfg.ConfidenceThreshold,
		logger:    logger.With("component", "signal"),
	}
}

// Evaluate runs the policy over one tick's scores. It returns the intent,
// or nil plus the suppression reason:
//
//  1. weighted vote per side over non-flat scores
//  2. strict winner required (ties suppress)
//  3. at least minAgree models agreeing on the winner
//  4. average confidence of the agreeing models at or above the floor
func (e *Engine) Evaluate(symbol string, scores []types.ModelScore, asOf time.Time) (*types.Intent, string) {
	var buyWeight, sellWeight float64
	for _, s := range scores {
		w, known := e.weights[s.ModelID]
		if !known {
			e.logger.Warn("score from unconfigured model ignored", "model", s.ModelID)
			continue
		}
		switch s.Signal {
		case types.SignalBuy:
			buyWeight += w
		case types.SignalSell:
			sellWeight += w
		}
	}

	if buyWeight == 0 && sellWeight == 0 {
		return nil, ReasonAllFlat
	}
	if buyWeight == sellWeight {
		return nil, ReasonTie
	}

	winner := types.SignalBuy
	side := types.Buy
	if sellWeight > buyWeight {
		winner = types.SignalSell
		side = types.Sell
	}

	var agreeing []types.ModelScore
	var confSum float64
	for _, s := range scores {
		if _, known := e.weights[s.ModelID]; !known {
			continue
		}
		if s.Signal == winner {
			agreeing = append(agreeing, s)
			confSum += s.Confidence
		}
	}

	if len(agreeing) < e.minAgree {
		return nil, ReasonInsufficientAgreement
	}
	avg := confSum / float64(len(agreeing))
	if avg < e.threshold {
		return nil, ReasonLowConfidence
	}

	return &types.Intent{
		Symbol:        symbol,
		Side:          side,
		Confidence:    avg,
		SourceSignals: agreeing,
		AsOf:          asOf,
	}, ""
}
