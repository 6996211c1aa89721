package model

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/clock"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// Entry pairs a loaded model with its config; the weight feeds consensus.
type Entry struct {
	Config config.ModelConfig
	Model  Model
}

type ensemble struct {
	entries []Entry
}

// Host runs the active ensemble. Scoring fans out on a bounded worker pool
// under a per-call latency budget; any model that errors, panics, or misses
// the budget contributes the (flat, 0) fallback instead of blocking the
// tick. The active ensemble is swapped atomically on reload, so scores
// already in flight finish against the model they started with.
type Host struct {
	budget time.Duration
	pool   *pond.WorkerPool
	clock  clock.Clock
	logger *slog.Logger
	active atomic.Pointer[ensemble]
}

// NewHost loads every configured artifact and starts the scoring pool.
func NewHost(cfg config.ModelsConfig, clk clock.Clock, logger *slog.Logger) (*Host, error) {
	if len(cfg.Models) == 0 {
		return nil, types.NewError(types.KindConfigInvalid, "no models configured")
	}
	entries := make([]Entry, 0, len(cfg.Models))
	for _, mc := range cfg.Models {
		m, err := Load(mc)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Config: mc, Model: m})
	}

	workers := cfg.ScoreWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	budget := cfg.ScoreTimeout
	if budget <= 0 {
		budget = time.Second
	}
	if clk == nil {
		clk = clock.NewSystem()
	}

	logger = logger.With("component", "models")
	h := &Host{
		budget: budget,
		clock:  clk,
		logger: logger,
		pool: pond.New(workers, workers*4,
			pond.MinWorkers(1),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(p any) {
				logger.Error("scoring worker panic", "panic", p)
			})),
	}
	h.active.Store(&ensemble{entries: entries})
	return h, nil
}

// Close drains in-flight scoring tasks.
func (h *Host) Close() {
	h.pool.StopAndWait()
}

// Models returns the active entries in config order.
func (h *Host) Models() []Entry {
	cur := h.active.Load()
	return append([]Entry(nil), cur.entries...)
}

// ScoreAll collects one score per active model for the given vector. The
// returned slice always has one entry per model, in config order.
func (h *Host) ScoreAll(ctx context.Context, fv types.FeatureVector) []types.ModelScore {
	ens := h.active.Load()
	n := len(ens.entries)

	type result struct {
		idx   int
		score types.ModelScore
	}
	results := make(chan result, n)
	for i, entry := range ens.entries {
		i, entry := i, entry
		if !h.pool.TrySubmit(func() {
			results <- result{idx: i, score: h.scoreOne(entry, fv)}
		}) {
			h.logger.Warn("scoring pool saturated, defaulting to flat",
				"model", entry.Config.ID, "symbol", fv.Symbol)
			results <- result{idx: i, score: fallbackScore(entry.Config.ID, fv.AsOf)}
		}
	}

	scores := make([]types.ModelScore, n)
	for i, entry := range ens.entries {
		scores[i] = fallbackScore(entry.Config.ID, fv.AsOf)
	}

	deadline := h.clock.After(h.budget)
	for collected := 0; collected < n; {
		select {
		case r := <-results:
			scores[r.idx] = r.score
			collected++
		case <-deadline:
			h.logger.Warn("scoring budget exhausted",
				"symbol", fv.Symbol, "collected", collected, "models", n)
			return scores
		case <-ctx.Done():
			return scores
		}
	}
	return scores
}

// Reload swaps one model's artifact atomically. An empty path reloads the
// currently configured artifact file.
func (h *Host) Reload(id, path string) error {
	for {
		cur := h.active.Load()
		idx := -1
		for i, e := range cur.entries {
			if e.Config.ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return types.NewError(types.KindValidationRejected, "unknown model %q", id)
		}

		mc := cur.entries[idx].Config
		if path != "" {
			mc.Path = path
		}
		m, err := Load(mc)
		if err != nil {
			return err
		}

		next := &ensemble{entries: append([]Entry(nil), cur.entries...)}
		next.entries[idx] = Entry{Config: mc, Model: m}
		if h.active.CompareAndSwap(cur, next) {
			h.logger.Info("model reloaded", "model", id, "path", mc.Path)
			return nil
		}
	}
}

// scoreOne runs a single model, converting errors and panics into the flat
// fallback.
func (h *Host) scoreOne(entry Entry, fv types.FeatureVector) (score types.ModelScore) {
	score = fallbackScore(entry.Config.ID, fv.AsOf)
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("model panicked", "model", entry.Config.ID, "panic", p)
		}
	}()

	sig, conf, err := entry.Model.Score(fv)
	if err != nil {
		h.logger.Warn("model scoring failed", "model", entry.Config.ID, "error", err)
		return score
	}
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}
	score.Signal = sig
	score.Confidence = conf
	return score
}

func fallbackScore(modelID string, asOf time.Time) types.ModelScore {
	return types.ModelScore{
		ModelID:    modelID,
		Signal:     types.SignalFlat,
		Confidence: 0,
		AsOf:       asOf,
	}
}
