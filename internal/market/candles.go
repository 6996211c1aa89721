// Package market maintains per-symbol rolling candle history and the
// indicators derived from it.
//
// Series is updated from two sources:
//   - REST kline backfill via Seed (initial load, oldest-first)
//   - websocket kline events via Append (confirmed closes only)
//
// The Store layers indicator computation on top and exposes internally
// consistent FeatureVector snapshots: every value in a snapshot was computed
// from the same most-recent closed candle.
package market

import (
	"time"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// Series is a bounded run of closed candles for one symbol, oldest first.
// It is not safe for concurrent use; the Store serializes access.
type Series struct {
	symbol   string
	capacity int
	candles  []types.Candle
}

// NewSeries creates an empty series that retains at most capacity candles.
func NewSeries(symbol string, capacity int) *Series {
	return &Series{
		symbol:   symbol,
		capacity: capacity,
		candles:  make([]types.Candle, 0, capacity),
	}
}

// Seed replaces the series with a backfill, keeping the newest candles if the
// backfill exceeds capacity. Input must be oldest-first, as returned by the
// REST kline endpoint.
func (s *Series) Seed(candles []types.Candle) {
	if len(candles) > s.capacity {
		candles = candles[len(candles)-s.capacity:]
	}
	s.candles = append(s.candles[:0], candles...)
}

// Append adds a closed candle. Candles must arrive in open-time order: a
// candle at the same open time as the latest replaces it (a re-close), an
// older one is dropped. Returns whether the series changed.
func (s *Series) Append(c types.Candle) bool {
	if n := len(s.candles); n > 0 {
		last := s.candles[n-1]
		if !c.OpenTime.After(last.OpenTime) {
			if c.OpenTime.Equal(last.OpenTime) {
				s.candles[n-1] = c
				return true
			}
			return false
		}
	}
	s.candles = append(s.candles, c)
	if len(s.candles) > s.capacity {
		copy(s.candles, s.candles[len(s.candles)-s.capacity:])
		s.candles = s.candles[:s.capacity]
	}
	return true
}

// Len returns the number of candles held.
func (s *Series) Len() int { return len(s.candles) }

// Last returns the most recent closed candle.
func (s *Series) Last() (types.Candle, bool) {
	if len(s.candles) == 0 {
		return types.Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// LastOpenTime returns the open time of the most recent candle, or zero.
func (s *Series) LastOpenTime() time.Time {
	if len(s.candles) == 0 {
		return time.Time{}
	}
	return s.candles[len(s.candles)-1].OpenTime
}

// Closes copies out the close prices, oldest first.
func (s *Series) Closes() []float64 {
	out := make([]float64, len(s.candles))
	for i, c := range s.candles {
		out[i] = c.Close
	}
	return out
}

// HLC copies out the high, low and close arrays needed by range indicators.
func (s *Series) HLC() (highs, lows, closes []float64) {
	highs = make([]float64, len(s.candles))
	lows = make([]float64, len(s.candles))
	closes = make([]float64, len(s.candles))
	for i, c := range s.candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}
	return highs, lows, closes
}
