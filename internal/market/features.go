package market

import (
	"log/slog"
	"sync"

	"github.com/markcheno/go-talib"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// Fixed indicator parameters. SMA and EMA periods come from config; the rest
// are the conventional settings.
const (
	rsiPeriod  = 14
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
	bbPeriod   = 20
	bbStdDev   = 2.0
	atrPeriod  = 14

	// minCapacity keeps the ring large enough for the slowest indicator
	// (MACD signal) plus headroom even if warmup_bars is configured low.
	minCapacity = 64
)

// Indicator names as reported by Warmup and referenced by model artifacts.
const (
	IndicatorSMA  = "sma"
	IndicatorEMA  = "ema"
	IndicatorRSI  = "rsi"
	IndicatorMACD = "macd"
	IndicatorBB   = "bb"
	IndicatorATR  = "atr"
)

// Store owns the candle series and latest feature vector for every traded
// symbol. OnCandle recomputes indicators once per candle close under the
// write lock, so readers never observe a partially updated vector.
type Store struct {
	mu        sync.RWMutex
	series    map[string]*Series
	latest    map[string]types.FeatureVector
	capacity  int
	smaPeriod int
	emaPeriod int
	logger    *slog.Logger
}

// NewStore builds a feature store sized from the trading config.
func NewStore(cfg config.TradingConfig, logger *slog.Logger) *Store {
	capacity := cfg.WarmupBars
	if capacity < minCapacity {
		capacity = minCapacity
	}
	return &Store{
		series:    make(map[string]*Series),
		latest:    make(map[string]types.FeatureVector),
		capacity:  capacity,
		smaPeriod: cfg.SMAPeriod,
		emaPeriod: cfg.EMAPeriod,
		logger:    logger.With("component", "features"),
	}
}

// Seed replaces a symbol's history with a REST backfill and recomputes its
// features.
func (s *Store) Seed(symbol string, candles []types.Candle) types.FeatureVector {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.seriesFor(symbol)
	series.Seed(candles)
	fv := s.compute(series)
	s.latest[symbol] = fv
	s.logger.Info("seeded candle history",
		"symbol", symbol, "bars", series.Len(), "complete", fv.Complete)
	return fv
}

// OnCandle folds one closed candle into the store and returns the refreshed
// feature vector. Out-of-order candles leave the store untouched and return
// the cached vector.
func (s *Store) OnCandle(c types.Candle) (types.FeatureVector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.seriesFor(c.Symbol)
	if !series.Append(c) {
		s.logger.Warn("dropping out-of-order candle",
			"symbol", c.Symbol, "open_time", c.OpenTime)
		return s.latest[c.Symbol], false
	}
	fv := s.compute(series)
	s.latest[c.Symbol] = fv
	return fv, true
}

// Snapshot returns the feature vector computed at the last candle close.
func (s *Store) Snapshot(symbol string) (types.FeatureVector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fv, ok := s.latest[symbol]
	return fv, ok
}

// Bars returns the number of closed candles held for a symbol.
func (s *Store) Bars(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if series, ok := s.series[symbol]; ok {
		return series.Len()
	}
	return 0
}

// Warmup reports per-indicator readiness for a symbol.
func (s *Store) Warmup(symbol string) map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	if series, ok := s.series[symbol]; ok {
		n = series.Len()
	}
	return s.warmState(n)
}

func (s *Store) seriesFor(symbol string) *Series {
	series, ok := s.series[symbol]
	if !ok {
		series = NewSeries(symbol, s.capacity)
		s.series[symbol] = series
	}
	return series
}

// warmState maps bar count to per-indicator readiness. Thresholds follow the
// talib lookbacks: moving averages need their period, RSI and ATR one extra
// bar for the first delta, MACD the slow period plus the signal period.
func (s *Store) warmState(n int) map[string]bool {
	return map[string]bool{
		IndicatorSMA:  n >= s.smaPeriod,
		IndicatorEMA:  n >= s.emaPeriod,
		IndicatorRSI:  n >= rsiPeriod+1,
		IndicatorMACD: n >= macdSlow+macdSignal-1,
		IndicatorBB:   n >= bbPeriod,
		IndicatorATR:  n >= atrPeriod+1,
	}
}

// compute derives the full indicator set from a series. Caller holds the
// write lock; the returned vector is stored whole, never field by field.
func (s *Store) compute(series *Series) types.FeatureVector {
	last, ok := series.Last()
	if !ok {
		return types.FeatureVector{Symbol: series.symbol}
	}

	fv := types.FeatureVector{
		Symbol: series.symbol,
		AsOf:   last.OpenTime,
		Close:  last.Close,
	}

	highs, lows, closes := series.HLC()
	warm := s.warmState(len(closes))

	if warm[IndicatorSMA] {
		fv.SMA = lastValid(talib.Sma(closes, s.smaPeriod))
	}
	if warm[IndicatorEMA] {
		fv.EMA = lastValid(talib.Ema(closes, s.emaPeriod))
	}
	if warm[IndicatorRSI] {
		fv.RSI = lastValid(talib.Rsi(closes, rsiPeriod))
	}
	if warm[IndicatorMACD] {
		macd, signal, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)
		fv.MACD = lastValid(macd)
		fv.MACDSig = lastValid(signal)
		fv.MACDHist = lastValid(hist)
	}
	if warm[IndicatorBB] {
		upper, middle, lower := talib.BBands(closes, bbPeriod, bbStdDev, bbStdDev, talib.SMA)
		fv.BBUpper = lastValid(upper)
		fv.BBMiddle = lastValid(middle)
		fv.BBLower = lastValid(lower)
	}
	if warm[IndicatorATR] {
		fv.ATR = lastValid(talib.Atr(highs, lows, closes, atrPeriod))
	}

	fv.Complete = true
	for _, ready := range warm {
		if !ready {
			fv.Complete = false
			break
		}
	}
	return fv
}

// lastValid returns the final element, or 0 when the slice is empty or the
// value is NaN.
func lastValid(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	v := values[len(values)-1]
	if v != v {
		return 0
	}
	return v
}
