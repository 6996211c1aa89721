package market

import (
	"testing"
	"time"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

var seriesEpoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func candleAt(i int, close float64) types.Candle {
	open := close - 0.5
	return types.Candle{
		Symbol:   "BTCUSDT",
		Interval: "1",
		OpenTime: seriesEpoch.Add(time.Duration(i) * time.Minute),
		Open:     open,
		High:     close + 1,
		Low:      open - 1,
		Close:    close,
		Volume:   10,
	}
}

func TestSeriesAppendOrdering(t *testing.T) {
	t.Parallel()

	s := NewSeries("BTCUSDT", 10)
	if !s.Append(candleAt(0, 100)) || !s.Append(candleAt(1, 101)) {
		t.Fatal("in-order appends rejected")
	}

	// Same open time replaces the bar.
	if !s.Append(candleAt(1, 102)) {
		t.Error("re-close of the same bar rejected")
	}
	if last, _ := s.Last(); last.Close != 102 {
		t.Errorf("last close = %v, want replaced 102", last.Close)
	}

	// Older candles are dropped.
	if s.Append(candleAt(0, 99)) {
		t.Error("out-of-order candle accepted")
	}
	if s.Len() != 2 {
		t.Errorf("len = %d, want 2", s.Len())
	}
}

func TestSeriesCapacityEviction(t *testing.T) {
	t.Parallel()

	s := NewSeries("BTCUSDT", 3)
	for i := 0; i < 5; i++ {
		s.Append(candleAt(i, 100+float64(i)))
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d, want capacity 3", s.Len())
	}
	closes := s.Closes()
	if closes[0] != 102 || closes[2] != 104 {
		t.Errorf("closes = %v, want oldest evicted [102 103 104]", closes)
	}
	if last, _ := s.Last(); !last.OpenTime.Equal(seriesEpoch.Add(4 * time.Minute)) {
		t.Errorf("last open time = %v, want newest", last.OpenTime)
	}
}

func TestSeriesSeedCapsToCapacity(t *testing.T) {
	t.Parallel()

	s := NewSeries("BTCUSDT", 3)
	backfill := make([]types.Candle, 0, 6)
	for i := 0; i < 6; i++ {
		backfill = append(backfill, candleAt(i, 100+float64(i)))
	}
	s.Seed(backfill)
	if s.Len() != 3 {
		t.Fatalf("len = %d, want 3", s.Len())
	}
	if closes := s.Closes(); closes[0] != 103 {
		t.Errorf("oldest close = %v, want newest three kept", closes[0])
	}

	// Live appends continue from the seeded history.
	if s.Append(candleAt(2, 1)) {
		t.Error("append older than seeded history accepted")
	}
	if !s.Append(candleAt(6, 106)) {
		t.Error("append after seeded history rejected")
	}
}
