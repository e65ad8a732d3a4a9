// Package indicators computes the technical indicator snapshot a single
// decision cycle works from. All series are computed once per candle
// fetch; strategies and the regime classifier read the cached values.
package indicators

import (
	"math"

	"github.com/markcheno/go-talib"

	"cycletrader/pkg/exchange"
)

// BandSpec identifies one Bollinger Band configuration.
type BandSpec struct {
	Period int
	StdDev float64
}

// Bands holds the latest Bollinger values plus the normalized width
// (upper-lower)/middle.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
	Width  float64
}

// Params lists every series the snapshot must carry. It is the union of
// what the regime classifier and all strategies need, so indicators are
// computed exactly once per cycle.
type Params struct {
	EMAPeriods      []int
	RSIPeriods      []int
	ATRPeriods      []int
	ADXPeriod       int
	MACDFast        int
	MACDSlow        int
	MACDSignal      int
	Bands           []BandSpec
	VolumeSMAPeriod int
}

type bandKey struct {
	period int
	stdDev float64
}

// Set is an immutable indicator snapshot for one symbol and candle
// window. Accessors return ok=false when there was not enough history
// to warm the series up.
type Set struct {
	n          int
	lastClose  float64
	lastHigh   float64
	lastLow    float64
	lastVolume float64

	ema   map[int]float64
	rsi   map[int]float64
	atr   map[int]float64
	bands map[bandKey]Bands

	adx, plusDI, minusDI       float64
	adxOK                      bool
	macd, macdSignal, macdHist float64
	macdOK                     bool
	volSMA                     float64
	volOK                      bool
}

// Compute builds the snapshot from a candle window. The most recent
// candle is last in the slice.
func Compute(candles []exchange.Candle, p Params) *Set {
	n := len(candles)
	s := &Set{
		ema:   make(map[int]float64),
		rsi:   make(map[int]float64),
		atr:   make(map[int]float64),
		bands: make(map[bandKey]Bands),
	}
	if n == 0 {
		return s
	}
	s.n = n

	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	volume := make([]float64, n)
	for i, c := range candles {
		high[i] = c.High
		low[i] = c.Low
		closes[i] = c.Close
		volume[i] = c.Volume
	}
	s.lastClose = closes[n-1]
	s.lastHigh = high[n-1]
	s.lastLow = low[n-1]
	s.lastVolume = volume[n-1]

	// talib panics instead of padding when the window is shorter than
	// the period, so every call is guarded on the window length.
	for _, period := range dedupe(p.EMAPeriods) {
		if n < period {
			continue
		}
		if v, ok := lastWarm(talib.Ema(closes, period), period); ok {
			s.ema[period] = v
		}
	}
	for _, period := range dedupe(p.RSIPeriods) {
		if n <= period {
			continue
		}
		if v, ok := lastWarm(talib.Rsi(closes, period), period); ok {
			s.rsi[period] = v
		}
	}
	for _, period := range dedupe(p.ATRPeriods) {
		if n <= period {
			continue
		}
		if v, ok := lastWarm(talib.Atr(high, low, closes, period), period); ok {
			s.atr[period] = v
		}
	}

	for _, spec := range p.Bands {
		if spec.Period <= 0 || n < spec.Period {
			continue
		}
		upper, middle, lower := talib.BBands(closes, spec.Period, spec.StdDev, spec.StdDev, talib.SMA)
		u, okU := lastWarm(upper, spec.Period-1)
		m, okM := lastWarm(middle, spec.Period-1)
		l, okL := lastWarm(lower, spec.Period-1)
		if !okU || !okM || !okL || m == 0 {
			continue
		}
		s.bands[bandKey{spec.Period, spec.StdDev}] = Bands{
			Upper:  u,
			Middle: m,
			Lower:  l,
			Width:  (u - l) / m,
		}
	}

	// ADX needs roughly twice its period to stabilize.
	if p.ADXPeriod > 0 && n > 2*p.ADXPeriod {
		adx, okA := lastWarm(talib.Adx(high, low, closes, p.ADXPeriod), 2*p.ADXPeriod-1)
		plus, okP := lastWarm(talib.PlusDI(high, low, closes, p.ADXPeriod), p.ADXPeriod)
		minus, okM := lastWarm(talib.MinusDI(high, low, closes, p.ADXPeriod), p.ADXPeriod)
		if okA && okP && okM {
			s.adx, s.plusDI, s.minusDI = adx, plus, minus
			s.adxOK = true
		}
	}

	if p.MACDFast > 0 && p.MACDSlow > p.MACDFast && n > p.MACDSlow+p.MACDSignal {
		macd, signal, hist := talib.Macd(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
		m, okM := lastWarm(macd, p.MACDSlow+p.MACDSignal-2)
		sg, okS := lastWarm(signal, p.MACDSlow+p.MACDSignal-2)
		h, okH := lastWarm(hist, p.MACDSlow+p.MACDSignal-2)
		if okM && okS && okH {
			s.macd, s.macdSignal, s.macdHist = m, sg, h
			s.macdOK = true
		}
	}

	if p.VolumeSMAPeriod > 0 && n >= p.VolumeSMAPeriod {
		if v, ok := lastWarm(talib.Sma(volume, p.VolumeSMAPeriod), p.VolumeSMAPeriod-1); ok {
			s.volSMA = v
			s.volOK = true
		}
	}

	return s
}

// Len is the number of candles the snapshot was computed from.
func (s *Set) Len() int { return s.n }

func (s *Set) LastClose() float64  { return s.lastClose }
func (s *Set) LastHigh() float64   { return s.lastHigh }
func (s *Set) LastLow() float64    { return s.lastLow }
func (s *Set) LastVolume() float64 { return s.lastVolume }

// EMA returns the latest EMA for a period computed in this snapshot.
func (s *Set) EMA(period int) (float64, bool) {
	v, ok := s.ema[period]
	return v, ok
}

func (s *Set) RSI(period int) (float64, bool) {
	v, ok := s.rsi[period]
	return v, ok
}

func (s *Set) ATR(period int) (float64, bool) {
	v, ok := s.atr[period]
	return v, ok
}

func (s *Set) BBands(period int, stdDev float64) (Bands, bool) {
	b, ok := s.bands[bandKey{period, stdDev}]
	return b, ok
}

// ADX returns the latest ADX, +DI and -DI values.
func (s *Set) ADX() (adx, plusDI, minusDI float64, ok bool) {
	return s.adx, s.plusDI, s.minusDI, s.adxOK
}

// MACD returns the latest MACD line, signal line and histogram.
func (s *Set) MACD() (macd, signal, hist float64, ok bool) {
	return s.macd, s.macdSignal, s.macdHist, s.macdOK
}

// VolumeSMA returns the latest simple moving average of volume.
func (s *Set) VolumeSMA() (float64, bool) {
	return s.volSMA, s.volOK
}

// lastWarm returns the last value of a talib series, treating the
// leading warm-up zone and NaNs as missing.
func lastWarm(series []float64, lookback int) (float64, bool) {
	if len(series) == 0 || len(series) <= lookback {
		return 0, false
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func dedupe(periods []int) []int {
	seen := make(map[int]bool, len(periods))
	out := periods[:0:0]
	for _, p := range periods {
		if p <= 0 || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
