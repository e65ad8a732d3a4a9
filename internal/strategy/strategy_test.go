package strategy

import (
	"cycletrader/internal/indicators"
)

// stubInd fabricates an indicator snapshot for generator tests.
type stubInd struct {
	n      int
	close  float64
	high   float64
	low    float64
	volume float64

	ema map[int]float64
	rsi map[int]float64
	atr map[int]float64

	bands    indicators.Bands
	hasBands bool

	macd, macdSignal, macdHist float64
	hasMACD                    bool

	volSMA    float64
	hasVolSMA bool
}

func (s *stubInd) Len() int            { return s.n }
func (s *stubInd) LastClose() float64  { return s.close }
func (s *stubInd) LastHigh() float64   { return s.high }
func (s *stubInd) LastLow() float64    { return s.low }
func (s *stubInd) LastVolume() float64 { return s.volume }

func (s *stubInd) EMA(period int) (float64, bool) {
	v, ok := s.ema[period]
	return v, ok
}

func (s *stubInd) RSI(period int) (float64, bool) {
	v, ok := s.rsi[period]
	return v, ok
}

func (s *stubInd) ATR(period int) (float64, bool) {
	v, ok := s.atr[period]
	return v, ok
}

func (s *stubInd) BBands(period int, stdDev float64) (indicators.Bands, bool) {
	return s.bands, s.hasBands
}

func (s *stubInd) MACD() (float64, float64, float64, bool) {
	return s.macd, s.macdSignal, s.macdHist, s.hasMACD
}

func (s *stubInd) VolumeSMA() (float64, bool) {
	return s.volSMA, s.hasVolSMA
}
