package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bot holds the per-deployment strategy and sizing parameters. It is read
// once at startup and passed into components as an immutable snapshot.
type Bot struct {
	Symbols     []string `yaml:"symbols"`
	Timeframe   string   `yaml:"timeframe"`
	CandleLimit int      `yaml:"candle_limit"`

	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	SymbolDelaySeconds  int `yaml:"symbol_delay_seconds"`
	CallTimeoutSeconds  int `yaml:"call_timeout_seconds"`

	MaxOpenTrades int     `yaml:"max_open_trades"`
	MaxDailyLoss  float64 `yaml:"max_daily_loss"` // margin-asset units; 0 disables

	TradeAmount     TradeAmount    `yaml:"trade_amount"`
	DefaultLeverage int            `yaml:"default_leverage"`
	LeverageTiers   []LeverageTier `yaml:"leverage_tiers"`

	Regime RegimeParams `yaml:"regime"`
	Trend  TrendParams  `yaml:"trend"`
	Range  RangeParams  `yaml:"range"`

	UseTrailingStop bool    `yaml:"use_trailing_stop"`
	TrailingPercent float64 `yaml:"trailing_percent"`
}

// TradeAmount selects between a fixed margin per trade and a percentage of
// free balance, both bounded by MaxMarginUSD.
type TradeAmount struct {
	Mode         string  `yaml:"mode"` // "fixed" or "percentage"
	FixedUSD     float64 `yaml:"fixed_usd"`
	Percentage   float64 `yaml:"percentage"` // percent of free balance
	MaxMarginUSD float64 `yaml:"max_margin_usd"`
}

// LeverageTier maps a minimum signal strength to a leverage level. Tiers are
// evaluated in order; see strategy.SelectLeverage.
type LeverageTier struct {
	Threshold float64 `yaml:"threshold"`
	Leverage  int     `yaml:"leverage"`
}

// RegimeParams configures the market regime classifier.
type RegimeParams struct {
	ADXPeriod int     `yaml:"adx_period"`
	WeakADX   float64 `yaml:"weak_adx"`
	StrongADX float64 `yaml:"strong_adx"`
	BBPeriod  int     `yaml:"bb_period"`
	BBStdDev  float64 `yaml:"bb_std_dev"`
	BBWLow    float64 `yaml:"bbw_low"`
	BBWHigh   float64 `yaml:"bbw_high"`
}

// TrendParams configures the trend-following generator.
type TrendParams struct {
	FastEMA       int     `yaml:"fast_ema"`
	MediumEMA     int     `yaml:"medium_ema"`
	SlowEMA       int     `yaml:"slow_ema"`
	RSIPeriod     int     `yaml:"rsi_period"`
	RSIBullMin    float64 `yaml:"rsi_bull_min"`
	RSIOverbought float64 `yaml:"rsi_overbought"`
	RSIBearMax    float64 `yaml:"rsi_bear_max"`
	RSIOversold   float64 `yaml:"rsi_oversold"`
	MACDFast      int     `yaml:"macd_fast"`
	MACDSlow      int     `yaml:"macd_slow"`
	MACDSignal    int     `yaml:"macd_signal"`
	ATRPeriod     int     `yaml:"atr_period"`
	ATRMultiplier float64 `yaml:"atr_multiplier"`
	RRRatio       float64 `yaml:"rr_ratio"`
	MinStrength   float64 `yaml:"min_strength"`
}

// RangeParams configures the range/mean-reversion generator.
type RangeParams struct {
	BBPeriod      int     `yaml:"bb_period"`
	BBStdDev      float64 `yaml:"bb_std_dev"`
	RSIPeriod     int     `yaml:"rsi_period"`
	RSIOversold   float64 `yaml:"rsi_oversold"`
	RSIOverbought float64 `yaml:"rsi_overbought"`
	ATRPeriod     int     `yaml:"atr_period"`
	ATRMultiplier float64 `yaml:"atr_multiplier"`
	RRRatio       float64 `yaml:"rr_ratio"`
	MinStrength   float64 `yaml:"min_strength"`
}

// DefaultBot returns the built-in parameter set used when no YAML file is
// present.
func DefaultBot() Bot {
	return Bot{
		Symbols:             []string{"BTCUSDT", "ETHUSDT"},
		Timeframe:           "1h",
		CandleLimit:         200,
		PollIntervalSeconds: 60,
		SymbolDelaySeconds:  2,
		CallTimeoutSeconds:  15,
		MaxOpenTrades:       5,
		TradeAmount: TradeAmount{
			Mode:         "percentage",
			FixedUSD:     100,
			Percentage:   5,
			MaxMarginUSD: 1000,
		},
		DefaultLeverage: 10,
		LeverageTiers: []LeverageTier{
			{Threshold: 0.6, Leverage: 3},
			{Threshold: 0.8, Leverage: 5},
			{Threshold: 1.0, Leverage: 8},
		},
		Regime: RegimeParams{
			ADXPeriod: 14,
			WeakADX:   20,
			StrongADX: 25,
			BBPeriod:  20,
			BBStdDev:  2.0,
			BBWLow:    0.03,
			BBWHigh:   0.10,
		},
		Trend: TrendParams{
			FastEMA:       9,
			MediumEMA:     21,
			SlowEMA:       50,
			RSIPeriod:     14,
			RSIBullMin:    50,
			RSIOverbought: 70,
			RSIBearMax:    50,
			RSIOversold:   30,
			MACDFast:      12,
			MACDSlow:      26,
			MACDSignal:    9,
			ATRPeriod:     14,
			ATRMultiplier: 1.5,
			RRRatio:       2.0,
			MinStrength:   0.7,
		},
		Range: RangeParams{
			BBPeriod:      20,
			BBStdDev:      2.0,
			RSIPeriod:     14,
			RSIOversold:   30,
			RSIOverbought: 70,
			ATRPeriod:     14,
			ATRMultiplier: 1.0,
			RRRatio:       1.5,
			MinStrength:   0.8,
		},
		UseTrailingStop: false,
		TrailingPercent: 0.015,
	}
}

// LoadBot reads the YAML bot config, starting from DefaultBot so missing
// keys keep their defaults. A missing file is not an error.
func LoadBot(path string) (Bot, error) {
	bot := DefaultBot()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return bot, nil
		}
		return bot, fmt.Errorf("read bot config: %w", err)
	}
	if err := yaml.Unmarshal(data, &bot); err != nil {
		return bot, fmt.Errorf("parse bot config: %w", err)
	}
	if err := bot.validate(); err != nil {
		return bot, err
	}
	return bot, nil
}

func (b *Bot) validate() error {
	if len(b.Symbols) == 0 {
		return fmt.Errorf("bot config: at least one symbol is required")
	}
	if b.PollIntervalSeconds <= 0 {
		return fmt.Errorf("bot config: poll_interval_seconds must be > 0")
	}
	if b.CallTimeoutSeconds <= 0 {
		return fmt.Errorf("bot config: call_timeout_seconds must be > 0")
	}
	if b.CandleLimit <= 0 {
		return fmt.Errorf("bot config: candle_limit must be > 0")
	}
	if b.MaxOpenTrades <= 0 {
		return fmt.Errorf("bot config: max_open_trades must be > 0")
	}
	if b.DefaultLeverage < 1 {
		return fmt.Errorf("bot config: default_leverage must be >= 1")
	}
	switch b.TradeAmount.Mode {
	case "fixed":
		if b.TradeAmount.FixedUSD <= 0 {
			return fmt.Errorf("bot config: trade_amount.fixed_usd must be > 0")
		}
	case "percentage":
		if b.TradeAmount.Percentage <= 0 || b.TradeAmount.Percentage > 100 {
			return fmt.Errorf("bot config: trade_amount.percentage must be in (0, 100]")
		}
	default:
		return fmt.Errorf("bot config: trade_amount.mode must be \"fixed\" or \"percentage\"")
	}
	for i, t := range b.LeverageTiers {
		if t.Leverage < 1 {
			return fmt.Errorf("bot config: leverage_tiers[%d].leverage must be >= 1", i)
		}
		if t.Threshold <= 0 || t.Threshold > 1 {
			return fmt.Errorf("bot config: leverage_tiers[%d].threshold must be in (0, 1]", i)
		}
		if i > 0 && t.Threshold <= b.LeverageTiers[i-1].Threshold {
			return fmt.Errorf("bot config: leverage_tiers thresholds must be strictly ascending")
		}
	}

	if b.Regime.ADXPeriod <= 0 || b.Regime.BBPeriod <= 0 {
		return fmt.Errorf("bot config: regime periods must be > 0")
	}
	if b.Regime.StrongADX < b.Regime.WeakADX {
		return fmt.Errorf("bot config: regime.strong_adx must be >= regime.weak_adx")
	}
	if b.Regime.BBWHigh <= b.Regime.BBWLow {
		return fmt.Errorf("bot config: regime.bbw_high must be > regime.bbw_low")
	}

	if !(b.Trend.FastEMA > 0 && b.Trend.FastEMA < b.Trend.MediumEMA && b.Trend.MediumEMA < b.Trend.SlowEMA) {
		return fmt.Errorf("bot config: trend EMAs must satisfy 0 < fast < medium < slow")
	}
	if b.Trend.RSIPeriod <= 0 || b.Trend.ATRPeriod <= 0 {
		return fmt.Errorf("bot config: trend periods must be > 0")
	}
	if b.Trend.MACDFast <= 0 || b.Trend.MACDSlow <= b.Trend.MACDFast || b.Trend.MACDSignal <= 0 {
		return fmt.Errorf("bot config: trend MACD periods must satisfy 0 < fast < slow, signal > 0")
	}
	if b.Trend.ATRMultiplier <= 0 || b.Trend.RRRatio <= 0 || b.Trend.MinStrength <= 0 {
		return fmt.Errorf("bot config: trend multipliers and min_strength must be > 0")
	}

	if b.Range.BBPeriod <= 0 || b.Range.RSIPeriod <= 0 || b.Range.ATRPeriod <= 0 {
		return fmt.Errorf("bot config: range periods must be > 0")
	}
	if b.Range.ATRMultiplier <= 0 || b.Range.RRRatio <= 0 || b.Range.MinStrength <= 0 {
		return fmt.Errorf("bot config: range multipliers and min_strength must be > 0")
	}

	if b.UseTrailingStop && b.TrailingPercent <= 0 {
		return fmt.Errorf("bot config: trailing_percent must be > 0 when use_trailing_stop is set")
	}
	return nil
}
