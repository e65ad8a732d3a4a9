package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultBotIsValid(t *testing.T) {
	bot := DefaultBot()
	if err := bot.validate(); err != nil {
		t.Fatalf("DefaultBot failed validation: %v", err)
	}
}

func TestValidateRejectsInconsistentConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Bot)
	}{
		{"no symbols", func(b *Bot) { b.Symbols = nil }},
		{"zero poll interval", func(b *Bot) { b.PollIntervalSeconds = 0 }},
		{"zero call timeout", func(b *Bot) { b.CallTimeoutSeconds = 0 }},
		{"zero candle limit", func(b *Bot) { b.CandleLimit = 0 }},
		{"zero default leverage", func(b *Bot) { b.DefaultLeverage = 0 }},
		{"unknown sizing mode", func(b *Bot) { b.TradeAmount.Mode = "martingale" }},
		{"tier leverage below one", func(b *Bot) { b.LeverageTiers[0].Leverage = 0 }},
		{"tier threshold above one", func(b *Bot) { b.LeverageTiers[2].Threshold = 1.5 }},
		{"tiers not ascending", func(b *Bot) { b.LeverageTiers[1].Threshold = b.LeverageTiers[0].Threshold }},
		{"strong ADX below weak", func(b *Bot) { b.Regime.StrongADX = b.Regime.WeakADX - 1 }},
		{"bbw bands inverted", func(b *Bot) { b.Regime.BBWHigh = b.Regime.BBWLow }},
		{"EMA stack out of order", func(b *Bot) { b.Trend.FastEMA = b.Trend.SlowEMA }},
		{"MACD slow below fast", func(b *Bot) { b.Trend.MACDSlow = b.Trend.MACDFast }},
		{"zero trend min strength", func(b *Bot) { b.Trend.MinStrength = 0 }},
		{"zero range RR ratio", func(b *Bot) { b.Range.RRRatio = 0 }},
		{"trailing enabled without percent", func(b *Bot) {
			b.UseTrailingStop = true
			b.TrailingPercent = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bot := DefaultBot()
			tt.mutate(&bot)
			if err := bot.validate(); err == nil {
				t.Fatal("validate accepted an inconsistent config")
			}
		})
	}
}

func TestLoadBotMissingFileUsesDefaults(t *testing.T) {
	bot, err := LoadBot(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadBot error: %v", err)
	}
	want := DefaultBot()
	if bot.Timeframe != want.Timeframe || bot.DefaultLeverage != want.DefaultLeverage {
		t.Fatalf("LoadBot=%+v, expected defaults", bot)
	}
}

func TestLoadBotRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.yaml")
	if err := os.WriteFile(path, []byte("poll_interval_seconds: -5\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadBot(path); err == nil {
		t.Fatal("LoadBot accepted a negative poll interval")
	}
}

func TestLoadBotOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.yaml")
	body := "symbols: [SOLUSDT]\ntimeframe: 15m\ndefault_leverage: 4\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	bot, err := LoadBot(path)
	if err != nil {
		t.Fatalf("LoadBot error: %v", err)
	}
	if len(bot.Symbols) != 1 || bot.Symbols[0] != "SOLUSDT" {
		t.Fatalf("Symbols=%v, expected [SOLUSDT]", bot.Symbols)
	}
	if bot.Timeframe != "15m" {
		t.Fatalf("Timeframe=%s, expected 15m", bot.Timeframe)
	}
	if bot.DefaultLeverage != 4 {
		t.Fatalf("DefaultLeverage=%d, expected 4", bot.DefaultLeverage)
	}
	// Untouched sections keep their defaults.
	if bot.Trend.SlowEMA != DefaultBot().Trend.SlowEMA {
		t.Fatalf("Trend.SlowEMA=%d, expected default", bot.Trend.SlowEMA)
	}
}
