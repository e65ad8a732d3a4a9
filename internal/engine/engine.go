// Package engine drives the decision cycle: every polling interval it
// walks the configured symbols sequentially, reconciling open trades
// before any new signal work, then classifying the regime and running
// the generators.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"cycletrader/internal/events"
	"cycletrader/internal/indicators"
	"cycletrader/internal/order"
	"cycletrader/internal/reconciliation"
	"cycletrader/internal/regime"
	"cycletrader/internal/risk"
	"cycletrader/internal/strategy"
	"cycletrader/pkg/config"
	"cycletrader/pkg/db"
	"cycletrader/pkg/exchange"
)

// Engine is the cycle orchestrator. Symbols are processed one at a
// time: the margin pool is shared, so an earlier symbol's entry must be
// visible to the sizing of the next one.
type Engine struct {
	bot        config.Bot
	gateway    exchange.Gateway
	ledger     *db.Database
	classifier *regime.Classifier
	generators []strategy.Generator
	dispatcher *order.Dispatcher
	reconciler *reconciliation.Service
	riskMgr    *risk.Manager
	bus        *events.Bus
	log        *zap.Logger

	indicatorParams indicators.Params
	callTimeout     time.Duration

	mu      sync.RWMutex
	regimes map[string]regime.Info

	done chan struct{}
}

func New(
	bot config.Bot,
	gateway exchange.Gateway,
	ledger *db.Database,
	classifier *regime.Classifier,
	generators []strategy.Generator,
	dispatcher *order.Dispatcher,
	reconciler *reconciliation.Service,
	riskMgr *risk.Manager,
	bus *events.Bus,
	log *zap.Logger,
) *Engine {
	return &Engine{
		bot:             bot,
		gateway:         gateway,
		ledger:          ledger,
		classifier:      classifier,
		generators:      generators,
		dispatcher:      dispatcher,
		reconciler:      reconciler,
		riskMgr:         riskMgr,
		bus:             bus,
		log:             log.Named("engine"),
		indicatorParams: indicators.ParamsFromBot(&bot),
		callTimeout:     time.Duration(bot.CallTimeoutSeconds) * time.Second,
		regimes:         make(map[string]regime.Info),
		done:            make(chan struct{}),
	}
}

// Start launches the polling loop. The first cycle runs immediately.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		defer close(e.done)

		interval := time.Duration(e.bot.PollIntervalSeconds) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		e.log.Info("engine started",
			zap.Strings("symbols", e.bot.Symbols),
			zap.String("timeframe", e.bot.Timeframe),
			zap.Duration("interval", interval))

		e.runCycle(ctx)
		for {
			select {
			case <-ctx.Done():
				e.log.Info("engine stopping")
				return
			case <-ticker.C:
				e.runCycle(ctx)
			}
		}
	}()
}

// Done is closed once the loop has fully exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) runCycle(ctx context.Context) {
	start := time.Now()
	e.reconcileOpenTrades()
	for i, symbol := range e.bot.Symbols {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && e.bot.SymbolDelaySeconds > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(e.bot.SymbolDelaySeconds) * time.Second):
			}
		}
		e.processSymbol(ctx, symbol)
	}
	e.bus.Publish(events.EventCycleFinished, events.Record{
		Decision: "cycle",
		Message:  "cycle finished",
		Details:  map[string]any{"elapsed_ms": time.Since(start).Milliseconds()},
	})
}

// reconcileOpenTrades sweeps every open trade before any signal work,
// including trades on symbols no longer in the configuration. The
// budget covers the list query plus two gateway calls per trade.
func (e *Engine) reconcileOpenTrades() {
	budget := time.Duration(2*e.bot.MaxOpenTrades+1) * e.callTimeout
	callCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	if err := e.reconciler.ReconcileOpen(callCtx); err != nil {
		e.log.Error("reconciliation sweep failed", zap.Error(err))
	}
}

// processSymbol runs gating and signal generation for one symbol. The
// cycle-start sweep has already reconciled, so a trade still open here
// means the position is live and the symbol takes no new signals.
func (e *Engine) processSymbol(ctx context.Context, symbol string) {
	log := e.log.With(zap.String("symbol", symbol))

	open, err := withTimeout(e.callTimeout, func(callCtx context.Context) (*db.Trade, error) {
		return e.ledger.GetOpenTradeBySymbol(callCtx, symbol)
	})
	if err != nil {
		log.Error("open trade lookup failed", zap.Error(err))
		return
	}
	if open != nil {
		return
	}

	if !e.entryAllowed(symbol, log) {
		return
	}

	candles, err := withTimeout(e.callTimeout, func(callCtx context.Context) ([]exchange.Candle, error) {
		return e.gateway.FetchOHLCV(callCtx, symbol, e.bot.Timeframe, e.bot.CandleLimit)
	})
	if err != nil {
		log.Warn("candle fetch failed, symbol skipped", zap.Error(err))
		return
	}

	snapshot := indicators.Compute(candles, e.indicatorParams)
	info := e.classifier.Classify(snapshot)
	e.storeRegime(symbol, info)
	log.Debug("regime classified", zap.String("label", info.Label))

	for _, gen := range e.generators {
		sig := gen.Evaluate(symbol, snapshot, info)
		if sig == nil {
			continue
		}
		log.Info("signal generated",
			zap.String("strategy", sig.StrategyName),
			zap.String("direction", string(sig.Direction)),
			zap.Float64("strength", sig.Strength),
			zap.Float64("entry", sig.EntryPrice))
		e.bus.Publish(events.EventSignalGenerated, events.Record{
			Symbol:   symbol,
			Strategy: sig.StrategyName,
			Decision: string(sig.Direction),
			Message:  "signal generated",
			Details: map[string]any{
				"strength": sig.Strength,
				"entry":    sig.EntryPrice,
				"stop":     sig.StopLoss,
				"target":   sig.TakeProfit,
				"regime":   info.Label,
			},
		})

		trade, err := e.dispatchWithTimeout(sig, info)
		if err != nil {
			log.Warn("dispatch failed, no retry this cycle", zap.Error(err))
			return
		}
		log.Info("trade opened",
			zap.String("trade_id", trade.ID),
			zap.String("strategy", trade.StrategyName))
		return // one signal per symbol per cycle
	}
}

// entryAllowed checks the global trade cap and the daily loss gate.
func (e *Engine) entryAllowed(symbol string, log *zap.Logger) bool {
	openCount, err := withTimeout(e.callTimeout, func(callCtx context.Context) (int, error) {
		return e.ledger.CountOpenTrades(callCtx)
	})
	if err != nil {
		log.Error("open trade count failed", zap.Error(err))
		return false
	}
	if openCount >= e.bot.MaxOpenTrades {
		e.skip(symbol, "max open trades reached")
		return false
	}

	allowed, err := withTimeout(e.callTimeout, func(callCtx context.Context) (bool, error) {
		return e.riskMgr.AllowNewEntries(callCtx)
	})
	if err != nil {
		log.Error("risk gate check failed", zap.Error(err))
		return false
	}
	if !allowed {
		e.skip(symbol, "daily loss limit reached")
		return false
	}
	return true
}

func (e *Engine) skip(symbol, reason string) {
	e.log.Info("symbol skipped", zap.String("symbol", symbol), zap.String("reason", reason))
	e.bus.Publish(events.EventSymbolSkipped, events.Record{
		Symbol:   symbol,
		Decision: "skip",
		Message:  reason,
	})
}

func (e *Engine) storeRegime(symbol string, info regime.Info) {
	e.mu.Lock()
	e.regimes[symbol] = info
	e.mu.Unlock()
}

// Regimes returns the latest classification per symbol.
func (e *Engine) Regimes() map[string]regime.Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]regime.Info, len(e.regimes))
	for k, v := range e.regimes {
		out[k] = v
	}
	return out
}

func (e *Engine) dispatchWithTimeout(sig *strategy.Signal, info regime.Info) (*db.Trade, error) {
	callCtx, cancel := context.WithTimeout(context.Background(), e.callTimeout)
	defer cancel()
	return e.dispatcher.Dispatch(callCtx, sig, info.Label)
}

// withTimeout bounds one network or persistence call. The timeout
// context is detached from the loop context so a shutdown lets the
// in-flight call complete instead of cancelling it mid-write.
func withTimeout[T any](timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(callCtx)
}
