package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"cycletrader/internal/events"
	"cycletrader/internal/strategy"
	"cycletrader/pkg/config"
	"cycletrader/pkg/db"
	"cycletrader/pkg/exchange"
)

// fakeGateway records orders and serves canned responses.
type fakeGateway struct {
	free        float64
	balanceErr  error
	orderErr    error
	leverageSet map[string]int
	orders      []exchange.OrderRequest
	stepSize    float64
}

func newFakeGateway(free float64) *fakeGateway {
	return &fakeGateway{free: free, leverageSet: map[string]int{}, stepSize: 0.001}
}

func (f *fakeGateway) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	return nil, nil
}

func (f *fakeGateway) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	return exchange.Ticker{Symbol: symbol}, nil
}

func (f *fakeGateway) FetchOpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	return nil, nil
}

func (f *fakeGateway) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if f.orderErr != nil {
		return exchange.OrderResult{}, f.orderErr
	}
	f.orders = append(f.orders, req)
	return exchange.OrderResult{
		ExchangeOrderID: fmt.Sprintf("ord-%d", len(f.orders)),
		Status:          exchange.StatusFilled,
		AvgPrice:        0,
		ExecutedQty:     req.Qty,
		Fee:             0.02,
	}, nil
}

func (f *fakeGateway) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]exchange.Fill, error) {
	return nil, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, id, symbol string) error { return nil }

func (f *fakeGateway) GetBalance(ctx context.Context, asset string) (exchange.Balance, error) {
	if f.balanceErr != nil {
		return exchange.Balance{}, f.balanceErr
	}
	return exchange.Balance{Asset: asset, Free: f.free, Total: f.free}, nil
}

func (f *fakeGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.leverageSet[symbol] = leverage
	return nil
}

func (f *fakeGateway) AmountToPrecision(ctx context.Context, symbol string, amount float64) (float64, error) {
	return math.Floor(amount/f.stepSize) * f.stepSize, nil
}

func (f *fakeGateway) PriceToPrecision(ctx context.Context, symbol string, price float64) (float64, error) {
	return price, nil
}

var _ exchange.Gateway = (*fakeGateway)(nil)

func newTestDispatcher(t *testing.T, gw exchange.Gateway, sizing config.TradeAmount) (*Dispatcher, *db.Database) {
	t.Helper()
	ledger, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New error: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	if err := db.ApplyMigrations(ledger); err != nil {
		t.Fatalf("ApplyMigrations error: %v", err)
	}
	d := NewDispatcher(gw, ledger, events.NewBus(), zap.NewNop(), sizing, "USDT")
	return d, ledger
}

func longSignal() *strategy.Signal {
	return &strategy.Signal{
		Symbol:            "BTCUSDT",
		Direction:         strategy.Long,
		EntryPrice:        100,
		StopLoss:          97,
		TakeProfit:        106,
		SuggestedLeverage: 5,
		Strength:          0.9,
		StrategyName:      "trend_following",
		Timestamp:         time.Now().UTC(),
	}
}

func TestDispatchLong(t *testing.T) {
	gw := newFakeGateway(1000)
	d, ledger := newTestDispatcher(t, gw, config.TradeAmount{Mode: "fixed", FixedUSD: 100, MaxMarginUSD: 500})

	trade, err := d.Dispatch(context.Background(), longSignal(), "sideways, normal volatility")
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	if gw.leverageSet["BTCUSDT"] != 5 {
		t.Fatalf("leverage set to %d, expected 5", gw.leverageSet["BTCUSDT"])
	}
	if len(gw.orders) != 3 {
		t.Fatalf("got %d orders, expected entry + stop + target", len(gw.orders))
	}

	entry := gw.orders[0]
	if entry.Side != exchange.SideBuy || entry.Type != exchange.OrderTypeMarket {
		t.Fatalf("entry order side=%s type=%s", entry.Side, entry.Type)
	}
	// margin 100 * leverage 5 / price 100 = 5.0.
	if entry.Qty != 5.0 {
		t.Fatalf("entry qty=%v, expected 5.0", entry.Qty)
	}

	for _, protective := range gw.orders[1:] {
		if protective.Side != exchange.SideSell {
			t.Fatalf("protective order side=%s, expected SELL", protective.Side)
		}
		if !protective.ReduceOnly {
			t.Fatal("protective order not reduce-only")
		}
		switch protective.StopPrice {
		case 97:
			if protective.Type != exchange.OrderTypeStopMarket {
				t.Fatalf("trigger below entry got type %s, expected STOP_MARKET", protective.Type)
			}
		case 106:
			if protective.Type != exchange.OrderTypeTakeProfitMarket {
				t.Fatalf("trigger above entry got type %s, expected TAKE_PROFIT_MARKET", protective.Type)
			}
		default:
			t.Fatalf("unexpected trigger price %v", protective.StopPrice)
		}
	}

	stored, err := ledger.GetOpenTradeBySymbol(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetOpenTradeBySymbol error: %v", err)
	}
	if stored == nil || stored.ID != trade.ID {
		t.Fatalf("ledger trade=%+v, expected id %s", stored, trade.ID)
	}
	if stored.MarginUsedInitial != 100 {
		t.Fatalf("MarginUsedInitial=%v, expected 100", stored.MarginUsedInitial)
	}
	if stored.StopLossInitial != 97 || stored.TakeProfitInitial != 106 {
		t.Fatalf("initial stops %v/%v, expected 97/106", stored.StopLossInitial, stored.TakeProfitInitial)
	}
	if stored.RegimeAtEntry != "sideways, normal volatility" {
		t.Fatalf("RegimeAtEntry=%q", stored.RegimeAtEntry)
	}
}

func TestDispatchShortTriggerMapping(t *testing.T) {
	gw := newFakeGateway(1000)
	d, _ := newTestDispatcher(t, gw, config.TradeAmount{Mode: "fixed", FixedUSD: 100})

	sig := &strategy.Signal{
		Symbol:            "ETHUSDT",
		Direction:         strategy.Short,
		EntryPrice:        100,
		StopLoss:          103, // above entry
		TakeProfit:        95,  // below entry
		SuggestedLeverage: 3,
		StrategyName:      "trend_following",
	}
	if _, err := d.Dispatch(context.Background(), sig, "sideways, normal volatility"); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	if gw.orders[0].Side != exchange.SideSell {
		t.Fatalf("short entry side=%s, expected SELL", gw.orders[0].Side)
	}
	for _, protective := range gw.orders[1:] {
		if protective.Side != exchange.SideBuy {
			t.Fatalf("short protective side=%s, expected BUY", protective.Side)
		}
		switch protective.StopPrice {
		case 103:
			if protective.Type != exchange.OrderTypeStopMarket {
				t.Fatalf("short trigger above entry got %s, expected STOP_MARKET", protective.Type)
			}
		case 95:
			if protective.Type != exchange.OrderTypeTakeProfitMarket {
				t.Fatalf("short trigger below entry got %s, expected TAKE_PROFIT_MARKET", protective.Type)
			}
		}
	}
}

func TestDispatchPercentageSizing(t *testing.T) {
	gw := newFakeGateway(2000)
	d, ledger := newTestDispatcher(t, gw, config.TradeAmount{Mode: "percentage", Percentage: 10, MaxMarginUSD: 150})

	if _, err := d.Dispatch(context.Background(), longSignal(), "sideways, normal volatility"); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	// 10% of 2000 = 200, capped at 150.
	stored, _ := ledger.GetOpenTradeBySymbol(context.Background(), "BTCUSDT")
	if stored.MarginUsedInitial != 150 {
		t.Fatalf("MarginUsedInitial=%v, expected cap 150", stored.MarginUsedInitial)
	}
}

func TestDispatchRejectsInvalidOrdering(t *testing.T) {
	gw := newFakeGateway(1000)
	d, _ := newTestDispatcher(t, gw, config.TradeAmount{Mode: "fixed", FixedUSD: 100})

	sig := longSignal()
	sig.StopLoss, sig.TakeProfit = 106, 97 // swapped
	_, err := d.Dispatch(context.Background(), sig, "sideways, normal volatility")
	if err == nil {
		t.Fatal("Dispatch accepted a LONG with SL above entry")
	}
	if !exchange.IsClient(err) {
		t.Fatalf("error %v, expected ClientError", err)
	}
	if len(gw.orders) != 0 {
		t.Fatalf("%d orders submitted for invalid signal", len(gw.orders))
	}
}

func TestDispatchRejectsZeroQuantity(t *testing.T) {
	gw := newFakeGateway(1000)
	gw.stepSize = 1000 // everything floors to zero
	d, _ := newTestDispatcher(t, gw, config.TradeAmount{Mode: "fixed", FixedUSD: 100})

	_, err := d.Dispatch(context.Background(), longSignal(), "sideways, normal volatility")
	if err == nil {
		t.Fatal("Dispatch accepted a zero-quantity order")
	}
	if !exchange.IsClient(err) {
		t.Fatalf("error %v, expected ClientError", err)
	}
}

func TestDispatchInsufficientBalance(t *testing.T) {
	gw := newFakeGateway(50)
	d, _ := newTestDispatcher(t, gw, config.TradeAmount{Mode: "fixed", FixedUSD: 100})

	if _, err := d.Dispatch(context.Background(), longSignal(), "sideways, normal volatility"); err == nil {
		t.Fatal("Dispatch accepted margin above free balance")
	}
	if len(gw.orders) != 0 {
		t.Fatalf("%d orders submitted with insufficient balance", len(gw.orders))
	}
}

func TestDispatchEntryFailureNotRetried(t *testing.T) {
	gw := newFakeGateway(1000)
	gw.orderErr = &exchange.RequestError{Op: "create order", Code: -2019, Err: errors.New("margin is insufficient")}
	d, ledger := newTestDispatcher(t, gw, config.TradeAmount{Mode: "fixed", FixedUSD: 100})

	_, err := d.Dispatch(context.Background(), longSignal(), "sideways, normal volatility")
	if err == nil {
		t.Fatal("Dispatch swallowed the entry failure")
	}
	if !exchange.IsRequest(err) {
		t.Fatalf("error %v, expected RequestError", err)
	}
	if len(gw.orders) != 0 {
		t.Fatalf("%d orders recorded, expected no retry", len(gw.orders))
	}
	stored, _ := ledger.GetOpenTradeBySymbol(context.Background(), "BTCUSDT")
	if stored != nil {
		t.Fatalf("trade recorded despite failed entry: %+v", stored)
	}
}

func TestDispatchAuthFailure(t *testing.T) {
	gw := newFakeGateway(1000)
	gw.balanceErr = &exchange.AuthError{Op: "get balance", Err: errors.New("invalid API key")}
	d, ledger := newTestDispatcher(t, gw, config.TradeAmount{Mode: "fixed", FixedUSD: 100})

	_, err := d.Dispatch(context.Background(), longSignal(), "sideways, normal volatility")
	if err == nil {
		t.Fatal("Dispatch swallowed the auth failure")
	}
	if !exchange.IsAuth(err) {
		t.Fatalf("error %v, expected AuthError", err)
	}
	if len(gw.orders) != 0 {
		t.Fatalf("%d orders submitted with rejected credentials", len(gw.orders))
	}
	stored, _ := ledger.GetOpenTradeBySymbol(context.Background(), "BTCUSDT")
	if stored != nil {
		t.Fatalf("trade recorded despite auth failure: %+v", stored)
	}
}

func TestTriggerOrderTypeMapping(t *testing.T) {
	cases := []struct {
		side    exchange.Side
		entry   float64
		trigger float64
		want    exchange.OrderType
	}{
		{exchange.SideSell, 100, 97, exchange.OrderTypeStopMarket},
		{exchange.SideSell, 100, 106, exchange.OrderTypeTakeProfitMarket},
		{exchange.SideBuy, 100, 103, exchange.OrderTypeStopMarket},
		{exchange.SideBuy, 100, 95, exchange.OrderTypeTakeProfitMarket},
	}
	for _, tc := range cases {
		got := TriggerOrderType(tc.side, tc.entry, tc.trigger)
		if got != tc.want {
			t.Fatalf("TriggerOrderType(%s, %v, %v)=%s, expected %s", tc.side, tc.entry, tc.trigger, got, tc.want)
		}
	}
}
