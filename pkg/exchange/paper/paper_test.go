package paper

import (
	"context"
	"math"
	"testing"
	"time"

	"cycletrader/pkg/exchange"
)

// stubMarket serves a controllable price for public endpoints.
type stubMarket struct {
	last float64
	mark float64
}

func (m *stubMarket) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	return nil, nil
}

func (m *stubMarket) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	return exchange.Ticker{Symbol: symbol, Last: m.last, Mark: m.mark}, nil
}

func (m *stubMarket) FetchOpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	return nil, nil
}

func (m *stubMarket) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}

func (m *stubMarket) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]exchange.Fill, error) {
	return nil, nil
}

func (m *stubMarket) CancelOrder(ctx context.Context, id, symbol string) error { return nil }

func (m *stubMarket) GetBalance(ctx context.Context, asset string) (exchange.Balance, error) {
	return exchange.Balance{}, nil
}

func (m *stubMarket) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *stubMarket) AmountToPrecision(ctx context.Context, symbol string, amount float64) (float64, error) {
	return amount, nil
}

func (m *stubMarket) PriceToPrecision(ctx context.Context, symbol string, price float64) (float64, error) {
	return price, nil
}

var _ exchange.Gateway = (*stubMarket)(nil)

func TestMarketOrderOpensPosition(t *testing.T) {
	market := &stubMarket{last: 100, mark: 100}
	g := New(market, "USDT", 10000, 0.0004)
	ctx := context.Background()

	res, err := g.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: 2,
	})
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}
	if res.Status != exchange.StatusFilled || res.AvgPrice != 100 {
		t.Fatalf("result=%+v, expected filled at 100", res)
	}
	// Fee: 2*100*0.0004 = 0.08.
	if math.Abs(res.Fee-0.08) > 1e-12 {
		t.Fatalf("Fee=%v, expected 0.08", res.Fee)
	}

	positions, err := g.FetchOpenPositions(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("FetchOpenPositions error: %v", err)
	}
	if len(positions) != 1 || positions[0].Quantity != 2 {
		t.Fatalf("positions=%+v, expected long 2", positions)
	}

	bal, _ := g.GetBalance(ctx, "USDT")
	if math.Abs(bal.Free-(10000-0.08)) > 1e-9 {
		t.Fatalf("balance=%v, expected fee deducted", bal.Free)
	}
}

func TestClosingFillRealizesPnL(t *testing.T) {
	market := &stubMarket{last: 100, mark: 100}
	g := New(market, "USDT", 10000, 0)
	ctx := context.Background()

	if _, err := g.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: 2,
	}); err != nil {
		t.Fatalf("open error: %v", err)
	}

	market.last = 110
	if _, err := g.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell, Type: exchange.OrderTypeMarket, Qty: 2,
	}); err != nil {
		t.Fatalf("close error: %v", err)
	}

	bal, _ := g.GetBalance(ctx, "USDT")
	// (110-100)*2 = 20 realized.
	if math.Abs(bal.Free-10020) > 1e-9 {
		t.Fatalf("balance=%v, expected 10020", bal.Free)
	}
	positions, _ := g.FetchOpenPositions(ctx, "BTCUSDT")
	if len(positions) != 0 {
		t.Fatalf("positions=%+v, expected flat", positions)
	}
}

func TestStopTriggerFiresOnMarkCross(t *testing.T) {
	market := &stubMarket{last: 100, mark: 100}
	g := New(market, "USDT", 10000, 0)
	ctx := context.Background()

	if _, err := g.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: 1,
	}); err != nil {
		t.Fatalf("open error: %v", err)
	}
	if _, err := g.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell, Type: exchange.OrderTypeStopMarket,
		Qty: 1, StopPrice: 97, ReduceOnly: true,
	}); err != nil {
		t.Fatalf("stop order error: %v", err)
	}

	// Mark above the stop: nothing fires.
	if _, err := g.FetchTicker(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("FetchTicker error: %v", err)
	}
	positions, _ := g.FetchOpenPositions(ctx, "BTCUSDT")
	if len(positions) != 1 {
		t.Fatalf("position closed before the stop was crossed")
	}

	market.mark = 96.5
	market.last = 96.5
	if _, err := g.FetchTicker(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("FetchTicker error: %v", err)
	}
	positions, _ = g.FetchOpenPositions(ctx, "BTCUSDT")
	if len(positions) != 0 {
		t.Fatalf("positions=%+v, expected stop to close the long", positions)
	}

	fills, _ := g.FetchMyTrades(ctx, "BTCUSDT", time.Time{}, 10)
	var sawStop bool
	for _, f := range fills {
		if f.Side == exchange.SideSell && f.Price == 97 {
			sawStop = true
		}
	}
	if !sawStop {
		t.Fatalf("fills=%+v, expected a SELL fill at the stop price", fills)
	}
}

func TestReduceOnlyOrderEvaporatesWhenFlat(t *testing.T) {
	market := &stubMarket{last: 100, mark: 100}
	g := New(market, "USDT", 10000, 0)
	ctx := context.Background()

	// No position at all; a reduce-only stop must never open one.
	if _, err := g.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell, Type: exchange.OrderTypeStopMarket,
		Qty: 1, StopPrice: 97, ReduceOnly: true,
	}); err != nil {
		t.Fatalf("stop order error: %v", err)
	}

	market.mark = 90
	if _, err := g.FetchTicker(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("FetchTicker error: %v", err)
	}
	positions, _ := g.FetchOpenPositions(ctx, "BTCUSDT")
	if len(positions) != 0 {
		t.Fatalf("positions=%+v, reduce-only order opened a position", positions)
	}
}

func TestCancelRestingOrder(t *testing.T) {
	market := &stubMarket{last: 100, mark: 100}
	g := New(market, "USDT", 10000, 0)
	ctx := context.Background()

	res, err := g.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell, Type: exchange.OrderTypeTakeProfitMarket,
		Qty: 1, StopPrice: 110,
	})
	if err != nil {
		t.Fatalf("order error: %v", err)
	}
	if err := g.CancelOrder(ctx, res.ExchangeOrderID, "BTCUSDT"); err != nil {
		t.Fatalf("CancelOrder error: %v", err)
	}
	if err := g.CancelOrder(ctx, res.ExchangeOrderID, "BTCUSDT"); err == nil {
		t.Fatal("second cancel succeeded for an already-removed order")
	}
}

func TestFetchMyTradesSinceFilter(t *testing.T) {
	market := &stubMarket{last: 100, mark: 100}
	g := New(market, "USDT", 10000, 0)
	ctx := context.Background()

	if _, err := g.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: 1,
	}); err != nil {
		t.Fatalf("order error: %v", err)
	}

	fills, err := g.FetchMyTrades(ctx, "BTCUSDT", time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("FetchMyTrades error: %v", err)
	}
	if len(fills) != 0 {
		t.Fatalf("fills=%+v, expected none after the since cutoff", fills)
	}

	fills, _ = g.FetchMyTrades(ctx, "ETHUSDT", time.Time{}, 10)
	if len(fills) != 0 {
		t.Fatalf("fills=%+v for unrelated symbol", fills)
	}
}
