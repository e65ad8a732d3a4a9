package reconciliation

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"cycletrader/internal/events"
	"cycletrader/pkg/db"
	"cycletrader/pkg/exchange"
)

type fakeGateway struct {
	positions    []exchange.Position
	positionsErr error
	fills        []exchange.Fill
	fillsErr     error
}

func (f *fakeGateway) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	return nil, nil
}

func (f *fakeGateway) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}

func (f *fakeGateway) FetchOpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	return f.positions, f.positionsErr
}

func (f *fakeGateway) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}

func (f *fakeGateway) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]exchange.Fill, error) {
	return f.fills, f.fillsErr
}

func (f *fakeGateway) CancelOrder(ctx context.Context, id, symbol string) error { return nil }

func (f *fakeGateway) GetBalance(ctx context.Context, asset string) (exchange.Balance, error) {
	return exchange.Balance{}, nil
}

func (f *fakeGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (f *fakeGateway) AmountToPrecision(ctx context.Context, symbol string, amount float64) (float64, error) {
	return amount, nil
}

func (f *fakeGateway) PriceToPrecision(ctx context.Context, symbol string, price float64) (float64, error) {
	return price, nil
}

var _ exchange.Gateway = (*fakeGateway)(nil)

func newTestService(t *testing.T, gw exchange.Gateway) (*Service, *db.Database) {
	t.Helper()
	ledger, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New error: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	if err := db.ApplyMigrations(ledger); err != nil {
		t.Fatalf("ApplyMigrations error: %v", err)
	}
	return NewService(gw, ledger, events.NewBus(), zap.NewNop()), ledger
}

func openShort(t *testing.T, ledger *db.Database) *db.Trade {
	t.Helper()
	tr := &db.Trade{
		ID: "t-short", Symbol: "BTCUSDT", Direction: "SHORT",
		EntryPrice: 100, Quantity: 10, LeverageApplied: 5,
		MarginUsedInitial: 200, EntryFee: 0.5,
		StopLossInitial: 110, StopLossCurrent: 110,
		TakeProfitInitial: 90, TakeProfitCurrent: 90,
		OpenedAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := ledger.CreateTrade(context.Background(), tr); err != nil {
		t.Fatalf("CreateTrade error: %v", err)
	}
	return tr
}

func TestReconcileLivePositionIsNoop(t *testing.T) {
	gw := &fakeGateway{positions: []exchange.Position{{Symbol: "BTCUSDT", Quantity: -10}}}
	svc, ledger := newTestService(t, gw)
	tr := openShort(t, ledger)

	if err := svc.ReconcileTrade(context.Background(), tr); err != nil {
		t.Fatalf("ReconcileTrade error: %v", err)
	}
	got, _ := ledger.GetTrade(context.Background(), tr.ID)
	if got.Status != db.StatusOpen {
		t.Fatalf("Status=%s, expected OPEN while position is live", got.Status)
	}
}

func TestReconcileContractsFieldCountsAsLive(t *testing.T) {
	// Some venues report only the unsigned contracts field.
	gw := &fakeGateway{positions: []exchange.Position{{Symbol: "BTCUSDT", Contracts: 10}}}
	svc, ledger := newTestService(t, gw)
	tr := openShort(t, ledger)

	if err := svc.ReconcileTrade(context.Background(), tr); err != nil {
		t.Fatalf("ReconcileTrade error: %v", err)
	}
	got, _ := ledger.GetTrade(context.Background(), tr.ID)
	if got.Status != db.StatusOpen {
		t.Fatalf("Status=%s, expected OPEN when contracts field is live", got.Status)
	}
}

func TestReconcileShortPnL(t *testing.T) {
	base := time.Now().UTC()
	gw := &fakeGateway{
		fills: []exchange.Fill{
			{OrderID: "x-1", Symbol: "BTCUSDT", Side: exchange.SideBuy, Price: 95, Amount: 10, FeeCost: 0.5, Time: base},
			// Entry-side fill must be ignored.
			{OrderID: "e-1", Symbol: "BTCUSDT", Side: exchange.SideSell, Price: 100, Amount: 10, FeeCost: 0.5, Time: base.Add(-time.Hour)},
		},
	}
	svc, ledger := newTestService(t, gw)
	tr := openShort(t, ledger)

	if err := svc.ReconcileTrade(context.Background(), tr); err != nil {
		t.Fatalf("ReconcileTrade error: %v", err)
	}

	got, _ := ledger.GetTrade(context.Background(), tr.ID)
	if got.Status == db.StatusOpen {
		t.Fatal("trade still OPEN after position disappeared")
	}
	// (100-95)*10 - 0.5 exit fee - 0.5 entry fee = 49.0.
	if math.Abs(got.PnL-49.0) > 1e-9 {
		t.Fatalf("PnL=%v, expected 49.0", got.PnL)
	}
	if got.ExitPrice != 95 {
		t.Fatalf("ExitPrice=%v, expected 95", got.ExitPrice)
	}
	// 49 / 200 margin * 100.
	if math.Abs(got.PnLPercentage-24.5) > 1e-9 {
		t.Fatalf("PnLPercentage=%v, expected 24.5", got.PnLPercentage)
	}
	if got.ExitOrderID != "x-1" {
		t.Fatalf("ExitOrderID=%s, expected x-1", got.ExitOrderID)
	}
}

func TestReconcileCloseReasons(t *testing.T) {
	cases := []struct {
		name   string
		exit   float64
		manual bool
		want   db.TradeStatus
	}{
		{"stop loss", 110.0, false, db.StatusClosedSL},
		{"stop loss within tolerance", 109.9, false, db.StatusClosedSL},
		{"take profit", 90.0, false, db.StatusClosedTP},
		{"manual", 101.0, true, db.StatusClosedManual},
		{"unattributed", 101.0, false, db.StatusClosedExchange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &fakeGateway{
				fills: []exchange.Fill{
					{OrderID: "x-1", Side: exchange.SideBuy, Price: tc.exit, Amount: 10, Time: time.Now().UTC()},
				},
			}
			svc, ledger := newTestService(t, gw)
			tr := openShort(t, ledger)
			if tc.manual {
				if _, err := ledger.FlagManualClose(context.Background(), tr.ID); err != nil {
					t.Fatalf("FlagManualClose error: %v", err)
				}
				tr.ManualCloseRequested = true
			}

			if err := svc.ReconcileTrade(context.Background(), tr); err != nil {
				t.Fatalf("ReconcileTrade error: %v", err)
			}
			got, _ := ledger.GetTrade(context.Background(), tr.ID)
			if got.Status != tc.want {
				t.Fatalf("Status=%s, expected %s", got.Status, tc.want)
			}
		})
	}
}

func TestReconcileNoFillsClosesBestEffort(t *testing.T) {
	gw := &fakeGateway{} // no positions, no fills
	svc, ledger := newTestService(t, gw)
	tr := openShort(t, ledger)

	if err := svc.ReconcileTrade(context.Background(), tr); err != nil {
		t.Fatalf("ReconcileTrade error: %v", err)
	}
	got, _ := ledger.GetTrade(context.Background(), tr.ID)
	if got.Status != db.StatusClosedExchange {
		t.Fatalf("Status=%s, expected CLOSED_EXCHANGE", got.Status)
	}
	if got.ExitReason == "" {
		t.Fatal("ExitReason empty for best-effort close")
	}
}

func TestReconcileChronologicalAccumulation(t *testing.T) {
	base := time.Now().UTC()
	gw := &fakeGateway{
		fills: []exchange.Fill{
			// Listed out of order; later fill exceeds what is left.
			{OrderID: "x-2", Side: exchange.SideBuy, Price: 96, Amount: 8, FeeCost: 0.4, Time: base.Add(time.Minute)},
			{OrderID: "x-1", Side: exchange.SideBuy, Price: 94, Amount: 6, FeeCost: 0.3, Time: base},
		},
	}
	svc, ledger := newTestService(t, gw)
	tr := openShort(t, ledger)

	if err := svc.ReconcileTrade(context.Background(), tr); err != nil {
		t.Fatalf("ReconcileTrade error: %v", err)
	}

	got, _ := ledger.GetTrade(context.Background(), tr.ID)
	// Chronological: 6 @ 94, then 4 of 8 @ 96 = avg (564+384)/10 = 94.8.
	if math.Abs(got.ExitPrice-94.8) > 1e-9 {
		t.Fatalf("ExitPrice=%v, expected 94.8", got.ExitPrice)
	}
	if got.ExitOrderID != "x-2" {
		t.Fatalf("ExitOrderID=%s, expected x-2", got.ExitOrderID)
	}
}

func TestReconcileMatchedQuantityNeverExceedsTrade(t *testing.T) {
	fills := []exchange.Fill{
		{Side: exchange.SideBuy, Price: 95, Amount: 7, Time: time.Now()},
		{Side: exchange.SideBuy, Price: 96, Amount: 7, Time: time.Now().Add(time.Second)},
		{Side: exchange.SideBuy, Price: 97, Amount: 7, Time: time.Now().Add(2 * time.Second)},
	}
	res := matchClosingFills(fills, "SHORT", 10)
	if res.Quantity > 10+1e-9 {
		t.Fatalf("matched quantity %v exceeds trade quantity 10", res.Quantity)
	}
	if math.Abs(res.Quantity-10) > 1e-9 {
		t.Fatalf("matched quantity %v, expected 10", res.Quantity)
	}
}

func TestReconcileTransientErrorLeavesTradeOpen(t *testing.T) {
	gw := &fakeGateway{positionsErr: errors.New("timeout")}
	svc, ledger := newTestService(t, gw)
	tr := openShort(t, ledger)

	if err := svc.ReconcileTrade(context.Background(), tr); err == nil {
		t.Fatal("expected error for failed position fetch")
	}
	got, _ := ledger.GetTrade(context.Background(), tr.ID)
	if got.Status != db.StatusOpen {
		t.Fatalf("Status=%s, expected OPEN after transient failure", got.Status)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	gw := &fakeGateway{
		fills: []exchange.Fill{
			{OrderID: "x-1", Side: exchange.SideBuy, Price: 95, Amount: 10, FeeCost: 0.5, Time: time.Now().UTC()},
		},
	}
	svc, ledger := newTestService(t, gw)
	tr := openShort(t, ledger)

	if err := svc.ReconcileTrade(context.Background(), tr); err != nil {
		t.Fatalf("first ReconcileTrade error: %v", err)
	}
	first, _ := ledger.GetTrade(context.Background(), tr.ID)

	// Change the fills and re-run with the stale in-memory trade; the
	// ledger row must not move again.
	gw.fills[0].Price = 80
	if err := svc.ReconcileTrade(context.Background(), tr); err != nil {
		t.Fatalf("second ReconcileTrade error: %v", err)
	}
	second, _ := ledger.GetTrade(context.Background(), tr.ID)
	if second.ExitPrice != first.ExitPrice || second.PnL != first.PnL {
		t.Fatalf("second reconciliation mutated the trade: %+v vs %+v", second, first)
	}

	// A trade already in a terminal status short-circuits before any
	// exchange call.
	gw.positionsErr = errors.New("gateway must not be touched")
	if err := svc.ReconcileTrade(context.Background(), first); err != nil {
		t.Fatalf("ReconcileTrade on closed trade: %v", err)
	}
}
