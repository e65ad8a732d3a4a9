package exchange

import (
	"context"
	"math"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for an entry side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the order types the engine places.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus is the venue-reported order state.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusFilled   OrderStatus = "FILLED"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
)

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Ticker carries the latest traded and mark prices.
type Ticker struct {
	Symbol string
	Last   float64
	Mark   float64
}

// Position is an exchange-reported open position. Quantity is the venue's
// native signed amount; Contracts is the unified absolute size. Venues are
// inconsistent about which field they populate, so liveness checks both.
type Position struct {
	Symbol     string
	Quantity   float64 // signed: negative = short
	Contracts  float64 // unsigned
	EntryPrice float64
	Leverage   int
	MarkPrice  float64
}

// IsLive reports whether the position is non-trivially open.
func (p Position) IsLive(eps float64) bool {
	return math.Abs(p.Quantity) > eps || math.Abs(p.Contracts) > eps
}

// Fill is an exchange-reported execution. Never persisted on its own; folded
// into a trade's closing fields during reconciliation.
type Fill struct {
	OrderID  string
	Symbol   string
	Side     Side
	Price    float64
	Amount   float64
	Cost     float64
	FeeCost  float64
	FeeAsset string
	Time     time.Time
}

// Balance is the account balance for one asset.
type Balance struct {
	Asset string
	Free  float64
	Used  float64
	Total float64
}

// OrderRequest describes an order to submit.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         float64
	Price       float64 // limit orders
	StopPrice   float64 // stop / take-profit triggers
	ReduceOnly  bool
	ClientID    string
	WorkingType string // MARK_PRICE or CONTRACT_PRICE
}

// OrderResult is the venue's acknowledgement of a submitted order.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	AvgPrice        float64 // 0 when not reported
	ExecutedQty     float64
	Fee             float64 // 0 when not reported
}

// Gateway abstracts the trading venue consumed by the decision engine.
// Implementations must return the tagged error types in errors.go so callers
// can classify failures without venue-specific knowledge.
type Gateway interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchOpenPositions(ctx context.Context, symbol string) ([]Position, error)
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]Fill, error)
	CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error
	GetBalance(ctx context.Context, asset string) (Balance, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// Precision rules reported by the venue.
	AmountToPrecision(ctx context.Context, symbol string, amount float64) (float64, error)
	PriceToPrecision(ctx context.Context, symbol string, price float64) (float64, error)
}
