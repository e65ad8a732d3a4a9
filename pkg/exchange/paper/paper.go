// Package paper provides a simulated exchange.Gateway used in dry-run mode.
// Market data is delegated to a real venue client; account state (balance,
// positions, fills, resting trigger orders) is simulated in memory.
package paper

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"cycletrader/pkg/exchange"
)

// Gateway simulates fills against live market data.
type Gateway struct {
	market  exchange.Gateway // real client used for public endpoints
	feeRate float64

	mu       sync.Mutex
	balance  float64
	asset    string
	nextID   int64
	position map[string]*simPosition
	resting  []*restingOrder
	fills    []exchange.Fill
	leverage map[string]int
}

type simPosition struct {
	symbol   string
	qty      float64 // signed
	avgPrice float64
}

type restingOrder struct {
	id         string
	symbol     string
	side       exchange.Side
	orderType  exchange.OrderType
	stopPrice  float64
	qty        float64
	reduceOnly bool
}

// New creates a paper gateway with the given starting balance.
func New(market exchange.Gateway, asset string, initialBalance, feeRate float64) *Gateway {
	return &Gateway{
		market:   market,
		feeRate:  feeRate,
		balance:  initialBalance,
		asset:    asset,
		position: make(map[string]*simPosition),
		leverage: make(map[string]int),
	}
}

func (g *Gateway) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	return g.market.FetchOHLCV(ctx, symbol, timeframe, limit)
}

func (g *Gateway) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	tick, err := g.market.FetchTicker(ctx, symbol)
	if err != nil {
		return tick, err
	}
	g.evaluateTriggers(symbol, tick.Mark)
	return tick, nil
}

func (g *Gateway) AmountToPrecision(ctx context.Context, symbol string, amount float64) (float64, error) {
	return g.market.AmountToPrecision(ctx, symbol, amount)
}

func (g *Gateway) PriceToPrecision(ctx context.Context, symbol string, price float64) (float64, error) {
	return g.market.PriceToPrecision(ctx, symbol, price)
}

// FetchOpenPositions re-checks resting triggers at the current mark before
// reporting, so protective orders fire between polling cycles.
func (g *Gateway) FetchOpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	if symbol != "" {
		if tick, err := g.market.FetchTicker(ctx, symbol); err == nil {
			g.evaluateTriggers(symbol, tick.Mark)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	var out []exchange.Position
	for _, p := range g.position {
		if symbol != "" && p.symbol != symbol {
			continue
		}
		if math.Abs(p.qty) < 1e-12 {
			continue
		}
		out = append(out, exchange.Position{
			Symbol:     p.symbol,
			Quantity:   p.qty,
			Contracts:  math.Abs(p.qty),
			EntryPrice: p.avgPrice,
			Leverage:   g.leverage[p.symbol],
		})
	}
	return out, nil
}

func (g *Gateway) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	const op = "paper.CreateOrder"

	switch req.Type {
	case exchange.OrderTypeMarket:
		tick, err := g.market.FetchTicker(ctx, req.Symbol)
		if err != nil {
			return exchange.OrderResult{}, err
		}
		return g.fill(req.Symbol, req.Side, req.Qty, tick.Last)
	case exchange.OrderTypeStopMarket, exchange.OrderTypeTakeProfitMarket:
		if req.StopPrice <= 0 {
			return exchange.OrderResult{}, &exchange.ClientError{Op: op, Err: fmt.Errorf("stop order requires stopPrice")}
		}
		g.mu.Lock()
		g.nextID++
		id := strconv.FormatInt(g.nextID, 10)
		g.resting = append(g.resting, &restingOrder{
			id:         id,
			symbol:     req.Symbol,
			side:       req.Side,
			orderType:  req.Type,
			stopPrice:  req.StopPrice,
			qty:        req.Qty,
			reduceOnly: req.ReduceOnly,
		})
		g.mu.Unlock()
		return exchange.OrderResult{ExchangeOrderID: id, Status: exchange.StatusNew}, nil
	default:
		return exchange.OrderResult{}, &exchange.ClientError{Op: op, Err: fmt.Errorf("unsupported order type %s", req.Type)}
	}
}

// fill executes a market order immediately at price.
func (g *Gateway) fill(symbol string, side exchange.Side, qty, price float64) (exchange.OrderResult, error) {
	const op = "paper.CreateOrder"
	if qty <= 0 || price <= 0 {
		return exchange.OrderResult{}, &exchange.ClientError{Op: op, Err: fmt.Errorf("qty and price must be > 0")}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cost := qty * price
	fee := cost * g.feeRate
	if g.balance < fee {
		return exchange.OrderResult{}, &exchange.RequestError{Op: op, Err: fmt.Errorf("insufficient simulated balance")}
	}
	g.balance -= fee

	pos, ok := g.position[symbol]
	if !ok {
		pos = &simPosition{symbol: symbol}
		g.position[symbol] = pos
	}
	signed := qty
	if side == exchange.SideSell {
		signed = -qty
	}

	// Realize PnL on the closed portion when the fill reduces exposure.
	if pos.qty != 0 && sameSign(pos.qty, -signed) {
		closed := math.Min(math.Abs(pos.qty), qty)
		direction := 1.0
		if pos.qty < 0 {
			direction = -1.0
		}
		g.balance += direction * (price - pos.avgPrice) * closed
	}

	newQty := pos.qty + signed
	if math.Abs(newQty) < 1e-12 {
		pos.qty = 0
		pos.avgPrice = 0
	} else if sameSign(pos.qty, signed) || pos.qty == 0 {
		pos.avgPrice = (pos.avgPrice*math.Abs(pos.qty) + price*qty) / (math.Abs(pos.qty) + qty)
		pos.qty = newQty
	} else {
		// Flipped through zero: remaining exposure carries the fill price.
		pos.qty = newQty
		pos.avgPrice = price
	}

	g.nextID++
	id := strconv.FormatInt(g.nextID, 10)
	g.fills = append(g.fills, exchange.Fill{
		OrderID: id,
		Symbol:  symbol,
		Side:    side,
		Price:   price,
		Amount:  qty,
		Cost:    cost,
		FeeCost: fee,
		Time:    time.Now(),
	})
	return exchange.OrderResult{
		ExchangeOrderID: id,
		Status:          exchange.StatusFilled,
		AvgPrice:        price,
		ExecutedQty:     qty,
		Fee:             fee,
	}, nil
}

// evaluateTriggers fires resting stop/take-profit orders crossed by mark.
func (g *Gateway) evaluateTriggers(symbol string, mark float64) {
	if mark <= 0 {
		return
	}

	g.mu.Lock()
	var fired []*restingOrder
	remaining := g.resting[:0]
	for _, o := range g.resting {
		if o.symbol == symbol && triggered(o, mark) {
			fired = append(fired, o)
			continue
		}
		remaining = append(remaining, o)
	}
	g.resting = remaining
	g.mu.Unlock()

	for _, o := range fired {
		qty := o.qty
		if o.reduceOnly {
			// Reduce-only caps at current opposite exposure; with the
			// position already flat the order evaporates, matching how
			// the venue treats an orphaned protective order.
			g.mu.Lock()
			var exposure float64
			if pos, ok := g.position[o.symbol]; ok {
				if (o.side == exchange.SideSell && pos.qty > 0) || (o.side == exchange.SideBuy && pos.qty < 0) {
					exposure = math.Abs(pos.qty)
				}
			}
			g.mu.Unlock()
			if exposure <= 0 {
				continue
			}
			qty = math.Min(qty, exposure)
		}
		_, _ = g.fill(o.symbol, o.side, qty, o.stopPrice)
	}
}

// triggered mirrors the venue rule: a buy stop fires when price rises to the
// trigger, a sell stop when it falls to it; take-profits are the inverse.
func triggered(o *restingOrder, mark float64) bool {
	above := mark >= o.stopPrice
	if o.orderType == exchange.OrderTypeStopMarket {
		if o.side == exchange.SideBuy {
			return above
		}
		return !above
	}
	// take-profit
	if o.side == exchange.SideBuy {
		return !above
	}
	return above
}

func (g *Gateway) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]exchange.Fill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []exchange.Fill
	for _, f := range g.fills {
		if f.Symbol != symbol {
			continue
		}
		if !since.IsZero() && f.Time.Before(since) {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, o := range g.resting {
		if o.id == exchangeOrderID {
			g.resting = append(g.resting[:i], g.resting[i+1:]...)
			return nil
		}
	}
	return &exchange.RequestError{Op: "paper.CancelOrder", Err: fmt.Errorf("unknown order %s", exchangeOrderID)}
}

func (g *Gateway) GetBalance(ctx context.Context, asset string) (exchange.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return exchange.Balance{Asset: g.asset, Free: g.balance, Total: g.balance}, nil
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leverage[symbol] = leverage
	return nil
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

var _ exchange.Gateway = (*Gateway)(nil)
