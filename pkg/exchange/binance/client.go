// Package binance implements the exchange.Gateway against Binance USDT-M
// futures using signed REST calls.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"cycletrader/pkg/exchange"
)

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client is a signed REST client for Binance USDT-M futures.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *timeSync
	limiter    *rate.Limiter
	filters    *filterCache
}

// New creates a USDT-M futures client.
func New(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// 2400 weight/min for futures; leave headroom for bursts.
		limiter: rate.NewLimiter(rate.Limit(2400.0/60.0), 120),
		filters: newFilterCache(),
	}
	c.timeSync = newTimeSync(c.serverTime)
	return c
}

// StartTimeSync begins periodic clock synchronization with the venue.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.start(ctx)
}

func (c *Client) now() int64 {
	if off := c.timeSync.offset(); off != 0 {
		return time.Now().UnixMilli() + off
	}
	return time.Now().UnixMilli()
}

// FetchOHLCV returns up to limit candles for symbol/timeframe.
func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	const op = "binance.FetchOHLCV"
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doPublic(ctx, op, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}

	// Klines come as positional arrays of mixed number/string values.
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &exchange.RequestError{Op: op, Err: fmt.Errorf("decode klines: %w", err)}
	}
	candles := make([]exchange.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		openTime, _ := k[0].(float64)
		candles = append(candles, exchange.Candle{
			OpenTime: time.UnixMilli(int64(openTime)),
			Open:     anyFloat(k[1]),
			High:     anyFloat(k[2]),
			Low:      anyFloat(k[3]),
			Close:    anyFloat(k[4]),
			Volume:   anyFloat(k[5]),
		})
	}
	return candles, nil
}

// FetchTicker returns last traded and mark prices for symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	const op = "binance.FetchTicker"
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doPublic(ctx, op, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return exchange.Ticker{}, err
	}
	var idx struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &idx); err != nil {
		return exchange.Ticker{}, &exchange.RequestError{Op: op, Err: fmt.Errorf("decode premium index: %w", err)}
	}

	body, err = c.doPublic(ctx, op, "/fapi/v1/ticker/price", params)
	if err != nil {
		return exchange.Ticker{}, err
	}
	var tick struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &tick); err != nil {
		return exchange.Ticker{}, &exchange.RequestError{Op: op, Err: fmt.Errorf("decode ticker: %w", err)}
	}

	return exchange.Ticker{
		Symbol: symbol,
		Last:   parseFloat(tick.Price),
		Mark:   parseFloat(idx.MarkPrice),
	}, nil
}

// FetchOpenPositions returns the position risk view; symbol optional.
func (c *Client) FetchOpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	const op = "binance.FetchOpenPositions"
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, op, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
		MarkPrice   string `json:"markPrice"`
		Leverage    string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &exchange.RequestError{Op: op, Err: fmt.Errorf("decode positions: %w", err)}
	}
	positions := make([]exchange.Position, 0, len(raw))
	for _, p := range raw {
		qty := parseFloat(p.PositionAmt)
		lev, _ := strconv.Atoi(p.Leverage)
		positions = append(positions, exchange.Position{
			Symbol:     p.Symbol,
			Quantity:   qty,
			Contracts:  abs(qty),
			EntryPrice: parseFloat(p.EntryPrice),
			MarkPrice:  parseFloat(p.MarkPrice),
			Leverage:   lev,
		})
	}
	return positions, nil
}

// CreateOrder places an order.
func (c *Client) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	const op = "binance.CreateOrder"
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", formatFloat(req.Qty))

	if req.Type == exchange.OrderTypeLimit {
		if req.Price <= 0 {
			return exchange.OrderResult{}, &exchange.ClientError{Op: op, Err: errors.New("limit order requires price")}
		}
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	}
	if req.Type == exchange.OrderTypeStopMarket || req.Type == exchange.OrderTypeTakeProfitMarket {
		if req.StopPrice <= 0 {
			return exchange.OrderResult{}, &exchange.ClientError{Op: op, Err: errors.New("stop order requires stopPrice")}
		}
		params.Set("stopPrice", formatFloat(req.StopPrice))
		if req.WorkingType != "" {
			params.Set("workingType", req.WorkingType)
		}
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	// Ask for the full ack so market fills report avgPrice immediately.
	params.Set("newOrderRespType", "RESULT")

	body, err := c.doSigned(ctx, op, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		AvgPrice      string `json:"avgPrice"`
		ExecutedQty   string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.OrderResult{}, &exchange.RequestError{Op: op, Err: fmt.Errorf("decode order: %w", err)}
	}
	return exchange.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientID:        resp.ClientOrderID,
		Status:          exchange.OrderStatus(resp.Status),
		AvgPrice:        parseFloat(resp.AvgPrice),
		ExecutedQty:     parseFloat(resp.ExecutedQty),
	}, nil
}

// FetchMyTrades returns account fills for symbol since the given time.
func (c *Client) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]exchange.Fill, error) {
	const op = "binance.FetchMyTrades"
	params := url.Values{}
	params.Set("symbol", symbol)
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doSigned(ctx, op, http.MethodGet, "/fapi/v1/userTrades", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		OrderID         int64  `json:"orderId"`
		Symbol          string `json:"symbol"`
		Side            string `json:"side"`
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		QuoteQty        string `json:"quoteQty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
		Time            int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &exchange.RequestError{Op: op, Err: fmt.Errorf("decode user trades: %w", err)}
	}
	fills := make([]exchange.Fill, 0, len(raw))
	for _, t := range raw {
		fills = append(fills, exchange.Fill{
			OrderID:  strconv.FormatInt(t.OrderID, 10),
			Symbol:   t.Symbol,
			Side:     exchange.Side(t.Side),
			Price:    parseFloat(t.Price),
			Amount:   parseFloat(t.Qty),
			Cost:     parseFloat(t.QuoteQty),
			FeeCost:  parseFloat(t.Commission),
			FeeAsset: t.CommissionAsset,
			Time:     time.UnixMilli(t.Time),
		})
	}
	return fills, nil
}

// CancelOrder cancels an order by exchange ID.
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	const op = "binance.CancelOrder"
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	_, err := c.doSigned(ctx, op, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// GetBalance returns the futures balance for one asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (exchange.Balance, error) {
	const op = "binance.GetBalance"
	body, err := c.doSigned(ctx, op, http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return exchange.Balance{}, err
	}
	var raw []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return exchange.Balance{}, &exchange.RequestError{Op: op, Err: fmt.Errorf("decode balance: %w", err)}
	}
	for _, b := range raw {
		if b.Asset != asset {
			continue
		}
		total := parseFloat(b.Balance)
		free := parseFloat(b.AvailableBalance)
		return exchange.Balance{
			Asset: asset,
			Free:  free,
			Used:  total - free,
			Total: total,
		}, nil
	}
	return exchange.Balance{}, &exchange.RequestError{Op: op, Err: fmt.Errorf("no balance entry for %s", asset)}
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	const op = "binance.SetLeverage"
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, op, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

func (c *Client) serverTime() (int64, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/fapi/v1/time")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("server time status %d: %s", resp.StatusCode, string(b))
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// doPublic sends an unsigned request.
func (c *Client) doPublic(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &exchange.RequestError{Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &exchange.ClientError{Op: op, Err: err}
	}
	return c.send(op, req)
}

// doSigned handles signing and sending authenticated requests.
func (c *Client) doSigned(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, &exchange.AuthError{Op: op, Err: errors.New("API key/secret required")}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &exchange.RequestError{Op: op, Err: err}
	}

	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	endpoint := c.baseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, &exchange.ClientError{Op: op, Err: err}
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.send(op, req)
}

func (c *Client) send(op string, req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures (timeouts included) are transient.
		return nil, &exchange.RequestError{Op: op, Err: err}
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode < 300 {
		return body, nil
	}
	return nil, classifyAPIError(op, res.StatusCode, body)
}

// classifyAPIError maps Binance error responses onto the gateway taxonomy.
func classifyAPIError(op string, status int, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)
	base := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &exchange.AuthError{Op: op, Err: base}
	}
	switch apiErr.Code {
	case -2014, -2015, -1022: // bad API key format, rejected key/IP, bad signature
		return &exchange.AuthError{Op: op, Err: base}
	case -1100, -1102, -1104, -1106, -1111, -1130: // malformed or illegal parameters
		return &exchange.ClientError{Op: op, Err: base}
	}
	return &exchange.RequestError{Op: op, Code: apiErr.Code, Err: base}
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func anyFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		return parseFloat(t)
	default:
		return 0
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

var _ exchange.Gateway = (*Client)(nil)
