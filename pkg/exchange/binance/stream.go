package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// MarkPrice is one mark-price tick from the futures stream.
type MarkPrice struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// StreamClient consumes Binance futures public websocket streams.
type StreamClient struct {
	streamURL string
	dialer    *websocket.Dialer
	log       *zap.Logger
}

// NewStreamClient builds a websocket client; testnet toggles the host.
func NewStreamClient(testnet bool, log *zap.Logger) *StreamClient {
	host := "fstream.binance.com"
	if testnet {
		host = "stream.binancefuture.com"
	}
	return &StreamClient{
		streamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/stream"}).String(),
		dialer:    websocket.DefaultDialer,
		log:       log,
	}
}

// SubscribeMarkPrice streams mark prices for the given symbols into a
// channel. The connection is re-dialed with exponential backoff until ctx is
// cancelled; the channel closes on final shutdown.
func (c *StreamClient) SubscribeMarkPrice(ctx context.Context, symbols []string) (<-chan MarkPrice, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("subscribe mark price: no symbols")
	}
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@markPrice@1s"
	}
	u := c.streamURL + "?streams=" + strings.Join(streams, "/")

	out := make(chan MarkPrice, 256)
	go func() {
		defer close(out)
		bo := &backoff.Backoff{Min: time.Second, Max: time.Minute, Jitter: true}
		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.readLoop(ctx, u, out); err != nil && ctx.Err() == nil {
				wait := bo.Duration()
				c.log.Warn("mark price stream dropped",
					zap.Error(err), zap.Duration("retry_in", wait))
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
			bo.Reset()
		}
	}()
	return out, nil
}

func (c *StreamClient) readLoop(ctx context.Context, u string, out chan<- MarkPrice) error {
	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var frame struct {
			Data struct {
				Event  string `json:"e"`
				Symbol string `json:"s"`
				Price  string `json:"p"`
				Time   int64  `json:"E"`
			} `json:"data"`
		}
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Data.Event != "markPriceUpdate" {
			continue
		}
		tick := MarkPrice{
			Symbol: frame.Data.Symbol,
			Price:  parseFloat(frame.Data.Price),
			Time:   time.UnixMilli(frame.Data.Time),
		}
		select {
		case out <- tick:
		default:
			// Drop when the consumer lags; mark prices are superseded anyway.
		}
	}
}
