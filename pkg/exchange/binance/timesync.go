package binance

import (
	"context"
	"sync"
	"time"
)

// timeSync keeps a rolling offset between local and venue clocks so signed
// requests stay inside the recvWindow.
type timeSync struct {
	getServerTime func() (int64, error)
	off           int64 // ms, server - local
	mu            sync.RWMutex
}

func newTimeSync(getServerTime func() (int64, error)) *timeSync {
	return &timeSync{getServerTime: getServerTime}
}

func (ts *timeSync) start(ctx context.Context) {
	ts.sync()

	ticker := time.NewTicker(30 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ts.sync()
			}
		}
	}()
}

func (ts *timeSync) sync() {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime()
	if err != nil {
		return // keep previous offset; next tick retries
	}
	localAfter := time.Now().UnixMilli()

	// Assume symmetric network latency.
	local := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.off = serverTime - local
	ts.mu.Unlock()
}

func (ts *timeSync) offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.off
}
