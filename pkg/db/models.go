package db

import "time"

// TradeStatus is the trade lifecycle state. OPEN is the only non-terminal
// status; a closed trade is never re-opened. A new position on the same
// symbol gets a new row.
type TradeStatus string

const (
	StatusOpen           TradeStatus = "OPEN"
	StatusClosedTP       TradeStatus = "CLOSED_TP"
	StatusClosedSL       TradeStatus = "CLOSED_SL"
	StatusClosedManual   TradeStatus = "CLOSED_MANUAL"
	StatusClosedExchange TradeStatus = "CLOSED_EXCHANGE"
)

// Terminal reports whether the status is a closed state.
func (s TradeStatus) Terminal() bool {
	return s != StatusOpen
}

// Trade is the persisted record of one position from entry to close.
// Created by the order dispatcher on successful placement; mutated only by
// reconciliation (close) and stop monitoring (current SL/TP).
type Trade struct {
	ID                   string
	Symbol               string
	Direction            string // LONG or SHORT
	Status               TradeStatus
	EntryPrice           float64
	Quantity             float64
	LeverageApplied      int
	MarginUsedInitial    float64
	StopLossInitial      float64
	StopLossCurrent      float64
	TakeProfitInitial    float64
	TakeProfitCurrent    float64
	EntryOrderID         string
	ExitOrderID          string
	EntryFee             float64
	ExitFee              float64
	ExitPrice            float64
	PnL                  float64
	PnLPercentage        float64
	ExitReason           string
	StrategyName         string
	RegimeAtEntry        string
	ManualCloseRequested bool
	OpenedAt             time.Time
	ClosedAt             *time.Time
}

// ClosePatch carries the terminal fields applied when a trade closes.
type ClosePatch struct {
	Status        TradeStatus
	ExitOrderID   string
	ExitPrice     float64
	ExitFee       float64
	PnL           float64
	PnLPercentage float64
	ExitReason    string
	ClosedAt      time.Time
}
