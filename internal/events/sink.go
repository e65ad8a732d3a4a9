package events

import (
	"context"

	"go.uber.org/zap"
)

var allTopics = []Event{
	EventSignalGenerated,
	EventOrderPlaced,
	EventOrderRejected,
	EventTradeClosed,
	EventStopsUpdated,
	EventSymbolSkipped,
	EventCycleFinished,
}

// LogSink forwards every published record to the structured logger, so
// the event stream lands in the same place as operational logs.
type LogSink struct {
	bus *Bus
	log *zap.Logger
}

func NewLogSink(bus *Bus, log *zap.Logger) *LogSink {
	return &LogSink{bus: bus, log: log.Named("events")}
}

// Run consumes until the context is cancelled.
func (s *LogSink) Run(ctx context.Context) {
	merged := make(chan Record, 256)
	for _, topic := range allTopics {
		ch, unsub := s.bus.Subscribe(topic, 64)
		defer unsub()
		go func(topic Event, ch <-chan Record) {
			for rec := range ch {
				select {
				case merged <- rec:
				case <-ctx.Done():
					return
				}
			}
		}(topic, ch)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-merged:
			s.log.Info(rec.Message,
				zap.Time("ts", rec.Timestamp),
				zap.String("symbol", rec.Symbol),
				zap.String("strategy", rec.Strategy),
				zap.String("decision", rec.Decision),
				zap.Any("details", rec.Details),
			)
		}
	}
}
